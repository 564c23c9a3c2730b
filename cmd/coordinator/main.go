// Command coordinator starts the Capture Coordinator API: it wires
// config, the Postgres repository, the clip/asset blob stores, the
// inference clients, the event bus, the capture pipeline, the dispatcher,
// the reaper, the WS gateway, and the ingress HTTP handlers, then serves
// until SIGTERM. Grounded on the teacher's cmd/api/main.go wiring and
// graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldnote/coordinator/internal/apierr"
	"github.com/fieldnote/coordinator/internal/auth"
	"github.com/fieldnote/coordinator/internal/blobstore"
	"github.com/fieldnote/coordinator/internal/circuitbreaker"
	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/config"
	"github.com/fieldnote/coordinator/internal/dispatcher"
	"github.com/fieldnote/coordinator/internal/events"
	"github.com/fieldnote/coordinator/internal/infra"
	"github.com/fieldnote/coordinator/internal/inference"
	"github.com/fieldnote/coordinator/internal/ingress"
	"github.com/fieldnote/coordinator/internal/pipeline"
	"github.com/fieldnote/coordinator/internal/repository"
	"github.com/fieldnote/coordinator/internal/wsgateway"
)

func main() {
	cfg := config.Get()

	db, err := repository.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := repository.NewPostgres(db)

	clips, err := openStore(cfg.Store.ClipsBucket, cfg.Store.ClipsPublicURL, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open clip store: %v", err)
	}
	assets, err := openStore(cfg.Store.AssetsBucket, cfg.Store.AssetsPublicURL, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open asset store: %v", err)
	}

	bus := events.New(256)

	breakers := circuitbreaker.NewManager()
	classifier := inference.NewClassifier(inference.ClientConfig{
		BaseURL:    cfg.Inference.ClassifierURL,
		APIKey:     cfg.Inference.ClassifierAPIKey,
		Timeout:    cfg.InferenceTimeout(),
		MaxRetries: cfg.Inference.MaxRetries,
	}, breakers)
	generator := inference.NewGenerator(inference.ClientConfig{
		BaseURL:    cfg.Inference.GeneratorURL,
		APIKey:     cfg.Inference.GeneratorAPIKey,
		Timeout:    cfg.InferenceTimeout(),
		MaxRetries: cfg.Inference.MaxRetries,
	}, breakers)

	pl := pipeline.New(pipeline.Config{
		Repo:       repo,
		Clips:      clips,
		Assets:     assets,
		Classifier: classifier,
		Generator:  generator,
		Bus:        bus,
		Clock:      clock.Real{},
	})

	var dedup dispatcher.Deduper
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := infra.NewRedisClient(infra.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			slog.Warn("redis connection failed, falling back to in-memory dedup and rate limiting", "error", err)
		} else {
			redisClient = client
			dedup = dispatcher.NewRedisDeduper(client, cfg.ReaperStuckAge())
		}
	}

	disp := dispatcher.New(dispatcher.Config{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	}, pl, dedup)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	go func() {
		if err := disp.Run(dispatchCtx, cfg.Dispatcher.Workers); err != nil {
			slog.Error("dispatcher stopped", "error", err)
		}
	}()

	rp := pipeline.NewReaper(pipeline.ReaperConfig{
		Repo:          repo,
		Bus:           bus,
		Clock:         clock.Real{},
		StuckAge:      cfg.ReaperStuckAge(),
		SweepInterval: cfg.ReaperSweepInterval(),
		BatchSize:     cfg.Reaper.BatchSize,
	})
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	go rp.Run(reaperCtx)

	var limiter ingress.Limiter
	if cfg.Ingress.UseRedisRateLimit && redisClient != nil {
		limiter = ingress.NewRedisLimiter(redisClient, cfg.Ingress.RateLimitPerMin)
	} else {
		tb := ingress.NewTokenBucketLimiter(cfg.Ingress.RateLimitPerMin, cfg.Ingress.RateLimitBurst)
		defer tb.Close()
		limiter = tb
	}

	verifier, err := newVerifier(cfg.Auth.JWTPublicKeyPath, cfg.Auth.JWTIssuer)
	if err != nil {
		log.Fatalf("failed to load JWT public key: %v", err)
	}

	gateway := wsgateway.New(bus)
	wsSub := bus.Subscribe(events.TopicCaptureClassified, events.TopicCaptureProcessed, events.TopicCaptureFailed, events.TopicSpeciesAssetReady)
	go gateway.Run(wsSub)

	deps := ingress.Deps{
		Repo:       repo,
		Clips:      clips,
		Dispatcher: disp,
		Verifier:   verifier,
		IDs:        clock.UUIDGenerator{},
		Clock:      clock.Real{},
		Limiter:    limiter,
		MaxUpload:  cfg.Ingress.MaxUploadBytes,
		ClipPrefix: cfg.Store.ClipPrefix,
	}

	router := ingress.NewRouter(deps)
	router.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, err := verifier.UserIDFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		gateway.HandleWebSocket(w, r, userID)
	}).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealthz(db, disp, rp)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")

		dispatchCancel()
		reaperCancel()

		shutdownSec := cfg.Server.ShutdownSec
		if shutdownSec <= 0 {
			shutdownSec = 30
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(shutdownSec)*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("coordinator starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

func openStore(bucket, publicURL string, cfg config.StoreConfig) (blobstore.Store, error) {
	if bucket == "" {
		slog.Warn("store bucket not configured, using in-memory store (data lost on restart)")
		return blobstore.NewMemoryStore(), nil
	}
	return blobstore.NewS3Store(blobstore.S3Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Bucket:          bucket,
		PublicURL:       publicURL,
	})
}

func newVerifier(publicKeyPath, issuer string) (*auth.Verifier, error) {
	pem, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(pem, issuer)
}

func handleHealthz(db *repository.DB, disp *dispatcher.Dispatcher, rp *pipeline.Reaper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Health(r.Context()); err != nil {
			w.WriteHeader(apierr.StatusCode(apierr.KindInternal))
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		sweeps, terminated := rp.Stats()
		json.NewEncoder(w).Encode(map[string]any{
			"status":           "ok",
			"queueDepth":       disp.QueueDepth(),
			"reaperSweeps":     sweeps,
			"reaperTerminated": terminated,
		})
	}
}
