// Package config loads the Coordinator's configuration: a YAML file
// decoded into Config, then overridden field-by-field from environment
// variables — the teacher's own singleton + env-override shape, narrowed
// from its multi-service OCX config to the fields spec.md §6 names plus
// this expansion's Redis/S3 connection settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Store      StoreConfig      `yaml:"store"`
	Inference  InferenceConfig  `yaml:"inference"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// StoreConfig configures the Clip Store and Asset Store (§4.1). Endpoint
// empty targets real AWS S3; set it for R2/MinIO.
type StoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ClipsBucket     string `yaml:"clips_bucket"`
	AssetsBucket    string `yaml:"assets_bucket"`
	ClipsPublicURL  string `yaml:"clips_public_url"`
	AssetsPublicURL string `yaml:"assets_public_url"`
	ClipPrefix      string `yaml:"clip_prefix"`
}

// InferenceConfig configures both the Classifier and Generator clients
// (§4.3); they are deliberately symmetric so either can point at the same
// host in local dev.
type InferenceConfig struct {
	ClassifierURL    string `yaml:"classifier_url"`
	ClassifierAPIKey string `yaml:"classifier_api_key"`
	GeneratorURL     string `yaml:"generator_url"`
	GeneratorAPIKey  string `yaml:"generator_api_key"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	MaxRetries       int    `yaml:"max_retries"`
}

type DispatcherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type IngressConfig struct {
	MaxUploadBytes    int64 `yaml:"max_upload_bytes"`
	RateLimitPerMin   int   `yaml:"rate_limit_per_minute"`
	RateLimitBurst    int   `yaml:"rate_limit_burst"`
	UseRedisRateLimit bool  `yaml:"use_redis_rate_limit"`
}

type ReaperConfig struct {
	StuckAgeSec      int `yaml:"stuck_age_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	BatchSize        int `yaml:"batch_size"`
}

type GatewayConfig struct {
	PingIntervalSec int `yaml:"ping_interval_sec"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	JWTIssuer        string `yaml:"jwt_issuer"`
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutSec) * time.Second
}

func (c *Config) ReaperStuckAge() time.Duration {
	return time.Duration(c.Reaper.StuckAgeSec) * time.Second
}

func (c *Config) ReaperSweepInterval() time.Duration {
	return time.Duration(c.Reaper.SweepIntervalSec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Store.ClipPrefix == "" {
		c.Store.ClipPrefix = "clips"
	}
	if c.Inference.TimeoutSec == 0 {
		c.Inference.TimeoutSec = 10
	}
	if c.Inference.MaxRetries == 0 {
		c.Inference.MaxRetries = 3
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 8 // 2x a typical 4-core box, per §4.5
	}
	if c.Dispatcher.QueueSize == 0 {
		c.Dispatcher.QueueSize = c.Dispatcher.Workers * 8
	}
	if c.Ingress.MaxUploadBytes == 0 {
		c.Ingress.MaxUploadBytes = 10 << 20 // 10 MB
	}
	if c.Ingress.RateLimitPerMin == 0 {
		c.Ingress.RateLimitPerMin = 30
	}
	if c.Ingress.RateLimitBurst == 0 {
		c.Ingress.RateLimitBurst = 10
	}
	if c.Reaper.StuckAgeSec == 0 {
		c.Reaper.StuckAgeSec = 120
	}
	if c.Reaper.SweepIntervalSec == 0 {
		c.Reaper.SweepIntervalSec = 30
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 100
	}
	if c.Gateway.PingIntervalSec == 0 {
		c.Gateway.PingIntervalSec = 30
	}
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide Config singleton, loading it on first use
// from CONFIG_PATH (default config.yaml) plus environment overrides. A
// missing config file is not fatal — defaults plus env vars can fully
// configure the Coordinator in a container.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env", "error", err)
		}

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults+env", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("COORDINATOR_ENV", c.Server.Env)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Store.Endpoint = getEnv("STORE_ENDPOINT", c.Store.Endpoint)
	c.Store.Region = getEnv("STORE_REGION", c.Store.Region)
	c.Store.AccessKeyID = getEnv("STORE_ACCESS_KEY_ID", c.Store.AccessKeyID)
	c.Store.SecretAccessKey = getEnv("STORE_SECRET_ACCESS_KEY", c.Store.SecretAccessKey)
	c.Store.ClipsBucket = getEnv("STORE_CLIPS_BUCKET", c.Store.ClipsBucket)
	c.Store.AssetsBucket = getEnv("STORE_ASSETS_BUCKET", c.Store.AssetsBucket)
	c.Store.ClipsPublicURL = getEnv("STORE_CLIPS_PUBLIC_URL", c.Store.ClipsPublicURL)
	c.Store.AssetsPublicURL = getEnv("STORE_ASSETS_PUBLIC_URL", c.Store.AssetsPublicURL)

	c.Inference.ClassifierURL = getEnv("CLASSIFIER_URL", c.Inference.ClassifierURL)
	c.Inference.ClassifierAPIKey = getEnv("CLASSIFIER_API_KEY", c.Inference.ClassifierAPIKey)
	c.Inference.GeneratorURL = getEnv("GENERATOR_URL", c.Inference.GeneratorURL)
	c.Inference.GeneratorAPIKey = getEnv("GENERATOR_API_KEY", c.Inference.GeneratorAPIKey)
	c.Inference.TimeoutSec = getEnvInt("INFERENCE_TIMEOUT_SEC", c.Inference.TimeoutSec)
	c.Inference.MaxRetries = getEnvInt("INFERENCE_MAX_RETRIES", c.Inference.MaxRetries)

	c.Dispatcher.Workers = getEnvInt("DISPATCHER_WORKERS", c.Dispatcher.Workers)
	c.Dispatcher.QueueSize = getEnvInt("DISPATCHER_QUEUE_SIZE", c.Dispatcher.QueueSize)

	c.Ingress.MaxUploadBytes = int64(getEnvInt("INGRESS_MAX_UPLOAD_BYTES", int(c.Ingress.MaxUploadBytes)))
	c.Ingress.RateLimitPerMin = getEnvInt("INGRESS_RATE_LIMIT_PER_MIN", c.Ingress.RateLimitPerMin)
	c.Ingress.RateLimitBurst = getEnvInt("INGRESS_RATE_LIMIT_BURST", c.Ingress.RateLimitBurst)
	c.Ingress.UseRedisRateLimit = getEnvBool("INGRESS_USE_REDIS_RATE_LIMIT", c.Ingress.UseRedisRateLimit)

	c.Reaper.StuckAgeSec = getEnvInt("REAPER_STUCK_AGE_SEC", c.Reaper.StuckAgeSec)
	c.Reaper.SweepIntervalSec = getEnvInt("REAPER_SWEEP_INTERVAL_SEC", c.Reaper.SweepIntervalSec)

	c.Gateway.PingIntervalSec = getEnvInt("GATEWAY_PING_INTERVAL_SEC", c.Gateway.PingIntervalSec)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Auth.JWTPublicKeyPath = getEnv("JWT_PUBLIC_KEY_PATH", c.Auth.JWTPublicKeyPath)
	c.Auth.JWTIssuer = getEnv("JWT_ISSUER", c.Auth.JWTIssuer)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
