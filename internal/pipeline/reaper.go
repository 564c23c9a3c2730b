package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/events"
	"github.com/fieldnote/coordinator/internal/repository"
)

// nonTerminalStates are every status a capture can be stuck in after a
// worker dies mid-job.
var nonTerminalStates = []domain.CaptureStatus{
	domain.StatusPending,
	domain.StatusClassifying,
	domain.StatusClassified,
	domain.StatusGenerating,
}

// DefaultStuckAge is the default age (§4.4) after which a non-terminal
// capture is considered orphaned.
const DefaultStuckAge = 2 * time.Minute

// DefaultSweepInterval is how often the Reaper scans for stuck captures.
const DefaultSweepInterval = 30 * time.Second

// Reaper periodically scans for captures stuck in a non-terminal state
// past StuckAge and transitions them to failed:Orphaned, using the same
// conditional TransitionCapture every other pipeline step uses — so a
// capture a worker finishes the instant before the reaper reaches it is
// never double-terminated.
type Reaper struct {
	repo           repository.Repository
	bus            *events.Bus
	clock          clock.Clock
	stuckAge       time.Duration
	sweepInterval  time.Duration
	batchSize      int
	sweepCount     int
	terminatedTotal int
}

// ReaperConfig configures a Reaper. Zero values fall back to the package
// defaults.
type ReaperConfig struct {
	Repo          repository.Repository
	Bus           *events.Bus
	Clock         clock.Clock
	StuckAge      time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

// NewReaper builds a Reaper from cfg.
func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.StuckAge <= 0 {
		cfg.StuckAge = DefaultStuckAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{
		repo:          cfg.Repo,
		bus:           cfg.Bus,
		clock:         cfg.Clock,
		stuckAge:      cfg.StuckAge,
		sweepInterval: cfg.SweepInterval,
		batchSize:     cfg.BatchSize,
	}
}

// Run ticks every SweepInterval until ctx is canceled, sweeping once
// immediately on start.
func (r *Reaper) Run(ctx context.Context) {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one scan-and-terminate pass and returns how many captures it
// terminated; the running totals are available through Stats.
func (r *Reaper) Sweep(ctx context.Context) int {
	r.sweepCount++
	cutoff := r.clock.Now().Add(-r.stuckAge)

	stuck, err := r.repo.ListStuck(ctx, cutoff, r.batchSize)
	if err != nil {
		slog.Error("reaper: list stuck captures failed", "error", err)
		return 0
	}

	terminated := 0
	for _, c := range stuck {
		reason := domain.ReasonOrphaned
		updated, err := r.repo.TransitionCapture(ctx, c.ID,
			nonTerminalStates,
			domain.StatusFailed,
			domain.CapturePatch{FailureReason: &reason},
		)
		if err != nil {
			// Already advanced or terminated since ListStuck ran; not an
			// error, just a race the reaper lost.
			continue
		}
		terminated++
		r.bus.Emit(events.TopicCaptureFailed, updated.ID, updated.OwnerUserID, map[string]any{
			"status": string(updated.Status),
			"reason": updated.FailureReason,
		})
	}

	if terminated > 0 {
		slog.Info("reaper: swept stuck captures", "scanned", len(stuck), "terminated", terminated)
	}
	r.terminatedTotal += terminated
	return terminated
}

// Stats reports cumulative sweep counters; /healthz includes them in its
// response.
func (r *Reaper) Stats() (sweeps, terminated int) {
	return r.sweepCount, r.terminatedTotal
}
