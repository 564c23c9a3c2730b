// Package dispatcher implements the Dispatcher (§4.5): a bounded worker
// pool that runs the Pipeline's classify/generate/finalize steps for each
// Capture. Adapted from the teacher's webhook Dispatcher
// (internal/webhooks/dispatcher.go) — the fixed worker pool draining a
// buffered channel is kept; fire-and-forget webhook delivery becomes an
// awaited Processor call, and a dedup set (optionally Redis-backed)
// replaces the webhook registry's per-subscriber fan-out.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fieldnote/coordinator/internal/domain"
)

// ErrQueueFull is returned by Submit when the work queue has no room; the
// ingress handler maps this onto failed:Busy immediately rather than
// blocking the uploading device (spec.md open question, resolved in favor
// of fast failure over queuing).
var ErrQueueFull = errors.New("dispatcher: queue full")

// Processor runs the Pipeline's work for one capture to completion.
// internal/pipeline.Pipeline implements this; the Dispatcher only ever
// talks to the interface so the two packages don't import each other.
type Processor interface {
	Process(ctx context.Context, captureID string) error
}

// Failer terminates a capture with a reason without running it. Processor
// implementations may optionally satisfy this (internal/pipeline.Pipeline
// does, via Abort) so the dispatcher can fail off captures still sitting
// in the queue when it shuts down rather than leave them for the reaper
// to notice minutes later.
type Failer interface {
	Abort(ctx context.Context, captureID, reason string)
}

// Deduper prevents a capture already queued or in-flight from being
// queued again. The in-process implementation is a plain map; a
// Redis-backed one lets multiple Coordinator replicas share one queue's
// worth of dedup state (§4.5's optional distributed mode).
type Deduper interface {
	// TryClaim returns true if captureID was not already claimed, and
	// marks it claimed as a side effect.
	TryClaim(ctx context.Context, captureID string) (bool, error)
	Release(ctx context.Context, captureID string)
}

// Config configures a Dispatcher.
type Config struct {
	Workers   int
	QueueSize int
}

// Dispatcher runs Processor.Process for queued captures on a fixed pool of
// worker goroutines.
type Dispatcher struct {
	processor Processor
	dedup     Deduper

	queue chan string
	group *errgroup.Group
	gctx  context.Context

	mu      sync.Mutex
	started bool
}

// New creates a Dispatcher. Call Run before Submit.
func New(cfg Config, processor Processor, dedup Deduper) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if dedup == nil {
		dedup = NewMemDeduper()
	}
	return &Dispatcher{
		processor: processor,
		dedup:     dedup,
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Run starts the worker pool. It blocks until ctx is canceled and every
// in-flight worker has returned, then drains and fails off anything still
// queued before returning the first worker error (if any), using the
// errgroup.WithContext pattern.
func (d *Dispatcher) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher: already running")
	}
	d.started = true
	g, gctx := errgroup.WithContext(ctx)
	d.group = g
	d.gctx = gctx
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			d.worker(gctx)
			return nil
		})
	}

	<-gctx.Done()
	// Let in-flight workers finish their current capture and return. Submit
	// is not gated on shutdown; drainQueue only fails what is queued once
	// the workers have returned.
	err := g.Wait()
	d.drainQueue(context.WithoutCancel(ctx))
	return err
}

// drainQueue fails every capture still waiting in the queue once the
// worker pool has stopped, using ReasonShutdown, instead of leaving them
// pending for the reaper's StuckAge sweep to eventually notice.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	failer, ok := d.processor.(Failer)
	for {
		select {
		case captureID := <-d.queue:
			if ok {
				failer.Abort(ctx, captureID, domain.ReasonShutdown)
			}
			d.dedup.Release(ctx, captureID)
		default:
			return
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		// Check shutdown first so a canceled ctx wins over new work already
		// sitting in the queue; drainQueue takes over failing off whatever
		// is left once every worker has returned this way.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case captureID, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, captureID)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, captureID string) {
	defer d.dedup.Release(ctx, captureID)

	if err := d.processor.Process(ctx, captureID); err != nil {
		slog.Error("dispatcher: processing failed", "captureId", captureID, "error", err)
	}
}

// Submit enqueues captureID for processing. It returns ErrQueueFull
// immediately rather than blocking if the queue has no room, and silently
// succeeds (without re-enqueuing) if captureID is already claimed — a
// capture can only ever be in the queue or in-flight once.
func (d *Dispatcher) Submit(ctx context.Context, captureID string) error {
	claimed, err := d.dedup.TryClaim(ctx, captureID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	select {
	case d.queue <- captureID:
		return nil
	default:
		d.dedup.Release(ctx, captureID)
		return ErrQueueFull
	}
}

// QueueDepth reports how many captures are currently queued; /healthz
// includes it in its response.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
