package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/coordinator/internal/domain"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	calls     int32
	block     chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, captureID string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.processed = append(f.processed, captureID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProcessor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.processed))
	copy(out, f.processed)
	return out
}

func TestDispatcher_ProcessesSubmittedCaptures(t *testing.T) {
	proc := &fakeProcessor{}
	d := New(Config{Workers: 2, QueueSize: 10}, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 2) }()

	require.NoError(t, d.Submit(ctx, "cap-1"))
	require.NoError(t, d.Submit(ctx, "cap-2"))

	require.Eventually(t, func() bool {
		return len(proc.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_DuplicateSubmitWhileInFlightIsIgnored(t *testing.T) {
	block := make(chan struct{})
	proc := &fakeProcessor{block: block}
	d := New(Config{Workers: 1, QueueSize: 10}, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, 1)

	require.NoError(t, d.Submit(ctx, "cap-1"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&proc.calls) == 1 }, time.Second, 5*time.Millisecond)

	// Same capture submitted again while the first call is blocked in
	// Process: TryClaim should refuse it, so it is never queued twice.
	require.NoError(t, d.Submit(ctx, "cap-1"))
	close(block)

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.calls))
}

func TestDispatcher_SubmitReturnsErrQueueFullWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	proc := &fakeProcessor{block: block}
	d := New(Config{Workers: 1, QueueSize: 1}, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, 1)

	require.NoError(t, d.Submit(ctx, "cap-1")) // taken by the worker, blocks
	require.Eventually(t, func() bool { return atomic.LoadInt32(&proc.calls) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Submit(ctx, "cap-2")) // fills the one queue slot
	err := d.Submit(ctx, "cap-3")
	require.ErrorIs(t, err, ErrQueueFull)

	close(block)
}

// fakeFailer is a Processor that also satisfies dispatcher.Failer, to
// exercise the shutdown drain path.
type fakeFailer struct {
	mu      sync.Mutex
	calls   int32
	block   chan struct{}
	aborted []string
}

func (f *fakeFailer) Process(ctx context.Context, captureID string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	return nil
}

func (f *fakeFailer) Abort(ctx context.Context, captureID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, captureID+":"+reason)
}

func (f *fakeFailer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.aborted))
	copy(out, f.aborted)
	return out
}

func TestDispatcher_ShutdownDrainsQueueAndFailsRemainingCaptures(t *testing.T) {
	block := make(chan struct{})
	proc := &fakeFailer{block: block}
	d := New(Config{Workers: 1, QueueSize: 10}, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, 1) }()

	// The sole worker claims cap-1 and blocks inside Process; cap-2 and
	// cap-3 never leave the queue.
	require.NoError(t, d.Submit(ctx, "cap-1"))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&proc.calls) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Submit(ctx, "cap-2"))
	require.NoError(t, d.Submit(ctx, "cap-3"))

	cancel()
	close(block) // let the blocked worker observe ctx.Done() and return

	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"cap-2:" + domain.ReasonShutdown, "cap-3:" + domain.ReasonShutdown}, proc.snapshot())

	// Draining releases the dedup claims on its way out, so a capture
	// failed at shutdown isn't stuck looking claimed forever.
	ok, err := d.dedup.TryClaim(context.Background(), "cap-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemDeduper_ClaimAndRelease(t *testing.T) {
	m := NewMemDeduper()
	ctx := context.Background()

	ok, err := m.TryClaim(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryClaim(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	m.Release(ctx, "x")
	ok, err = m.TryClaim(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
}
