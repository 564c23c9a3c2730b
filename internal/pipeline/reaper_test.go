package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/events"
	"github.com/fieldnote/coordinator/internal/repository/memtest"
)

func TestReaper_TerminatesOldNonTerminalCaptures(t *testing.T) {
	repo := memtest.New()
	bus := events.New(16)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	stuck, err := repo.CreateCapture(context.Background(), domain.Capture{
		ID:          "stuck-1",
		OwnerUserID: "user-1",
		DeviceID:    "device-1",
		ClipKey:     "k1",
		DeviceSeq:   1,
		ReceivedAt:  fc.Now(),
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)
	_, err = repo.TransitionCapture(context.Background(), stuck.ID,
		[]domain.CaptureStatus{domain.StatusPending}, domain.StatusClassifying, domain.CapturePatch{IncAttempt: true})
	require.NoError(t, err)

	reaper := NewReaper(ReaperConfig{Repo: repo, Bus: bus, Clock: fc, StuckAge: time.Minute, SweepInterval: time.Hour})

	fc.Advance(30 * time.Second)
	terminated := reaper.Sweep(context.Background())
	assert.Equal(t, 0, terminated, "nothing stuck yet")

	// Advance past stuck's age, then receive a second capture right at the
	// new "now" — it must survive this sweep since it isn't stuck yet.
	fc.Advance(2 * time.Minute)
	fresh, err := repo.CreateCapture(context.Background(), domain.Capture{
		ID:          "fresh-1",
		OwnerUserID: "user-1",
		DeviceID:    "device-1",
		ClipKey:     "k2",
		DeviceSeq:   2,
		ReceivedAt:  fc.Now(),
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)

	terminated = reaper.Sweep(context.Background())
	assert.Equal(t, 1, terminated)

	got, err := repo.GetCapture(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ReasonOrphaned, got.FailureReason)

	stillFresh, err := repo.GetCapture(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stillFresh.Status)

	sweeps, total := reaper.Stats()
	assert.Equal(t, 2, sweeps)
	assert.Equal(t, 1, total)
}

func TestReaper_DoesNotTouchTerminalCaptures(t *testing.T) {
	repo := memtest.New()
	bus := events.New(16)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	processedAt := fc.Now()
	c, err := repo.CreateCapture(context.Background(), domain.Capture{
		ID:          "done-1",
		OwnerUserID: "user-1",
		DeviceID:    "device-1",
		ClipKey:     "k3",
		DeviceSeq:   1,
		ReceivedAt:  fc.Now(),
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)
	_, err = repo.TransitionCapture(context.Background(), c.ID,
		[]domain.CaptureStatus{domain.StatusPending}, domain.StatusProcessed,
		domain.CapturePatch{ProcessedAt: &processedAt})
	require.NoError(t, err)

	reaper := NewReaper(ReaperConfig{Repo: repo, Bus: bus, Clock: fc, StuckAge: time.Minute})
	fc.Advance(time.Hour)
	terminated := reaper.Sweep(context.Background())
	assert.Equal(t, 0, terminated)
}
