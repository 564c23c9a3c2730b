package memtest

import (
	"context"
	"testing"
	"time"

	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCapture_DuplicateSequenceRejected(t *testing.T) {
	repo := New()
	ctx := context.Background()

	c := domain.Capture{ID: "cap-1", OwnerUserID: "u1", DeviceID: "d1", ClipKey: "k1", DeviceSeq: 7}
	_, err := repo.CreateCapture(ctx, c)
	require.NoError(t, err)

	dup := domain.Capture{ID: "cap-2", OwnerUserID: "u1", DeviceID: "d1", ClipKey: "k2", DeviceSeq: 7}
	_, err = repo.CreateCapture(ctx, dup)
	assert.ErrorIs(t, err, domain.ErrDuplicateSequence)
}

func TestTransitionCapture_GuardsOnFromStates(t *testing.T) {
	repo := New()
	ctx := context.Background()

	c, err := repo.CreateCapture(ctx, domain.Capture{ID: "cap-1", OwnerUserID: "u1", DeviceID: "d1", ClipKey: "k1", DeviceSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, c.Status)

	// Valid transition succeeds.
	c, err = repo.TransitionCapture(ctx, c.ID, []domain.CaptureStatus{domain.StatusPending}, domain.StatusClassifying, domain.CapturePatch{IncAttempt: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClassifying, c.Status)
	assert.Equal(t, 1, c.Attempt)

	// Stale fromStates guard rejects a second claim from the same state.
	_, err = repo.TransitionCapture(ctx, c.ID, []domain.CaptureStatus{domain.StatusPending}, domain.StatusClassifying, domain.CapturePatch{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	species := "robin"
	conf := 0.92
	c, err = repo.TransitionCapture(ctx, c.ID, []domain.CaptureStatus{domain.StatusClassifying}, domain.StatusClassified, domain.CapturePatch{
		SpeciesID:  &species,
		Confidence: &conf,
	})
	require.NoError(t, err)
	assert.Equal(t, "robin", c.SpeciesID)
	assert.Equal(t, 0.92, c.Confidence)
}

func TestSetSpeciesAsset_FirstWriterWins(t *testing.T) {
	repo := New()
	ctx := context.Background()

	_, err := repo.UpsertSpecies(ctx, domain.Species{Code: "robin", CommonName: "American Robin"})
	require.NoError(t, err)

	s, err := repo.SetSpeciesAsset(ctx, "robin", "http://img", "http://gif")
	require.NoError(t, err)
	assert.True(t, s.HasAsset())

	_, err = repo.SetSpeciesAsset(ctx, "robin", "http://other-img", "http://other-gif")
	assert.ErrorIs(t, err, domain.ErrAssetConflict)
}

func TestTouchDevice_OutOfOrderHeartbeatDoesNotRegressLastSeen(t *testing.T) {
	repo := New()
	ctx := context.Background()

	_, err := repo.RegisterDevice(ctx, domain.Device{ID: "dev-1", OwnerUserID: "u1"})
	require.NoError(t, err)

	newer := time.Now().UTC()
	older := newer.Add(-time.Hour)

	require.NoError(t, repo.TouchDevice(ctx, "dev-1", newer, 3700, -60, 5))

	d, err := repo.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, newer, d.LastSeen)
	assert.Equal(t, int64(5), d.SequenceHWM)

	// A delayed heartbeat carrying an older timestamp must not move
	// last_seen backwards or clobber the fresher battery/rssi reading.
	err = repo.TouchDevice(ctx, "dev-1", older, 3100, -90, 4)
	require.NoError(t, err)

	d, err = repo.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, newer, d.LastSeen, "last_seen must monotonically increase")
	assert.Equal(t, 3700, d.LastBatteryMv)
	assert.Equal(t, -60, d.LastRSSI)
	assert.Equal(t, int64(5), d.SequenceHWM, "sequence high-water mark never regresses")
}

func TestTouchDevice_UnknownDeviceReturnsErrNotFound(t *testing.T) {
	repo := New()
	ctx := context.Background()

	err := repo.TouchDevice(ctx, "missing", time.Now(), 0, 0, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListStuck_SkipsTerminalAndRecentCaptures(t *testing.T) {
	repo := New()
	ctx := context.Background()

	old := domain.Capture{ID: "old", OwnerUserID: "u1", DeviceID: "d1", ClipKey: "k1", DeviceSeq: 1, ReceivedAt: time.Now().Add(-time.Hour)}
	recent := domain.Capture{ID: "recent", OwnerUserID: "u1", DeviceID: "d1", ClipKey: "k2", DeviceSeq: 2, ReceivedAt: time.Now()}

	_, err := repo.CreateCapture(ctx, old)
	require.NoError(t, err)
	_, err = repo.CreateCapture(ctx, recent)
	require.NoError(t, err)

	_, err = repo.TransitionCapture(ctx, "old", []domain.CaptureStatus{domain.StatusPending}, domain.StatusClassifying, domain.CapturePatch{})
	require.NoError(t, err)

	stuck, err := repo.ListStuck(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].ID)
}

func TestListCaptures_PaginatesByOwner(t *testing.T) {
	repo := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.CreateCapture(ctx, domain.Capture{
			ID: "cap-" + string(rune('a'+i)), OwnerUserID: "u1", DeviceID: "d1",
			ClipKey: "k", DeviceSeq: int64(i), ReceivedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page, next, err := repo.ListCaptures(ctx, "u1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)

	page2, next2, err := repo.ListCaptures(ctx, "u1", next, 2)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
	assert.Empty(t, next2)
}
