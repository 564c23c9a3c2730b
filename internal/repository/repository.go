package repository

import (
	"context"
	"time"

	"github.com/fieldnote/coordinator/internal/domain"
)

// Repository is the storage boundary the pipeline, ingress, and dispatcher
// use — the Postgres implementation and internal/repository/memtest both
// satisfy it, so tests never need a live database.
type Repository interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByHandle(ctx context.Context, handle string) (domain.User, error)

	RegisterDevice(ctx context.Context, d domain.Device) (domain.Device, error)
	GetDevice(ctx context.Context, id string) (domain.Device, error)
	TouchDevice(ctx context.Context, id string, seenAt time.Time, batteryMv, rssi int, seq int64) error

	// CreateCapture inserts a new Capture row. It returns ErrDuplicateSequence
	// if (device_id, device_seq) already exists — the caller treats this as
	// an idempotent replay, not a failure.
	CreateCapture(ctx context.Context, c domain.Capture) (domain.Capture, error)
	GetCapture(ctx context.Context, id string) (domain.Capture, error)
	GetCaptureByDeviceSeq(ctx context.Context, deviceID string, seq int64) (domain.Capture, error)

	// TransitionCapture applies patch and moves the capture to toState only
	// if its current status is one of fromStates; otherwise it returns
	// ErrInvalidTransition. This is the repository's only concurrency
	// guard — no in-process locks back it.
	TransitionCapture(ctx context.Context, id string, fromStates []domain.CaptureStatus, toState domain.CaptureStatus, patch domain.CapturePatch) (domain.Capture, error)

	// ListCaptures returns one page of an owner's captures newest-first.
	// cursor is the opaque next_cursor from a prior call (empty string for
	// the first page); the returned next_cursor is empty once the last
	// page has been reached.
	ListCaptures(ctx context.Context, ownerUserID, cursor string, limit int) (captures []domain.Capture, nextCursor string, err error)

	// ListStuck returns non-terminal captures received before cutoff —
	// the Reaper's source of work.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Capture, error)

	UpsertSpecies(ctx context.Context, s domain.Species) (domain.Species, error)
	GetSpecies(ctx context.Context, code string) (domain.Species, error)

	// SetSpeciesAsset sets ImageURL/GifURL the first time art exists for a
	// species. It returns ErrAssetConflict if another writer already set
	// one — the caller discards its own result, not a failure.
	SetSpeciesAsset(ctx context.Context, code, imageURL, gifURL string) (domain.Species, error)
}
