package domain

import "errors"

// Sentinel errors returned by the Repository (C3). These are the only
// control-flow signals the pipeline and ingress branch on; everything else
// from the repository is an opaque wrapped error.
var (
	// ErrDuplicateSequence is returned by CreateCapture when
	// (device_id, device_sequence) already exists.
	ErrDuplicateSequence = errors.New("repository: duplicate device sequence")

	// ErrInvalidTransition is returned by TransitionCapture when the
	// capture's current status is not in the caller's fromStates guard —
	// it has already been claimed, advanced, or terminated by another
	// worker or the reaper.
	ErrInvalidTransition = errors.New("repository: invalid capture transition")

	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("repository: not found")

	// ErrAssetConflict is returned by SetSpeciesAsset when another writer
	// already set the asset URL; the caller should discard its own result
	// and continue — it is not a failure condition.
	ErrAssetConflict = errors.New("repository: species asset already set")

	// ErrInvalidCursor is returned by ListCaptures when the caller's
	// cursor doesn't decode to a valid pagination position.
	ErrInvalidCursor = errors.New("repository: invalid cursor")
)
