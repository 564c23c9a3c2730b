// Package memtest is an in-memory repository.Repository used by pipeline
// and ingress unit tests in place of a live Postgres instance.
// It reproduces the same coarse-grained concurrency contract as Postgres —
// TransitionCapture only succeeds if the row's current status is one of
// fromStates — using a single mutex instead of row locks.
package memtest

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/repository"
)

// Repository is an in-memory repository.Repository.
type Repository struct {
	mu sync.Mutex

	users    map[string]domain.User
	devices  map[string]domain.Device
	species  map[string]domain.Species
	captures map[string]domain.Capture
	seqIndex map[seqKey]string // (deviceID, seq) -> capture id
}

type seqKey struct {
	deviceID string
	seq      int64
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		users:    make(map[string]domain.User),
		devices:  make(map[string]domain.Device),
		species:  make(map[string]domain.Species),
		captures: make(map[string]domain.Capture),
		seqIndex: make(map[seqKey]string),
	}
}

var _ repository.Repository = (*Repository)(nil)

func (r *Repository) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Handle == u.Handle {
			return domain.User{}, repository.ErrHandleTaken
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	r.users[u.ID] = u
	return u, nil
}

func (r *Repository) GetUser(_ context.Context, id string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (r *Repository) GetUserByHandle(_ context.Context, handle string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Handle == handle {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (r *Repository) RegisterDevice(_ context.Context, d domain.Device) (domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.devices[d.ID]
	if ok {
		existing.OwnerUserID = d.OwnerUserID
		existing.Firmware = d.Firmware
		existing.Capabilities = d.Capabilities
		r.devices[d.ID] = existing
		return existing, nil
	}
	if d.Capabilities == nil {
		d.Capabilities = map[string]string{}
	}
	d.RegisteredAt = time.Now().UTC()
	r.devices[d.ID] = d
	return d, nil
}

func (r *Repository) GetDevice(_ context.Context, id string) (domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.Device{}, domain.ErrNotFound
	}
	return d, nil
}

// TouchDevice mirrors the Postgres guard: last_seen only moves forward, so
// a heartbeat delivered out of order is a no-op rather than a regression.
func (r *Repository) TouchDevice(_ context.Context, id string, seenAt time.Time, batteryMv, rssi int, seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !d.LastSeen.IsZero() && !seenAt.After(d.LastSeen) {
		return nil
	}
	d.LastSeen = seenAt
	d.LastBatteryMv = batteryMv
	d.LastRSSI = rssi
	if seq > d.SequenceHWM {
		d.SequenceHWM = seq
	}
	r.devices[id] = d
	return nil
}

func (r *Repository) CreateCapture(_ context.Context, c domain.Capture) (domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := seqKey{c.DeviceID, c.DeviceSeq}
	if _, exists := r.seqIndex[key]; exists {
		return domain.Capture{}, domain.ErrDuplicateSequence
	}
	c.Status = domain.StatusPending
	c.Attempt = 0
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	r.captures[c.ID] = c
	r.seqIndex[key] = c.ID
	return c, nil
}

func (r *Repository) GetCapture(_ context.Context, id string) (domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.captures[id]
	if !ok {
		return domain.Capture{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *Repository) GetCaptureByDeviceSeq(_ context.Context, deviceID string, seq int64) (domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.seqIndex[seqKey{deviceID, seq}]
	if !ok {
		return domain.Capture{}, domain.ErrNotFound
	}
	return r.captures[id], nil
}

func (r *Repository) TransitionCapture(_ context.Context, id string, fromStates []domain.CaptureStatus, toState domain.CaptureStatus, patch domain.CapturePatch) (domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.captures[id]
	if !ok {
		return domain.Capture{}, domain.ErrInvalidTransition
	}
	if !statusIn(c.Status, fromStates) {
		return domain.Capture{}, domain.ErrInvalidTransition
	}

	c.Status = toState
	if patch.SpeciesID != nil {
		c.SpeciesID = *patch.SpeciesID
	}
	if patch.Confidence != nil {
		c.Confidence = *patch.Confidence
	}
	if patch.FailureReason != nil {
		c.FailureReason = *patch.FailureReason
	}
	if patch.Note != nil {
		c.Note = *patch.Note
	}
	if patch.ProcessedAt != nil {
		c.ProcessedAt = patch.ProcessedAt
	}
	if patch.IncAttempt {
		c.Attempt++
	}

	r.captures[id] = c
	return c, nil
}

func statusIn(s domain.CaptureStatus, states []domain.CaptureStatus) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// ListCaptures mirrors the Postgres keyset pagination: newest-first,
// ordered by (received_at, id) so the comparison used to decide a cursor
// position is unambiguous even when two captures share a timestamp.
func (r *Repository) ListCaptures(_ context.Context, ownerUserID, cursor string, limit int) ([]domain.Capture, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Capture
	for _, c := range r.captures {
		if c.OwnerUserID == ownerUserID {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if cursor != "" {
		afterAt, afterID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
		}
		start = len(matched)
		for i, c := range matched {
			if c.ReceivedAt.Before(afterAt) || (c.ReceivedAt.Equal(afterAt) && c.ID < afterID) {
				start = i
				break
			}
		}
	}
	if start >= len(matched) {
		return []domain.Capture{}, "", nil
	}

	end := start + limit
	nextCursor := ""
	if end < len(matched) {
		nextCursor = encodeCursor(matched[end-1].ReceivedAt, matched[end-1].ID)
	} else {
		end = len(matched)
	}
	page := make([]domain.Capture, end-start)
	copy(page, matched[start:end])
	return page, nextCursor, nil
}

func encodeCursor(receivedAt time.Time, id string) string {
	raw := receivedAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

func (r *Repository) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]domain.Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.Capture
	for _, c := range r.captures {
		if c.Status.Terminal() {
			continue
		}
		if c.ReceivedAt.Before(cutoff) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.Before(matched[j].ReceivedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *Repository) UpsertSpecies(_ context.Context, s domain.Species) (domain.Species, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.species[s.Code]
	if ok {
		existing.CommonName = s.CommonName
		existing.ScientificName = s.ScientificName
		r.species[s.Code] = existing
		return existing, nil
	}
	s.CreatedAt = time.Now().UTC()
	r.species[s.Code] = s
	return s, nil
}

func (r *Repository) GetSpecies(_ context.Context, code string) (domain.Species, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.species[code]
	if !ok {
		return domain.Species{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *Repository) SetSpeciesAsset(_ context.Context, code, imageURL, gifURL string) (domain.Species, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.species[code]
	if !ok {
		return domain.Species{}, domain.ErrNotFound
	}
	if s.HasAsset() {
		return domain.Species{}, domain.ErrAssetConflict
	}
	s.ImageURL = imageURL
	s.GifURL = gifURL
	r.species[code] = s
	return s, nil
}
