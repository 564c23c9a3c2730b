package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/lib/pq"
)

type captureRow struct {
	ID              string          `db:"id"`
	OwnerUserID     string          `db:"owner_user_id"`
	DeviceID        string          `db:"device_id"`
	ClipKey         string          `db:"clip_key"`
	DeviceSeq       int64           `db:"device_seq"`
	DeviceTimestamp sql.NullTime    `db:"device_timestamp"`
	ReceivedAt      sql.NullTime    `db:"received_at"`
	ProcessedAt     sql.NullTime    `db:"processed_at"`
	Status          string          `db:"status"`
	SpeciesID       sql.NullString  `db:"species_id"`
	Confidence      sql.NullFloat64 `db:"confidence"`
	FailureReason   sql.NullString  `db:"failure_reason"`
	Note            sql.NullString  `db:"note"`
	Attempt         int             `db:"attempt"`
}

func (r captureRow) toDomain() domain.Capture {
	c := domain.Capture{
		ID:            r.ID,
		OwnerUserID:   r.OwnerUserID,
		DeviceID:      r.DeviceID,
		ClipKey:       r.ClipKey,
		DeviceSeq:     r.DeviceSeq,
		Status:        domain.CaptureStatus(r.Status),
		SpeciesID:     r.SpeciesID.String,
		Confidence:    r.Confidence.Float64,
		FailureReason: r.FailureReason.String,
		Note:          r.Note.String,
		Attempt:       r.Attempt,
	}
	if r.DeviceTimestamp.Valid {
		c.DeviceTimestamp = r.DeviceTimestamp.Time
	}
	if r.ReceivedAt.Valid {
		c.ReceivedAt = r.ReceivedAt.Time
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		c.ProcessedAt = &t
	}
	return c
}

const captureColumns = `
	id, owner_user_id, device_id, clip_key, device_seq, device_timestamp,
	received_at, processed_at, status, species_id, confidence, failure_reason, note, attempt
`

// CreateCapture inserts a new Capture in StatusPending. The unique
// constraint on (device_id, device_seq) is the database's idempotency
// guard against the device retrying an upload it already believes failed
// (spec.md §4.6 "at-least-once ingress").
func (p *Postgres) CreateCapture(ctx context.Context, c domain.Capture) (domain.Capture, error) {
	q := fmt.Sprintf(`
		INSERT INTO captures (id, owner_user_id, device_id, clip_key, device_seq, device_timestamp, received_at, status, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING %s
	`, captureColumns)

	var row captureRow
	err := p.db.QueryRowxContext(ctx, q,
		c.ID, c.OwnerUserID, c.DeviceID, c.ClipKey, c.DeviceSeq, c.DeviceTimestamp, c.ReceivedAt, domain.StatusPending, 0,
	).StructScan(&row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.Capture{}, domain.ErrDuplicateSequence
		}
		return domain.Capture{}, fmt.Errorf("repository: create capture: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetCapture(ctx context.Context, id string) (domain.Capture, error) {
	q := fmt.Sprintf(`SELECT %s FROM captures WHERE id = $1`, captureColumns)
	var row captureRow
	if err := p.db.QueryRowxContext(ctx, q, id).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Capture{}, domain.ErrNotFound
		}
		return domain.Capture{}, fmt.Errorf("repository: get capture: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetCaptureByDeviceSeq(ctx context.Context, deviceID string, seq int64) (domain.Capture, error) {
	q := fmt.Sprintf(`SELECT %s FROM captures WHERE device_id = $1 AND device_seq = $2`, captureColumns)
	var row captureRow
	if err := p.db.QueryRowxContext(ctx, q, deviceID, seq).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Capture{}, domain.ErrNotFound
		}
		return domain.Capture{}, fmt.Errorf("repository: get capture by device seq: %w", err)
	}
	return row.toDomain(), nil
}

// TransitionCapture is the only write path for advancing a Capture through
// its state machine. The WHERE status = ANY(fromStates) clause is the
// entire concurrency control story: two workers racing to claim the same
// capture both issue this UPDATE, and Postgres serializes them — the loser
// sees zero rows affected and gets ErrInvalidTransition, never a partial
// write. No advisory lock, no SELECT ... FOR UPDATE, no in-process mutex.
func (p *Postgres) TransitionCapture(ctx context.Context, id string, fromStates []domain.CaptureStatus, toState domain.CaptureStatus, patch domain.CapturePatch) (domain.Capture, error) {
	fromStrs := make(pq.StringArray, len(fromStates))
	for i, s := range fromStates {
		fromStrs[i] = string(s)
	}

	incAttempt := 0
	if patch.IncAttempt {
		incAttempt = 1
	}

	q := fmt.Sprintf(`
		UPDATE captures SET
			status = $2,
			species_id = COALESCE($3, species_id),
			confidence = COALESCE($4, confidence),
			failure_reason = COALESCE($5, failure_reason),
			note = COALESCE($6, note),
			processed_at = COALESCE($7, processed_at),
			attempt = attempt + $8
		WHERE id = $1 AND status = ANY($9)
		RETURNING %s
	`, captureColumns)

	var row captureRow
	err := p.db.QueryRowxContext(ctx, q,
		id, toState, patch.SpeciesID, patch.Confidence, patch.FailureReason,
		patch.Note, patch.ProcessedAt, incAttempt, fromStrs,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Capture{}, domain.ErrInvalidTransition
	}
	if err != nil {
		return domain.Capture{}, fmt.Errorf("repository: transition capture: %w", err)
	}
	return row.toDomain(), nil
}

// ListCaptures returns one owner's captures newest-first, keyset-paginated
// on (received_at, id) per spec.md §6's cursor contract: the caller passes
// back next_cursor to fetch the following page, rather than an offset that
// shifts under concurrent inserts.
func (p *Postgres) ListCaptures(ctx context.Context, ownerUserID, cursor string, limit int) ([]domain.Capture, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []captureRow
	var err error
	if cursor == "" {
		q := fmt.Sprintf(`
			SELECT %s FROM captures
			WHERE owner_user_id = $1
			ORDER BY received_at DESC, id DESC
			LIMIT $2
		`, captureColumns)
		err = p.db.SelectContext(ctx, &rows, q, ownerUserID, limit+1)
	} else {
		receivedAt, id, derr := decodeCaptureCursor(cursor)
		if derr != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidCursor, derr)
		}
		q := fmt.Sprintf(`
			SELECT %s FROM captures
			WHERE owner_user_id = $1 AND (received_at, id) < ($2, $3)
			ORDER BY received_at DESC, id DESC
			LIMIT $4
		`, captureColumns)
		err = p.db.SelectContext(ctx, &rows, q, ownerUserID, receivedAt, id, limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("repository: list captures: %w", err)
	}

	nextCursor := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		nextCursor = encodeCaptureCursor(last.ReceivedAt.Time, last.ID)
	}

	out := make([]domain.Capture, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nextCursor, nil
}

// encodeCaptureCursor and decodeCaptureCursor make the keyset position
// opaque to the client, so the wire contract never leans on the caller
// handing back raw timestamps/ids it could tamper with or misformat.
func encodeCaptureCursor(receivedAt time.Time, id string) string {
	raw := receivedAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCaptureCursor(cursor string) (time.Time, string, error) {
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

// ListStuck finds non-terminal captures received before cutoff, oldest
// first — the Reaper's (§4.4) source of work. Only received_at is
// compared: it measures how long a capture has been outstanding, whatever
// state it has reached since.
func (p *Postgres) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Capture, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM captures
		WHERE status NOT IN ($1, $2) AND received_at < $3
		ORDER BY received_at ASC
		LIMIT $4
	`, captureColumns)

	var rows []captureRow
	err := p.db.SelectContext(ctx, &rows, q, domain.StatusProcessed, domain.StatusFailed, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list stuck captures: %w", err)
	}
	out := make([]domain.Capture, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
