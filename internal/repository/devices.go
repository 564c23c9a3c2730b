package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldnote/coordinator/internal/domain"
)

type deviceRow struct {
	ID            string         `db:"id"`
	OwnerUserID   string         `db:"owner_user_id"`
	Firmware      string         `db:"firmware"`
	Capabilities  sql.NullString `db:"capabilities"`
	LastSeen      sql.NullTime   `db:"last_seen"`
	LastBatteryMv int            `db:"last_battery_mv"`
	LastRSSI      int            `db:"last_rssi"`
	SequenceHWM   int64          `db:"sequence_hwm"`
	RegisteredAt  sql.NullTime   `db:"registered_at"`
}

func (r deviceRow) toDomain() domain.Device {
	d := domain.Device{
		ID:            r.ID,
		OwnerUserID:   r.OwnerUserID,
		Firmware:      r.Firmware,
		LastBatteryMv: r.LastBatteryMv,
		LastRSSI:      r.LastRSSI,
		SequenceHWM:   r.SequenceHWM,
		Capabilities:  map[string]string{},
	}
	if r.LastSeen.Valid {
		d.LastSeen = r.LastSeen.Time
	}
	if r.RegisteredAt.Valid {
		d.RegisteredAt = r.RegisteredAt.Time
	}
	if r.Capabilities.Valid && r.Capabilities.String != "" {
		_ = json.Unmarshal([]byte(r.Capabilities.String), &d.Capabilities)
	}
	return d
}

// RegisterDevice creates the device row on first contact or updates the
// owner/firmware/capabilities on re-registration; upsert keyed on id
// matches the "register on first use" semantics in spec.md §4.6.
func (p *Postgres) RegisterDevice(ctx context.Context, d domain.Device) (domain.Device, error) {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return domain.Device{}, fmt.Errorf("repository: marshal capabilities: %w", err)
	}

	const q = `
		INSERT INTO devices (id, owner_user_id, firmware, capabilities, registered_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner_user_id = EXCLUDED.owner_user_id,
			firmware = EXCLUDED.firmware,
			capabilities = EXCLUDED.capabilities
		RETURNING id, owner_user_id, firmware, capabilities, last_seen,
		          last_battery_mv, last_rssi, sequence_hwm, registered_at
	`
	var row deviceRow
	if err := p.db.QueryRowxContext(ctx, q, d.ID, d.OwnerUserID, d.Firmware, string(caps)).StructScan(&row); err != nil {
		return domain.Device{}, fmt.Errorf("repository: register device: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	const q = `
		SELECT id, owner_user_id, firmware, capabilities, last_seen,
		       last_battery_mv, last_rssi, sequence_hwm, registered_at
		FROM devices WHERE id = $1
	`
	var row deviceRow
	if err := p.db.QueryRowxContext(ctx, q, id).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Device{}, domain.ErrNotFound
		}
		return domain.Device{}, fmt.Errorf("repository: get device: %w", err)
	}
	return row.toDomain(), nil
}

// TouchDevice records the device's last-seen telemetry and advances its
// high-water sequence mark — used by the ingress heartbeat handler, per
// spec.md §4.6. The WHERE guard on last_seen enforces §3's
// "device last_seen monotonically increases" invariant: a heartbeat that
// arrives out of order (older timestamp than what's already stored) is
// silently dropped instead of clobbering newer telemetry.
func (p *Postgres) TouchDevice(ctx context.Context, id string, seenAt time.Time, batteryMv, rssi int, seq int64) error {
	const q = `
		UPDATE devices SET
			last_seen = $2,
			last_battery_mv = $3,
			last_rssi = $4,
			sequence_hwm = GREATEST(sequence_hwm, $5)
		WHERE id = $1 AND (last_seen IS NULL OR last_seen < $2)
	`
	res, err := p.db.ExecContext(ctx, q, id, seenAt, batteryMv, rssi, seq)
	if err != nil {
		return fmt.Errorf("repository: touch device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: touch device rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// The guard blocked the update (stale heartbeat) or the device
	// doesn't exist — tell those two apart before deciding to error.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM devices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("repository: touch device exists check: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}
