package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/lib/pq"
)

// ErrHandleTaken is returned by CreateUser when the handle is already in
// use. User issuance sits outside this module's scope (spec.md §1
// Non-goals) and ingress exposes no route that creates users; this error
// is what CreateUser returns to any direct caller on a handle clash.
var ErrHandleTaken = errors.New("repository: handle already taken")

type userRow struct {
	ID             string    `db:"id"`
	Handle         string    `db:"handle"`
	CredentialHash string    `db:"credential_hash"`
	CreatedAt      sql.NullTime `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	u := domain.User{ID: r.ID, Handle: r.Handle, CredentialHash: r.CredentialHash}
	if r.CreatedAt.Valid {
		u.CreatedAt = r.CreatedAt.Time
	}
	return u
}

const uniqueViolation = "23505"

func (p *Postgres) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	const q = `
		INSERT INTO users (id, handle, credential_hash)
		VALUES ($1, $2, $3)
		RETURNING id, handle, credential_hash, created_at
	`
	var row userRow
	err := p.db.QueryRowxContext(ctx, q, u.ID, u.Handle, u.CredentialHash).StructScan(&row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.User{}, ErrHandleTaken
		}
		return domain.User{}, fmt.Errorf("repository: create user: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (domain.User, error) {
	const q = `SELECT id, handle, credential_hash, created_at FROM users WHERE id = $1`
	var row userRow
	if err := p.db.QueryRowxContext(ctx, q, id).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("repository: get user: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetUserByHandle(ctx context.Context, handle string) (domain.User, error) {
	const q = `SELECT id, handle, credential_hash, created_at FROM users WHERE handle = $1`
	var row userRow
	if err := p.db.QueryRowxContext(ctx, q, handle).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("repository: get user by handle: %w", err)
	}
	return row.toDomain(), nil
}
