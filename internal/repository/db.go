// Package repository implements the Repository (C3): durable storage for
// Users, Devices, Species, and Captures. The Postgres implementation is
// built on sqlx + lib/pq, grounded on the pack's maukemana-backend database
// layer; internal/repository/memtest provides an in-memory double so the
// pipeline and ingress can be unit tested without a live database.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps a sqlx connection pool with the pool tuning and health check the
// pack's database layer applies before handing the connection to
// repositories.
type DB struct {
	*sqlx.DB
}

// Open connects to Postgres and verifies the connection before returning.
func Open(databaseURL string) (*DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	return &DB{DB: db}, nil
}

// Health reports whether the connection pool can still reach Postgres.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
