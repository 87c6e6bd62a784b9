// Package repository is the anchor persistence layer: transactional
// CRUD over the anchors/anchor_items/anchor_retry_log tables, with
// idempotent anchor creation via a unique (digest, start_time, end_time)
// index and insert-if-absent item persistence tolerant of partial prior
// writes under cancellation.
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 45 * time.Minute
	defaultConnMaxIdleTime = 15 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

var (
	ErrEmptyDSN = errors.New("repository: empty DSN")
)

// PoolConfig configures the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// OpenPool opens and configures the shared *sql.DB used by the
// repository, the event source, and schema migration at startup.
func OpenPool(ctx context.Context, cfg PoolConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, ErrEmptyDSN
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(orDefaultDuration(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(orDefaultDuration(cfg.ConnMaxIdleTime, defaultConnMaxIdleTime))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	return db, nil
}

// Migrate applies the embedded schema. It is idempotent: every statement
// is CREATE ... IF NOT EXISTS.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
