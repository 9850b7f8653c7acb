// Package registry persists out-of-core bookkeeping in PostgreSQL: which
// indexes exist and under what primary key, and records of dumps and
// snapshots the processor has produced. It implements the processor.Registry
// interface; it does not implement dump/snapshot file formats or any
// authentication logic (non-goals).
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DatabaseURL  string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// ConnectionString returns the configured DSN, adding a 60-second
// statement_timeout when the DSN does not already set one.
func (c *Config) ConnectionString() string {
	connStr := strings.TrimSpace(c.DatabaseURL)
	if !strings.Contains(connStr, "statement_timeout") {
		sep := "?"
		if strings.Contains(connStr, "?") {
			sep = "&"
		}
		connStr += sep + "statement_timeout=60000"
	}
	return connStr
}

// Registry wraps a PostgreSQL connection pool and the prepared schema for
// index/dump/snapshot/apikey bookkeeping.
type Registry struct {
	db *sql.DB
}

// Open connects to PostgreSQL with retry (spec §6.2's "registry must be
// reachable before the processor starts") and ensures the bookkeeping
// tables exist.
func Open(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := connectWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry migrate: %w", err)
	}
	return r, nil
}

func connectWithRetry(ctx context.Context, cfg Config) (*sql.DB, error) {
	op := func() (*sql.DB, error) {
		db, err := sql.Open("pgx", cfg.ConnectionString())
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("open registry db: %w", err))
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.MaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping registry db: %w", err)
		}
		return db, nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("registry connection failed, retrying")
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(10),
		backoff.WithNotify(notify),
	)
}

func (r *Registry) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS indexes (
			uid TEXT PRIMARY KEY,
			primary_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS index_swaps (
			id BIGSERIAL PRIMARY KEY,
			index_a TEXT NOT NULL,
			index_b TEXT NOT NULL,
			swapped_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS dumps (
			uid TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			uid TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			uid TEXT PRIMARY KEY,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error { return r.db.Close() }
