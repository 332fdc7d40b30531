// Package store owns the PostgreSQL connection pool and schema for the
// assistant. Every persistent surface — conversations, memories, knowledge
// bases, notifications, reminders, rooms, output preferences, feedback
// examples, and system settings — lives in one database so cross-cutting
// queries (e.g. permission-filtered retrieval) stay in SQL.
//
// The pgvector extension must be available; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS. All vector columns share the single
// embedding dimension configured for the deployment.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store wraps the shared [pgxpool.Pool]. Domain packages receive the pool
// via [Store.Pool] and keep their SQL local; Store itself only manages the
// connection lifecycle and schema.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, registers pgvector types on every
// connection, verifies connectivity, and runs [Migrate].
//
// embeddingDimensions must match the embedding provider's output width.
// Changing it after the first migration requires a manual schema change.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Vector columns scan into pgvector.Vector only when the types are
	// registered per connection.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool returns the shared connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
