// Package postgres implements repository.StorageHandler on PostgreSQL with pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knoguchi/scout/internal/repository"
)

//go:embed schema.sql
var schema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Store bundles the per-entity repositories into a StorageHandler.
type Store struct {
	*ProjectRepo
	*DocumentRepo
	*CriterionRepo
	*ResultRepo

	db *DB
}

// NewStore creates a StorageHandler backed by db.
func NewStore(db *DB) *Store {
	return &Store{
		ProjectRepo:   NewProjectRepo(db),
		DocumentRepo:  NewDocumentRepo(db),
		CriterionRepo: NewCriterionRepo(db),
		ResultRepo:    NewResultRepo(db),
		db:            db,
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx)
}

var _ repository.StorageHandler = (*Store)(nil)
