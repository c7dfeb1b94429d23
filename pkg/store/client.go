// Package store provides the PostgreSQL-backed persistence layer: tenants
// and credentials, downsell templates/schedules, the funnel-event log,
// broadcasts and their queues, and media metadata.
//
// It plays the role the teacher's pkg/database + ent/ generated client
// played together, but without a code-generation step: queries are plain
// SQL over database/sql, opened through the pgx/v5 stdlib driver exactly
// as pkg/database/client.go does, with migrations applied the same way
// (golang-migrate against an embedded migrations directory).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database connection configuration.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig applies the pooling defaults the teacher's database layer
// used: 25 max open, 10 max idle.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}
}

// Store wraps a pooled database connection and exposes per-domain
// repositories as methods.
type Store struct {
	db *sql.DB
}

// DB returns the underlying pool, mainly for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open creates the connection pool, runs embedded migrations, and returns
// a ready Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open *sql.DB (used by tests against a
// testcontainers-provisioned database).
func NewFromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "gateway", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Mirrors pkg/database/client.go's note: don't call m.Close(), it would
	// close the shared *sql.DB via the postgres driver.
	return sourceDriver.Close()
}
