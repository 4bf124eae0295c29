package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autoposter/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive means a non-terminal posting already exists for the
	// same user, vehicle and profile.
	ErrDuplicateActive = errors.New("active posting already exists")
)

// DB is the posting and vehicle store. It runs on sqlite3 or postgres (pgx).
type DB struct {
	db     *sqlx.DB
	driver string
	logger zerolog.Logger
}

// Open connects and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "database").Logger()
	}

	var (
		conn *sqlx.DB
		err  error
	)
	switch cfg.Driver {
	case "", "sqlite3":
		conn, err = openSQLite(cfg.Path)
	case "pgx":
		conn, err = sqlx.Open("pgx", cfg.DSN)
		if err == nil && cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{db: conn, driver: conn.DriverName(), logger: log}
	if err := d.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info().Str("driver", d.driver).Msg("database initialized")
	return d, nil
}

// NewSQLite is a shorthand used by tools and tests.
func NewSQLite(path string, logger *zerolog.Logger) (*DB, error) {
	return Open(context.Background(), config.DatabaseConfig{Driver: "sqlite3", Path: path}, logger)
}

func openSQLite(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	conn, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection serializes transactions.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Driver returns the sql driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

func (d *DB) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS postings (
            id TEXT PRIMARY KEY,
            vehicle_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            organization_id TEXT NOT NULL DEFAULT '',
            profile_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            scheduled_at BIGINT NOT NULL,
            started_at BIGINT,
            completed_at BIGINT,
            error TEXT NOT NULL DEFAULT '',
            job_id TEXT NOT NULL DEFAULT '',
            options TEXT NOT NULL DEFAULT '{}',
            prepared_assets TEXT NOT NULL DEFAULT '',
            log TEXT NOT NULL DEFAULT '[]',
            selected_images TEXT NOT NULL DEFAULT '[]',
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            listing_url TEXT NOT NULL DEFAULT '',
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL
        )`,
		// At most one non-terminal posting per (user, vehicle, profile).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_postings_active
            ON postings(user_id, vehicle_id, profile_id)
            WHERE status IN ('queued', 'scheduled', 'processing')`,
		`CREATE INDEX IF NOT EXISTS idx_postings_status_scheduled ON postings(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_postings_user ON postings(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_postings_job ON postings(job_id)`,

		`CREATE TABLE IF NOT EXISTS vehicles (
            id TEXT PRIMARY KEY,
            organization_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'available',
            data TEXT NOT NULL,
            updated_at BIGINT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_vehicles_org ON vehicles(organization_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (d *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
