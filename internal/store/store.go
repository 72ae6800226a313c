// Package store provides database operations for plantpipe.
//
// This package handles all persistence: accepted readings, per-probe
// ingest cursors, calibrations, dead letters, alert thresholds and the
// 5-minute rollup buckets. It uses SQLite (modernc.org/sqlite, pure Go)
// in WAL mode and applies embedded goose migrations at open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeoutMs is how long a writer waits on a locked database.
	BusyTimeoutMs int

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// QueryTimeout is the default timeout for read-surface queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BusyTimeoutMs: defaults.DefaultBusyTimeoutMs,
		MaxOpenConns:  defaults.DefaultMaxOpenConns,
		QueryTimeout:  defaults.DefaultQueryTimeout,
	}
}

// DSN builds the driver connection string.
//
// Every transaction begins IMMEDIATE so concurrent writers queue on the
// busy timeout instead of failing on lock upgrade.
func (c Config) DSN() string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout("+strconv.Itoa(c.BusyTimeoutMs)+")")
	q.Add("_pragma", "synchronous(normal)")
	q.Add("_pragma", "foreign_keys(on)")
	q.Set("_txlock", "immediate")
	return "file:" + c.Path + "?" + q.Encode()
}

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens the database, verifies the connection and applies any
// pending schema migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("open database: empty path")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.DefaultMaxOpenConns
	}
	if cfg.BusyTimeoutMs <= 0 {
		cfg.BusyTimeoutMs = defaults.DefaultBusyTimeoutMs
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaults.DefaultQueryTimeout
	}

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes a function within a database transaction.
//
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Query Helpers
// =============================================================================

// readContext bounds a read-surface query by the configured timeout.
func (s *Store) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// nullFloat converts an optional value to a driver argument.
func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
