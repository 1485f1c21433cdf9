package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	conn         *sql.DB
	path         string
	logger       *zap.Logger
	pollInterval time.Duration
}

var _ Store = (*DB)(nil)

// Option configures a store backend.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	pollInterval time.Duration
}

// WithLogger sets the logger used for migrations and realtime errors.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPollInterval sets how often subscriptions re-check for inserts when
// no change notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), pollInterval: 2 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 2 * time.Second
	}
	return o
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string, opts ...Option) (*DB, error) {
	o := applyOptions(opts)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(conn, o.logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, logger: o.logger, pollInterval: o.pollInterval}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
