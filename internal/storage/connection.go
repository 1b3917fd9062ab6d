package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors for connection handling.
var (
	// ErrNoDatabaseConnection is returned when a store is created without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is nil")
)

const healthCheckPingTimeout = 2 * time.Second

// Connection wraps a pooled *sql.DB with the configuration it was opened
// with. All stores share one Connection per process; the owner (main) is
// responsible for closing it.
type Connection struct {
	db     *sql.DB
	config *Config
}

// Connect opens a PostgreSQL connection pool and verifies connectivity.
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db, config: cfg}, nil
}

// NewConnection wraps an existing *sql.DB. Used by tests that manage the
// underlying database themselves (e.g., testcontainers).
func NewConnection(db *sql.DB) *Connection {
	return &Connection{db: db, config: NewConfig("")}
}

// Close closes the underlying connection pool.
func (c *Connection) Close() error {
	if c.db == nil {
		return nil
	}

	return c.db.Close()
}

// HealthCheck verifies the database is reachable within a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c.db == nil {
		return ErrNoDatabaseConnection
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckPingTimeout)
	defer cancel()

	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Conn checks out one dedicated connection from the pool. Session-scoped
// state such as advisory locks lives on that connection only; the caller
// must Close it to return it to the pool.
func (c *Connection) Conn(ctx context.Context) (*sql.Conn, error) {
	if c.db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.db.Conn(ctx)
}

// BeginTx starts a transaction on the pool.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// ExecContext executes a statement on the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
