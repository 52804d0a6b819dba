package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type TxFunc func(ctx context.Context, tx *sql.Tx) error

// SQLExecutor defines the interface for database operations
// This allows for easy mocking in unit tests
type SQLExecutor interface {
	DB() *sql.DB
	WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn TxFunc) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLClient struct {
	db *sql.DB
}

func NewSQLClient(driver, dsn string) (*SQLClient, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &SQLClient{db: db}, nil
}

// NewSQLiteClient opens a file-backed SQLite database in WAL mode.
// SQLite serialises writers, so the pool is pinned to one connection.
func NewSQLiteClient(path string) (*SQLClient, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	client, err := NewSQLClient("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	client.db.SetMaxOpenConns(1)
	return client, nil
}

func (c *SQLClient) DB() *sql.DB {
	return c.db
}

func (c *SQLClient) Close() error {
	return c.db.Close()
}

func (c *SQLClient) WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn TxFunc) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback error: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// ExecContext executes a query without returning rows (INSERT/UPDATE/DELETE)
func (c *SQLClient) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns multiple rows
func (c *SQLClient) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns a single row
func (c *SQLClient) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
