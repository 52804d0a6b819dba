package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"chordauth/pkg/db"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore persists keys in a single kv table. Expiry is stored as unix milliseconds.
type SQLiteStore struct {
	client *db.SQLClient
	now    func() time.Time
}

// OpenSQLite opens path, applies the embedded migrations and returns the store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	client, err := db.NewSQLiteClient(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(client.DB()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &SQLiteStore{client: client, now: time.Now}, nil
}

// Migrate runs embedded migrations against an open sqlite handle.
// The migrator is not closed because that would close conn as well.
func Migrate(conn *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}

	driver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("error while preparing sqlite driver. Err: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("error while preparing migrator. Err: %w", err)
	}

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error while applying migrations. Err: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.client.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.client.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, s.now().UnixMilli())

	query := `SELECT key, value FROM kv WHERE key IN (` + placeholders(len(keys)) + `) AND (expires_at IS NULL OR expires_at > ?)`
	rows, err := s.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get multi: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.SetMulti(ctx, map[string]string{key: value}, ttl)
}

func (s *SQLiteStore) SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}

	return s.client.WithTransaction(ctx, sql.LevelDefault, func(ctx context.Context, tx *sql.Tx) error {
		for k, v := range values {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
				k, v, expiresAt,
			)
			if err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.client.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed and reports how many went.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.client.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
