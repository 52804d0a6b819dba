// Package kvstore provides the string key-value stores the auth session persists into.
// Writes of several keys through SetMulti are all-or-nothing on every backend.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (string, error)
	// GetMulti returns only the keys that exist.
	GetMulti(ctx context.Context, keys ...string) (map[string]string, error)
	// Set stores value under key; a zero ttl never expires.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetMulti stores every pair atomically with the same ttl.
	SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
