package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps values in process memory and sweeps expired keys in the background.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now, 5*time.Minute)
}

func newMemoryStore(now func() time.Time, sweep time.Duration) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]entry),
		now:  now,
		done: make(chan struct{}),
	}
	go s.cleanupRoutine(sweep)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) GetMulti(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if e, ok := s.data[k]; ok && !e.expired(now) {
			out[k] = e.value
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.SetMulti(ctx, map[string]string{key: value}, ttl)
}

func (s *MemoryStore) SetMulti(_ context.Context, values map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	for k, v := range values {
		s.data[k] = entry{value: v, expiresAt: expiresAt}
	}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Len counts live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *MemoryStore) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
		}
	}
}
