package kvstore

import (
	"context"
	"time"
)

type prefixed struct {
	store  Store
	prefix string
}

// WithPrefix scopes every key of store under prefix.
func WithPrefix(store Store, prefix string) Store {
	return &prefixed{store: store, prefix: prefix}
}

func (p *prefixed) key(k string) string {
	return p.prefix + k
}

func (p *prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.store.Get(ctx, p.key(key))
}

func (p *prefixed) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}

	found, err := p.store.GetMulti(ctx, full...)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(found))
	for i, k := range keys {
		if v, ok := found[full[i]]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *prefixed) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return p.store.Set(ctx, p.key(key), value, ttl)
}

func (p *prefixed) SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error {
	full := make(map[string]string, len(values))
	for k, v := range values {
		full[p.key(k)] = v
	}
	return p.store.SetMulti(ctx, full, ttl)
}

func (p *prefixed) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.key(k)
	}
	return p.store.Del(ctx, full...)
}
