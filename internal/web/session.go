package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chordauth/pkg/kvstore"

	"github.com/gorilla/sessions"
)

const (
	sessionIDCookie = "chordauth_sid"
	transientCookie = "chordauth_auth"
	sessionIDKey    = "sid"
	expirySuffix    = "#exp"
	sessionIDMaxAge = 30 * 24 * time.Hour
)

// cookieKV is the per-tab store the redirect flow keeps its AuthState in.
// Values live in a signed, short-lived cookie; expiry is checked per key.
type cookieKV struct {
	mu    sync.Mutex
	sess  *sessions.Session
	now   func() time.Time
	dirty bool
}

var _ kvstore.Store = (*cookieKV)(nil)

func newCookieKV(sess *sessions.Session, now func() time.Time) *cookieKV {
	return &cookieKV{sess: sess, now: now}
}

func (s *cookieKV) lookup(key string) (string, bool) {
	v, ok := s.sess.Values[key].(string)
	if !ok {
		return "", false
	}
	if exp, ok := s.sess.Values[key+expirySuffix].(int64); ok && s.now().UnixMilli() >= exp {
		delete(s.sess.Values, key)
		delete(s.sess.Values, key+expirySuffix)
		s.dirty = true
		return "", false
	}
	return v, true
}

func (s *cookieKV) put(key, value string, ttl time.Duration) {
	s.sess.Values[key] = value
	if ttl > 0 {
		s.sess.Values[key+expirySuffix] = s.now().Add(ttl).UnixMilli()
	} else {
		delete(s.sess.Values, key+expirySuffix)
	}
	s.dirty = true
}

func (s *cookieKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lookup(key)
	if !ok {
		return "", kvstore.ErrNotFound
	}
	return v, nil
}

func (s *cookieKV) GetMulti(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.lookup(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *cookieKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

func (s *cookieKV) SetMulti(_ context.Context, values map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.put(k, v, ttl)
	}
	return nil
}

func (s *cookieKV) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if _, ok := s.sess.Values[k]; ok {
			delete(s.sess.Values, k)
			delete(s.sess.Values, k+expirySuffix)
			s.dirty = true
		}
	}
	return nil
}

func (s *cookieKV) save(r *http.Request, w http.ResponseWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if len(s.sess.Values) == 0 {
		s.sess.Options.MaxAge = -1
	}
	s.dirty = false
	return s.sess.Save(r, w)
}

func cookieOptions(maxAge time.Duration, secure bool) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	}
}
