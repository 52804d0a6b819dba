package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chordauth/pkg/kvstore"
	"chordauth/pkg/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redirectURL = "http://127.0.0.1:8888/callback"

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSpotify serves the token and profile endpoints.
type fakeSpotify struct {
	srv      *httptest.Server
	tokenHit atomic.Int32
	meHit    atomic.Int32

	mu    sync.Mutex
	token http.HandlerFunc
	me    http.HandlerFunc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeSpotify(t *testing.T) *fakeSpotify {
	t.Helper()
	f := &fakeSpotify{}
	f.token = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "t1", "refresh_token": "r1", "token_type": "Bearer", "expires_in": 3600,
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "t2", "token_type": "Bearer", "expires_in": 3600,
			})
		}
	}
	f.me = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "display_name": "Ada"})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHit.Add(1)
		f.mu.Lock()
		h := f.token
		f.mu.Unlock()
		h(w, r)
	})
	mux.HandleFunc("/v1/me", func(w http.ResponseWriter, r *http.Request) {
		f.meHit.Add(1)
		f.mu.Lock()
		h := f.me
		f.mu.Unlock()
		h(w, r)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSpotify) setToken(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = h
}

func (f *fakeSpotify) setMe(h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.me = h
}

func (f *fakeSpotify) provider(c *clock, secret string) *oauth2.SpotifyProvider {
	return oauth2.NewSpotifyProvider(oauth2.SpotifyConfig{
		ClientID:     "client",
		ClientSecret: secret,
		RedirectURL:  redirectURL,
		AuthURL:      f.srv.URL + "/authorize",
		TokenURL:     f.srv.URL + "/api/token",
		APIURL:       f.srv.URL + "/v1",
		HTTPClient:   f.srv.Client(),
		Now:          c.Now,
	})
}

// scriptedPopup answers Location with ErrCrossOrigin until release is closed,
// then with the result of onRelease.
type scriptedPopup struct {
	authURL string
	polls   atomic.Int32
	closed  atomic.Bool
	closes  atomic.Int32

	release   chan struct{}
	onRelease func(authURL string) string
}

func (p *scriptedPopup) Location() (string, error) {
	p.polls.Add(1)
	select {
	case <-p.release:
		return p.onRelease(p.authURL), nil
	default:
		return "", ErrCrossOrigin
	}
}

func (p *scriptedPopup) Closed() bool {
	return p.closed.Load()
}

func (p *scriptedPopup) Close() {
	p.closes.Add(1)
	p.closed.Store(true)
}

type popupHost struct {
	mu     sync.Mutex
	opens  int
	size   WindowSize
	err    error
	popups []*scriptedPopup
	build  func(authURL string) *scriptedPopup
	opened chan struct{}
}

func (h *popupHost) Open(_ context.Context, authURL string, size WindowSize) (Popup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
	h.size = size
	if h.opened != nil {
		select {
		case h.opened <- struct{}{}:
		default:
		}
	}
	if h.err != nil {
		return nil, h.err
	}
	p := h.build(authURL)
	p.authURL = authURL
	h.popups = append(h.popups, p)
	return p, nil
}

func (h *popupHost) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *popupHost) last() *scriptedPopup {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.popups[len(h.popups)-1]
}

// callbackFor answers the popup with a redirect carrying the issued state.
func callbackFor(authURL string) string {
	u, _ := url.Parse(authURL)
	return redirectURL + "?code=ABC&state=" + url.QueryEscape(u.Query().Get("state"))
}

func completingPopups() *popupHost {
	return &popupHost{build: func(string) *scriptedPopup {
		released := make(chan struct{})
		close(released)
		return &scriptedPopup{release: released, onRelease: callbackFor}
	}}
}

type navigator struct {
	mu         sync.Mutex
	current    string
	navigated  []string
	replaced   []string
	navigateFn func(string) error
}

func (n *navigator) CurrentURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *navigator) Navigate(u string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.navigateFn != nil {
		if err := n.navigateFn(u); err != nil {
			return err
		}
	}
	n.navigated = append(n.navigated, u)
	n.current = u
	return nil
}

func (n *navigator) Replace(u string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaced = append(n.replaced, u)
	n.current = u
	return nil
}

var errDiskFull = errors.New("disk full")

// faultyStore fails the selected operations and passes the rest through.
type faultyStore struct {
	kvstore.Store

	mu      sync.Mutex
	failSet bool
	failGet bool
	failDel bool
}

func (s *faultyStore) fail(set, get, del bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet, s.failGet, s.failDel = set, get, del
}

func (s *faultyStore) flags() (set, get, del bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failSet, s.failGet, s.failDel
}

func (s *faultyStore) Get(ctx context.Context, key string) (string, error) {
	if _, get, _ := s.flags(); get {
		return "", errDiskFull
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	if _, get, _ := s.flags(); get {
		return nil, errDiskFull
	}
	return s.Store.GetMulti(ctx, keys...)
}

func (s *faultyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if set, _, _ := s.flags(); set {
		return errDiskFull
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *faultyStore) SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if set, _, _ := s.flags(); set {
		return errDiskFull
	}
	return s.Store.SetMulti(ctx, values, ttl)
}

func (s *faultyStore) Del(ctx context.Context, keys ...string) error {
	if _, _, del := s.flags(); del {
		return errDiskFull
	}
	return s.Store.Del(ctx, keys...)
}

type harness struct {
	m         *Manager
	spotify   *fakeSpotify
	clock     *clock
	durable   *kvstore.MemoryStore
	transient *kvstore.MemoryStore
	popups    *popupHost
	nav       *navigator

	// set by withFaultyStores
	faultyDurable   *faultyStore
	faultyTransient *faultyStore

	mu          sync.Mutex
	transitions []State
}

type harnessOpt func(*Config, *Deps, *harness)

func withSecret(secret string) harnessOpt {
	return func(_ *Config, d *Deps, h *harness) {
		d.Provider = h.spotify.provider(h.clock, secret)
	}
}

func withConfig(fn func(*Config)) harnessOpt {
	return func(c *Config, _ *Deps, _ *harness) { fn(c) }
}

func withoutNavigator() harnessOpt {
	return func(_ *Config, d *Deps, h *harness) {
		d.Navigator = nil
		h.nav = nil
	}
}

// withFaultyStores routes both stores through a faultyStore.
func withFaultyStores() harnessOpt {
	return func(_ *Config, d *Deps, h *harness) {
		h.faultyDurable = &faultyStore{Store: h.durable}
		h.faultyTransient = &faultyStore{Store: h.transient}
		d.Durable = h.faultyDurable
		d.Transient = h.faultyTransient
	}
}

func newHarness(t *testing.T, popups *popupHost, opts ...harnessOpt) *harness {
	t.Helper()

	h := &harness{
		spotify:   newFakeSpotify(t),
		clock:     &clock{now: t0},
		durable:   kvstore.NewMemoryStore(),
		transient: kvstore.NewMemoryStore(),
		popups:    popups,
		nav:       &navigator{current: "http://127.0.0.1:8888/songs?q=wonderwall"},
	}
	t.Cleanup(h.durable.Close)
	t.Cleanup(h.transient.Close)

	cfg := Config{PollInterval: time.Millisecond, PopupTimeout: 2 * time.Second}
	deps := Deps{
		Provider:  h.spotify.provider(h.clock, "secret"),
		Durable:   h.durable,
		Transient: h.transient,
		Navigator: h.nav,
		Now:       h.clock.Now,
		OnTransition: func(_, to State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, to)
			h.mu.Unlock()
		},
	}
	if popups != nil {
		deps.Popup = popups
	}
	for _, o := range opts {
		o(&cfg, &deps, h)
	}

	m, err := NewManager(cfg, deps)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func (h *harness) durableValues(t *testing.T) map[string]string {
	t.Helper()
	vals, err := h.durable.GetMulti(context.Background(), durableKeys...)
	require.NoError(t, err)
	return vals
}

// assertPaired fails if a token is stored without a profile or the reverse.
func (h *harness) assertPaired(t *testing.T) {
	t.Helper()
	vals := h.durableValues(t)
	_, hasToken := vals[KeyAccessToken]
	_, hasProfile := vals[KeyUserProfile]
	assert.Equal(t, hasToken, hasProfile, "token and profile must be stored together: %v", vals)
}

func (h *harness) assertNoCredentials(t *testing.T) {
	t.Helper()
	assert.Empty(t, h.durableValues(t))
}

// seed stores a complete pair directly.
func (h *harness) seed(t *testing.T, ts *oauth2.TokenSet) {
	t.Helper()
	err := h.m.saveCredentials(context.Background(), credentials{
		token:   ts,
		profile: &oauth2.UserProfile{ID: "u1", DisplayName: "Ada", Provider: oauth2.ProviderSpotify},
	})
	require.NoError(t, err)
}

// issueState stores an AuthState as if a login had started.
func (h *harness) issueState(t *testing.T, state string) {
	t.Helper()
	require.NoError(t, h.transient.Set(context.Background(), KeyAuthState, state, time.Minute))
}

func requireCode(t *testing.T, err error, want Code) *AuthError {
	t.Helper()
	var ae *AuthError
	require.True(t, errors.As(err, &ae), "expected *AuthError, got %v", err)
	require.Equal(t, want, ae.Code, "error: %v", err)
	return ae
}
