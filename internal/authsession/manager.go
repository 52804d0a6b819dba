// Package authsession runs the Spotify authorization-code login for one user:
// popup or redirect transport, CSRF state, token exchange, refresh-on-read and logout.
package authsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"chordauth/pkg/idgen"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoProvider = errors.New("authsession: provider is required")
	ErrNoStore    = errors.New("authsession: durable and transient stores are required")
)

const (
	DefaultPollInterval = time.Second
	DefaultPopupTimeout = 5 * time.Minute
	DefaultStateTTL     = 10 * time.Minute
)

var DefaultWindow = WindowSize{Width: 500, Height: 600}

type Config struct {
	// UsePKCE adds an S256 challenge and lets the client secret be omitted.
	UsePKCE      bool
	PollInterval time.Duration
	PopupTimeout time.Duration
	Window       WindowSize
	// StateTTL bounds how long an unanswered AuthState stays valid.
	StateTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PopupTimeout <= 0 {
		c.PopupTimeout = DefaultPopupTimeout
	}
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		c.Window = DefaultWindow
	}
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	return c
}

// Deps are the capabilities a Manager runs against. Provider and both stores are required.
type Deps struct {
	Provider  oauth2.Provider
	Durable   kvstore.Store
	Transient kvstore.Store
	Popup     PopupHost
	Navigator Navigator
	Random    SecureRandom
	Now       func() time.Time
	Logger    logger.Logger
	IDs       idgen.Generator

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// OnTransition observes every state change.
	OnTransition func(from, to State)
}

type Method string

const (
	MethodPopup    Method = "popup"
	MethodRedirect Method = "redirect"
)

type LoginResult struct {
	User   *oauth2.UserProfile `json:"user,omitempty"`
	Method Method              `json:"method"`
	// Pending is set when the page was sent to the provider and the flow resumes on callback.
	Pending bool `json:"pending,omitempty"`
}

type LogoutResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager owns one user's credentials. Concurrent Login calls join the attempt
// already in flight and share its result; concurrent refreshes are collapsed the same way.
type Manager struct {
	cfg       Config
	provider  oauth2.Provider
	durable   kvstore.Store
	transient kvstore.Store
	popup     PopupHost
	navigator Navigator
	random    SecureRandom
	now       func() time.Time
	log       logger.Logger
	ids       idgen.Generator
	telemetry *telemetry
	observe   func(from, to State)

	mu    sync.Mutex
	state State

	writeMu   sync.Mutex
	logins    singleflight.Group
	refreshes singleflight.Group
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	if deps.Durable == nil || deps.Transient == nil {
		return nil, ErrNoStore
	}

	m := &Manager{
		cfg:       cfg.withDefaults(),
		provider:  deps.Provider,
		durable:   deps.Durable,
		transient: deps.Transient,
		popup:     deps.Popup,
		navigator: deps.Navigator,
		random:    deps.Random,
		now:       deps.Now,
		log:       deps.Logger,
		ids:       deps.IDs,
		observe:   deps.OnTransition,
		state:     Idle,
	}
	if m.random == nil {
		m.random = defaultRandom()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.ids == nil {
		gen, err := idgen.NewSnowflakeGenerator(0)
		if err != nil {
			return nil, err
		}
		m.ids = gen
	}

	t, err := newTelemetry(deps.TracerProvider, deps.MeterProvider)
	if err != nil {
		return nil, err
	}
	m.telemetry = t

	m.log = m.log.With(logger.Field{Key: "provider", Value: m.provider.Name()})
	return m, nil
}

// State is the current position in the login state machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.log.Debug("state transition",
		logger.Field{Key: "from", Value: from.String()},
		logger.Field{Key: "to", Value: to.String()},
	)
	if m.observe != nil {
		m.observe(from, to)
	}
}

// fail moves through Failed back to Idle and returns the classified error.
func (m *Manager) fail(ctx context.Context, log logger.Logger, method Method, err error) *AuthError {
	ae := asAuthError(err)
	m.setState(Failed)
	log.Warn("login failed",
		logger.Field{Key: "code", Value: ae.ErrorCode()},
		logger.Field{Key: "kind", Value: ae.Kind().String()},
		logger.Field{Key: "retryable", Value: ae.Retryable()},
		logger.Err(ae.Err),
	)
	m.telemetry.recordLogin(ctx, method, ae.ErrorCode())
	m.setState(Idle)
	return ae
}

func (m *Manager) attemptLogger() logger.Logger {
	return m.log.With(logger.Field{Key: "attempt_id", Value: idgen.Format(m.ids.GenerateID())})
}

// Login starts a login. It tries the popup first and falls back to a full-page
// redirect only when the popup is blocked.
func (m *Manager) Login(ctx context.Context) (*LoginResult, error) {
	v, err, shared := m.logins.Do("login", func() (any, error) {
		return m.login(ctx)
	})
	if shared {
		m.log.Debug("joined login already in progress")
	}
	if err != nil {
		return nil, err
	}
	return v.(*LoginResult), nil
}

func (m *Manager) login(ctx context.Context) (*LoginResult, error) {
	log := m.attemptLogger()

	if err := m.provider.Validate(!m.cfg.UsePKCE); err != nil {
		return nil, m.fail(ctx, log, "", newError(CodeInvalidClient, err))
	}

	m.setState(Authorizing)

	authURL, err := m.beginAttempt(ctx)
	if err != nil {
		return nil, m.fail(ctx, log, "", err)
	}

	result, err := m.loginWithPopup(ctx, log, authURL)
	if err == nil {
		m.telemetry.recordLogin(ctx, MethodPopup, "")
		log.Info("login complete", logger.Field{Key: "method", Value: string(MethodPopup)})
		return result, nil
	}

	if CodeOf(err) == CodePopupBlocked && m.navigator != nil {
		log.Info("popup unavailable, falling back to redirect")
		return m.loginWithRedirect(ctx, log, authURL)
	}

	m.discardAttempt(ctx, log)
	return nil, m.fail(ctx, log, MethodPopup, err)
}

// beginAttempt persists a fresh AuthState (and verifier) and returns the authorization URL.
func (m *Manager) beginAttempt(ctx context.Context) (string, error) {
	state, err := newState(m.random)
	if err != nil {
		return "", newError(CodeStorageError, err)
	}

	values := map[string]string{KeyAuthState: state}
	var opts oauth2.AuthOptions
	if m.cfg.UsePKCE {
		verifier, err := newVerifier(m.random)
		if err != nil {
			return "", newError(CodeStorageError, err)
		}
		values[KeyCodeVerifier] = verifier
		opts.CodeVerifier = verifier
	}

	if err := m.transient.SetMulti(ctx, values, m.cfg.StateTTL); err != nil {
		return "", newError(CodeStorageError, err)
	}
	return m.provider.AuthURL(state, opts), nil
}

func (m *Manager) discardAttempt(ctx context.Context, log logger.Logger) {
	if err := m.transient.Del(ctx, KeyAuthState, KeyCodeVerifier); err != nil {
		log.Warn("failed to discard auth state", logger.Err(err))
	}
}

func (m *Manager) loginWithRedirect(ctx context.Context, log logger.Logger, authURL string) (*LoginResult, error) {
	if current := m.navigator.CurrentURL(); current != "" {
		if err := m.transient.Set(ctx, KeyReturnURL, current, m.cfg.StateTTL); err != nil {
			return nil, m.fail(ctx, log, MethodRedirect, newError(CodeStorageError, err))
		}
	}

	m.setState(AwaitingCallback)
	if err := m.navigator.Navigate(authURL); err != nil {
		m.discardAttempt(ctx, log)
		return nil, m.fail(ctx, log, MethodRedirect, &AuthError{Code: CodeUnmapped, Raw: "navigation_failed", Err: err})
	}

	log.Info("redirecting to provider")
	return &LoginResult{Method: MethodRedirect, Pending: true}, nil
}

// IsLoggedIn reports whether a complete pair is stored and its token is either
// unexpired or refreshable. It makes no network calls.
func (m *Manager) IsLoggedIn(ctx context.Context) bool {
	c, err := m.loadCredentials(ctx)
	if err != nil || c == nil {
		return false
	}
	return !c.token.Expired(m.now()) || c.token.RefreshToken != ""
}

// AccessToken returns a usable access token, refreshing it first when expired.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	c, err := m.loadCredentials(ctx)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrNotAuthenticated
	}
	if !c.token.Expired(m.now()) {
		return c.token.AccessToken, nil
	}
	return m.refresh(ctx, false)
}

// UserProfile returns the stored profile.
func (m *Manager) UserProfile(ctx context.Context) (*oauth2.UserProfile, error) {
	c, err := m.loadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotAuthenticated
	}
	return c.profile, nil
}

// Logout clears credentials and any in-flight attempt markers. It is safe to repeat.
func (m *Manager) Logout(ctx context.Context) (*LogoutResult, error) {
	if err := m.clearCredentials(ctx); err != nil {
		return nil, err
	}
	if err := m.transient.Del(ctx, transientKeys...); err != nil {
		return nil, newError(CodeStorageError, err)
	}

	m.setState(Idle)
	m.log.Info("logged out")
	return &LogoutResult{Success: true, Message: "Logged out successfully"}, nil
}
