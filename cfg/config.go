package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

type SpotifyConfig struct {
	ClientID     string   `env:"SPOTIFY_CLIENT_ID"`
	ClientSecret string   `env:"SPOTIFY_CLIENT_SECRET"`
	RedirectURL  string   `env:"SPOTIFY_REDIRECT_URL" envDefault:"http://127.0.0.1:8888/callback"`
	Scopes       []string `env:"SPOTIFY_SCOPES" envSeparator:","`
	AuthURL      string   `env:"SPOTIFY_AUTH_URL" envDefault:"https://accounts.spotify.com/authorize"`
	TokenURL     string   `env:"SPOTIFY_TOKEN_URL" envDefault:"https://accounts.spotify.com/api/token"`
	APIURL       string   `env:"SPOTIFY_API_URL" envDefault:"https://api.spotify.com/v1"`
}

// OIDCConfig enables a generic OpenID Connect provider instead of Spotify when IssuerURL is set.
type OIDCConfig struct {
	Name         string   `env:"OIDC_NAME" envDefault:"oidc"`
	IssuerURL    string   `env:"OIDC_ISSUER_URL"`
	ClientID     string   `env:"OIDC_CLIENT_ID"`
	ClientSecret string   `env:"OIDC_CLIENT_SECRET"`
	RedirectURL  string   `env:"OIDC_REDIRECT_URL"`
	Scopes       []string `env:"OIDC_SCOPES" envSeparator:","`
}

type AuthConfig struct {
	UsePKCE      bool          `env:"AUTH_USE_PKCE"`
	PollInterval time.Duration `env:"AUTH_POLL_INTERVAL" envDefault:"1s"`
	PopupTimeout time.Duration `env:"AUTH_POPUP_TIMEOUT" envDefault:"5m"`
	StateTTL     time.Duration `env:"AUTH_STATE_TTL" envDefault:"10m"`
}

type StorageConfig struct {
	Driver     string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"chordauth.db"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     string `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

type HTTPConfig struct {
	Addr          string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicURL     string `env:"HTTP_PUBLIC_URL" envDefault:"http://127.0.0.1:8080"`
	SessionSecret string `env:"SESSION_SECRET"`
	SecureCookie  bool   `env:"SESSION_SECURE_COOKIE"`
}

type LibraryConfig struct {
	CacheTTL time.Duration `env:"LIBRARY_CACHE_TTL" envDefault:"5m"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"chordauth"`
	Environment  string `env:"APP_ENV" envDefault:"development"`
	// SampleRatio is the share of new traces kept; child spans follow their parent.
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	Spotify       SpotifyConfig
	OIDC          OIDCConfig
	Auth          AuthConfig
	Storage       StorageConfig
	Redis         RedisConfig
	HTTP          HTTPConfig
	Library       LibraryConfig
	Observability ObservabilityConfig
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("failed load cfg: " + err.Error())
	}
	return parse(env.Options{})
}

// Parse builds a Config from environ only.
func Parse(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid env STORAGE_DRIVER: %q", c.Storage.Driver))
	}
	if c.Storage.Driver == StorageSQLite && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("missing env: SQLITE_PATH"))
	}
	if c.Auth.PollInterval <= 0 || c.Auth.PopupTimeout <= 0 || c.Auth.StateTTL <= 0 {
		errs = append(errs, errors.New("auth durations must be positive"))
	}
	if c.Library.CacheTTL < 0 {
		errs = append(errs, errors.New("invalid env LIBRARY_CACHE_TTL: negative"))
	}
	if r := c.Observability.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("invalid env OTEL_SAMPLE_RATIO: %v not in [0, 1]", r))
	}

	return errors.Join(errs...)
}

// ValidateServer checks what only the web host needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if len(c.HTTP.SessionSecret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 bytes"))
	}
	if c.HTTP.PublicURL == "" {
		errs = append(errs, errors.New("missing env: HTTP_PUBLIC_URL"))
	}

	redirect := c.Spotify.RedirectURL
	if c.OIDC.IssuerURL != "" {
		redirect = c.OIDC.RedirectURL
	}
	if want := strings.TrimRight(c.HTTP.PublicURL, "/") + "/callback"; redirect != want {
		errs = append(errs, fmt.Errorf("redirect url %q must be %q for the web host", redirect, want))
	}
	return errors.Join(errs...)
}
