// Package bootstrap turns configuration into the stores and provider the hosts share.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chordauth/cfg"
	"chordauth/internal/authsession"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"

	"github.com/redis/go-redis/v9"
)

const purgeInterval = time.Minute

// OpenStore opens the configured durable backend. The returned func releases it.
func OpenStore(ctx context.Context, c *cfg.Config, log logger.Logger) (kvstore.Store, func() error, error) {
	switch c.Storage.Driver {
	case cfg.StorageMemory:
		s := kvstore.NewMemoryStore()
		return s, func() error { s.Close(); return nil }, nil

	case cfg.StorageSQLite:
		s, err := kvstore.OpenSQLite(c.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		stop := make(chan struct{})
		go purgeLoop(s, stop, log)
		return s, func() error { close(stop); return s.Close() }, nil

	case cfg.StorageRedis:
		s := kvstore.NewRedisStore(&redis.Options{
			Addr:     c.Redis.Addr(),
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", c.Redis.Addr(), err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
}

func purgeLoop(s *kvstore.SQLiteStore, stop <-chan struct{}, log logger.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(context.Background())
			if err != nil {
				log.Warn("purge expired keys", logger.Err(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired keys", logger.Field{Key: "count", Value: n})
			}
		}
	}
}

// NewProvider builds the OIDC provider when an issuer is configured, Spotify otherwise.
func NewProvider(ctx context.Context, c *cfg.Config, httpClient *http.Client) (oauth2.Provider, error) {
	if c.OIDC.IssuerURL != "" {
		p, err := oauth2.NewOIDCProvider(ctx, oauth2.OIDCConfig{
			Name:         c.OIDC.Name,
			IssuerURL:    c.OIDC.IssuerURL,
			ClientID:     c.OIDC.ClientID,
			ClientSecret: c.OIDC.ClientSecret,
			RedirectURL:  c.OIDC.RedirectURL,
			Scopes:       c.OIDC.Scopes,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", c.OIDC.IssuerURL, err)
		}
		return p, nil
	}

	return oauth2.NewSpotifyProvider(oauth2.SpotifyConfig{
		ClientID:     c.Spotify.ClientID,
		ClientSecret: c.Spotify.ClientSecret,
		RedirectURL:  c.Spotify.RedirectURL,
		Scopes:       c.Spotify.Scopes,
		AuthURL:      c.Spotify.AuthURL,
		TokenURL:     c.Spotify.TokenURL,
		APIURL:       c.Spotify.APIURL,
		HTTPClient:   httpClient,
	}), nil
}

// RedirectURL is the redirect registered for the active provider.
func RedirectURL(c *cfg.Config) string {
	if c.OIDC.IssuerURL != "" {
		return c.OIDC.RedirectURL
	}
	return c.Spotify.RedirectURL
}

func AuthConfig(c *cfg.Config) authsession.Config {
	return authsession.Config{
		UsePKCE:      c.Auth.UsePKCE,
		PollInterval: c.Auth.PollInterval,
		PopupTimeout: c.Auth.PopupTimeout,
		StateTTL:     c.Auth.StateTTL,
	}
}
