package bootstrap

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"chordauth/cfg"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, environ map[string]string) *cfg.Config {
	t.Helper()
	c, err := cfg.Parse(environ)
	require.NoError(t, err)
	return c
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cases := map[string]map[string]string{
		"memory": {"STORAGE_DRIVER": "memory"},
		"sqlite": {"STORAGE_DRIVER": "sqlite", "SQLITE_PATH": filepath.Join(t.TempDir(), "kv.db")},
		"redis":  {"STORAGE_DRIVER": "redis", "REDIS_HOST": mr.Host(), "REDIS_PORT": mr.Port()},
	}

	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, closeFn, err := OpenStore(ctx, parse(t, environ), logger.Nop())
			require.NoError(t, err)

			require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
			got, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", got)

			assert.NoError(t, closeFn())
		})
	}
}

func TestOpenStoreRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, _, err = OpenStore(context.Background(), parse(t, map[string]string{
		"STORAGE_DRIVER": "redis", "REDIS_HOST": host, "REDIS_PORT": port,
	}), logger.Nop())
	assert.ErrorContains(t, err, "connect redis")
}

func TestNewProviderDefaultsToSpotify(t *testing.T) {
	c := parse(t, map[string]string{
		"SPOTIFY_CLIENT_ID":     "id",
		"SPOTIFY_CLIENT_SECRET": "secret",
	})

	p, err := NewProvider(context.Background(), c, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, "spotify", p.Name())
	assert.NoError(t, p.Validate(true))
	assert.Contains(t, p.AuthURL("abc", oauth2.AuthOptions{}), "state=abc")
}

func TestRedirectURL(t *testing.T) {
	c := parse(t, map[string]string{
		"SPOTIFY_REDIRECT_URL": "http://127.0.0.1:9000/callback",
		"OIDC_REDIRECT_URL":    "http://127.0.0.1:9001/callback",
	})
	assert.Equal(t, "http://127.0.0.1:9000/callback", RedirectURL(c))

	c.OIDC.IssuerURL = "https://issuer.example"
	assert.Equal(t, "http://127.0.0.1:9001/callback", RedirectURL(c))
}

func TestAuthConfig(t *testing.T) {
	c := parse(t, map[string]string{"AUTH_USE_PKCE": "true", "AUTH_STATE_TTL": "2m"})
	ac := AuthConfig(c)
	assert.True(t, ac.UsePKCE)
	assert.Equal(t, 2*time.Minute, ac.StateTTL)
	assert.Equal(t, time.Second, ac.PollInterval)
}
