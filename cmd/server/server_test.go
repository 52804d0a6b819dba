package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"chordauth/cfg"
	"chordauth/internal/web"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(store.Close)

	provider := oauth2.NewSpotifyProvider(oauth2.SpotifyConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8080/callback",
	})
	cookies := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	h := web.NewHandler(provider, store, cookies, nil, nil, logger.Nop(), web.Options{PublicURL: "http://127.0.0.1:8080"})
	return newRouter("chordauth-test", h, logger.Nop())
}

func TestRouterServesAPIDocs(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, path := range []string{"/auth/spotify/login", "/callback", "/auth/logout", "/api/me", "/api/token", "/api/library/{kind}"} {
		assert.Contains(t, body, `"`+path+`"`)
	}
	assert.Contains(t, body, `"title": "chordauth API"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/swagger/doc.json")
}

func TestRouterServesIndex(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"logged_in":false,"login_url":"/auth/spotify/login"}`, w.Body.String())
}

func TestServiceResource(t *testing.T) {
	c, err := cfg.Parse(map[string]string{
		"OTEL_SERVICE_NAME": "chords",
		"APP_ENV":           "staging",
		"STORAGE_DRIVER":    "redis",
		"AUTH_USE_PKCE":     "true",
	})
	require.NoError(t, err)

	res, err := serviceResource(context.Background(), c, "spotify")
	require.NoError(t, err)

	set := res.Set()
	name, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "chords", name.AsString())
	env, _ := set.Value(semconv.DeploymentEnvironmentKey)
	assert.Equal(t, "staging", env.AsString())
	driver, _ := set.Value("chordauth.storage.driver")
	assert.Equal(t, "redis", driver.AsString())
	provider, _ := set.Value("chordauth.provider")
	assert.Equal(t, "spotify", provider.AsString())
	pkce, _ := set.Value("chordauth.pkce")
	assert.True(t, pkce.AsBool())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
