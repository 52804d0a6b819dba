package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"chordauth/internal/library"
	"chordauth/pkg/idgen"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/oauth2"
	"chordauth/pkg/spotify"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const authorizeURL = "https://accounts.test/authorize"

type fakeProvider struct {
	invalid error
}

func (p *fakeProvider) Name() string { return "spotify" }

func (p *fakeProvider) Validate(bool) error { return p.invalid }

func (p *fakeProvider) AuthURL(state string, _ oauth2.AuthOptions) string {
	return authorizeURL + "?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string, _ oauth2.AuthOptions) (*oauth2.TokenSet, error) {
	if code != "good-code" {
		return nil, &oauth2.ResponseError{Op: "exchange", StatusCode: http.StatusBadRequest, Code: "invalid_grant"}
	}
	return &oauth2.TokenSet{
		AccessToken:  "at-1",
		TokenType:    "Bearer",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) Refresh(context.Context, string) (*oauth2.TokenSet, error) {
	return nil, errors.New("not expected")
}

func (p *fakeProvider) FetchProfile(_ context.Context, accessToken string) (*oauth2.UserProfile, error) {
	return &oauth2.UserProfile{ID: "user-1", DisplayName: "Ada", Provider: "spotify"}, nil
}

type fakeLibrary struct {
	calls int
}

func (f *fakeLibrary) Playlists(_ context.Context, token string, limit int) (*spotify.Paging[spotify.Playlist], error) {
	f.calls++
	if token != "at-1" {
		return nil, &spotify.APIError{StatusCode: http.StatusUnauthorized}
	}
	return &spotify.Paging[spotify.Playlist]{Items: []spotify.Playlist{{ID: "p1", Name: "Campfire"}}, Total: 1, Limit: limit}, nil
}

func (f *fakeLibrary) SavedTracks(context.Context, string, int) (*spotify.Paging[spotify.SavedTrack], error) {
	f.calls++
	return nil, &spotify.APIError{StatusCode: http.StatusServiceUnavailable, Message: "down"}
}

func (f *fakeLibrary) RecentlyPlayed(context.Context, string, int) (*spotify.CursorPaging[spotify.PlayHistory], error) {
	f.calls++
	return &spotify.CursorPaging[spotify.PlayHistory]{}, nil
}

type browser struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	api    *fakeLibrary
}

func newBrowser(t *testing.T, provider oauth2.Provider) *browser {
	t.Helper()

	durable := kvstore.NewMemoryStore()
	t.Cleanup(durable.Close)
	cache := kvstore.NewMemoryStore()
	t.Cleanup(cache.Close)

	ids, err := idgen.NewSnowflakeGenerator(1)
	require.NoError(t, err)

	api := &fakeLibrary{}
	b := &browser{t: t, api: api}

	router := gin.New()
	b.server = httptest.NewServer(router)
	t.Cleanup(b.server.Close)

	h := NewHandler(
		provider,
		durable,
		sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef")),
		library.NewService(api, cache, time.Minute, nil),
		ids,
		nil,
		Options{PublicURL: b.server.URL},
	)
	h.RegisterRoutes(router)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	b.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return b
}

func (b *browser) do(method, path string) (*http.Response, map[string]any) {
	b.t.Helper()

	req, err := http.NewRequest(method, b.server.URL+path, nil)
	require.NoError(b.t, err)
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(b.t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

// login starts the redirect flow and returns the state the provider was sent.
func (b *browser) login(returnTo string) string {
	b.t.Helper()

	resp, _ := b.do(http.MethodGet, "/auth/spotify/login?return_to="+url.QueryEscape(returnTo))
	require.Equal(b.t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(b.t, err)
	require.True(b.t, strings.HasPrefix(loc.String(), authorizeURL))
	state := loc.Query().Get("state")
	require.NotEmpty(b.t, state)
	return state
}

func TestLoginRoundTrip(t *testing.T) {
	b := newBrowser(t, &fakeProvider{})

	state := b.login("/library")

	resp, _ := b.do(http.MethodGet, "/callback?code=good-code&state="+state)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, b.server.URL+"/library", resp.Header.Get("Location"))

	resp, body := b.do(http.MethodGet, "/api/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ada", body["name"])
	assert.Equal(t, true, body["logged_in"])
	assert.Equal(t, "user-1", body["user"].(map[string]any)["id"])

	resp, body = b.do(http.MethodGet, "/api/token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "at-1", body["access_token"])

	resp, body = b.do(http.MethodGet, "/api/library/playlists?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "playlists", body["kind"])
	assert.Len(t, body["items"], 1)

	resp, body = b.do(http.MethodPost, "/auth/logout")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = b.do(http.MethodGet, "/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "not_authenticated", body["error"])

	resp, body = b.do(http.MethodGet, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["logged_in"])
}

func TestSessionsAreIsolated(t *testing.T) {
	b := newBrowser(t, &fakeProvider{})
	state := b.login("/")
	resp, _ := b.do(http.MethodGet, "/callback?code=good-code&state="+state)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, b.server.URL+"/", resp.Header.Get("Location"))

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	other := &browser{t: t, server: b.server, client: &http.Client{Jar: jar}}

	resp, _ = other.do(http.MethodGet, "/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallbackStateMismatchConsumesState(t *testing.T) {
	b := newBrowser(t, &fakeProvider{})
	state := b.login("/")

	resp, body := b.do(http.MethodGet, "/callback?code=good-code&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "state_mismatch", body["error"])
	assert.Equal(t, false, body["canRetry"])

	resp, body = b.do(http.MethodGet, "/callback?code=good-code&state="+state)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "state_mismatch", body["error"])

	resp, _ = b.do(http.MethodGet, "/api/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallbackProviderErrors(t *testing.T) {
	t.Run("access denied", func(t *testing.T) {
		b := newBrowser(t, &fakeProvider{})
		state := b.login("/")

		resp, body := b.do(http.MethodGet, "/callback?error=access_denied&state="+state)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "access_denied", body["error"])
		assert.Equal(t, "You cancelled the login. You can still use public search.", body["message"])
	})

	t.Run("rejected code", func(t *testing.T) {
		b := newBrowser(t, &fakeProvider{})
		state := b.login("/")

		resp, body := b.do(http.MethodGet, "/callback?code=stale&state="+state)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "invalid_grant", body["error"])
	})
}

func TestLoginMisconfigured(t *testing.T) {
	b := newBrowser(t, &fakeProvider{invalid: oauth2.ErrMissingClientSecret})

	resp, body := b.do(http.MethodGet, "/auth/spotify/login")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "invalid_client", body["error"])
	assert.Equal(t, "App configuration error. Please contact support.", body["message"])
}

func TestLibraryErrors(t *testing.T) {
	b := newBrowser(t, &fakeProvider{})

	resp, body := b.do(http.MethodGet, "/api/library/albums")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])

	resp, body = b.do(http.MethodGet, "/api/library/tracks")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "not_authenticated", body["error"])
	assert.Zero(t, b.api.calls)

	state := b.login("/")
	resp, _ = b.do(http.MethodGet, "/callback?code=good-code&state="+state)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, body = b.do(http.MethodGet, "/api/library/tracks")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "spotify_api_error", body["error"])
	assert.Equal(t, true, body["canRetry"])
}

func TestLocalPath(t *testing.T) {
	cases := map[string]string{
		"":                     "/",
		"/library?tab=recent":  "/library?tab=recent",
		"//evil.example/":      "/",
		"https://evil.example": "/",
		"/\\evil.example":      "/",
		"relative":             "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, localPath(in), in)
	}
}
