package authsession

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"chordauth/pkg/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expiredPair() *oauth2.TokenSet {
	return &oauth2.TokenSet{AccessToken: "t1", RefreshToken: "r1", TokenType: "Bearer", ExpiresAt: t0.Add(-time.Second)}
}

func TestAccessTokenRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh is transparent", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())

		var gotRefresh string
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			gotRefresh = r.PostForm.Get("refresh_token")
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "t2", "token_type": "Bearer", "expires_in": 3600})
		})

		token, err := h.m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "t2", token)
		assert.Equal(t, "r1", gotRefresh)

		vals := h.durableValues(t)
		assert.Equal(t, "t2", vals[KeyAccessToken])
		assert.Equal(t, "r1", vals[KeyRefreshToken], "old refresh token is kept")
		assert.Equal(t, strconv.FormatInt(t0.Add(time.Hour).UnixMilli(), 10), vals[KeyExpiresAt])
		assert.Contains(t, vals[KeyUserProfile], `"id":"u1"`)

		assert.Equal(t, Authenticated, h.m.State())
		assert.Equal(t, []State{Refreshing, Authenticated}, h.seen())

		// fresh token is served from the store
		token, err = h.m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "t2", token)
		assert.EqualValues(t, 1, h.spotify.tokenHit.Load())
	})

	t.Run("rotated refresh token is stored", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "t2", "refresh_token": "r2", "token_type": "Bearer", "expires_in": 3600,
			})
		})

		_, err := h.m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r2", h.durableValues(t)[KeyRefreshToken])
	})

	t.Run("rejected refresh clears everything", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		})

		token, err := h.m.AccessToken(ctx)
		assert.Empty(t, token)
		ae := requireCode(t, err, CodeRefreshFailed)
		assert.Equal(t, KindRefreshFailed, ae.Kind())
		assert.Equal(t, Failure{
			ErrorCode: "refresh_failed",
			Message:   "Your Spotify session has ended. Please log in again.",
			CanRetry:  false,
		}, Describe(err))

		h.assertNoCredentials(t)
		assert.False(t, h.m.IsLoggedIn(ctx))
		assert.Equal(t, Idle, h.m.State())
	})

	t.Run("missing refresh token clears everything", func(t *testing.T) {
		h := newHarness(t, nil)
		ts := expiredPair()
		ts.RefreshToken = ""
		h.seed(t, ts)

		_, err := h.m.AccessToken(ctx)
		ae := requireCode(t, err, CodeNoRefreshToken)
		assert.Equal(t, KindNoRefreshToken, ae.Kind())
		assert.Zero(t, h.spotify.tokenHit.Load())
		h.assertNoCredentials(t)
	})

	t.Run("network failure leaves the store alone", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())
		before := h.durableValues(t)
		h.spotify.srv.Close()

		_, err := h.m.AccessToken(ctx)
		ae := requireCode(t, err, CodeNetworkError)
		assert.True(t, ae.Retryable())
		assert.Equal(t, before, h.durableValues(t))
		assert.True(t, h.m.IsLoggedIn(ctx))
	})

	t.Run("concurrent readers share one refresh", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())

		var wg sync.WaitGroup
		tokens := make([]string, 8)
		errs := make([]error, 8)
		for i := range tokens {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tokens[i], errs[i] = h.m.AccessToken(ctx)
			}(i)
		}
		wg.Wait()

		for i := range tokens {
			require.NoError(t, errs[i])
			assert.Equal(t, "t2", tokens[i])
		}
		assert.EqualValues(t, 1, h.spotify.tokenHit.Load())
		h.assertPaired(t)
	})

	t.Run("logout during refresh does not resurrect a token", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, expiredPair())
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			_, err := h.m.Logout(context.Background())
			assert.NoError(t, err)
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "t2", "token_type": "Bearer", "expires_in": 3600})
		})

		_, err := h.m.AccessToken(ctx)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		h.assertNoCredentials(t)
	})

	t.Run("forced refresh ignores expiry", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, &oauth2.TokenSet{AccessToken: "t1", RefreshToken: "r1", ExpiresAt: t0.Add(time.Hour)})

		token, err := h.m.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, "t2", token)
		assert.EqualValues(t, 1, h.spotify.tokenHit.Load())
	})

	t.Run("expiry follows the clock", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, &oauth2.TokenSet{AccessToken: "t1", RefreshToken: "r1", ExpiresAt: t0.Add(time.Minute)})

		token, err := h.m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "t1", token)

		h.clock.Advance(2 * time.Minute)
		token, err = h.m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "t2", token)
	})
}
