package authsession

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("credentials write fails during login", func(t *testing.T) {
		h := newHarness(t, completingPopups(), withFaultyStores())
		h.faultyDurable.fail(true, false, false)

		_, err := h.m.Login(ctx)
		ae := requireCode(t, err, CodeStorageError)
		assert.ErrorIs(t, ae, errDiskFull)
		assert.Equal(t, "storage_error", Describe(err).ErrorCode)

		h.assertNoCredentials(t)
		assert.Equal(t, Idle, h.m.State())
		assert.False(t, h.m.IsLoggedIn(ctx))
	})

	t.Run("auth state write fails before the popup opens", func(t *testing.T) {
		h := newHarness(t, completingPopups(), withFaultyStores())
		h.faultyTransient.fail(true, false, false)

		_, err := h.m.Login(ctx)
		requireCode(t, err, CodeStorageError)
		assert.Zero(t, h.popups.openCount())
		assert.Len(t, h.nav.navigated, 0)
		assert.EqualValues(t, 0, h.spotify.tokenHit.Load())
		h.assertNoCredentials(t)
		assert.Equal(t, Idle, h.m.State())
	})

	t.Run("token write fails during refresh", func(t *testing.T) {
		h := newHarness(t, nil, withFaultyStores())
		h.seed(t, expiredPair())
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "t2", "refresh_token": "r2", "token_type": "Bearer", "expires_in": 3600,
			})
		})
		h.faultyDurable.fail(true, false, false)

		token, err := h.m.AccessToken(ctx)
		assert.Empty(t, token)
		requireCode(t, err, CodeStorageError)
		assert.Equal(t, Idle, h.m.State())

		h.faultyDurable.fail(false, false, false)
		vals := h.durableValues(t)
		assert.Equal(t, "t1", vals[KeyAccessToken], "old pair is left whole")
		assert.Equal(t, "r1", vals[KeyRefreshToken])
		h.assertPaired(t)
	})

	t.Run("read fails", func(t *testing.T) {
		h := newHarness(t, nil, withFaultyStores())
		h.seed(t, expiredPair())
		h.faultyDurable.fail(false, true, false)

		_, err := h.m.AccessToken(ctx)
		requireCode(t, err, CodeStorageError)
		_, err = h.m.UserProfile(ctx)
		requireCode(t, err, CodeStorageError)
		assert.False(t, h.m.IsLoggedIn(ctx))
		assert.EqualValues(t, 0, h.spotify.tokenHit.Load())

		h.faultyDurable.fail(false, false, false)
		h.assertPaired(t)
		assert.NotEmpty(t, h.durableValues(t))
	})

	t.Run("clear fails after rejected refresh", func(t *testing.T) {
		h := newHarness(t, nil, withFaultyStores())
		h.seed(t, expiredPair())
		h.spotify.setToken(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		})
		h.faultyDurable.fail(false, false, true)

		_, err := h.m.AccessToken(ctx)
		requireCode(t, err, CodeRefreshFailed)
		assert.Equal(t, Idle, h.m.State())

		h.faultyDurable.fail(false, false, false)
		h.assertPaired(t)
	})

	t.Run("logout fails", func(t *testing.T) {
		h := newHarness(t, nil, withFaultyStores())
		h.seed(t, expiredPair())
		h.faultyDurable.fail(false, false, true)

		res, err := h.m.Logout(ctx)
		assert.Nil(t, res)
		requireCode(t, err, CodeStorageError)

		h.faultyDurable.fail(false, false, false)
		h.assertPaired(t)

		res, err = h.m.Logout(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success)
		h.assertNoCredentials(t)
	})
}
