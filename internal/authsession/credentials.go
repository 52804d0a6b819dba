package authsession

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"
)

// Durable keys.
const (
	KeyAccessToken  = "spotify_access_token"
	KeyRefreshToken = "spotify_refresh_token"
	KeyExpiresAt    = "spotify_expires_at"
	KeyTokenType    = "spotify_token_type"
	KeyUserProfile  = "spotify_user_profile"
)

// Transient keys.
const (
	KeyAuthState    = "spotify_auth_state"
	KeyReturnURL    = "spotify_return_url"
	KeyCodeVerifier = "spotify_code_verifier"
)

var (
	durableKeys   = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyTokenType, KeyUserProfile}
	tokenKeys     = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyTokenType}
	transientKeys = []string{KeyAuthState, KeyReturnURL, KeyCodeVerifier}
)

// credentials is the TokenSet and UserProfile pair as one value.
type credentials struct {
	token   *oauth2.TokenSet
	profile *oauth2.UserProfile
}

func tokenValues(ts *oauth2.TokenSet) map[string]string {
	var expires string
	if !ts.ExpiresAt.IsZero() {
		expires = strconv.FormatInt(ts.ExpiresAt.UnixMilli(), 10)
	}
	tokenType := ts.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return map[string]string{
		KeyAccessToken:  ts.AccessToken,
		KeyRefreshToken: ts.RefreshToken,
		KeyExpiresAt:    expires,
		KeyTokenType:    tokenType,
	}
}

// saveCredentials writes both halves in a single SetMulti.
func (m *Manager) saveCredentials(ctx context.Context, c credentials) error {
	profile, err := json.Marshal(c.profile)
	if err != nil {
		return newError(CodeStorageError, err)
	}

	values := tokenValues(c.token)
	values[KeyUserProfile] = string(profile)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.durable.SetMulti(ctx, values, 0); err != nil {
		return newError(CodeStorageError, err)
	}
	return nil
}

// saveToken replaces the token half only if the profile half is still present.
func (m *Manager) saveToken(ctx context.Context, ts *oauth2.TokenSet) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	present, err := m.durable.GetMulti(ctx, KeyUserProfile)
	if err != nil {
		return newError(CodeStorageError, err)
	}
	if _, ok := present[KeyUserProfile]; !ok {
		return ErrNotAuthenticated
	}

	if err := m.durable.SetMulti(ctx, tokenValues(ts), 0); err != nil {
		return newError(CodeStorageError, err)
	}
	return nil
}

func (m *Manager) clearCredentials(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.durable.Del(ctx, durableKeys...); err != nil {
		return newError(CodeStorageError, err)
	}
	return nil
}

// loadCredentials returns nil when nothing usable is stored. A half pair is cleared.
func (m *Manager) loadCredentials(ctx context.Context) (*credentials, error) {
	vals, err := m.durable.GetMulti(ctx, durableKeys...)
	if err != nil {
		return nil, newError(CodeStorageError, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	c, reason := parseCredentials(vals)
	if c == nil {
		m.log.Warn("clearing incomplete credentials", logger.Field{Key: "reason", Value: reason})
		if err := m.clearCredentials(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c, nil
}

func parseCredentials(vals map[string]string) (*credentials, string) {
	access := vals[KeyAccessToken]
	rawProfile, hasProfile := vals[KeyUserProfile]
	if access == "" {
		return nil, "missing access token"
	}
	if !hasProfile || rawProfile == "" {
		return nil, "missing user profile"
	}

	var profile oauth2.UserProfile
	if err := json.Unmarshal([]byte(rawProfile), &profile); err != nil {
		return nil, "unreadable user profile"
	}

	ts := &oauth2.TokenSet{
		AccessToken:  access,
		RefreshToken: vals[KeyRefreshToken],
		TokenType:    vals[KeyTokenType],
	}
	if raw := vals[KeyExpiresAt]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "unreadable expiry"
		}
		ts.ExpiresAt = time.UnixMilli(ms)
	}
	return &credentials{token: ts, profile: &profile}, ""
}
