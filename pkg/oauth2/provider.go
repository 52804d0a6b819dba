package oauth2

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is an identity provider speaking the authorization-code flow.
type Provider interface {
	Name() string
	// Validate reports missing credentials. The secret may be omitted only when requireSecret is false.
	Validate(requireSecret bool) error
	AuthURL(state string, opts AuthOptions) string
	Exchange(ctx context.Context, code string, opts AuthOptions) (*TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error)
}

// AuthOptions carries per-attempt parameters shared by AuthURL and Exchange.
type AuthOptions struct {
	// CodeVerifier enables PKCE (S256) when set.
	CodeVerifier string
}

// TokenSet represents the token response from a provider.
// ExpiresAt is computed when the response is received.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is no longer usable at now.
// A zero ExpiresAt never expires.
func (t *TokenSet) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// UserProfile is the identity payload persisted next to the tokens.
type UserProfile struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email,omitempty"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Country     string          `json:"country,omitempty"`
	Product     string          `json:"product,omitempty"`
	Followers   int             `json:"followers"`
	Provider    string          `json:"provider"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

const defaultDisplayName = "Spotify User"

// Name is the label shown for the user.
func (u *UserProfile) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return defaultDisplayName
}
