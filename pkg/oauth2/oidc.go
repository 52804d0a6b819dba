package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

type OIDCConfig struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// OIDCProvider implements Provider for any OpenID Connect issuer found by discovery.
type OIDCProvider struct {
	name     string
	flow     codeFlow
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "oidc"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, cfg.HTTPClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
		Now:      cfg.Now,
	})

	return &OIDCProvider{
		name: cfg.Name,
		flow: codeFlow{
			config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Endpoint:     provider.Endpoint(),
				Scopes:       cfg.Scopes,
			},
			httpClient: cfg.HTTPClient,
			now:        cfg.Now,
		},
		provider: provider,
		verifier: verifier,
	}, nil
}

func (o *OIDCProvider) Name() string {
	return o.name
}

func (o *OIDCProvider) Validate(requireSecret bool) error {
	return o.flow.validate(requireSecret)
}

func (o *OIDCProvider) AuthURL(state string, opts AuthOptions) string {
	return o.flow.authURL(state, opts)
}

func (o *OIDCProvider) Exchange(ctx context.Context, code string, opts AuthOptions) (*TokenSet, error) {
	tok, ts, err := o.flow.exchange(ctx, code, opts)
	if err != nil {
		return nil, err
	}
	if err := o.verifyIDToken(ctx, tok); err != nil {
		return nil, err
	}
	return ts, nil
}

func (o *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	tok, ts, err := o.flow.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if err := o.verifyIDToken(ctx, tok); err != nil {
		return nil, err
	}
	return ts, nil
}

// verifyIDToken checks the id_token when the issuer sent one.
func (o *OIDCProvider) verifyIDToken(ctx context.Context, tok *oauth2.Token) error {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil
	}
	if _, err := o.verifier.Verify(o.flow.clientContext(ctx), raw); err != nil {
		return fmt.Errorf("failed to verify ID token: %w", err)
	}
	return nil
}

// FetchProfile reads the userinfo endpoint.
func (o *OIDCProvider) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	const op = "profile fetch"

	info, err := o.provider.UserInfo(
		oidc.ClientContext(ctx, o.flow.httpClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)
	if err != nil {
		return nil, classify(op, err)
	}

	var claims struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Picture           string `json:"picture"`
		Locale            string `json:"locale"`
	}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: failed to parse claims: %w", op, err)
	}

	var raw json.RawMessage
	_ = info.Claims(&raw)

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	return &UserProfile{
		ID:          info.Subject,
		DisplayName: name,
		Email:       info.Email,
		AvatarURL:   claims.Picture,
		Country:     claims.Locale,
		Provider:    o.name,
		Raw:         raw,
	}, nil
}
