package oauth2

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// codeFlow is the authorization-code plumbing shared by every provider.
type codeFlow struct {
	config     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
	authParams []oauth2.AuthCodeOption
}

func (f *codeFlow) validate(requireSecret bool) error {
	if f.config.ClientID == "" {
		return ErrMissingClientID
	}
	if requireSecret && f.config.ClientSecret == "" {
		return ErrMissingClientSecret
	}
	if f.config.RedirectURL == "" {
		return ErrMissingRedirectURL
	}
	return nil
}

func (f *codeFlow) clientContext(ctx context.Context) context.Context {
	if f.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
}

func (f *codeFlow) authURL(state string, opts AuthOptions) string {
	params := append([]oauth2.AuthCodeOption{}, f.authParams...)
	if opts.CodeVerifier != "" {
		params = append(params, oauth2.S256ChallengeOption(opts.CodeVerifier))
	}
	return f.config.AuthCodeURL(state, params...)
}

func (f *codeFlow) exchange(ctx context.Context, code string, opts AuthOptions) (*oauth2.Token, *TokenSet, error) {
	var params []oauth2.AuthCodeOption
	if opts.CodeVerifier != "" {
		params = append(params, oauth2.VerifierOption(opts.CodeVerifier))
	}

	tok, err := f.config.Exchange(f.clientContext(ctx), code, params...)
	if err != nil {
		return nil, nil, classify("token exchange", err)
	}
	return tok, f.tokenSet(tok), nil
}

func (f *codeFlow) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, *TokenSet, error) {
	src := f.config.TokenSource(f.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, nil, classify("token refresh", err)
	}
	return tok, f.tokenSet(tok), nil
}

// tokenSet stamps the expiry with the injected clock so it reflects receipt time.
func (f *codeFlow) tokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}

	if secs := expiresIn(tok); secs > 0 {
		ts.ExpiresAt = f.now().Add(time.Duration(secs) * time.Second)
	} else if !tok.Expiry.IsZero() {
		ts.ExpiresAt = tok.Expiry
	}
	return ts
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}
