package authsession

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"

	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"

	"go.opentelemetry.io/otel/attribute"
)

// HandleCallback completes a login from the provider's redirect URL.
func (m *Manager) HandleCallback(ctx context.Context, rawURL string) (*LoginResult, error) {
	log := m.attemptLogger()

	result, err := m.completeCallback(ctx, log, rawURL, MethodRedirect)
	if err != nil {
		return nil, m.fail(ctx, log, MethodRedirect, err)
	}

	m.telemetry.recordLogin(ctx, MethodRedirect, "")
	log.Info("login complete", logger.Field{Key: "method", Value: string(MethodRedirect)})
	return result, nil
}

// HandlePageCallback must run once per page load. It returns nil, nil when the
// current URL is not a callback. Otherwise it completes the login, strips OAuth
// parameters from the visible URL and returns to the page the login started from.
func (m *Manager) HandlePageCallback(ctx context.Context) (*LoginResult, error) {
	if m.navigator == nil {
		return nil, nil
	}

	current := m.navigator.CurrentURL()
	if !IsCallbackURL(current) {
		return nil, nil
	}

	result, err := m.HandleCallback(ctx, current)

	clean := StripCallbackParams(current)
	if rerr := m.navigator.Replace(clean); rerr != nil {
		m.log.Warn("failed to clean callback url", logger.Err(rerr))
	}

	returnURL, gerr := m.transient.Get(ctx, KeyReturnURL)
	if gerr == nil {
		if derr := m.transient.Del(ctx, KeyReturnURL); derr != nil {
			m.log.Warn("failed to clear return url", logger.Err(derr))
		}
		if returnURL != "" && returnURL != clean {
			if nerr := m.navigator.Navigate(returnURL); nerr != nil {
				m.log.Warn("failed to return to pre-login page", logger.Err(nerr))
			}
		}
	}

	return result, err
}

// completeCallback validates the callback, exchanges the code and stores the pair.
// The stored AuthState is consumed before anything in the URL is trusted.
func (m *Manager) completeCallback(ctx context.Context, log logger.Logger, rawURL string, method Method) (*LoginResult, error) {
	saved, err := m.transient.GetMulti(ctx, KeyAuthState, KeyCodeVerifier)
	if err != nil {
		return nil, newError(CodeStorageError, err)
	}
	if err := m.transient.Del(ctx, KeyAuthState, KeyCodeVerifier); err != nil {
		return nil, newError(CodeStorageError, err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(CodeInvalidRequest, err)
	}
	q := u.Query()

	if code := q.Get("error"); code != "" {
		var cause error
		if desc := q.Get("error_description"); desc != "" {
			cause = errors.New(desc)
		}
		return nil, errorFromCode(code, cause)
	}

	want, ok := saved[KeyAuthState]
	got := q.Get("state")
	if !ok || want == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, newError(CodeStateMismatch, nil)
	}

	code := q.Get("code")
	if code == "" {
		return nil, newError(CodeInvalidRequest, errors.New("callback has no code"))
	}

	m.setState(Exchanging)

	ts, err := m.exchange(ctx, code, oauth2.AuthOptions{CodeVerifier: saved[KeyCodeVerifier]})
	if err != nil {
		return nil, err
	}

	profile, err := m.fetchProfile(ctx, ts.AccessToken)
	if err != nil {
		return nil, err
	}

	if err := m.saveCredentials(ctx, credentials{token: ts, profile: profile}); err != nil {
		return nil, err
	}

	m.setState(Authenticated)
	log.Debug("credentials stored", logger.Field{Key: "user_id", Value: profile.ID})
	return &LoginResult{User: profile, Method: method}, nil
}

func (m *Manager) exchange(ctx context.Context, code string, opts oauth2.AuthOptions) (*oauth2.TokenSet, error) {
	ctx, span := m.telemetry.tracer.Start(ctx, "authsession.exchange")
	defer span.End()

	ts, err := m.provider.Exchange(ctx, code, opts)
	if err != nil {
		ae := providerError(err, CodeTokenExchangeFailed, true)
		span.RecordError(err)
		span.SetAttributes(attribute.String("auth.error_code", ae.ErrorCode()))
		return nil, ae
	}
	if ts.AccessToken == "" {
		return nil, newError(CodeTokenExchangeFailed, errors.New("empty access token"))
	}
	return ts, nil
}

func (m *Manager) fetchProfile(ctx context.Context, accessToken string) (*oauth2.UserProfile, error) {
	ctx, span := m.telemetry.tracer.Start(ctx, "authsession.profile")
	defer span.End()

	profile, err := m.provider.FetchProfile(ctx, accessToken)
	if err != nil {
		ae := providerError(err, CodeProfileFetchFailed, false)
		span.RecordError(err)
		span.SetAttributes(attribute.String("auth.error_code", ae.ErrorCode()))
		return nil, ae
	}
	return profile, nil
}
