package authsession

import (
	"context"
	"errors"

	"chordauth/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
)

func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	v, err, _ := m.refreshes.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx, force)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doRefresh replaces the token half of the pair. Provider rejection and a missing
// refresh token clear everything; an unreachable provider leaves the store untouched.
func (m *Manager) doRefresh(ctx context.Context, force bool) (string, error) {
	ctx, span := m.telemetry.tracer.Start(ctx, "authsession.refresh")
	defer span.End()

	c, err := m.loadCredentials(ctx)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrNotAuthenticated
	}
	if !force && !c.token.Expired(m.now()) {
		return c.token.AccessToken, nil
	}

	m.setState(Refreshing)

	if c.token.RefreshToken == "" {
		return "", m.failRefresh(ctx, newError(CodeNoRefreshToken, nil), true)
	}

	ts, err := m.provider.Refresh(ctx, c.token.RefreshToken)
	if err != nil {
		ae := providerError(err, CodeRefreshFailed, false)
		span.RecordError(err)
		span.SetAttributes(attribute.String("auth.error_code", ae.ErrorCode()))
		return "", m.failRefresh(ctx, ae, ae.Code == CodeRefreshFailed)
	}
	if ts.AccessToken == "" {
		return "", m.failRefresh(ctx, newError(CodeRefreshFailed, errors.New("empty access token")), true)
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = c.token.RefreshToken
	}

	if err := m.saveToken(ctx, ts); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			m.setState(Idle)
			return "", err
		}
		return "", m.failRefresh(ctx, asAuthError(err), false)
	}

	m.telemetry.recordRefresh(ctx, "")
	m.setState(Authenticated)
	m.log.Debug("access token refreshed", logger.Field{Key: "expires_at", Value: ts.ExpiresAt})
	return ts.AccessToken, nil
}

func (m *Manager) failRefresh(ctx context.Context, ae *AuthError, clear bool) *AuthError {
	m.setState(Failed)
	if clear {
		if err := m.clearCredentials(ctx); err != nil {
			m.log.Error("failed to clear credentials after refresh failure", logger.Err(err))
		}
	}
	m.log.Warn("token refresh failed",
		logger.Field{Key: "code", Value: ae.ErrorCode()},
		logger.Field{Key: "cleared", Value: clear},
		logger.Err(ae.Err),
	)
	m.telemetry.recordRefresh(ctx, ae.ErrorCode())
	m.setState(Idle)
	return ae
}

// Refresh exchanges the refresh token regardless of expiry. Hosts call it after
// the API rejects a token that had not yet expired locally.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, true)
}
