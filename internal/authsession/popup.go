package authsession

import (
	"context"
	"errors"
	"time"

	"chordauth/pkg/logger"
)

// loginWithPopup opens the popup and waits for a callback URL, the window closing,
// the timeout or ctx, whichever comes first. One select loop owns the outcome.
func (m *Manager) loginWithPopup(ctx context.Context, log logger.Logger, authURL string) (*LoginResult, error) {
	if m.popup == nil {
		return nil, newError(CodePopupBlocked, errors.New("no popup host"))
	}

	popup, err := m.popup.Open(ctx, authURL, m.cfg.Window)
	if err != nil {
		return nil, newError(CodePopupBlocked, err)
	}
	if popup == nil {
		return nil, newError(CodePopupBlocked, nil)
	}
	if popup.Closed() {
		popup.Close()
		return nil, newError(CodePopupBlocked, nil)
	}

	m.setState(AwaitingCallback)
	log.Debug("popup opened", logger.Field{Key: "timeout", Value: m.cfg.PopupTimeout})

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(m.cfg.PopupTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			popup.Close()
			return nil, contextError(ctx.Err())

		case <-timeout.C:
			popup.Close()
			return nil, newError(CodeTimeout, nil)

		case <-ticker.C:
			if popup.Closed() {
				popup.Close()
				return nil, newError(CodeUserCancelled, nil)
			}

			loc, err := popup.Location()
			if err != nil {
				if !errors.Is(err, ErrCrossOrigin) {
					log.Debug("popup location unreadable", logger.Err(err))
				}
				continue
			}
			if !IsCallbackURL(loc) {
				continue
			}

			popup.Close()
			return m.completeCallback(ctx, log, loc, MethodPopup)
		}
	}
}
