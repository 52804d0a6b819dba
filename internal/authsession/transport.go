package authsession

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrCrossOrigin is returned by Popup.Location while the window is still on the provider's pages.
var ErrCrossOrigin = errors.New("popup location not readable")

type WindowSize struct {
	Width  int
	Height int
}

// PopupHost opens the authorization URL in a separate window.
// A nil Popup or an error means the window could not be shown.
type PopupHost interface {
	Open(ctx context.Context, url string, size WindowSize) (Popup, error)
}

type Popup interface {
	// Location returns the current URL, or ErrCrossOrigin when it cannot be read yet.
	Location() (string, error)
	Closed() bool
	Close()
}

// Navigator drives the whole page for the redirect strategy and callback recovery.
type Navigator interface {
	CurrentURL() string
	// Navigate leaves the current page.
	Navigate(url string) error
	// Replace rewrites the visible URL without navigating.
	Replace(url string) error
}

var oauthParams = []string{"code", "state", "error", "error_description"}

// IsCallbackURL reports whether raw looks like a redirect back from the provider.
func IsCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Path == "/callback" || strings.HasSuffix(u.Path, "/callback") {
		return true
	}
	return u.Query().Has("code")
}

// StripCallbackParams removes OAuth parameters and resets a callback path to the root.
func StripCallbackParams(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	for _, p := range oauthParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()

	if u.Path == "/callback" || strings.HasSuffix(u.Path, "/callback") {
		u.Path = strings.TrimSuffix(u.Path, "callback")
	}
	u.RawPath = ""
	u.Fragment = ""
	return u.String()
}
