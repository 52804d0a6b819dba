// Package loopback completes a browser login from a terminal. The system browser
// plays the popup and a local gin server on the redirect address catches the callback.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"chordauth/internal/authsession"
	"chordauth/pkg/logger"

	"github.com/gin-gonic/gin"
)

const closePage = `<!doctype html><html><body><p>%s You can close this window.</p></body></html>`

// Opener shows a URL to the user, normally by launching a browser.
type Opener func(url string) error

type Host struct {
	redirect *url.URL
	open     Opener
	log      logger.Logger
}

type Option func(*Host)

func WithOpener(open Opener) Option {
	return func(h *Host) { h.open = open }
}

func WithLogger(l logger.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New returns a host that listens on the host and port of redirectURL.
func New(redirectURL string, opts ...Option) (*Host, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("parse redirect url: %w", err)
	}
	if u.Scheme != "http" || u.Port() == "" {
		return nil, fmt.Errorf("redirect url %q must be http with an explicit port", redirectURL)
	}

	h := &Host{redirect: u, open: OpenBrowser, log: logger.Nop()}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Open starts the callback listener and then the browser. Size is ignored; the browser decides.
func (h *Host) Open(ctx context.Context, authURL string, _ authsession.WindowSize) (authsession.Popup, error) {
	ln, err := net.Listen("tcp", h.redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", h.redirect.Host, err)
	}

	w := &window{redirect: *h.redirect, log: h.log}
	w.srv = &http.Server{Handler: w.routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("loopback server stopped", logger.Err(err))
		}
	}()

	if err := h.open(authURL); err != nil {
		w.Close()
		_ = ln.Close()
		return nil, fmt.Errorf("open browser: %w", err)
	}
	h.log.Info("waiting for browser login", logger.Field{Key: "listen", Value: ln.Addr().String()})
	return w, nil
}

type window struct {
	redirect url.URL
	srv      *http.Server
	log      logger.Logger

	mu       sync.Mutex
	location string
	closed   bool
	once     sync.Once
}

func (w *window) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(w.redirect.Path, w.handleCallback)
	r.GET("/cancel", w.handleCancel)
	return r
}

func (w *window) handleCallback(c *gin.Context) {
	cb := w.redirect
	cb.RawQuery = c.Request.URL.RawQuery

	w.mu.Lock()
	if w.location == "" {
		w.location = cb.String()
	}
	w.mu.Unlock()

	msg := "Login received."
	if c.Query("error") != "" {
		msg = "Login was not completed."
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(closePage, msg)))
}

func (w *window) handleCancel(c *gin.Context) {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(closePage, "Login cancelled.")))
}

// Location reports the callback once the provider has redirected back.
func (w *window) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.location == "" {
		return "", authsession.ErrCrossOrigin
	}
	return w.location, nil
}

func (w *window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *window) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(ctx); err != nil {
			w.log.Warn("loopback shutdown", logger.Err(err))
		}
	})
}
