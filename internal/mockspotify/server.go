// Package mockspotify stands in for the Spotify accounts service and the
// Web API endpoints this module calls. Every authorization is approved.
package mockspotify

import (
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"chordauth/pkg/logger"

	"github.com/google/uuid"
)

//go:embed files/library.json
var files embed.FS

const (
	DefaultTokenTTL = time.Hour
	codeTTL         = 5 * time.Minute
)

type Options struct {
	ClientID     string
	ClientSecret string
	// RedirectURLs lists the accepted redirect_uri values. Empty accepts any.
	RedirectURLs []string
	TokenTTL     time.Duration
	// RotateRefresh issues a new refresh token on every refresh.
	RotateRefresh bool
	Now           func() time.Time
	Logger        logger.Logger
}

type grant struct {
	redirectURI string
	challenge   string
	scope       string
	expires     time.Time
}

type Server struct {
	opts    Options
	library library

	mu      sync.Mutex
	codes   map[string]grant
	access  map[string]time.Time
	refresh map[string]refreshGrant
}

type refreshGrant struct {
	scope string
	// public grants came from PKCE and refresh without a secret.
	public bool
}

type library struct {
	Profile   json.RawMessage   `json:"profile"`
	Playlists []json.RawMessage `json:"playlists"`
	Tracks    []json.RawMessage `json:"tracks"`
	Recent    []json.RawMessage `json:"recent"`
}

func New(opts Options) (*Server, error) {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	data, err := files.ReadFile("files/library.json")
	if err != nil {
		return nil, fmt.Errorf("read library fixture: %w", err)
	}
	var lib library
	if err := json.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse library fixture: %w", err)
	}

	return &Server{
		opts:    opts,
		library: lib,
		codes:   make(map[string]grant),
		access:  make(map[string]time.Time),
		refresh: make(map[string]refreshGrant),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", s.AuthorizeHandler)
	mux.HandleFunc("POST /api/token", s.TokenHandler)
	mux.HandleFunc("GET /v1/me", s.ProfileHandler)
	mux.HandleFunc("GET /v1/me/playlists", s.pageHandler(func() []json.RawMessage { return s.library.Playlists }))
	mux.HandleFunc("GET /v1/me/tracks", s.pageHandler(func() []json.RawMessage { return s.library.Tracks }))
	mux.HandleFunc("GET /v1/me/player/recently-played", s.RecentHandler)
	return mux
}

// ExpireAccessTokens makes every issued access token invalid, as if they had aged out.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

// RevokeRefreshTokens makes every refresh token unusable.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

func (s *Server) redirectAllowed(uri string) bool {
	if len(s.opts.RedirectURLs) == 0 {
		return uri != ""
	}
	for _, u := range s.opts.RedirectURLs {
		if u == uri {
			return true
		}
	}
	return false
}

func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if !s.redirectAllowed(redirectURI) {
		http.Error(w, "INVALID_CLIENT: Invalid redirect URI", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "INVALID_CLIENT: Invalid redirect URI", http.StatusBadRequest)
		return
	}

	back := url.Values{}
	if state := q.Get("state"); state != "" {
		back.Set("state", state)
	}

	switch {
	case q.Get("client_id") != s.opts.ClientID:
		back.Set("error", "invalid_client")
	case q.Get("response_type") != "code":
		back.Set("error", "unsupported_response_type")
	case q.Get("code_challenge") != "" && q.Get("code_challenge_method") != "S256":
		back.Set("error", "invalid_request")
	default:
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = grant{
			redirectURI: redirectURI,
			challenge:   q.Get("code_challenge"),
			scope:       q.Get("scope"),
			expires:     s.opts.Now().Add(codeTTL),
		}
		s.mu.Unlock()
		back.Set("code", code)
	}

	target.RawQuery = back.Encode()
	s.opts.Logger.Debug("authorize", logger.Field{Key: "error", Value: back.Get("error")})
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	clientID, secret, basic := r.BasicAuth()
	if !basic {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != s.opts.ClientID {
		oauthError(w, http.StatusBadRequest, "invalid_client", "Invalid client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r, secret)
	case "refresh_token":
		s.refreshToken(w, r, secret)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (s *Server) secretOK(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.opts.ClientSecret)) == 1
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request, secret string) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	g, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	switch {
	case !ok || s.opts.Now().After(g.expires):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid authorization code")
		return
	case g.redirectURI != r.PostForm.Get("redirect_uri"):
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Invalid redirect URI")
		return
	case g.challenge != "":
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier was incorrect")
			return
		}
	case !s.secretOK(secret):
		oauthError(w, http.StatusBadRequest, "invalid_client", "Invalid client secret")
		return
	}

	refresh := uuid.NewString()
	s.mu.Lock()
	s.refresh[refresh] = refreshGrant{scope: g.scope, public: g.challenge != ""}
	s.mu.Unlock()

	s.issue(w, g.scope, refresh)
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request, secret string) {
	rt := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	rg, ok := s.refresh[rt]
	s.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "Refresh token revoked")
		return
	}
	if !rg.public && !s.secretOK(secret) {
		oauthError(w, http.StatusBadRequest, "invalid_client", "Invalid client secret")
		return
	}

	next := ""
	if s.opts.RotateRefresh {
		next = uuid.NewString()
		s.mu.Lock()
		delete(s.refresh, rt)
		s.refresh[next] = rg
		s.mu.Unlock()
	}
	s.issue(w, rg.scope, next)
}

func (s *Server) issue(w http.ResponseWriter, scope, refresh string) {
	access := uuid.NewString()
	s.mu.Lock()
	s.access[access] = s.opts.Now().Add(s.opts.TokenTTL)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		Scope:        scope,
		ExpiresIn:    int(s.opts.TokenTTL.Seconds()),
		RefreshToken: refresh,
	})
}

// authorized checks the bearer token and writes the Web API error shape when it fails.
func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		apiError(w, http.StatusUnauthorized, "No token provided")
		return false
	}

	s.mu.Lock()
	expires, known := s.access[token]
	s.mu.Unlock()

	if !known || !s.opts.Now().Before(expires) {
		apiError(w, http.StatusUnauthorized, "The access token expired")
		return false
	}
	return true
}

func (s *Server) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.library.Profile)
}

func (s *Server) pageHandler(items func() []json.RawMessage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		all := items()
		limit := pageLimit(r)
		page := all[:min(limit, len(all))]
		writeJSON(w, http.StatusOK, map[string]any{
			"items":  page,
			"total":  len(all),
			"limit":  limit,
			"offset": 0,
			"next":   nil,
		})
	}
}

func (s *Server) RecentHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	limit := pageLimit(r)
	page := s.library.Recent[:min(limit, len(s.library.Recent))]
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   page,
		"limit":   limit,
		"next":    nil,
		"cursors": map[string]string{},
	})
}

func pageLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 20
	}
	return min(limit, 50)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func apiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"status": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
