// Package web hosts the auth session behind HTTP: the redirect login, the
// callback, logout and the signed-in user's library.
package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chordauth/internal/authsession"
	"chordauth/internal/library"
	"chordauth/pkg/idgen"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"
	"chordauth/pkg/spotify"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

type Options struct {
	// PublicURL is the externally visible origin, e.g. http://127.0.0.1:8080.
	PublicURL    string
	SecureCookie bool
	Auth         authsession.Config
}

type Handler struct {
	provider oauth2.Provider
	durable  kvstore.Store
	cookies  sessions.Store
	library  *library.Service
	ids      idgen.Generator
	logger   logger.Logger
	opts     Options
	now      func() time.Time
}

func NewHandler(provider oauth2.Provider, durable kvstore.Store, cookies sessions.Store, lib *library.Service, ids idgen.Generator, log logger.Logger, opts Options) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	if opts.Auth.StateTTL <= 0 {
		opts.Auth.StateTTL = authsession.DefaultStateTTL
	}
	return &Handler{
		provider: provider,
		durable:  durable,
		cookies:  cookies,
		library:  lib,
		ids:      ids,
		logger:   log,
		opts:     opts,
		now:      time.Now,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.IndexHandler)
	router.GET("/auth/spotify/login", h.LoginHandler)
	router.GET("/callback", h.CallbackHandler)
	router.POST("/auth/logout", h.LogoutHandler)

	api := router.Group("/api")
	{
		api.GET("/me", h.MeHandler)
		api.GET("/token", h.TokenHandler)
		api.GET("/library/:kind", h.LibraryHandler)
	}
}

// requestSession is one browser session bound to a Manager for a single request.
type requestSession struct {
	id        string
	idSession *sessions.Session
	newID     bool
	transient *cookieKV
	nav       *pageNavigator
	manager   *authsession.Manager
}

func (h *Handler) begin(c *gin.Context, current string) (*requestSession, error) {
	idSess, err := h.cookies.Get(c.Request, sessionIDCookie)
	if err != nil {
		h.logger.Debug("discarding unreadable session cookie", logger.Err(err))
	}
	rs := &requestSession{idSession: idSess}

	id, _ := idSess.Values[sessionIDKey].(string)
	if _, perr := uuid.Parse(id); perr != nil {
		id = uuid.NewString()
		idSess.Values[sessionIDKey] = id
		idSess.Options = cookieOptions(sessionIDMaxAge, h.opts.SecureCookie)
		rs.newID = true
	}
	rs.id = id

	txSess, err := h.cookies.Get(c.Request, transientCookie)
	if err != nil {
		h.logger.Debug("discarding unreadable auth cookie", logger.Err(err))
	}
	txSess.Options = cookieOptions(h.opts.Auth.StateTTL, h.opts.SecureCookie)
	rs.transient = newCookieKV(txSess, h.now)
	rs.nav = &pageNavigator{current: current}

	mgr, err := authsession.NewManager(h.opts.Auth, authsession.Deps{
		Provider:  h.provider,
		Durable:   kvstore.WithPrefix(h.durable, "session:"+id+":"),
		Transient: rs.transient,
		Navigator: rs.nav,
		Now:       h.now,
		Logger:    h.logger.With(logger.Field{Key: "session_id", Value: id}),
		IDs:       h.ids,
	})
	if err != nil {
		return nil, err
	}
	rs.manager = mgr
	return rs, nil
}

// save must run before anything is written to the response.
func (rs *requestSession) save(c *gin.Context) error {
	if rs.newID {
		if err := rs.idSession.Save(c.Request, c.Writer); err != nil {
			return err
		}
		rs.newID = false
	}
	return rs.transient.save(c.Request, c.Writer)
}

func (h *Handler) absolute(path string) string {
	return h.opts.PublicURL + path
}

// IndexHandler godoc
// @Summary      Session status
// @Description  Reports whether this browser session holds usable Spotify credentials
// @Tags         auth
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       / [get]
func (h *Handler) IndexHandler(c *gin.Context) {
	rs, ok := h.session(c, "")
	if !ok {
		return
	}
	loggedIn := rs.manager.IsLoggedIn(c.Request.Context())
	h.respond(c, rs, http.StatusOK, gin.H{
		"logged_in": loggedIn,
		"login_url": "/auth/spotify/login",
	})
}

// LoginHandler starts the redirect flow. return_to names the page to land on afterwards.
//
// @Summary      Start Spotify login
// @Description  Stores a fresh auth state and redirects to the Spotify authorization page
// @Tags         auth
// @Produce      json
// @Param        return_to query string false "Local path to land on after login"
// @Success      302
// @Failure      500 {object} authsession.Failure
// @Router       /auth/spotify/login [get]
func (h *Handler) LoginHandler(c *gin.Context) {
	rs, ok := h.session(c, h.absolute(localPath(c.Query("return_to"))))
	if !ok {
		return
	}

	result, err := rs.manager.Login(c.Request.Context())
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	if !result.Pending || rs.nav.location == "" {
		h.respond(c, rs, http.StatusOK, result)
		return
	}
	if err := rs.save(c); err != nil {
		h.sendError(c, nil, err)
		return
	}
	c.Redirect(http.StatusFound, rs.nav.location)
}

// CallbackHandler godoc
// @Summary      Spotify redirect target
// @Description  Completes the login Spotify redirected back with and returns to the saved page
// @Tags         auth
// @Produce      json
// @Param        code  query string false "Authorization code"
// @Param        state query string false "Auth state issued at login"
// @Param        error query string false "Provider error code"
// @Success      302
// @Failure      400 {object} authsession.Failure
// @Failure      502 {object} authsession.Failure
// @Router       /callback [get]
func (h *Handler) CallbackHandler(c *gin.Context) {
	rs, ok := h.session(c, h.absolute(c.Request.URL.RequestURI()))
	if !ok {
		return
	}

	result, err := rs.manager.HandlePageCallback(c.Request.Context())
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	if err := rs.save(c); err != nil {
		h.sendError(c, nil, err)
		return
	}
	if result != nil {
		h.logger.Info("callback handled", logger.Field{Key: "user_id", Value: result.User.ID})
	}

	next := rs.nav.next()
	if next == "" {
		next = h.absolute("/")
	}
	c.Redirect(http.StatusFound, next)
}

// LogoutHandler godoc
// @Summary      Log out
// @Tags         auth
// @Produce      json
// @Success      200 {object} authsession.LogoutResult
// @Failure      500 {object} authsession.Failure
// @Router       /auth/logout [post]
func (h *Handler) LogoutHandler(c *gin.Context) {
	rs, ok := h.session(c, "")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	profile, _ := rs.manager.UserProfile(ctx)
	result, err := rs.manager.Logout(ctx)
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	if profile != nil && h.library != nil {
		if err := h.library.Invalidate(ctx, profile.ID); err != nil {
			h.logger.Warn("failed to drop cached library", logger.Err(err))
		}
	}
	h.respond(c, rs, http.StatusOK, result)
}

// MeHandler godoc
// @Summary      Stored user profile
// @Tags         auth
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Failure      401 {object} authsession.Failure
// @Router       /api/me [get]
func (h *Handler) MeHandler(c *gin.Context) {
	rs, ok := h.session(c, "")
	if !ok {
		return
	}

	profile, err := rs.manager.UserProfile(c.Request.Context())
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	h.respond(c, rs, http.StatusOK, gin.H{
		"user":      profile,
		"name":      profile.Name(),
		"logged_in": rs.manager.IsLoggedIn(c.Request.Context()),
	})
}

// TokenHandler godoc
// @Summary      Access token
// @Description  Returns a usable access token, refreshing it first when expired
// @Tags         auth
// @Produce      json
// @Success      200 {object} map[string]string
// @Failure      401 {object} authsession.Failure
// @Router       /api/token [get]
func (h *Handler) TokenHandler(c *gin.Context) {
	rs, ok := h.session(c, "")
	if !ok {
		return
	}

	token, err := rs.manager.AccessToken(c.Request.Context())
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	h.respond(c, rs, http.StatusOK, gin.H{"access_token": token})
}

// LibraryHandler godoc
// @Summary      Signed-in user's library
// @Description  Playlists, saved tracks or recent plays of the signed-in user, cached per user
// @Tags         library
// @Produce      json
// @Param        kind  path  string true  "Library kind" Enums(playlists, tracks, recent)
// @Param        limit query int    false "Page size, 1 to 50"
// @Success      200 {object} library.Page
// @Failure      401 {object} authsession.Failure
// @Failure      404 {object} authsession.Failure
// @Failure      502 {object} authsession.Failure
// @Router       /api/library/{kind} [get]
func (h *Handler) LibraryHandler(c *gin.Context) {
	kind, err := library.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, authsession.Failure{ErrorCode: "not_found", Message: err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	rs, ok := h.session(c, "")
	if !ok {
		return
	}

	page, err := h.library.Get(c.Request.Context(), rs.manager, kind, limit)
	if err != nil {
		h.sendError(c, rs, err)
		return
	}
	h.respond(c, rs, http.StatusOK, page)
}

func (h *Handler) session(c *gin.Context, current string) (*requestSession, bool) {
	rs, err := h.begin(c, current)
	if err != nil {
		h.logger.Error("session setup failed", logger.Err(err))
		c.JSON(http.StatusInternalServerError, authsession.Failure{ErrorCode: "internal_error", Message: "Internal server error"})
		return nil, false
	}
	return rs, true
}

func (h *Handler) respond(c *gin.Context, rs *requestSession, status int, body any) {
	if err := rs.save(c); err != nil {
		h.sendError(c, nil, err)
		return
	}
	c.JSON(status, body)
}

var notAuthenticated = authsession.Failure{
	ErrorCode: "not_authenticated",
	Message:   "Please log in with Spotify.",
}

// sendError writes err as a Failure. rs, when set, is saved first so consumed
// auth state does not come back with the next request.
func (h *Handler) sendError(c *gin.Context, rs *requestSession, err error) {
	if rs != nil {
		if serr := rs.save(c); serr != nil {
			h.logger.Error("failed to save session", logger.Err(serr))
		}
	}

	if errors.Is(err, authsession.ErrNotAuthenticated) || errors.Is(err, library.ErrNotAuthenticated) {
		failure := notAuthenticated
		if code := authsession.CodeOf(err); code == authsession.CodeRefreshFailed || code == authsession.CodeNoRefreshToken {
			failure = authsession.Describe(err)
		}
		c.JSON(http.StatusUnauthorized, failure)
		return
	}

	var apiErr *spotify.APIError
	if errors.As(err, &apiErr) {
		h.logger.Warn("spotify api error", logger.Field{Key: "status", Value: apiErr.StatusCode})
		c.JSON(http.StatusBadGateway, authsession.Failure{
			ErrorCode: "spotify_api_error",
			Message:   "Spotify could not serve your library right now.",
			CanRetry:  apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests,
		})
		return
	}

	failure := authsession.Describe(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", logger.Field{Key: "code", Value: failure.ErrorCode}, logger.Err(err))
	}
	c.JSON(status, failure)
}

func statusFor(err error) int {
	var ae *authsession.AuthError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind() {
	case authsession.KindConfiguration, authsession.KindStorage:
		return http.StatusInternalServerError
	case authsession.KindNetwork, authsession.KindProvider, authsession.KindTokenExchangeFailed, authsession.KindProfileFetchFailed:
		return http.StatusBadGateway
	case authsession.KindTimeout:
		return http.StatusGatewayTimeout
	case authsession.KindRefreshFailed, authsession.KindNoRefreshToken:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}
