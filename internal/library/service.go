// Package library serves the signed-in user's playlists, saved tracks and
// recent plays, cached per user.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chordauth/internal/authsession"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/oauth2"
	"chordauth/pkg/spotify"
)

var ErrNotAuthenticated = errors.New("library: not logged in to spotify")

type Kind string

const (
	KindPlaylists Kind = "playlists"
	KindTracks    Kind = "tracks"
	KindRecent    Kind = "recent"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPlaylists, KindTracks, KindRecent:
		return k, nil
	}
	return "", fmt.Errorf("unknown library kind %q", s)
}

// Session is what the service needs from an auth session.
type Session interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	UserProfile(ctx context.Context) (*oauth2.UserProfile, error)
}

// API is the subset of the Spotify client the service calls.
type API interface {
	Playlists(ctx context.Context, token string, limit int) (*spotify.Paging[spotify.Playlist], error)
	SavedTracks(ctx context.Context, token string, limit int) (*spotify.Paging[spotify.SavedTrack], error)
	RecentlyPlayed(ctx context.Context, token string, limit int) (*spotify.CursorPaging[spotify.PlayHistory], error)
}

type Service struct {
	api    API
	cache  kvstore.Store
	ttl    time.Duration
	logger logger.Logger
}

func NewService(api API, cache kvstore.Store, ttl time.Duration, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{api: api, cache: cache, ttl: ttl, logger: log}
}

type Item struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Artists  []string  `json:"artists,omitempty"`
	Album    string    `json:"album,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
	Tracks   int       `json:"tracks,omitempty"`
	At       time.Time `json:"at,omitzero"`
}

// Query is the "Artist - Title" form used to look a song up.
func (i Item) Query() string {
	if len(i.Artists) == 0 {
		return i.Name
	}
	return strings.Join(i.Artists, ", ") + " - " + i.Name
}

type Page struct {
	Kind     Kind     `json:"kind"`
	Items    []Item   `json:"items"`
	Total    int      `json:"total"`
	Metadata Metadata `json:"metadata"`
}

type Metadata struct {
	CacheKey    string `json:"cache_key"`
	CacheHit    bool   `json:"cache_hit"`
	FetchTimeMs int64  `json:"fetch_time_ms"`
}

func cacheKey(userID string, kind Kind, limit int) string {
	return fmt.Sprintf("library:%s:%s:%d", userID, kind, limit)
}

// Get returns one page of kind for the session's user.
func (s *Service) Get(ctx context.Context, sess Session, kind Kind, limit int) (*Page, error) {
	limit = spotify.ClampLimit(limit)

	profile, err := sess.UserProfile(ctx)
	if err != nil {
		if errors.Is(err, authsession.ErrNotAuthenticated) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}

	key := cacheKey(profile.ID, kind, limit)
	if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
		var page Page
		uerr := json.Unmarshal([]byte(cached), &page)
		if uerr == nil {
			page.Metadata.CacheHit = true
			page.Metadata.CacheKey = key
			return &page, nil
		}
		s.logger.Error("Get", logger.Field{Key: "err_unmarshal", Value: uerr})
	}

	start := time.Now()
	page, err := s.fetch(ctx, sess, kind, limit)
	if err != nil {
		return nil, err
	}
	page.Metadata = Metadata{CacheKey: key, FetchTimeMs: time.Since(start).Milliseconds()}

	b, err := json.Marshal(page)
	if err != nil {
		s.logger.Error("Get", logger.Field{Key: "err_marshal", Value: err})
		return page, nil
	}
	if err := s.cache.Set(ctx, key, string(b), s.ttl); err != nil {
		s.logger.Error("Get", logger.Field{Key: "err_set_cache", Value: err})
	}
	return page, nil
}

// fetch calls the API, refreshing once if the token is rejected before its local expiry.
func (s *Service) fetch(ctx context.Context, sess Session, kind Kind, limit int) (*Page, error) {
	token, err := sess.AccessToken(ctx)
	if err != nil {
		return nil, s.tokenError(err)
	}

	page, err := s.call(ctx, token, kind, limit)
	if !errors.Is(err, spotify.ErrUnauthorized) {
		return page, err
	}

	s.logger.Info("token rejected, refreshing", logger.Field{Key: "kind", Value: string(kind)})
	token, err = sess.Refresh(ctx)
	if err != nil {
		return nil, s.tokenError(err)
	}
	return s.call(ctx, token, kind, limit)
}

func (s *Service) tokenError(err error) error {
	if errors.Is(err, authsession.ErrNotAuthenticated) {
		return ErrNotAuthenticated
	}
	switch authsession.CodeOf(err) {
	case authsession.CodeRefreshFailed, authsession.CodeNoRefreshToken:
		return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return err
}

func (s *Service) call(ctx context.Context, token string, kind Kind, limit int) (*Page, error) {
	switch kind {
	case KindPlaylists:
		resp, err := s.api.Playlists(ctx, token, limit)
		if err != nil {
			return nil, err
		}
		return &Page{Kind: kind, Items: mapPlaylists(resp.Items), Total: resp.Total}, nil
	case KindTracks:
		resp, err := s.api.SavedTracks(ctx, token, limit)
		if err != nil {
			return nil, err
		}
		return &Page{Kind: kind, Items: mapSaved(resp.Items), Total: resp.Total}, nil
	case KindRecent:
		resp, err := s.api.RecentlyPlayed(ctx, token, limit)
		if err != nil {
			return nil, err
		}
		return &Page{Kind: kind, Items: mapRecent(resp.Items), Total: len(resp.Items)}, nil
	}
	return nil, fmt.Errorf("unknown library kind %q", kind)
}

// Invalidate drops every cached page of userID.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	var keys []string
	for _, k := range []Kind{KindPlaylists, KindTracks, KindRecent} {
		for limit := 1; limit <= spotify.MaxLimit; limit++ {
			keys = append(keys, cacheKey(userID, k, limit))
		}
	}
	return s.cache.Del(ctx, keys...)
}
