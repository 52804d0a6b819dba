// Package spotify is a small Web API client for the signed-in user's library.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chordauth/pkg/logger"
)

const (
	DefaultLimit = 20
	MaxLimit     = 50
)

// ErrUnauthorized means the access token was rejected.
var ErrUnauthorized = errors.New("spotify: access token rejected")

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify api: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     logger.Logger
}

func NewClient(httpClient *http.Client, baseURL string, log logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     log,
	}
}

// ClampLimit applies the default page size and the API maximum.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func (c *Client) Playlists(ctx context.Context, token string, limit int) (*Paging[Playlist], error) {
	var out Paging[Playlist]
	if err := c.get(ctx, token, "/me/playlists", limit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SavedTracks(ctx context.Context, token string, limit int) (*Paging[SavedTrack], error) {
	var out Paging[SavedTrack]
	if err := c.get(ctx, token, "/me/tracks", limit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RecentlyPlayed(ctx context.Context, token string, limit int) (*CursorPaging[PlayHistory], error) {
	var out CursorPaging[PlayHistory]
	if err := c.get(ctx, token, "/me/player/recently-played", limit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, token, path string, limit int, out any) error {
	q := url.Values{"limit": {strconv.Itoa(ClampLimit(limit))}}
	endpoint := c.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("external api call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		c.logger.Warn("spotify api error",
			logger.Field{Key: "path", Value: path},
			logger.Field{Key: "status", Value: resp.StatusCode},
		)
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}
