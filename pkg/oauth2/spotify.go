package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	SpotifyAuthURL  = "https://accounts.spotify.com/authorize"
	SpotifyTokenURL = "https://accounts.spotify.com/api/token"
	SpotifyAPIURL   = "https://api.spotify.com/v1"

	ProviderSpotify = "spotify"
)

// SpotifyScopes is the capability list requested at authorization time.
var SpotifyScopes = []string{
	"user-read-private",
	"user-read-email",
	"playlist-read-private",
	"playlist-read-collaborative",
	"user-library-read",
	"user-read-recently-played",
	"user-top-read",
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint overrides, used against a local mock.
	AuthURL  string
	TokenURL string
	APIURL   string

	HTTPClient *http.Client
	Now        func() time.Time
}

// SpotifyProvider implements Provider for Spotify accounts.
type SpotifyProvider struct {
	flow   codeFlow
	apiURL string
}

func NewSpotifyProvider(cfg SpotifyConfig) *SpotifyProvider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = SpotifyScopes
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = SpotifyAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = SpotifyTokenURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = SpotifyAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &SpotifyProvider{
		flow: codeFlow{
			config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       cfg.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInHeader,
				},
			},
			httpClient: cfg.HTTPClient,
			now:        cfg.Now,
			authParams: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("show_dialog", "false")},
		},
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
	}
}

func (s *SpotifyProvider) Name() string {
	return ProviderSpotify
}

func (s *SpotifyProvider) Validate(requireSecret bool) error {
	return s.flow.validate(requireSecret)
}

func (s *SpotifyProvider) AuthURL(state string, opts AuthOptions) string {
	return s.flow.authURL(state, opts)
}

func (s *SpotifyProvider) Exchange(ctx context.Context, code string, opts AuthOptions) (*TokenSet, error) {
	_, ts, err := s.flow.exchange(ctx, code, opts)
	return ts, err
}

func (s *SpotifyProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	_, ts, err := s.flow.refresh(ctx, refreshToken)
	return ts, err
}

type spotifyUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Country     string `json:"country"`
	Product     string `json:"product"`
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
	Followers struct {
		Total int `json:"total"`
	} `json:"followers"`
}

// FetchProfile calls GET {api}/me with the access token.
func (s *SpotifyProvider) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	const op = "profile fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/me", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.flow.httpClient.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		code, desc := parseErrorBody(body)
		return nil, &ResponseError{Op: op, StatusCode: resp.StatusCode, Code: code, Description: desc}
	}

	var u spotifyUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%s: response has no user id", op)
	}

	profile := &UserProfile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Country:     u.Country,
		Product:     u.Product,
		Followers:   u.Followers.Total,
		Provider:    ProviderSpotify,
		Raw:         json.RawMessage(body),
	}
	if len(u.Images) > 0 {
		profile.AvatarURL = u.Images[0].URL
	}
	return profile, nil
}
