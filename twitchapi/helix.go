// Package twitchapi contains minimal helpers to interact with the Twitch Helix API
// for user lookups, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when Helix knows no user for the query.
var ErrUserNotFound = errors.New("user not found")

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient provides the user lookups needed to join a broadcaster's chat by user id.
type HelixClient struct {
	ClientID   string
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	mu     sync.Mutex
	logins map[int64]string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// GetUserByID looks up a user by numeric id.
func (hc *HelixClient) GetUserByID(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, fmt.Errorf("id empty")
	}
	return hc.getUser(ctx, "id", id)
}

// GetUserByLogin looks up a user by login name.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	return hc.getUser(ctx, "login", login)
}

// ChannelLogin returns the chat channel of the broadcaster with the given user id.
// Results are cached for the life of the client.
func (hc *HelixClient) ChannelLogin(ctx context.Context, roomID int64) (string, error) {
	hc.mu.Lock()
	login, ok := hc.logins[roomID]
	hc.mu.Unlock()
	if ok {
		return login, nil
	}
	u, err := hc.GetUserByID(ctx, strconv.FormatInt(roomID, 10))
	if err != nil {
		return "", fmt.Errorf("resolve twitch room %d: %w", roomID, err)
	}
	hc.mu.Lock()
	if hc.logins == nil {
		hc.logins = make(map[int64]string)
	}
	hc.logins[roomID] = u.Login
	hc.mu.Unlock()
	return u.Login, nil
}

func (hc *HelixClient) getUser(ctx context.Context, key, value string) (User, error) {
	if hc.Tokens == nil {
		return User{}, errors.New("twitch app token source not configured")
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return User{}, fmt.Errorf("twitch app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/users", nil)
	if err != nil {
		return User{}, err
	}
	q := req.URL.Query()
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return User{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return User{}, fmt.Errorf("helix users request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrUserNotFound
	}
	return body.Data[0], nil
}
