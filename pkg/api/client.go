// Package api is the REST client for the marketplace backend. It mirrors
// the backend's bearer-token scheme: every request carries the current
// access token, and a 401 response triggers a single transparent
// refresh-and-retry before the error is surfaced.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/soukhq/souk/pkg/log"
	"github.com/soukhq/souk/pkg/mediacache"
	"github.com/soukhq/souk/pkg/notifications"
	"github.com/soukhq/souk/pkg/token"
)

// Client issues authenticated REST calls. Tokens live in the token store
// so refreshes are visible to every component sharing the session.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *token.Store
	media   *mediacache.Cache
	logger  *log.Logger
}

func NewClient(baseURL string, tokens *token.Store) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
			Timeout: 10 * time.Second,
		},
		tokens: tokens,
		media:  mediacache.New(0, 0),
		logger: log.ForService("api"),
	}
}

// StatusError is returned for non-2xx responses that survive the refresh
// path.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("backend returned %d", e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		if refreshErr := c.Refresh(ctx); refreshErr != nil {
			return fmt.Errorf("session expired: %w", refreshErr)
		}
		resp, err = c.roundTrip(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

type authResponse struct {
	Status       string `json:"status"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates and persists both tokens.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &resp); err != nil {
		return err
	}
	if resp.Status != "success" || resp.Token == "" {
		return fmt.Errorf("login rejected (status %q)", resp.Status)
	}
	if err := c.tokens.SetTokens(resp.Token, resp.RefreshToken); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	c.logger.Infof("logged in as %s", username)
	return nil
}

// Logout invalidates the session server-side and clears the token store.
// The local tokens are cleared even when the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil)
	if clearErr := c.tokens.Clear(); clearErr != nil {
		return clearErr
	}
	return err
}

// Refresh trades the refresh token for a new token pair. A failed refresh
// clears the store: the session is over and stale credentials must not
// linger.
func (c *Client) Refresh(ctx context.Context) error {
	refresh := c.tokens.RefreshToken()
	if refresh == "" {
		return fmt.Errorf("no refresh token available")
	}

	// Refresh bypasses do(): a 401 here must not recurse.
	body := map[string]string{"refresh_token": refresh}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/refresh", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	defer drain(resp)

	var auth authResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&auth); err == nil && auth.Status == "success" && auth.Token != "" {
			if err := c.tokens.SetTokens(auth.Token, auth.RefreshToken); err != nil {
				return fmt.Errorf("persisting refreshed tokens: %w", err)
			}
			c.logger.Debugf("session token refreshed")
			return nil
		}
	}

	if err := c.tokens.Clear(); err != nil {
		c.logger.Warnf("clearing tokens after failed refresh: %v", err)
	}
	return fmt.Errorf("token refresh rejected (%d)", resp.StatusCode)
}

// Media fetches a media object through its presigned URL. Blobs are
// cached so repeated views of the same attachment don't re-download it.
// Presigned URLs carry their own auth, so no bearer header is sent.
func (c *Client) Media(ctx context.Context, url string) ([]byte, error) {
	if data := c.media.Get(url); data != nil {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building media request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer drain(resp)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}
	c.media.Set(url, data)
	return data, nil
}

// Notifications fetches the notification backlog for the current user.
func (c *Client) Notifications(ctx context.Context) ([]notifications.Notification, error) {
	var out []notifications.Notification
	if err := c.do(ctx, http.MethodGet, "/api/v1/offers/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkNotificationRead marks one notification read server-side.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/offers/notifications/"+id+"/read", nil, nil)
}

// MarkAllNotificationsRead marks the whole backlog read server-side.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/offers/notifications/read-all", nil, nil)
}
