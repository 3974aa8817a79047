// Package sortie provides the Go client SDK for the Sortie social-events
// backend.
//
// Covers the auth, events, and messages REST APIs plus the realtime chat
// channel, with sub-module access pattern.
//
// Example:
//
//	client := sortie.NewClient(sortie.WithBaseURL("https://api.sortie.app"))
//
//	session := sortie.NewSession(client)
//	session.Bootstrap(ctx)
//	session.SignIn(ctx, "ana@example.com", "secret")
//
//	events, _ := client.Events.Nearby(ctx, &sortie.NearbyOptions{Latitude: 48.85, Longitude: 2.35})
//	chat, _ := sortie.OpenChat(ctx, client, session.Realtime(), session.Unread(), events[0].ID)
//	chat.Send(ctx, "on arrive!")
package sortie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.sortie.app"
	DefaultTimeout = 30 * time.Second

	// defaultRefreshSkew is how close to expiry a JWT access token may get
	// before the client refreshes it ahead of the request.
	defaultRefreshSkew = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the Sortie API client. All REST calls carry the current access
// token from the TokenStore; a 401 triggers a single coordinated refresh and
// one replay of the failing request.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	store       TokenStore
	refresher   *refreshCoordinator
	log         *slog.Logger
	refreshSkew time.Duration

	Auth     *AuthClient
	Events   *EventsClient
	Messages *MessagesClient
	Push     *PushClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore replaces the default in-memory token store.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithRefreshSkew sets the proactive-refresh window for JWT access tokens.
func WithRefreshSkew(skew time.Duration) ClientOption {
	return func(c *Client) { c.refreshSkew = skew }
}

// NewClient creates a new Sortie client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		store:       NewMemoryTokenStore(),
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		refreshSkew: defaultRefreshSkew,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.refresher = newRefreshCoordinator(c.store, c.execRefresh)
	c.Auth = &AuthClient{client: c}
	c.Events = &EventsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Push = &PushClient{client: c}
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TokenStore returns the client's token store.
func (c *Client) TokenStore() TokenStore {
	return c.store
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.log
}

// ============================================================================
// Internal request pipeline
// ============================================================================

// doRequest performs one authenticated request. On a 401 it asks the refresh
// coordinator for a fresh access token and replays the request exactly once;
// a second 401 propagates as-is so an invalid token can never loop.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	access := c.currentAccessToken(ctx)

	data, status, err := c.send(ctx, method, path, body, query, access)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		fresh, rerr := c.refresher.Refresh(ctx)
		if rerr != nil {
			c.log.Debug("token refresh failed", "err", rerr)
			return nil, apiErrorFrom(status, data)
		}
		data, status, err = c.send(ctx, method, path, body, query, fresh)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, apiErrorFrom(status, data)
	}
	return data, nil
}

// currentAccessToken returns the stored access token, refreshing it first
// when it is a JWT about to expire. Opaque tokens are returned as-is and
// rely on the reactive 401 path.
func (c *Client) currentAccessToken(ctx context.Context) string {
	access, refresh, err := c.store.Load()
	if err != nil || access == "" || refresh == "" {
		return access
	}
	if exp, ok := tokenExpiry(access); ok && time.Until(exp) < c.refreshSkew {
		if fresh, err := c.refresher.Refresh(ctx); err == nil {
			return fresh
		}
	}
	return access
}

// execRefresh calls the refresh endpoint directly, bypassing doRequest so a
// refresh can never trigger another refresh.
func (c *Client) execRefresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	data, status, err := c.send(ctx, "POST", "/auth/refresh", map[string]string{"refreshToken": refreshToken}, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apiErrorFrom(status, data)
	}
	return decodeJSON[AuthResponse](data)
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string, accessToken string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// apiErrorFrom builds an *APIError from a non-2xx response body. The backend
// sends either {code, message} or {error: {code, message}}.
func apiErrorFrom(status int, body []byte) *APIError {
	var direct APIError
	if json.Unmarshal(body, &direct) == nil && direct.Message != "" {
		direct.Status = status
		return &direct
	}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		wrapped.Error.Status = status
		return wrapped.Error
	}
	return &APIError{Status: status, Message: http.StatusText(status)}
}

// ============================================================================
// Auth API
// ============================================================================

// AuthClient handles credentials, the profile, and the token lifecycle.
type AuthClient struct{ client *Client }

// Login exchanges credentials for a token pair. The caller decides whether
// to persist the pair; SessionController.SignIn does both.
func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/auth/login", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResponse](data)
}

// Register creates an account and returns the initial token pair.
func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResponse](data)
}

// Me fetches the current-user profile.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	data, err := a.client.doRequest(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// UpdateRadius updates the user's discovery radius.
func (a *AuthClient) UpdateRadius(ctx context.Context, radiusKm float64) (*User, error) {
	data, err := a.client.doRequest(ctx, "PATCH", "/auth/me", map[string]float64{"radiusKm": radiusKm}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// Logout invalidates the given refresh token server-side.
func (a *AuthClient) Logout(ctx context.Context, refreshToken string) error {
	_, err := a.client.doRequest(ctx, "POST", "/auth/logout", map[string]string{"refreshToken": refreshToken}, nil)
	return err
}

// Refresh forces a token refresh through the shared coordinator and returns
// the new access token.
func (a *AuthClient) Refresh(ctx context.Context) (string, error) {
	return a.client.refresher.Refresh(ctx)
}

// ============================================================================
// Events API
// ============================================================================

// EventsClient handles event discovery and participation.
type EventsClient struct{ client *Client }

func (e *EventsClient) List(ctx context.Context) ([]Event, error) {
	data, err := e.client.doRequest(ctx, "GET", "/events", nil, nil)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

func (e *EventsClient) Nearby(ctx context.Context, opts *NearbyOptions) ([]Event, error) {
	query := map[string]string{}
	if opts != nil {
		query["lat"] = fmt.Sprintf("%g", opts.Latitude)
		query["lng"] = fmt.Sprintf("%g", opts.Longitude)
		if opts.RadiusKm > 0 {
			query["radiusKm"] = fmt.Sprintf("%g", opts.RadiusKm)
		}
	}
	data, err := e.client.doRequest(ctx, "GET", "/events/nearby", nil, query)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return events, nil
}

func (e *EventsClient) Get(ctx context.Context, eventID int) (*EventWithDetails, error) {
	data, err := e.client.doRequest(ctx, "GET", fmt.Sprintf("/events/%d", eventID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[EventWithDetails](data)
}

func (e *EventsClient) Create(ctx context.Context, opts *CreateEventOptions) (*Event, error) {
	data, err := e.client.doRequest(ctx, "POST", "/events", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Event](data)
}

func (e *EventsClient) Join(ctx context.Context, eventID int) error {
	_, err := e.client.doRequest(ctx, "POST", fmt.Sprintf("/events/%d/join", eventID), nil, nil)
	return err
}

func (e *EventsClient) MyParticipations(ctx context.Context) ([]EventWithDetails, error) {
	data, err := e.client.doRequest(ctx, "GET", "/events/my-participations", nil, nil)
	if err != nil {
		return nil, err
	}
	var events []EventWithDetails
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participations: %w", err)
	}
	return events, nil
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesClient handles chat history and read state.
type MessagesClient struct{ client *Client }

// History returns an event's messages ordered oldest to newest.
func (m *MessagesClient) History(ctx context.Context, eventID int) ([]ChatMessage, error) {
	data, err := m.client.doRequest(ctx, "GET", fmt.Sprintf("/messages/event/%d", eventID), nil, nil)
	if err != nil {
		return nil, err
	}
	var messages []ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return messages, nil
}

// UnreadCounts returns the unread-count map. Its key set is also the set of
// events the user currently participates in.
func (m *MessagesClient) UnreadCounts(ctx context.Context) (UnreadCounts, error) {
	data, err := m.client.doRequest(ctx, "GET", "/messages/unread-counts", nil, nil)
	if err != nil {
		return nil, err
	}
	counts := UnreadCounts{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unread counts: %w", err)
	}
	return counts, nil
}

// MarkRead resets the server-side unread counter for an event.
func (m *MessagesClient) MarkRead(ctx context.Context, eventID int) error {
	_, err := m.client.doRequest(ctx, "POST", fmt.Sprintf("/messages/event/%d/mark-read", eventID), nil, nil)
	return err
}

// ============================================================================
// Push API
// ============================================================================

// PushClient manages the device push token.
type PushClient struct{ client *Client }

func (p *PushClient) Register(ctx context.Context, pushToken string) error {
	_, err := p.client.doRequest(ctx, "POST", "/push-token", map[string]string{"pushToken": pushToken}, nil)
	return err
}

func (p *PushClient) Delete(ctx context.Context, pushToken string) error {
	_, err := p.client.doRequest(ctx, "DELETE", "/push-token", map[string]string{"pushToken": pushToken}, nil)
	return err
}
