package sortie

import (
	"context"
	"log/slog"
	"sync"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	// SessionBootstrapping is the initial state, held only while the stored
	// token is checked and the profile fetched. It is left exactly once per
	// session and never re-entered.
	SessionBootstrapping   SessionState = "bootstrapping"
	SessionAuthenticated   SessionState = "authenticated"
	SessionUnauthenticated SessionState = "unauthenticated"
)

// ============================================================================
// Session
// ============================================================================

// Session owns the current-user state and the realtime connection lifecycle.
// Entering the authenticated state creates and connects the realtime client
// and starts the unread tracker; leaving it tears both down.
type Session struct {
	client   *Client
	log      *slog.Logger
	rtConfig RealtimeConfig

	mu        sync.Mutex
	state     SessionState
	user      *User
	realtime  *RealtimeClient
	unread    *UnreadTracker
	pushToken string
}

type SessionOption func(*Session)

// WithRealtimeConfig overrides the realtime connection settings. The
// TokenSource is always supplied by the session.
func WithRealtimeConfig(cfg RealtimeConfig) SessionOption {
	return func(s *Session) { s.rtConfig = cfg }
}

// NewSession creates a session controller in the bootstrapping state.
func NewSession(client *Client, opts ...SessionOption) *Session {
	s := &Session{
		client:   client,
		log:      client.Logger(),
		rtConfig: RealtimeConfig{AutoReconnect: true},
		state:    SessionBootstrapping,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the authenticated user, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Realtime returns the session's realtime connection, or nil when
// unauthenticated.
func (s *Session) Realtime() *RealtimeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtime
}

// Unread returns the session's unread tracker, or nil when unauthenticated.
func (s *Session) Unread() *UnreadTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Bootstrap resolves the initial state from storage: with a stored access
// token it fetches the profile and enters authenticated; otherwise (or on
// any failure) it clears tokens and enters unauthenticated. It is a no-op
// once the session has left the bootstrapping state.
func (s *Session) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionBootstrapping {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	access, _, err := s.client.TokenStore().Load()
	if err != nil || access == "" {
		s.client.TokenStore().Clear()
		s.setUnauthenticated()
		return err
	}

	user, err := s.client.Auth.Me(ctx)
	if err != nil {
		s.client.TokenStore().Clear()
		s.setUnauthenticated()
		return err
	}

	s.becomeAuthenticated(ctx, user)
	return nil
}

// SignIn exchanges credentials for a token pair and enters authenticated.
func (s *Session) SignIn(ctx context.Context, email, password string) error {
	resp, err := s.client.Auth.Login(ctx, &LoginOptions{Email: email, Password: password})
	if err != nil {
		return err
	}
	return s.handleAuthSuccess(ctx, resp)
}

// SignUp registers a new account and enters authenticated.
func (s *Session) SignUp(ctx context.Context, email, username, password string) error {
	resp, err := s.client.Auth.Register(ctx, &RegisterOptions{Email: email, Username: username, Password: password})
	if err != nil {
		return err
	}
	return s.handleAuthSuccess(ctx, resp)
}

// SignOut notifies the backend best-effort (push-token delete, logout with
// the refresh token), then unconditionally clears local tokens and user
// state. Backend failures never prevent the local transition.
func (s *Session) SignOut(ctx context.Context) {
	s.mu.Lock()
	pushToken := s.pushToken
	s.pushToken = ""
	s.mu.Unlock()

	if pushToken != "" {
		if err := s.client.Push.Delete(ctx, pushToken); err != nil {
			s.log.Debug("push token delete failed", "err", err)
		}
	}

	_, refresh, _ := s.client.TokenStore().Load()
	if refresh != "" {
		if err := s.client.Auth.Logout(ctx, refresh); err != nil {
			s.log.Debug("logout notification failed", "err", err)
		}
	}

	s.client.TokenStore().Clear()
	s.setUnauthenticated()
}

// RegisterPushToken registers a device push token and remembers it so
// SignOut can delete it.
func (s *Session) RegisterPushToken(ctx context.Context, token string) error {
	if err := s.client.Push.Register(ctx, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.pushToken = token
	s.mu.Unlock()
	return nil
}

// Close tears down the realtime connection and unread tracker without
// changing the auth state or stored tokens. Used on process shutdown.
func (s *Session) Close() {
	s.teardownRealtime()
}

func (s *Session) handleAuthSuccess(ctx context.Context, resp *AuthResponse) error {
	if err := s.client.TokenStore().Save(resp.AccessToken, resp.RefreshToken); err != nil {
		return err
	}
	s.becomeAuthenticated(ctx, resp.User)
	return nil
}

func (s *Session) becomeAuthenticated(ctx context.Context, user *User) {
	s.teardownRealtime()

	cfg := s.rtConfig
	cfg.TokenSource = func() (string, error) {
		access, _, err := s.client.TokenStore().Load()
		return access, err
	}
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	rt := NewRealtimeClient(s.client.BaseURL(), &cfg)

	if err := rt.Connect(ctx); err != nil {
		// The session is still authenticated; chat just starts offline.
		s.log.Warn("realtime connect failed", "err", err)
	}

	tracker := NewUnreadTracker(s.client, rt)
	if err := tracker.Start(ctx); err != nil {
		s.log.Warn("unread tracker start failed", "err", err)
	}

	s.mu.Lock()
	s.user = user
	s.realtime = rt
	s.unread = tracker
	s.state = SessionAuthenticated
	s.mu.Unlock()
}

func (s *Session) setUnauthenticated() {
	s.teardownRealtime()
	s.mu.Lock()
	s.user = nil
	s.state = SessionUnauthenticated
	s.mu.Unlock()
}

func (s *Session) teardownRealtime() {
	s.mu.Lock()
	rt := s.realtime
	tracker := s.unread
	s.realtime = nil
	s.unread = nil
	s.mu.Unlock()

	if tracker != nil {
		tracker.Close()
	}
	if rt != nil {
		rt.Disconnect()
	}
}
