package sortie

import (
	"context"
	"testing"
)

func newTestSession(client *Client) *Session {
	return NewSession(client, WithRealtimeConfig(RealtimeConfig{
		AutoReconnect: false,
		Logger:        discardLogger(),
	}))
}

func TestSessionBootstrapWithStoredToken(t *testing.T) {
	b := newFakeBackend(t)
	b.unread = UnreadCounts{5: 2}
	access, refresh := b.issueTokens()

	store := NewMemoryTokenStore()
	store.Save(access, refresh)
	client := b.client(WithTokenStore(store), WithLogger(discardLogger()))

	session := newTestSession(client)
	if got := session.State(); got != SessionBootstrapping {
		t.Fatalf("initial state = %q, want bootstrapping", got)
	}
	if err := session.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Cleanup(session.Close)

	if got := session.State(); got != SessionAuthenticated {
		t.Fatalf("state = %q, want authenticated", got)
	}
	if user := session.User(); user == nil || user.Username != "ana" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if rt := session.Realtime(); rt == nil || !rt.Connected() {
		t.Fatal("realtime connection not established")
	}
	if got := session.Unread().Count(5); got != 2 {
		t.Fatalf("unread Count(5) = %d, want 2", got)
	}

	wc := b.waitConn(t)
	if got := joinedEventID(t, wc.expectCmd(t, "join_event")); got != 5 {
		t.Fatalf("joined room %d, want 5", got)
	}

	// Bootstrap runs once; a second call is a no-op.
	if err := session.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
}

func TestSessionBootstrapWithoutToken(t *testing.T) {
	b := newFakeBackend(t)
	client := b.client(WithLogger(discardLogger()))

	session := newTestSession(client)
	if err := session.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := session.State(); got != SessionUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", got)
	}
	if session.User() != nil || session.Realtime() != nil {
		t.Fatal("unauthenticated session should carry no user or connection")
	}
}

func TestSessionBootstrapRejectedToken(t *testing.T) {
	b := newFakeBackend(t)
	store := NewMemoryTokenStore()
	store.Save("stale", "bogus")
	client := b.client(WithTokenStore(store), WithLogger(discardLogger()))

	session := newTestSession(client)
	if err := session.Bootstrap(context.Background()); err == nil {
		t.Fatal("Bootstrap with a rejected token should report the error")
	}
	if got := session.State(); got != SessionUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", got)
	}
	if access, refresh, _ := store.Load(); access != "" || refresh != "" {
		t.Fatalf("tokens should be cleared, got %q/%q", access, refresh)
	}
}

func TestSessionSignInAndSignOut(t *testing.T) {
	b := newFakeBackend(t)
	store := NewMemoryTokenStore()
	client := b.client(WithTokenStore(store), WithLogger(discardLogger()))

	session := newTestSession(client)
	if err := session.SignIn(context.Background(), "ana@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if got := session.State(); got != SessionAuthenticated {
		t.Fatalf("state = %q, want authenticated", got)
	}
	if access, _, _ := store.Load(); access == "" {
		t.Fatal("token pair not persisted after sign-in")
	}
	b.waitConn(t)

	session.SignOut(context.Background())
	if got := session.State(); got != SessionUnauthenticated {
		t.Fatalf("state = %q after sign-out, want unauthenticated", got)
	}
	if access, refresh, _ := store.Load(); access != "" || refresh != "" {
		t.Fatalf("tokens should be cleared, got %q/%q", access, refresh)
	}
	if session.Realtime() != nil || session.Unread() != nil {
		t.Fatal("realtime resources should be torn down on sign-out")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logoutCalls != 1 {
		t.Fatalf("expected 1 logout call, got %d", b.logoutCalls)
	}
}

func TestSessionSignOutDespiteBackendFailure(t *testing.T) {
	b := newFakeBackend(t)
	store := NewMemoryTokenStore()
	client := b.client(WithTokenStore(store), WithLogger(discardLogger()))

	session := newTestSession(client)
	if err := session.SignIn(context.Background(), "ana@example.com", "secret"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	b.waitConn(t)

	b.mu.Lock()
	b.logoutStatus = 500
	b.mu.Unlock()

	// Local sign-out must win even when the backend refuses.
	session.SignOut(context.Background())
	if got := session.State(); got != SessionUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", got)
	}
	if access, refresh, _ := store.Load(); access != "" || refresh != "" {
		t.Fatalf("tokens should be cleared, got %q/%q", access, refresh)
	}
}
