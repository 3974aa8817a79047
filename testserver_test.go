package sortie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
)

// fakeBackend is an in-process Sortie backend for tests: the REST API plus
// the /ws realtime endpoint. Token pairs are issued by the backend itself so
// refresh rotation behaves like the real thing.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	validTokens   map[string]bool
	refreshToken  string
	nextToken     int
	refreshCalls  int
	refreshStatus int  // non-zero forces /auth/refresh to fail
	issueInvalid  bool // refresh hands out tokens the backend will reject
	gate401       chan struct{}
	meCalls       int
	logoutCalls   int
	logoutStatus  int
	markReads     []int
	markStatus    int
	unread        UnreadCounts
	history       map[int][]ChatMessage
	historyStatus int
	user          User
	events        []Event
	joins         []int
	lastQuery     map[string]string
	pushTokens    map[string]bool

	nextMsgID int
	wsCh      chan *fakeWSConn
}

// wireCommand mirrors RealtimeCommand with a raw payload for inspection.
type wireCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

// fakeWSConn is one accepted realtime connection.
type fakeWSConn struct {
	token string
	conn  *websocket.Conn
	cmds  chan wireCommand
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:           t,
		validTokens: make(map[string]bool),
		unread:      UnreadCounts{},
		history:     make(map[int][]ChatMessage),
		user:        User{ID: 1, Email: "ana@example.com", Username: "ana", RadiusKm: 10},
		pushTokens:  make(map[string]bool),
		wsCh:        make(chan *fakeWSConn, 8),
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", b.handleLogin).Methods("POST")
	r.HandleFunc("/auth/register", b.handleLogin).Methods("POST")
	r.HandleFunc("/auth/refresh", b.handleRefresh).Methods("POST")
	r.HandleFunc("/auth/me", b.handleMe).Methods("GET")
	r.HandleFunc("/auth/logout", b.handleLogout).Methods("POST")
	r.HandleFunc("/events", b.handleListEvents).Methods("GET")
	r.HandleFunc("/events", b.handleCreateEvent).Methods("POST")
	r.HandleFunc("/events/nearby", b.handleNearby).Methods("GET")
	r.HandleFunc("/events/my-participations", b.handleParticipations).Methods("GET")
	r.HandleFunc("/events/{id:[0-9]+}", b.handleGetEvent).Methods("GET")
	r.HandleFunc("/events/{id:[0-9]+}/join", b.handleJoinEvent).Methods("POST")
	r.HandleFunc("/push-token", b.handlePushToken).Methods("POST", "DELETE")
	r.HandleFunc("/messages/unread-counts", b.handleUnreadCounts).Methods("GET")
	r.HandleFunc("/messages/event/{id:[0-9]+}", b.handleHistory).Methods("GET")
	r.HandleFunc("/messages/event/{id:[0-9]+}/mark-read", b.handleMarkRead).Methods("POST")
	r.HandleFunc("/ws", b.handleWS).Methods("GET")

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) client(opts ...ClientOption) *Client {
	all := append([]ClientOption{WithBaseURL(b.srv.URL)}, opts...)
	return NewClient(all...)
}

// issueTokens mints a fresh valid pair, rotating the refresh token.
func (b *fakeBackend) issueTokens() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueTokensLocked()
}

func (b *fakeBackend) issueTokensLocked() (string, string) {
	b.nextToken++
	access := fmt.Sprintf("access-%d", b.nextToken)
	refresh := fmt.Sprintf("refresh-%d", b.nextToken)
	b.validTokens[access] = true
	b.refreshToken = refresh
	return access, refresh
}

// revokeAccess invalidates one access token, simulating server-side expiry.
func (b *fakeBackend) revokeAccess(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.validTokens, token)
}

// addAccess marks an externally crafted access token as valid.
func (b *fakeBackend) addAccess(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validTokens[token] = true
}

func (b *fakeBackend) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	return token != "" && b.validTokens[token]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	access, refresh := b.issueTokens()
	b.mu.Lock()
	user := b.user
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, AuthResponse{AccessToken: access, RefreshToken: refresh, User: &user})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	b.refreshCalls++
	if b.refreshStatus != 0 {
		status := b.refreshStatus
		b.mu.Unlock()
		writeErr(w, status, "refresh rejected")
		return
	}
	if body.RefreshToken == "" || body.RefreshToken != b.refreshToken {
		b.mu.Unlock()
		writeErr(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	access, refresh := b.issueTokensLocked()
	if b.issueInvalid {
		delete(b.validTokens, access)
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, AuthResponse{AccessToken: access, RefreshToken: refresh})
}

func (b *fakeBackend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.meCalls++
	user := b.user
	gate := b.gate401
	b.mu.Unlock()
	if !b.authorized(r) {
		if gate != nil {
			<-gate
		}
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.logoutCalls++
	status := b.logoutStatus
	b.mu.Unlock()
	if status != 0 {
		writeErr(w, status, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *fakeBackend) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b.mu.Lock()
	events := append([]Event{}, b.events...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, events)
}

func (b *fakeBackend) handleNearby(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b.mu.Lock()
	b.lastQuery = map[string]string{}
	for k := range r.URL.Query() {
		b.lastQuery[k] = r.URL.Query().Get(k)
	}
	events := append([]Event{}, b.events...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, events)
}

func (b *fakeBackend) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var id int
	fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.ID == id {
			writeJSON(w, http.StatusOK, EventWithDetails{Event: e, Creator: &b.user})
			return
		}
	}
	writeErr(w, http.StatusNotFound, "event not found")
}

func (b *fakeBackend) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var opts CreateEventOptions
	json.NewDecoder(r.Body).Decode(&opts)
	b.mu.Lock()
	event := Event{
		ID:        len(b.events) + 100,
		Title:     opts.Title,
		Type:      opts.Type,
		Date:      opts.Date,
		Latitude:  opts.Latitude,
		Longitude: opts.Longitude,
		Address:   opts.Address,
	}
	b.events = append(b.events, event)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, event)
}

func (b *fakeBackend) handleJoinEvent(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var id int
	fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	b.mu.Lock()
	b.joins = append(b.joins, id)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *fakeBackend) handleParticipations(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b.mu.Lock()
	out := make([]EventWithDetails, 0, len(b.joins))
	for _, id := range b.joins {
		for _, e := range b.events {
			if e.ID == id {
				out = append(out, EventWithDetails{Event: e})
			}
		}
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handlePushToken(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		PushToken string `json:"pushToken"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	if r.Method == http.MethodDelete {
		delete(b.pushTokens, body.PushToken)
	} else {
		b.pushTokens[body.PushToken] = true
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *fakeBackend) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b.mu.Lock()
	counts := make(UnreadCounts, len(b.unread))
	for id, n := range b.unread {
		counts[id] = n
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, counts)
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var id int
	fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	b.mu.Lock()
	status := b.historyStatus
	msgs := append([]ChatMessage(nil), b.history[id]...)
	b.mu.Unlock()
	if status != 0 {
		writeErr(w, status, "history unavailable")
		return
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (b *fakeBackend) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var id int
	fmt.Sscanf(mux.Vars(r)["id"], "%d", &id)
	b.mu.Lock()
	status := b.markStatus
	if status == 0 {
		b.markReads = append(b.markReads, id)
	}
	b.mu.Unlock()
	if status != 0 {
		writeErr(w, status, "mark-read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWS accepts a realtime connection, confirms joins, and echoes sent
// messages back as new_message events on the same connection.
func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	b.mu.Lock()
	valid := b.validTokens[token]
	b.mu.Unlock()
	if !valid {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	wc := &fakeWSConn{token: token, conn: conn, cmds: make(chan wireCommand, 32)}
	b.wsCh <- wc

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd wireCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		select {
		case wc.cmds <- cmd:
		default:
		}

		switch cmd.Type {
		case "join_event":
			var p struct {
				EventID int `json:"eventId"`
			}
			json.Unmarshal(cmd.Payload, &p)
			wc.push(b.t, EventJoinedEvent, JoinedEventPayload{EventID: p.EventID})
		case "send_message":
			var p struct {
				EventID int    `json:"eventId"`
				Text    string `json:"text"`
			}
			json.Unmarshal(cmd.Payload, &p)
			b.mu.Lock()
			b.nextMsgID++
			msg := ChatMessage{
				ID:        b.nextMsgID,
				Text:      p.Text,
				EventID:   p.EventID,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
				Sender:    MessageSender{ID: b.user.ID, Username: b.user.Username},
			}
			b.mu.Unlock()
			wc.push(b.t, EventNewMessage, msg)
		}
	}
}

// waitConn blocks until the backend accepts a realtime connection.
func (b *fakeBackend) waitConn(t *testing.T) *fakeWSConn {
	t.Helper()
	select {
	case wc := <-b.wsCh:
		return wc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// push sends one server-initiated envelope down the connection.
func (wc *fakeWSConn) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	env, _ := json.Marshal(RealtimeEnvelope{Type: event, Payload: raw})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wc.conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Logf("push write failed: %v", err)
	}
}

// expectCmd blocks until the connection receives a command of the given type.
func (wc *fakeWSConn) expectCmd(t *testing.T, cmdType string) wireCommand {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cmd := <-wc.cmds:
			if cmd.Type == cmdType {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q command", cmdType)
			return wireCommand{}
		}
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
