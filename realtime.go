package sortie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Inbound event names carried on the realtime channel.
const (
	EventNewMessage    = "new_message"
	EventJoinedEvent   = "joined_event"
	EventJoinDenied    = "join_denied"
	EventMessageDenied = "message_denied"
)

// JoinedEventPayload confirms room membership for an event.
type JoinedEventPayload struct {
	EventID int `json:"eventId"`
}

// JoinDeniedPayload is sent when the server refuses a room join.
type JoinDeniedPayload struct {
	EventID int    `json:"eventId"`
	Reason  string `json:"reason"`
}

// RealtimeEnvelope is the wire format for all realtime traffic.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// TokenSource returns the access token to authenticate a (re)connection.
// It is consulted on every dial so a reconnect after a token refresh uses
// the current token, never a stale one.
type TokenSource func() (string, error)

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	TokenSource          TokenSource
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	SendRate             rate.Limit
	SendBurst            int
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendRate == 0 {
		c.SendRate = 10
	}
	if c.SendBurst == 0 {
		c.SendBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Dispatcher
// ============================================================================

// EventHandler is the generic event callback type. Handlers run on the read
// loop goroutine, in the order the server emitted the events.
type EventHandler func(eventType string, payload json.RawMessage)

// Subscription is a handle to one registered handler. Cancelling it removes
// only that handler; other subscribers to the same event are unaffected, so
// independent consumers can safely share one connection.
type Subscription struct {
	id    string
	event string
	d     *dispatcher
}

// Cancel removes the subscription. Idempotent.
func (s *Subscription) Cancel() {
	if s == nil || s.d == nil {
		return
	}
	s.d.remove(s.event, s.id)
}

type dispatcher struct {
	mu   sync.RWMutex
	subs map[string]map[string]EventHandler // event name -> sub id -> handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[string]map[string]EventHandler)}
}

// Meta events delivered through the same dispatcher.
const (
	metaConnected    = "_connected"
	metaDisconnected = "_disconnected"
	metaReconnecting = "_reconnecting"
)

func (d *dispatcher) add(event string, h EventHandler) *Subscription {
	id := uuid.NewString()
	d.mu.Lock()
	if d.subs[event] == nil {
		d.subs[event] = make(map[string]EventHandler)
	}
	d.subs[event][id] = h
	d.mu.Unlock()
	return &Subscription{id: id, event: event, d: d}
}

func (d *dispatcher) remove(event, id string) {
	d.mu.Lock()
	if m := d.subs[event]; m != nil {
		delete(m, id)
	}
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.subs[event]))
	for _, h := range d.subs[event] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A minute of stability resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the single realtime connection of an authenticated
// session. It carries both per-event chat rooms and the global unread feed;
// both consumers register their own removable subscriptions.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector
	limiter    *rate.Limiter
}

// NewRealtimeClient creates a realtime client for the given API base URL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
		limiter:    rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connected reports whether the connection is currently established.
func (rt *RealtimeClient) Connected() bool {
	return rt.State() == StateConnected
}

// Subscribe registers a generic handler for a named event and returns its
// removable handle.
func (rt *RealtimeClient) Subscribe(event string, h EventHandler) *Subscription {
	return rt.dispatcher.add(event, h)
}

// OnNewMessage registers a handler for incoming chat messages.
func (rt *RealtimeClient) OnNewMessage(h func(ChatMessage)) *Subscription {
	return rt.Subscribe(EventNewMessage, func(_ string, payload json.RawMessage) {
		var msg ChatMessage
		if json.Unmarshal(payload, &msg) == nil {
			h(msg)
		}
	})
}

// OnJoinedEvent registers a handler for room-join confirmations.
func (rt *RealtimeClient) OnJoinedEvent(h func(JoinedEventPayload)) *Subscription {
	return rt.Subscribe(EventJoinedEvent, func(_ string, payload json.RawMessage) {
		var p JoinedEventPayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// OnJoinDenied registers a handler for refused room joins.
func (rt *RealtimeClient) OnJoinDenied(h func(JoinDeniedPayload)) *Subscription {
	return rt.Subscribe(EventJoinDenied, func(_ string, payload json.RawMessage) {
		var p JoinDeniedPayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) *Subscription {
	return rt.Subscribe(metaConnected, func(string, json.RawMessage) { h() })
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) *Subscription {
	return rt.Subscribe(metaDisconnected, func(_ string, payload json.RawMessage) {
		var reason string
		json.Unmarshal(payload, &reason)
		h(reason)
	})
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int)) *Subscription {
	return rt.Subscribe(metaReconnecting, func(_ string, payload json.RawMessage) {
		var attempt int
		json.Unmarshal(payload, &attempt)
		h(attempt)
	})
}

func (rt *RealtimeClient) emitMeta(event string, v interface{}) {
	payload, _ := json.Marshal(v)
	rt.dispatcher.dispatch(event, payload)
}

// Connect establishes the WebSocket connection, authenticating with the
// token source's current access token.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	token, err := rt.config.TokenSource()
	if err != nil || token == "" {
		rt.setDisconnected()
		if err == nil {
			err = fmt.Errorf("no access token available")
		}
		return fmt.Errorf("realtime auth: %w", err)
	}

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.setDisconnected()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.emitMeta(metaConnected, nil)

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection and suppresses reconnection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinEvent asks the server to add this connection to an event's room.
// Joining an already-joined room is a server-side no-op.
func (rt *RealtimeClient) JoinEvent(ctx context.Context, eventID int) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:    "join_event",
		Payload: map[string]int{"eventId": eventID},
	})
}

// SendMessage sends a chat message to an event's room. The message is not
// echoed locally; it comes back as a new_message event once accepted.
func (rt *RealtimeClient) SendMessage(ctx context.Context, eventID int, text string) error {
	return rt.Send(ctx, &RealtimeCommand{
		Type:      "send_message",
		Payload:   map[string]interface{}{"eventId": eventID, "text": text},
		RequestID: uuid.NewString(),
	})
}

// Send sends a raw command, subject to the outbound rate limit.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := rt.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) setDisconnected() {
	rt.mu.Lock()
	rt.state = StateDisconnected
	rt.mu.Unlock()
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if rt.conn == conn {
				rt.conn = nil
				rt.state = StateDisconnected
			}
			rt.mu.Unlock()

			if intentional {
				return
			}

			rt.emitMeta(metaDisconnected, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EventJoinDenied, EventMessageDenied:
			rt.log.Warn("realtime request denied", "event", env.Type, "payload", string(env.Payload))
		}

		rt.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force close; the read loop handles reconnection.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.emitMeta(metaReconnecting, rt.recon.attempt)
	rt.log.Debug("realtime reconnecting", "attempt", rt.recon.attempt, "delay", delay)

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.state = StateDisconnected
	rt.mu.Unlock()

	// The original dial context is long gone; reconnects run on their own.
	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := rt.Connect(dialCtx)
	cancel()
	if err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		} else {
			rt.setDisconnected()
		}
	}
}
