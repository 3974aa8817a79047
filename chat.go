package sortie

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// ChatState is the lifecycle state of a ChatSession.
type ChatState string

const (
	ChatLoading ChatState = "loading"
	ChatReady   ChatState = "ready"
)

// ============================================================================
// Message log
// ============================================================================

// messageLog is a goroutine-safe append-only message store for one event,
// deduplicated by message id. History replaces the log wholesale; live
// messages append in arrival order.
type messageLog struct {
	mu       sync.RWMutex
	messages []ChatMessage
	seen     map[int]bool
}

func newMessageLog() *messageLog {
	return &messageLog{seen: make(map[int]bool)}
}

func (l *messageLog) replace(history []ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append([]ChatMessage(nil), history...)
	l.seen = make(map[int]bool, len(history))
	for _, m := range history {
		l.seen[m.ID] = true
	}
}

func (l *messageLog) append(msg ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[msg.ID] {
		return false
	}
	l.seen[msg.ID] = true
	l.messages = append(l.messages, msg)
	return true
}

func (l *messageLog) all() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ChatMessage(nil), l.messages...)
}

// ============================================================================
// Chat session
// ============================================================================

// ChatSession is one event's live chat: history plus the room's incoming
// messages on the shared realtime connection. A sent message is never
// appended locally; it shows up once the server echoes it back as a
// new_message, so the send path and the receive path stay a single source
// of truth.
type ChatSession struct {
	api     *Client
	rt      *RealtimeClient
	unread  *UnreadTracker
	eventID int
	log     *slog.Logger

	msgs *messageLog

	mu     sync.Mutex
	state  ChatState
	subs   []*Subscription
	closed bool
}

// OpenChat opens the chat for an event: marks it read, loads history, joins
// its room, and starts listening. Close must be called when leaving the
// screen so this session's listeners are removed.
func OpenChat(ctx context.Context, api *Client, rt *RealtimeClient, unread *UnreadTracker, eventID int) (*ChatSession, error) {
	cs := &ChatSession{
		api:     api,
		rt:      rt,
		unread:  unread,
		eventID: eventID,
		log:     api.Logger(),
		msgs:    newMessageLog(),
		state:   ChatLoading,
	}

	if unread != nil {
		unread.SetActiveEvent(eventID)
		unread.MarkAsRead(eventID)
	}

	history, err := api.Messages.History(ctx, eventID)
	if err != nil {
		if unread != nil {
			unread.ClearActiveEvent(eventID)
		}
		return nil, err
	}
	cs.msgs.replace(history)

	cs.subs = append(cs.subs,
		rt.OnNewMessage(cs.handleMessage),
		rt.OnConnected(func() { cs.rejoin() }),
		rt.Subscribe(EventMessageDenied, func(_ string, payload json.RawMessage) {
			cs.log.Debug("message denied", "eventId", eventID, "payload", string(payload))
		}),
		rt.OnJoinDenied(func(p JoinDeniedPayload) {
			if p.EventID == eventID {
				cs.log.Debug("join denied", "eventId", eventID, "reason", p.Reason)
			}
		}),
	)

	if err := rt.JoinEvent(ctx, eventID); err != nil {
		// Offline is fine; the room is rejoined once the connection is back.
		cs.log.Debug("room join deferred", "eventId", eventID, "err", err)
	}

	cs.mu.Lock()
	cs.state = ChatReady
	cs.mu.Unlock()
	return cs, nil
}

// EventID returns the event this session is bound to.
func (cs *ChatSession) EventID() int {
	return cs.eventID
}

// State returns the session state.
func (cs *ChatSession) State() ChatState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Messages returns a copy of the messages seen so far, oldest first.
func (cs *ChatSession) Messages() []ChatMessage {
	return cs.msgs.all()
}

// Send emits a chat message. Whitespace-only text and a disconnected
// connection are silent no-ops.
func (cs *ChatSession) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || !cs.rt.Connected() {
		return nil
	}
	return cs.rt.SendMessage(ctx, cs.eventID, text)
}

// Close removes this session's listeners and releases the active-event
// claim. The shared connection and other consumers' subscriptions are left
// intact. Idempotent.
func (cs *ChatSession) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	subs := cs.subs
	cs.subs = nil
	cs.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	if cs.unread != nil {
		cs.unread.ClearActiveEvent(cs.eventID)
	}
}

func (cs *ChatSession) handleMessage(msg ChatMessage) {
	if msg.EventID != cs.eventID {
		return
	}
	if !cs.msgs.append(msg) {
		return
	}
	// The chat is open, so the message is read the moment it lands.
	if cs.unread != nil {
		cs.unread.MarkAsRead(cs.eventID)
	}
}

func (cs *ChatSession) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := cs.rt.JoinEvent(ctx, cs.eventID); err != nil {
		cs.log.Debug("room rejoin failed", "eventId", cs.eventID, "err", err)
	}
}
