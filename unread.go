package sortie

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// markReadTimeout bounds the fire-and-forget backend notification.
const markReadTimeout = 10 * time.Second

// UnreadTracker maintains the per-event unread counters behind the badge.
// It consumes the session's realtime connection alongside any open chat
// session; its subscriptions are its own and never touch the chat's.
//
// Local state is the source of truth for display: MarkAsRead resets the
// counter immediately and informs the backend asynchronously, and a backend
// failure does not revert the reset.
type UnreadTracker struct {
	api *Client
	rt  *RealtimeClient
	log *slog.Logger

	mu          sync.Mutex
	counts      UnreadCounts
	activeEvent int
	subs        []*Subscription
	started     bool
}

// NewUnreadTracker creates a tracker bound to the given API client and
// realtime connection. Call Start to begin tracking.
func NewUnreadTracker(api *Client, rt *RealtimeClient) *UnreadTracker {
	return &UnreadTracker{
		api:    api,
		rt:     rt,
		log:    api.Logger(),
		counts: UnreadCounts{},
	}
}

// Start fetches the unread-count map, joins the room of every event in it,
// and subscribes to incoming messages. The key set of the fetched map is
// the set of events the user participates in, so joins are issued only
// after the fetch completes. Idempotent.
func (t *UnreadTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	t.subs = append(t.subs,
		t.rt.OnNewMessage(t.handleMessage),
		// Rooms are scoped to one connection, so membership has to be
		// re-established after every reconnect.
		t.rt.OnConnected(func() { t.joinAll(context.Background()) }),
	)

	if err := t.Refresh(ctx); err != nil {
		return err
	}
	t.joinAll(ctx)
	return nil
}

// Refresh refetches the unread-count map from the backend, replacing the
// local map.
func (t *UnreadTracker) Refresh(ctx context.Context) error {
	counts, err := t.api.Messages.UnreadCounts(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.counts = counts
	t.mu.Unlock()
	return nil
}

// Close cancels the tracker's subscriptions. Other consumers of the shared
// connection keep theirs.
func (t *UnreadTracker) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Counts returns a copy of the per-event unread counters.
func (t *UnreadTracker) Counts() UnreadCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(UnreadCounts, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}

// Count returns the unread counter for one event.
func (t *UnreadTracker) Count(eventID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[eventID]
}

// TotalUnread returns the badge total. It is always the sum of the current
// counters, never cached separately.
func (t *UnreadTracker) TotalUnread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts.Total()
}

// MarkAsRead resets an event's counter to zero and informs the backend in
// the background. Idempotent; counters never go below zero.
func (t *UnreadTracker) MarkAsRead(eventID int) {
	t.mu.Lock()
	t.counts[eventID] = 0
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := t.api.Messages.MarkRead(ctx, eventID); err != nil {
			t.log.Debug("mark-read failed", "eventId", eventID, "err", err)
		}
	}()
}

// SetActiveEvent records the event whose chat is currently open; its
// messages no longer count as unread.
func (t *UnreadTracker) SetActiveEvent(eventID int) {
	t.mu.Lock()
	t.activeEvent = eventID
	t.mu.Unlock()
}

// ClearActiveEvent undoes SetActiveEvent for the given event. A newer
// active event is left alone.
func (t *UnreadTracker) ClearActiveEvent(eventID int) {
	t.mu.Lock()
	if t.activeEvent == eventID {
		t.activeEvent = 0
	}
	t.mu.Unlock()
}

func (t *UnreadTracker) handleMessage(msg ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.EventID == t.activeEvent {
		return
	}
	t.counts[msg.EventID]++
}

func (t *UnreadTracker) joinAll(ctx context.Context) {
	for _, eventID := range t.eventIDs() {
		if err := t.rt.JoinEvent(ctx, eventID); err != nil {
			t.log.Debug("room join failed", "eventId", eventID, "err", err)
		}
	}
}

func (t *UnreadTracker) eventIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.counts))
	for id := range t.counts {
		ids = append(ids, id)
	}
	return ids
}
