package sortie

import "fmt"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the authenticated account profile.
type User struct {
	ID       int     `json:"id"`
	Email    string  `json:"email"`
	Username string  `json:"username"`
	RadiusKm float64 `json:"radiusKm"`
}

// AuthResponse is returned by login, register, and refresh.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterOptions struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ============================================================================
// Event Types
// ============================================================================

// Event is a real-world happening with a location and a date.
type Event struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Date        string  `json:"date"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Address     string  `json:"address,omitempty"`
}

// EventParticipant links a user to an event.
type EventParticipant struct {
	ID     int   `json:"id"`
	UserID int   `json:"userId"`
	User   *User `json:"user,omitempty"`
}

// EventWithDetails is an Event enriched with creator and participants.
type EventWithDetails struct {
	Event
	Creator      *User              `json:"creator,omitempty"`
	Participants []EventParticipant `json:"participants,omitempty"`
}

// CreateEventOptions holds the fields for creating an event.
type CreateEventOptions struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type,omitempty"`
	Date        string  `json:"date"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Address     string  `json:"address,omitempty"`
}

// NearbyOptions filters the nearby-events query.
type NearbyOptions struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageSender identifies the author of a chat message.
type MessageSender struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// ChatMessage is one message in an event's chat room. Immutable once
// created; ordering is server-assigned arrival order.
type ChatMessage struct {
	ID        int           `json:"id"`
	Text      string        `json:"text"`
	CreatedAt string        `json:"createdAt"`
	EventID   int           `json:"eventId"`
	Sender    MessageSender `json:"sender"`
}

// UnreadCounts maps an event id to its unread message count.
type UnreadCounts map[int]int

// Total returns the sum of all per-event counts.
func (u UnreadCounts) Total() int {
	total := 0
	for _, n := range u {
		total += n
	}
	return total
}
