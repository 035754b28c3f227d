// Package store defines the persistence interfaces of the live-call path.
//
// Three concerns are separated so each can live in the backend that suits it:
//
//   - [AppointmentStore]: confirmed bookings, written once the calendar
//     event exists.
//   - [MessageStore]: the durable transcript of every call.
//   - [ContextStore]: the short rolling window of recent turns the fallback
//     pipeline sends to the language model. Entries expire.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// Appointment status values.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Appointment is a booked meeting.
type Appointment struct {
	SessionID     string
	UserEmail     string
	UserName      string
	StartTime     time.Time
	EndTime       time.Time
	MeetingType   string
	GoogleEventID string

	// Status defaults to [StatusConfirmed] when empty.
	Status string

	CreatedAt time.Time
}

// Message is one persisted conversation turn.
type Message struct {
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// MessageType is the modality of the turn. The live-call path only
	// writes "voice".
	MessageType string

	Content string

	// MessageID is unique across all messages. Writers generate it when
	// empty.
	MessageID string

	CreatedAt time.Time
}

// ContextEntry is one turn held in the short-term context window.
type ContextEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context window defaults.
const (
	DefaultContextLimit = 20
	DefaultContextTTL   = time.Hour
)

// AppointmentStore records bookings.
type AppointmentStore interface {
	SaveAppointment(ctx context.Context, a Appointment) error
	ListAppointments(ctx context.Context, sessionID string) ([]Appointment, error)
}

// MessageStore records transcript turns.
type MessageStore interface {
	SaveMessage(ctx context.Context, m Message) error

	// Messages returns the turns of sessionID oldest first. limit <= 0
	// returns all of them.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// ContextStore keeps the rolling context window per session.
type ContextStore interface {
	// Append adds e to the window of sessionID, evicting the oldest entries
	// beyond the store's cap and refreshing the expiry.
	Append(ctx context.Context, sessionID string, e ContextEntry) error

	// Recent returns up to n of the newest entries, oldest first. n <= 0
	// returns the whole window.
	Recent(ctx context.Context, sessionID string, n int) ([]ContextEntry, error)

	// Clear drops the window of sessionID.
	Clear(ctx context.Context, sessionID string) error
}
