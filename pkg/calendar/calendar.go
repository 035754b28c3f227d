// Package calendar defines the scheduling backend the booking tools talk to.
package calendar

import (
	"context"
	"errors"
	"time"
)

// Availability is the answer to a slot query.
type Availability int

const (
	// Unknown means the backend could not answer. It is never treated as
	// free.
	Unknown Availability = iota
	Available
	Busy
)

// String returns the lowercase name of a.
func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// ErrInvalidRange is returned when a slot's end is not after its start.
var ErrInvalidRange = errors.New("calendar: end must be after start")

// Event is a meeting to create.
type Event struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeEmail string

	// WithMeetLink requests a video conference link for the event.
	WithMeetLink bool
}

// CreatedEvent is the backend's record of an inserted event.
type CreatedEvent struct {
	ID       string
	HTMLLink string

	// MeetLink is empty unless a conference was requested and granted.
	MeetLink string
}

// Calendar checks and books slots. Implementations must be safe for
// concurrent use.
type Calendar interface {
	// CheckSlot reports whether [start, end) is free. On error the result is
	// [Unknown].
	CheckSlot(ctx context.Context, start, end time.Time) (Availability, error)

	// CreateEvent inserts ev and notifies attendees.
	CreateEvent(ctx context.Context, ev Event) (CreatedEvent, error)
}
