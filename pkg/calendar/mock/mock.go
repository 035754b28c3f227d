// Package mock provides a test double for the calendar.Calendar interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/pkg/calendar"
)

// CheckCall records one CheckSlot invocation.
type CheckCall struct {
	Start time.Time
	End   time.Time
}

// Calendar is a mock implementation of calendar.Calendar.
type Calendar struct {
	mu sync.Mutex

	// Availability is returned by CheckSlot.
	Availability calendar.Availability

	// CheckErr, if non-nil, is returned from CheckSlot.
	CheckErr error

	// Created is returned by CreateEvent.
	Created calendar.CreatedEvent

	// CreateErr, if non-nil, is returned from CreateEvent.
	CreateErr error

	checks []CheckCall
	events []calendar.Event
}

// CheckSlot records the call and returns Availability, CheckErr.
func (c *Calendar) CheckSlot(_ context.Context, start, end time.Time) (calendar.Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, CheckCall{Start: start, End: end})
	if c.CheckErr != nil {
		return calendar.Unknown, c.CheckErr
	}
	return c.Availability, nil
}

// CreateEvent records ev and returns Created, CreateErr.
func (c *Calendar) CreateEvent(_ context.Context, ev calendar.Event) (calendar.CreatedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.Created, c.CreateErr
}

// Checks returns a copy of the recorded CheckSlot calls.
func (c *Calendar) Checks() []CheckCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CheckCall(nil), c.checks...)
}

// Events returns a copy of the events passed to CreateEvent.
func (c *Calendar) Events() []calendar.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]calendar.Event(nil), c.events...)
}

var _ calendar.Calendar = (*Calendar)(nil)
