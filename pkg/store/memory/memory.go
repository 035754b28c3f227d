// Package memory provides in-process implementations of the store
// interfaces. They back the server when no database is configured and serve
// as fakes in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/jarvis/pkg/store"
)

var (
	_ store.AppointmentStore = (*Store)(nil)
	_ store.MessageStore     = (*Store)(nil)
	_ store.ContextStore     = (*Store)(nil)
)

// Option configures a [Store].
type Option func(*Store)

// WithContextLimit caps the context window per session.
func WithContextLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// WithContextTTL sets how long an idle context window survives.
func WithContextTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type window struct {
	entries []store.ContextEntry
	expires time.Time
}

// Store satisfies every store interface with mutex-guarded maps.
type Store struct {
	limit int
	ttl   time.Duration
	now   func() time.Time

	mu           sync.Mutex
	appointments map[string][]store.Appointment
	messages     map[string][]store.Message
	windows      map[string]*window
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		limit:        store.DefaultContextLimit,
		ttl:          store.DefaultContextTTL,
		now:          time.Now,
		appointments: make(map[string][]store.Appointment),
		messages:     make(map[string][]store.Message),
		windows:      make(map[string]*window),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SaveAppointment implements [store.AppointmentStore].
func (s *Store) SaveAppointment(_ context.Context, a store.Appointment) error {
	if a.Status == "" {
		a.Status = store.StatusConfirmed
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.SessionID] = append(s.appointments[a.SessionID], a)
	return nil
}

// ListAppointments implements [store.AppointmentStore].
func (s *Store) ListAppointments(_ context.Context, sessionID string) ([]store.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Appointment(nil), s.appointments[sessionID]...), nil
}

// SaveMessage implements [store.MessageStore].
func (s *Store) SaveMessage(_ context.Context, m store.Message) error {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

// Messages implements [store.MessageStore].
func (s *Store) Messages(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

// Append implements [store.ContextStore].
func (s *Store) Append(_ context.Context, sessionID string, e store.ContextEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.live(sessionID)
	if w == nil {
		w = &window{}
		s.windows[sessionID] = w
	}
	w.entries = append(w.entries, e)
	if s.limit > 0 && len(w.entries) > s.limit {
		w.entries = append([]store.ContextEntry(nil), w.entries[len(w.entries)-s.limit:]...)
	}
	w.expires = s.now().Add(s.ttl)
	return nil
}

// Recent implements [store.ContextStore].
func (s *Store) Recent(_ context.Context, sessionID string, n int) ([]store.ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.live(sessionID)
	if w == nil {
		return nil, nil
	}
	entries := w.entries
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return append([]store.ContextEntry(nil), entries...), nil
}

// Clear implements [store.ContextStore].
func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
	return nil
}

// live returns the window for sessionID, dropping it if it has expired.
// The caller must hold s.mu.
func (s *Store) live(sessionID string) *window {
	w, ok := s.windows[sessionID]
	if !ok {
		return nil
	}
	if s.ttl > 0 && !s.now().Before(w.expires) {
		delete(s.windows, sessionID)
		return nil
	}
	return w
}
