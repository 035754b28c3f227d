// Package registry tracks the live call of every session id.
//
// A session id maps to at most one handle. Registering an id that is already
// present stops the previous handle, so two voice-agent connections can
// never serve the same session.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/jarvis/internal/observe"
)

// ErrSessionNotFound is returned when an id has no entry.
var ErrSessionNotFound = errors.New("registry: session not found")

// Mode tags which pipeline serves a session.
type Mode string

const (
	ModeDuplex   Mode = "duplex"
	ModeFallback Mode = "fallback"
)

// Handle is anything that can be torn down.
type Handle interface {
	Stop()
}

// Entry is one registered session.
type Entry struct {
	ID     string
	Mode   Mode
	Handle Handle
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	active  metric.Int64UpDownCounter
}

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics reports the number of entries on m's active-session gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.active = m.ActiveSessions }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	for _, o := range opts {
		o(r)
	}
	if r.active == nil {
		r.active = observe.DefaultMetrics().ActiveSessions
	}
	return r
}

// Register stores h under id, replacing and stopping any previous handle.
// The previous handle is stopped after the lock is released.
func (r *Registry) Register(id string, mode Mode, h Handle) {
	r.mu.Lock()
	prev, existed := r.entries[id]
	r.entries[id] = Entry{ID: id, Mode: mode, Handle: h}
	r.mu.Unlock()

	if existed {
		slog.Info("registry: replacing session", "session_id", id, "old_mode", prev.Mode, "new_mode", mode)
		if prev.Handle != h {
			prev.Handle.Stop()
		}
		return
	}
	r.active.Add(context.Background(), 1)
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes id and stops its handle.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	r.active.Add(context.Background(), -1)
	e.Handle.Stop()
	return nil
}

// RemoveIf deletes id only while it still maps to h. It reports whether an
// entry was removed. Callers tearing down their own session use it so they
// never stop a replacement registered in the meantime.
func (r *Registry) RemoveIf(id string, h Handle) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.Handle != h {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	r.active.Add(context.Background(), -1)
	e.Handle.Stop()
	return true
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns every registered id in no particular order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll stops every handle concurrently and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]Entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Go(e.Handle.Stop)
	}
	wg.Wait()
	if n := len(entries); n > 0 {
		r.active.Add(context.Background(), -int64(n))
		slog.Info("registry: closed all sessions", "count", n)
	}
}
