// Package s2s defines the connection boundary for speech-to-speech agent
// services: a remote endpoint that accepts live microphone PCM, runs its own
// recognition, reasoning, and synthesis, and streams back agent audio frames
// interleaved with JSON control events.
//
// The package is wire-protocol agnostic. A [Conn] moves raw frames; decoding
// the events is the job of the concrete provider package (for example
// [github.com/MrWong99/jarvis/pkg/provider/s2s/deepgram]).
package s2s

import (
	"context"
	"errors"
)

// ErrMissingCredentials is returned by [Dialer.Validate] when the dialer has no
// API key to authenticate with.
var ErrMissingCredentials = errors.New("s2s: missing API credentials")

// Frame is a single WebSocket message received from the agent endpoint.
type Frame struct {
	// Binary reports whether the frame carried audio. Text frames carry JSON
	// events.
	Binary bool

	// Data is the frame payload.
	Data []byte
}

// Conn is one live connection to an agent endpoint.
//
// Read is called from a single goroutine. Writes may come from several
// goroutines and must be serialised by the caller.
type Conn interface {
	// Read blocks until the next frame arrives, ctx is done, or the
	// connection fails.
	Read(ctx context.Context) (Frame, error)

	// WriteJSON marshals v and sends it as a text frame.
	WriteJSON(ctx context.Context, v any) error

	// WriteAudio sends pcm as a binary frame.
	WriteAudio(ctx context.Context, pcm []byte) error

	// Close performs a bounded close handshake. It is safe to call more than
	// once.
	Close() error
}

// Dialer opens connections to an agent endpoint.
type Dialer interface {
	// Validate reports whether the dialer is usable without touching the
	// network.
	Validate() error

	// Dial opens a new connection. Implementations apply their own open
	// timeout on top of ctx.
	Dial(ctx context.Context) (Conn, error)
}
