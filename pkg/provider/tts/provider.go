// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The fallback pipeline synthesizes one complete reply at a time and relays
// it to the browser as a single linear16 audio event, so the interface is a
// whole-utterance call rather than a stream.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Synthesize renders text with voice and returns raw PCM.
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)
}
