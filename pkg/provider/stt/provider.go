// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The fallback pipeline uses whole-utterance transcription: the browser's
// compressed audio buffered until a silence gap is posted in one request,
// and the provider answers with the transcript and the language it heard.
package stt

import "context"

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is the encoded utterance (typically WebM/Opus from MediaRecorder).
	Audio []byte

	// MIMEType is the content type of Audio. Empty means "audio/webm".
	MIMEType string

	// Language is the expected language code. It is used as a hint and as
	// the fallback when detection yields nothing.
	Language string

	// DetectLanguage asks the provider to identify the spoken language.
	DetectLanguage bool
}

// Transcript is the result of a transcription.
type Transcript struct {
	// Text is the recognised speech with surrounding whitespace trimmed.
	Text string

	// Language is the provider-reported language tag (e.g., "en", "ur").
	// Empty when the provider did not report one.
	Language string

	// Confidence is the provider's confidence in [0, 1], when reported.
	Confidence float64
}

// Provider is the abstraction over any STT backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
