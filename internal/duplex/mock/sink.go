// Package mock provides a recording implementation of [duplex.EventSink]
// for use in unit tests.
//
// Every callback is appended to an ordered event log, so tests can assert
// both what was delivered and in which order. It is safe for concurrent use.
//
//	sink := &mock.Sink{}
//	// ... drive a session ...
//	for _, ev := range sink.Events() {
//	    fmt.Println(ev.Kind, ev.Text)
//	}
package mock

import (
	"sync"

	"github.com/MrWong99/jarvis/internal/duplex"
)

var _ duplex.EventSink = (*Sink)(nil)

// Event kinds, named after the browser events they become.
const (
	KindTranscription = "transcription"
	KindResponseText  = "response_text"
	KindAudio         = "audio_response"
	KindThinking      = "agent_thinking"
	KindSpeaking      = "agent_speaking"
	KindDone          = "agent_done"
	KindError         = "error"
)

// Event is one recorded callback.
type Event struct {
	Kind string

	// Text is the transcript, reply or error message.
	Text string

	// Final is the finality flag of a transcription.
	Final bool

	// Audio is the PCM of an audio event.
	Audio []byte
}

// Sink records callbacks in order.
type Sink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func (s *Sink) add(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	ch := s.notify
	s.notify = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Transcription implements [duplex.EventSink].
func (s *Sink) Transcription(text string, final bool) {
	s.add(Event{Kind: KindTranscription, Text: text, Final: final})
}

// ResponseText implements [duplex.EventSink].
func (s *Sink) ResponseText(text string) { s.add(Event{Kind: KindResponseText, Text: text}) }

// Audio implements [duplex.EventSink].
func (s *Sink) Audio(pcm []byte) { s.add(Event{Kind: KindAudio, Audio: pcm}) }

// AgentThinking implements [duplex.EventSink].
func (s *Sink) AgentThinking() { s.add(Event{Kind: KindThinking}) }

// AgentSpeaking implements [duplex.EventSink].
func (s *Sink) AgentSpeaking() { s.add(Event{Kind: KindSpeaking}) }

// AgentDone implements [duplex.EventSink].
func (s *Sink) AgentDone() { s.add(Event{Kind: KindDone}) }

// Error implements [duplex.EventSink].
func (s *Sink) Error(message string) { s.add(Event{Kind: KindError, Text: message}) }

// Events returns a copy of the log.
func (s *Sink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Kinds returns the kind of every recorded event in order.
func (s *Sink) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Changed returns a channel closed by the next recorded event.
func (s *Sink) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{})
	}
	return s.notify
}

// Len returns the number of recorded events.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
