package duplex

import "context"

// EventSink receives everything a session emits toward the browser. Methods
// are called from the session's event loop, one at a time and in arrival
// order, and must not call back into the session.
type EventSink interface {
	Transcription(text string, final bool)
	ResponseText(text string)
	// Audio receives linear16 mono PCM at 24 kHz. The slice is owned by the
	// sink.
	Audio(pcm []byte)
	AgentThinking()
	AgentSpeaking()
	AgentDone()
	Error(message string)
}

// ToolCall is one function invocation requested by the agent.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	SessionID string
}

// ToolDispatcher runs a tool and returns its JSON result. Failures are
// encoded in the result, never returned.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call ToolCall) string
}

// Transcoder converts a compressed browser chunk into 48 kHz mono linear16
// PCM. ok is false when the chunk cannot be decoded.
type Transcoder interface {
	Transcode(ctx context.Context, chunk []byte) (pcm []byte, ok bool)
}
