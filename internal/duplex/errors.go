package duplex

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by [Session.Start] on a session that has
	// left the idle state.
	ErrAlreadyStarted = errors.New("duplex: session already started")

	// ErrStopped is returned by [Session.Start] when [Session.Stop] ran while
	// the connection was still being established.
	ErrStopped = errors.New("duplex: session stopped")

	errClosedBeforeReady = errors.New("connection closed before acknowledgement")
)

// ConfigurationError reports a missing credential or collaborator. It is never
// retried and the session stays idle.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplex: configuration: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("duplex: configuration: %s is required", e.Field)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError reports that the agent connection could not be established
// or dropped before it was acknowledged.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("duplex: connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError wraps a frame the event loop could not decode. It is logged
// and the frame is skipped.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "duplex: protocol: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

// SendError reports a failed write to the agent socket. The session stays
// active; a dead socket is detected by the event loop's next read.
type SendError struct {
	Kind string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("duplex: send %s: %v", e.Kind, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }
