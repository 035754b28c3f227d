// Package duplex runs one live call against the Deepgram Voice Agent.
//
// A [Session] owns a single agent connection. Browser microphone audio is
// forwarded through [Session.SendAudio] or [Session.SendRawPCM]; agent audio
// is re-chunked by an internal accumulator and delivered, together with
// transcripts and status events, to an [EventSink]. Function-call requests
// from the agent are resolved through a [ToolDispatcher] and answered on the
// same socket.
//
// Each active session runs two goroutines: the event loop, which is the only
// reader of the socket, and a keep-alive ticker. Both stop when
// [Session.Stop] cancels the session context.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	"github.com/MrWong99/jarvis/pkg/provider/s2s/deepgram"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultSendTimeout       = 2 * time.Second
	DefaultReadyTimeout      = 3 * time.Second
)

// Config holds the collaborators and tuning of a [Session].
type Config struct {
	// SessionID identifies the call in logs and tool calls.
	SessionID string

	// Dialer opens the agent connection.
	Dialer s2s.Dialer

	// Settings is sent once after every successful dial.
	Settings deepgram.Settings

	Sink       EventSink
	Tools      ToolDispatcher
	Transcoder Transcoder

	// FlushThreshold is the accumulator size that triggers a flush.
	// Default: [DefaultFlushThreshold].
	FlushThreshold int

	KeepAliveInterval time.Duration
	SendTimeout       time.Duration

	// ReadyTimeout bounds the wait for Welcome or SettingsApplied after the
	// Settings message. On expiry the connection is assumed open.
	ReadyTimeout time.Duration

	// Backoff controls dial retries.
	Backoff resilience.Backoff

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is one duplex voice call. Create it with [New].
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	acc     *accumulator

	mu     sync.Mutex
	state  State
	conn   s2s.Conn
	cancel context.CancelFunc
	ready  bool
	// assumedOpen is set once Start gave up waiting for an acknowledgement.
	assumedOpen bool

	// writeMu serialises every write to conn.
	writeMu sync.Mutex

	readyCh   chan struct{}
	readyOnce sync.Once
	loopDone  chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New returns an idle Session. Validation happens in [Session.Start].
func New(cfg Config) *Session {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Backoff.Name == "" {
		cfg.Backoff.Name = "voice-agent"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:      cfg,
		log:      slog.With("session_id", cfg.SessionID),
		metrics:  cfg.Metrics,
		state:    StateIdle,
		readyCh:  make(chan struct{}),
		loopDone: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	s.acc = newAccumulator(cfg.FlushThreshold, s.emitAudio)
	return s
}

// SessionID returns the call's identifier.
func (s *Session) SessionID() string { return s.cfg.SessionID }

// Language returns the agent language from the Settings message.
func (s *Session) Language() string { return s.cfg.Settings.Agent.Language }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the agent acknowledged the connection.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) validate() error {
	switch {
	case s.cfg.Dialer == nil:
		return &ConfigurationError{Field: "dialer"}
	case s.cfg.Sink == nil:
		return &ConfigurationError{Field: "sink"}
	case s.cfg.Tools == nil:
		return &ConfigurationError{Field: "tool dispatcher"}
	case s.cfg.Transcoder == nil:
		return &ConfigurationError{Field: "transcoder"}
	}
	if err := s.cfg.Dialer.Validate(); err != nil {
		return &ConfigurationError{Field: "dialer", Err: err}
	}
	return nil
}

// Start connects to the agent, sends Settings, and launches the event loop
// and keep-alive goroutines. It returns once the agent acknowledged the
// connection or the ready timeout passed.
//
// Missing configuration returns a [*ConfigurationError] and leaves the
// session idle. When every dial attempt fails, or the connection drops before
// it is acknowledged, Start reports the failure to the sink's Error method
// once and returns a [*ConnectionError].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := s.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateConnecting
	s.mu.Unlock()

	var conn s2s.Conn
	attempts, err := s.cfg.Backoff.Retry(ctx, s.stopCh, func(ctx context.Context, attempt int) error {
		c, err := s.dialOnce(ctx)
		if err != nil {
			s.metrics.RecordConnectAttempt(ctx, "error")
			return err
		}
		s.metrics.RecordConnectAttempt(ctx, "ok")
		conn = c
		return nil
	})
	if errors.Is(err, resilience.ErrRetryAborted) {
		return ErrStopped
	}
	if err != nil {
		return s.fail(&ConnectionError{Attempts: attempts, Err: err})
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.conn = conn
	s.cancel = cancel
	s.state = StateActive
	s.wg.Add(2)
	s.mu.Unlock()

	go s.eventLoop(loopCtx, conn)
	go s.keepAlive(loopCtx)

	s.log.Info("voice agent connected", "attempts", attempts)
	return s.awaitReady(ctx, attempts)
}

func (s *Session) dialOnce(ctx context.Context) (s2s.Conn, error) {
	c, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := c.WriteJSON(wctx, s.cfg.Settings); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}
	return c, nil
}

func (s *Session) awaitReady(ctx context.Context, attempts int) error {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.readyCh:
		return nil
	case <-s.loopDone:
		select {
		case <-s.readyCh:
			return nil
		case <-s.stopCh:
			return ErrStopped
		default:
		}
		return s.fail(&ConnectionError{Attempts: attempts, Err: errClosedBeforeReady})
	case <-timer.C:
		s.mu.Lock()
		lost := s.state == StateError
		if !lost {
			s.assumedOpen = true
		}
		s.mu.Unlock()
		if lost {
			return s.fail(&ConnectionError{Attempts: attempts, Err: errClosedBeforeReady})
		}
		s.log.Warn("no acknowledgement from voice agent, assuming connection is open",
			"timeout", s.cfg.ReadyTimeout)
		return nil
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// fail reports err to the sink, then settles the session in closed.
func (s *Session) fail(err error) error {
	s.setState(StateError)
	s.log.Error("voice agent session failed", "err", err)
	s.cfg.Sink.Error(err.Error())
	s.setState(StateClosed)
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		close(s.readyCh)
	})
}

// SendAudio forwards a browser chunk to the agent. Compressed chunks go
// through the transcoder first and are dropped when it cannot decode them.
// It is a no-op unless the session is active. A failed write is logged,
// counted, and returned as a [*SendError].
func (s *Session) SendAudio(ctx context.Context, chunk []byte, compressed bool) error {
	if s.State() != StateActive {
		return nil
	}
	pcm := chunk
	if compressed {
		out, ok := s.cfg.Transcoder.Transcode(ctx, chunk)
		if !ok {
			s.log.Debug("dropping undecodable audio chunk", "bytes", len(chunk))
			return nil
		}
		pcm = out
	}
	return s.writeAudio(ctx, pcm)
}

// SendRawPCM forwards 48 kHz mono linear16 PCM without transcoding. It is a
// no-op unless the session is active.
func (s *Session) SendRawPCM(ctx context.Context, pcm []byte) error {
	if s.State() != StateActive {
		return nil
	}
	return s.writeAudio(ctx, pcm)
}

func (s *Session) writeAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.write(ctx, "audio", func(ctx context.Context, c s2s.Conn) error {
		return c.WriteAudio(ctx, pcm)
	})
}

// write runs fn against the live connection under the write lock with the
// send timeout applied.
func (s *Session) write(ctx context.Context, kind string, fn func(context.Context, s2s.Conn) error) error {
	s.mu.Lock()
	conn, active := s.conn, s.state == StateActive
	s.mu.Unlock()
	if !active || conn == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := fn(wctx, conn); err != nil {
		s.metrics.RecordSendError(ctx, kind)
		s.log.Warn("voice agent send failed", "kind", kind, "err", err)
		return &SendError{Kind: kind, Err: err}
	}
	return nil
}

// Stop tears the session down. It is idempotent and safe to call from any
// goroutine, including while Start is still connecting.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateClosing
		}
		conn, cancel := s.conn, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("closing voice agent connection", "err", err)
			}
		}
		s.wg.Wait()
		s.acc.Reset()
		s.setState(StateClosed)
		s.log.Info("voice agent session stopped")
	})
}

func (s *Session) keepAlive(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.write(ctx, "keepalive", func(ctx context.Context, c s2s.Conn) error {
				return c.WriteJSON(ctx, deepgram.NewKeepAlive())
			})
		}
	}
}

func (s *Session) eventLoop(ctx context.Context, conn s2s.Conn) {
	defer s.wg.Done()
	defer close(s.loopDone)

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			s.connectionLost(ctx, conn, err)
			return
		}
		if frame.Binary {
			s.acc.Append(frame.Data)
			continue
		}
		evt, err := deepgram.DecodeEvent(frame.Data)
		if err != nil {
			s.log.Warn("skipping agent message", "err", &ProtocolError{Err: err})
			continue
		}
		s.handleEvent(ctx, evt)
	}
}

// connectionLost handles a read failure. A failure caused by Stop is silent.
// Otherwise the session closes, or moves to error while Start is still
// waiting for an acknowledgement so Start can report it.
func (s *Session) connectionLost(ctx context.Context, conn s2s.Conn, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.Warn("voice agent connection lost", "err", err)

	s.mu.Lock()
	if s.state == StateActive {
		if s.ready || s.assumedOpen {
			s.state = StateClosed
		} else {
			s.state = StateError
		}
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
}

func (s *Session) handleEvent(ctx context.Context, evt deepgram.Event) {
	sink := s.cfg.Sink
	switch e := evt.(type) {
	case deepgram.Welcome:
		s.log.Debug("voice agent welcome", "request_id", e.RequestID)
		s.markReady()
	case deepgram.SettingsApplied:
		s.log.Debug("voice agent settings applied")
		s.markReady()
	case deepgram.UserStartedSpeaking:
		if n := s.acc.Clear(); n > 0 {
			s.log.Debug("barge-in, discarded agent audio", "bytes", n)
		}
	case deepgram.AgentStartedSpeaking:
		s.acc.Clear()
		sink.AgentSpeaking()
	case deepgram.AgentThinking:
		sink.AgentThinking()
	case deepgram.AgentAudioDone:
		s.acc.Flush()
		sink.AgentDone()
	case deepgram.ConversationText:
		switch e.Role {
		case "user":
			sink.Transcription(e.Content, true)
		case "assistant":
			sink.ResponseText(e.Content)
		default:
			s.log.Debug("ignoring conversation text", "role", e.Role)
		}
	case deepgram.FunctionCallRequest:
		s.handleFunctionCalls(ctx, e)
	case deepgram.ErrorEvent:
		s.log.Warn("voice agent error", "description", e.Description, "code", e.Code)
		sink.Error(e.Description)
	case deepgram.Warning:
		s.log.Warn("voice agent warning", "description", e.Description, "code", e.Code)
	default:
		s.log.Debug("skipping agent message",
			"err", &ProtocolError{Err: fmt.Errorf("unhandled event type %q", evt.EventType())})
	}
}

func (s *Session) handleFunctionCalls(ctx context.Context, req deepgram.FunctionCallRequest) {
	for _, fc := range req.Functions {
		result := s.dispatch(ctx, ToolCall{
			ID:        fc.ID,
			Name:      fc.Name,
			Arguments: string(fc.Arguments),
			SessionID: s.cfg.SessionID,
		})
		s.log.Info("tool call answered", "tool", fc.Name, "call_id", fc.ID)
		_ = s.write(ctx, "tool_response", func(ctx context.Context, c s2s.Conn) error {
			return c.WriteJSON(ctx, deepgram.NewFunctionCallResponse(fc.ID, fc.Name, result))
		})
	}
}

// dispatch calls the tool dispatcher and turns a panic into an error payload
// so the event loop keeps running.
func (s *Session) dispatch(ctx context.Context, call ToolCall) (result string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tool dispatcher panicked", "tool", call.Name, "panic", r)
			b, _ := json.Marshal(map[string]string{"status": "error", "msg": fmt.Sprint(r)})
			result = string(b)
		}
	}()
	return s.cfg.Tools.Dispatch(ctx, call)
}

func (s *Session) emitAudio(pcm []byte, reason string) {
	s.metrics.RecordFlush(context.Background(), reason)
	s.cfg.Sink.Audio(pcm)
}
