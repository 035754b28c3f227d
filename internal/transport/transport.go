// Package transport serves the browser WebSocket endpoint and the operational
// HTTP routes.
//
// Every WebSocket message in either direction is a JSON envelope
//
//	{"event": "start_call", "data": {...}}
//
// Inbound events are start_call, end_call, audio_chunk and pcm_audio_chunk.
// Outbound events carry the session_id of the call they belong to. One
// browser connection may run several calls; closing the connection ends all
// of them.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
)

// Inbound event names.
const (
	EventStartCall     = "start_call"
	EventEndCall       = "end_call"
	EventAudioChunk    = "audio_chunk"
	EventPCMAudioChunk = "pcm_audio_chunk"
)

// Outbound event names.
const (
	EventCallStarted   = "call_started"
	EventCallEnded     = "call_ended"
	EventTranscription = "transcription"
	EventResponseText  = "response_text"
	EventAudioResponse = "audio_response"
	EventThinking      = "agent_thinking"
	EventSpeaking      = "agent_speaking"
	EventDone          = "agent_done"
	EventError         = "error"
)

const (
	// readLimit fits a few seconds of base64 compressed audio per message.
	readLimit    = 4 << 20
	writeTimeout = 5 * time.Second
)

// Envelope is the wire shape of every WebSocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type startCallData struct {
	SessionID     string `json:"session_id"`
	UseVoiceAgent *bool  `json:"use_voice_agent"`
}

type audioData struct {
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"`
}

// Calls is the call lifecycle the endpoint drives.
type Calls interface {
	StartCall(ctx context.Context, sink duplex.EventSink, sessionID string, useDuplex bool) (*app.Call, error)
	EndCall(sessionID string) error
	Hangup(c *app.Call) bool
	AudioChunk(ctx context.Context, sessionID, b64 string)
	PCMAudioChunk(ctx context.Context, sessionID, b64 string)
}

// RouterConfig holds what [NewRouter] mounts.
type RouterConfig struct {
	Calls Calls

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Observe instruments every request. Defaults to [observe.DefaultMetrics].
	Observe *observe.Metrics

	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string
}

// NewRouter returns the HTTP handler with /ws and the operational routes.
func NewRouter(cfg RouterConfig) http.Handler {
	m := cfg.Observe
	if m == nil {
		m = observe.DefaultMetrics()
	}
	r := chi.NewRouter()
	r.Use(observe.Middleware(m))

	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	ep := &endpoint{calls: cfg.Calls, origins: cfg.AllowedOrigins}
	r.Get("/ws", ep.serveWS)
	return r
}

type endpoint struct {
	calls   Calls
	origins []string
}

func (e *endpoint) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: e.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("transport: websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := &connection{
		ws:    ws,
		calls: e.calls,
		live:  make(map[string]*app.Call),
		log:   observe.Logger(r.Context()),
	}
	c.log.Info("browser connected", "remote", r.RemoteAddr)
	err = c.serve(r.Context())
	c.hangupAll()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Info("browser disconnected")
		_ = ws.Close(websocket.StatusNormalClosure, "")
	default:
		if errors.Is(err, context.Canceled) {
			_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		} else {
			c.log.Info("browser connection lost", "err", err)
			_ = ws.CloseNow()
		}
	}
}

// connection is one browser socket. Reads happen on the serve goroutine;
// writes come from every call's event loop and are serialised by writeMu.
type connection struct {
	ws    *websocket.Conn
	calls Calls
	log   *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	live map[string]*app.Call
}

func (c *connection) serve(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("transport: ignoring malformed message", "err", err)
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *connection) handle(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventStartCall:
		var d startCallData
		_ = decodeData(env.Data, &d)
		useDuplex := d.UseVoiceAgent == nil || *d.UseVoiceAgent
		c.startCall(ctx, d.SessionID, useDuplex)
	case EventEndCall:
		var d startCallData
		if err := decodeData(env.Data, &d); err != nil || d.SessionID == "" {
			return
		}
		c.endCall(d.SessionID)
	case EventAudioChunk, EventPCMAudioChunk:
		var d audioData
		if err := decodeData(env.Data, &d); err != nil {
			return
		}
		if env.Event == EventAudioChunk {
			c.calls.AudioChunk(ctx, d.SessionID, d.Audio)
		} else {
			c.calls.PCMAudioChunk(ctx, d.SessionID, d.Audio)
		}
	default:
		c.log.Debug("transport: unknown event", "event", env.Event)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (c *connection) startCall(ctx context.Context, sessionID string, useDuplex bool) {
	if sessionID == "" {
		sessionID = app.NewSessionID()
	}
	sink := &callSink{conn: c, sessionID: sessionID}
	call, err := c.calls.StartCall(ctx, sink, sessionID, useDuplex)
	if err != nil {
		c.log.Error("start call failed", "session_id", sessionID, "err", err)
		sink.Error("Failed to start call: " + err.Error())
		return
	}

	c.mu.Lock()
	c.live[call.SessionID] = call
	c.mu.Unlock()

	c.send(EventCallStarted, call.Ack)
}

func (c *connection) endCall(sessionID string) {
	c.mu.Lock()
	delete(c.live, sessionID)
	c.mu.Unlock()

	if err := c.calls.EndCall(sessionID); err != nil {
		c.log.Debug("end call", "session_id", sessionID, "err", err)
	}
	c.send(EventCallEnded, map[string]string{"session_id": sessionID})
}

func (c *connection) hangupAll() {
	c.mu.Lock()
	live := c.live
	c.live = make(map[string]*app.Call)
	c.mu.Unlock()

	for _, call := range live {
		c.calls.Hangup(call)
	}
	if n := len(live); n > 0 {
		c.log.Info("ended calls of closed connection", "count", n)
	}
}

func (c *connection) send(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Error("transport: encode event", "event", event, "err", err)
		return
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		c.log.Debug("transport: write failed", "event", event, "err", err)
	}
}

// callSink turns session events into outbound envelopes for one call.
type callSink struct {
	conn      *connection
	sessionID string
}

var _ duplex.EventSink = (*callSink)(nil)

func (s *callSink) Transcription(text string, final bool) {
	s.conn.send(EventTranscription, map[string]any{"session_id": s.sessionID, "text": text, "is_final": final})
}

func (s *callSink) ResponseText(text string) {
	s.conn.send(EventResponseText, map[string]any{"session_id": s.sessionID, "text": text})
}

func (s *callSink) Audio(pcm []byte) {
	s.conn.send(EventAudioResponse, map[string]any{
		"session_id":  s.sessionID,
		"audio":       base64.StdEncoding.EncodeToString(pcm),
		"format":      "linear16",
		"sample_rate": audio.AgentOutput.SampleRate,
	})
}

func (s *callSink) AgentThinking() { s.status(EventThinking) }
func (s *callSink) AgentSpeaking() { s.status(EventSpeaking) }
func (s *callSink) AgentDone()     { s.status(EventDone) }

func (s *callSink) Error(message string) {
	s.conn.send(EventError, map[string]any{"session_id": s.sessionID, "message": message})
}

func (s *callSink) status(event string) {
	s.conn.send(event, map[string]any{"session_id": s.sessionID})
}
