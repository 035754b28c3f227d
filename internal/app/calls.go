package app

import (
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/fallback"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/registry"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/audio/transcode"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	"github.com/MrWong99/jarvis/pkg/provider/s2s/deepgram"
	"github.com/MrWong99/jarvis/pkg/provider/stt"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	"github.com/MrWong99/jarvis/pkg/store"
)

// Modes reported to the browser in the call acknowledgement.
const (
	ModeVoiceAgent = "voice_agent"
	ModeLegacy     = "legacy"
)

// DefaultGreeting is spoken by the voice agent when a call connects.
const DefaultGreeting = "Hello! I'm Jarvis. How can I help you today?"

// DefaultAgentPrompt is the voice agent's system prompt.
const DefaultAgentPrompt = `You are Jarvis, a professional assistant.

YOUR CAPABILITIES:
- You can chat normally about any topic.
- You can BOOK APPOINTMENTS if the user asks.

RULES:
- To book, ASK for Name, Email, and Time.
- ALWAYS use 'check_availability' before booking.
- Keep responses short and conversational (1-2 sentences).
- Do NOT start talking about appointments unless the user mentions them.
- NEVER read out HTTP links or URLs. Instead, say "I've sent the details to your email" or "Check your chat for the link".`

// persistTimeout bounds a best-effort transcript write from the agent's
// event loop.
const persistTimeout = 2 * time.Second

// ErrNoPipeline is returned by [CallManager.StartCall] when the voice agent
// is unavailable and the STT, LLM and TTS fallback is not fully configured.
var ErrNoPipeline = errors.New("app: no voice pipeline available")

// Ack is the call_started payload.
type Ack struct {
	SessionID        string `json:"session_id"`
	Mode             string `json:"mode"`
	AudioFormat      string `json:"audio_format,omitempty"`
	OutputSampleRate int    `json:"output_sample_rate,omitempty"`
}

// Call is a started call. Pass it to [CallManager.Hangup] to end it only
// while it is still the session's live handle.
type Call struct {
	Ack
	handle registry.Handle
}

// Settings are the hot-reloadable parts of the config. New calls use the
// latest value; running calls keep theirs.
type Settings struct {
	Agent    config.AgentConfig
	Fallback config.FallbackConfig
}

// Pipeline holds the providers of the fallback cascade. A nil field disables
// the fallback.
type Pipeline struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

func (p Pipeline) complete() bool {
	return p.STT != nil && p.LLM != nil && p.TTS != nil
}

// ToolSet runs tools and advertises them to the voice agent.
type ToolSet interface {
	duplex.ToolDispatcher
	Manifest() []llm.ToolDefinition
}

// CallManagerConfig holds the dependencies of a [CallManager].
type CallManagerConfig struct {
	Registry   *registry.Registry
	Tools      ToolSet
	Pipeline   Pipeline
	Context    store.ContextStore
	Messages   store.MessageStore
	Settings   Settings
	Transcoder duplex.Transcoder
	Metrics    *observe.Metrics

	// NewDialer builds the voice agent dialer for a call. Defaults to a
	// Deepgram dialer from the agent section.
	NewDialer func(config.AgentConfig) s2s.Dialer
}

// CallManager starts, routes audio to, and ends calls. Every call lives in
// the registry under its session id, in either duplex or fallback mode.
// All methods are safe for concurrent use.
type CallManager struct {
	reg        *registry.Registry
	tools      ToolSet
	pipeline   Pipeline
	context    store.ContextStore
	messages   store.MessageStore
	transcoder duplex.Transcoder
	metrics    *observe.Metrics
	newDialer  func(config.AgentConfig) s2s.Dialer

	settings atomic.Pointer[Settings]
}

// NewCallManager returns a CallManager for cfg.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	m := &CallManager{
		reg:        cfg.Registry,
		tools:      cfg.Tools,
		pipeline:   cfg.Pipeline,
		context:    cfg.Context,
		messages:   cfg.Messages,
		transcoder: cfg.Transcoder,
		metrics:    cmp.Or(cfg.Metrics, observe.DefaultMetrics()),
		newDialer:  cfg.NewDialer,
	}
	if m.reg == nil {
		m.reg = registry.New(registry.WithMetrics(m.metrics))
	}
	if m.newDialer == nil {
		m.newDialer = newDeepgramDialer
	}
	if m.transcoder == nil {
		m.transcoder = transcode.Default(cfg.Settings.Agent.FFmpegPath)
	}
	s := cfg.Settings
	m.settings.Store(&s)
	return m
}

func newDeepgramDialer(a config.AgentConfig) s2s.Dialer {
	opts := []deepgram.Option{
		deepgram.WithOpenTimeout(a.OpenTimeout),
		deepgram.WithCloseTimeout(a.CloseTimeout),
	}
	if a.URL != "" {
		opts = append(opts, deepgram.WithURL(a.URL))
	}
	return deepgram.NewDialer(a.APIKey, opts...)
}

// UpdateSettings replaces the settings used by calls started afterwards.
func (m *CallManager) UpdateSettings(s Settings) {
	m.settings.Store(&s)
}

// Settings returns the settings new calls start with.
func (m *CallManager) Settings() Settings { return *m.settings.Load() }

// Registry returns the session registry.
func (m *CallManager) Registry() *registry.Registry { return m.reg }

// StartCall starts a call for sessionID, generating one when empty. Any call
// already running under that id is ended first. With useDuplex and a
// configured agent the call runs on the voice agent; otherwise, or when the
// agent cannot be reached, it runs on the fallback cascade.
func (m *CallManager) StartCall(ctx context.Context, sink duplex.EventSink, sessionID string, useDuplex bool) (*Call, error) {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if err := m.reg.Remove(sessionID); err == nil {
		slog.Info("ended previous call for session", "session_id", sessionID)
	}
	settings := m.settings.Load()
	log := observe.SessionLogger(ctx, sessionID)

	if useDuplex && settings.Agent.Enabled() {
		sess := m.newDuplex(sessionID, sink, settings.Agent)
		err := sess.Start(ctx)
		if err == nil {
			m.reg.Register(sessionID, registry.ModeDuplex, sess)
			m.metrics.RecordSessionStart(ctx, string(registry.ModeDuplex), "ok")
			log.Info("call started", "mode", ModeVoiceAgent)
			return &Call{
				Ack: Ack{
					SessionID:        sessionID,
					Mode:             ModeVoiceAgent,
					AudioFormat:      deepgram.Encoding,
					OutputSampleRate: deepgram.OutputSampleRate,
				},
				handle: sess,
			}, nil
		}
		sess.Stop()
		m.metrics.RecordSessionStart(ctx, string(registry.ModeDuplex), "error")
		log.Warn("voice agent unavailable, using fallback pipeline", "err", err)
	}

	c, err := m.newFallback(sessionID, sink, settings)
	if err != nil {
		m.metrics.RecordSessionStart(ctx, string(registry.ModeFallback), "error")
		return nil, err
	}
	m.reg.Register(sessionID, registry.ModeFallback, c)
	m.metrics.RecordSessionStart(ctx, string(registry.ModeFallback), "ok")
	log.Info("call started", "mode", ModeLegacy)
	return &Call{Ack: Ack{SessionID: sessionID, Mode: ModeLegacy}, handle: c}, nil
}

func (m *CallManager) newDuplex(sessionID string, sink duplex.EventSink, a config.AgentConfig) *duplex.Session {
	var manifest []llm.ToolDefinition
	if m.tools != nil {
		manifest = m.tools.Manifest()
	}
	return duplex.New(duplex.Config{
		SessionID: sessionID,
		Dialer:    m.newDialer(a),
		Settings: deepgram.NewSettings(deepgram.SettingsConfig{
			Language:      a.Language,
			ListenModel:   a.ListenModel,
			ThinkProvider: a.ThinkProvider,
			ThinkModel:    a.ThinkModel,
			SpeakModel:    a.SpeakModel,
			Prompt:        cmp.Or(a.Prompt, DefaultAgentPrompt),
			Greeting:      cmp.Or(a.Greeting, DefaultGreeting),
			Tools:         manifest,
		}),
		Sink:              &transcriptSink{EventSink: sink, sessionID: sessionID, messages: m.messages},
		Tools:             m.tools,
		Transcoder:        m.transcoder,
		FlushThreshold:    a.FlushThresholdBytes,
		KeepAliveInterval: a.KeepAliveInterval,
		SendTimeout:       a.SendTimeout,
		ReadyTimeout:      a.ReadyTimeout,
		Backoff: resilience.Backoff{
			MaxAttempts: a.MaxRetries,
			Initial:     a.InitialBackoff,
			Max:         a.MaxBackoff,
		},
		Metrics: m.metrics,
	})
}

func (m *CallManager) newFallback(sessionID string, sink duplex.EventSink, s *Settings) (*fallback.Cascade, error) {
	if !m.pipeline.complete() {
		return nil, ErrNoPipeline
	}
	f := s.Fallback
	c, err := fallback.New(fallback.Config{
		SessionID:       sessionID,
		Sink:            sink,
		STT:             m.pipeline.STT,
		LLM:             m.pipeline.LLM,
		TTS:             m.pipeline.TTS,
		Voices:          f.Voices,
		Context:         m.context,
		Messages:        m.messages,
		SystemPrompt:    f.SystemPrompt,
		Language:        s.Agent.Language,
		SilenceTimeout:  f.SilenceTimeout,
		MinAudioBytes:   f.MinAudioBytes,
		HistoryMessages: f.HistoryMessages,
		MaxTokens:       f.MaxTokens,
		Metrics:         m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: start fallback: %w", err)
	}
	return c, nil
}

// EndCall ends the call of sessionID. It returns
// [registry.ErrSessionNotFound] when no call is running.
func (m *CallManager) EndCall(sessionID string) error {
	if err := m.reg.Remove(sessionID); err != nil {
		return err
	}
	slog.Info("call ended", "session_id", sessionID)
	return nil
}

// Hangup ends c unless another call has replaced it. It reports whether c
// was still live.
func (m *CallManager) Hangup(c *Call) bool {
	if c == nil {
		return false
	}
	ok := m.reg.RemoveIf(c.SessionID, c.handle)
	if ok {
		slog.Info("call ended", "session_id", c.SessionID)
	}
	return ok
}

// AudioChunk routes a base64 compressed browser chunk to the call of
// sessionID. Malformed payloads and unknown sessions are ignored.
func (m *CallManager) AudioChunk(ctx context.Context, sessionID, b64 string) {
	data, h, ok := m.route(sessionID, b64)
	if !ok {
		return
	}
	switch h := h.(type) {
	case *duplex.Session:
		if err := h.SendAudio(ctx, data, true); err != nil {
			slog.Debug("audio chunk dropped", "session_id", sessionID, "err", err)
		}
	case *fallback.Cascade:
		h.Feed(data)
	}
}

// PCMAudioChunk routes base64 48 kHz linear16 PCM to the call of sessionID.
// The fallback cascade does not accept raw PCM.
func (m *CallManager) PCMAudioChunk(ctx context.Context, sessionID, b64 string) {
	data, h, ok := m.route(sessionID, b64)
	if !ok {
		return
	}
	switch h := h.(type) {
	case *duplex.Session:
		if err := h.SendRawPCM(ctx, data); err != nil {
			slog.Debug("pcm chunk dropped", "session_id", sessionID, "err", err)
		}
	case *fallback.Cascade:
		h.FeedPCM(data)
	}
}

func (m *CallManager) route(sessionID, b64 string) ([]byte, registry.Handle, bool) {
	e, ok := m.reg.Lookup(sessionID)
	if !ok {
		return nil, nil, false
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(data) == 0 {
		slog.Debug("ignoring malformed audio payload", "session_id", sessionID, "err", err)
		return nil, nil, false
	}
	return data, e.Handle, true
}

// Close ends every call.
func (m *CallManager) Close() {
	m.reg.CloseAll()
}

// NewSessionID returns "session_" followed by 12 hex characters.
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// transcriptSink persists the agent's conversation turns while forwarding
// every event.
type transcriptSink struct {
	duplex.EventSink
	sessionID string
	messages  store.MessageStore
}

func (s *transcriptSink) Transcription(text string, final bool) {
	s.EventSink.Transcription(text, final)
	if final {
		s.save(llm.RoleUser, text)
	}
}

func (s *transcriptSink) ResponseText(text string) {
	s.EventSink.ResponseText(text)
	s.save(llm.RoleAssistant, text)
}

func (s *transcriptSink) save(role, content string) {
	if s.messages == nil || strings.TrimSpace(content) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.messages.SaveMessage(ctx, store.Message{
		SessionID:   s.sessionID,
		Role:        role,
		MessageType: "voice",
		Content:     content,
	})
	if err != nil {
		slog.Warn("failed to persist transcript turn", "session_id", s.sessionID, "role", role, "err", err)
	}
}
