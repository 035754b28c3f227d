// Package fallback implements the request/response voice pipeline used when
// the duplex voice agent is unavailable.
//
// Compressed browser chunks are buffered until the caller goes quiet for
// [DefaultSilenceTimeout]. The utterance is then transcribed, answered by the
// language model, synthesised and delivered to the [duplex.EventSink] as one
// transcription, one response text and one audio event.
//
// Only one utterance is processed at a time per session. Chunks that arrive
// while a run is in flight stay buffered and are picked up once it finishes.
package fallback

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/lang"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	"github.com/MrWong99/jarvis/pkg/provider/stt"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	"github.com/MrWong99/jarvis/pkg/store"
)

// Pipeline defaults.
const (
	DefaultSilenceTimeout  = 1500 * time.Millisecond
	DefaultMinAudioBytes   = 1000
	DefaultHistoryMessages = 6
	DefaultMaxTokens       = 150
	DefaultTemperature     = 0.7
	DefaultRunTimeout      = 60 * time.Second
)

// DefaultSystemPrompt is the persona used when [Config.SystemPrompt] is empty.
const DefaultSystemPrompt = `You are Jarvis, a friendly AI assistant and chatbot. Your role is to be helpful, conversational, and act as both an assistant and a friend.

Guidelines:
- Keep responses concise and to the point (2-4 sentences maximum)
- Be friendly, warm, and conversational
- Avoid very long explanations unless specifically asked
- Use natural, casual language
- If asked about complex topics, provide a concise summary rather than detailed explanations

Remember: Short, friendly, and helpful responses work best for voice conversations.`

// Config wires a [Cascade]. STT, LLM, TTS and Sink are required.
type Config struct {
	SessionID string
	Sink      duplex.EventSink

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Voices maps a language code to the voice used for replies in it.
	// A missing language uses DefaultVoice.
	Voices       map[string]string
	DefaultVoice string

	// Context holds the rolling window sent to the model. Nil disables
	// history.
	Context store.ContextStore

	// Messages persists both turns of every exchange. Nil disables it.
	Messages store.MessageStore

	SystemPrompt string

	// Language is the starting language hint. Defaults to English.
	Language string

	SilenceTimeout  time.Duration
	MinAudioBytes   int
	HistoryMessages int
	MaxTokens       int
	Temperature     float64

	// RunTimeout bounds one STT-LLM-TTS run.
	RunTimeout time.Duration

	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	c.SystemPrompt = cmp.Or(c.SystemPrompt, DefaultSystemPrompt)
	c.Language = lang.Normalize(c.Language, lang.English)
	c.SilenceTimeout = cmp.Or(c.SilenceTimeout, DefaultSilenceTimeout)
	c.MinAudioBytes = cmp.Or(c.MinAudioBytes, DefaultMinAudioBytes)
	c.HistoryMessages = cmp.Or(c.HistoryMessages, DefaultHistoryMessages)
	c.MaxTokens = cmp.Or(c.MaxTokens, DefaultMaxTokens)
	c.Temperature = cmp.Or(c.Temperature, DefaultTemperature)
	c.RunTimeout = cmp.Or(c.RunTimeout, DefaultRunTimeout)
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Cascade is one fallback-mode call. It is safe for concurrent use.
type Cascade struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	buf        bytes.Buffer
	timer      *time.Timer
	processing bool
	stopped    bool
	pcmWarned  bool
	language   string
}

// New validates cfg and returns an idle Cascade.
func New(cfg Config) (*Cascade, error) {
	var errs []error
	if cfg.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Cascade{
		cfg:      cfg,
		log:      observe.SessionLogger(ctx, cfg.SessionID).With("mode", "fallback"),
		ctx:      ctx,
		cancel:   cancel,
		language: cfg.Language,
	}, nil
}

// Feed buffers a compressed chunk and re-arms the silence timer.
func (c *Cascade) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.buf.Write(chunk)
	c.armLocked()
}

// FeedPCM drops raw PCM, which this pipeline cannot transcribe. The first
// drop per call is logged.
func (c *Cascade) FeedPCM([]byte) {
	c.mu.Lock()
	warn := !c.pcmWarned
	c.pcmWarned = true
	c.mu.Unlock()
	if warn {
		c.log.Warn("fallback: raw PCM is not supported, send compressed audio instead")
	}
}

// Language returns the language of the most recent utterance.
func (c *Cascade) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Stop discards buffered audio, cancels any in-flight run and waits for it
// to return. It is safe to call more than once.
func (c *Cascade) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.buf.Reset()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Info("fallback: stopped")
}

func (c *Cascade) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.SilenceTimeout, c.onSilence)
}

func (c *Cascade) onSilence() {
	c.mu.Lock()
	if c.stopped || c.processing || c.buf.Len() == 0 {
		c.mu.Unlock()
		return
	}
	utterance := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	if len(utterance) < c.cfg.MinAudioBytes {
		c.mu.Unlock()
		c.log.Debug("fallback: utterance too short, dropped", "bytes", len(utterance))
		return
	}
	c.processing = true
	language := c.language
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RunTimeout)
		defer cancel()

		detected, err := c.process(ctx, utterance, language)
		if err != nil && ctx.Err() == nil {
			c.log.Error("fallback: processing failed", "err", err, "bytes", len(utterance))
		}

		c.mu.Lock()
		c.processing = false
		if detected != "" {
			c.language = detected
		}
		if !c.stopped && c.buf.Len() > 0 {
			c.armLocked()
		}
		c.mu.Unlock()
	}()
}

// process runs one utterance through the pipeline and returns the language
// it was spoken in.
func (c *Cascade) process(ctx context.Context, utterance []byte, language string) (string, error) {
	start := time.Now()
	tr, err := c.cfg.STT.Transcribe(ctx, stt.Request{
		Audio:          utterance,
		Language:       language,
		DetectLanguage: true,
	})
	c.record(ctx, "stt", err, start)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		c.log.Debug("fallback: empty transcript")
		return "", nil
	}
	language = detectLanguage(tr.Language, text, language)
	c.cfg.Sink.Transcription(text, true)

	reply, err := c.complete(ctx, text, language)
	if err != nil {
		return language, err
	}

	now := time.Now().UTC()
	c.remember(ctx, store.ContextEntry{Role: llm.RoleUser, Content: text, Timestamp: now})
	c.remember(ctx, store.ContextEntry{Role: llm.RoleAssistant, Content: reply, Timestamp: now})
	c.persist(ctx, llm.RoleUser, text)
	c.persist(ctx, llm.RoleAssistant, reply)

	start = time.Now()
	speech, err := c.cfg.TTS.Synthesize(ctx, reply, c.voice(language))
	c.record(ctx, "tts", err, start)
	if err != nil {
		return language, fmt.Errorf("synthesize: %w", err)
	}
	pcm, err := toAgentOutput(speech)
	if err != nil {
		return language, err
	}

	c.cfg.Sink.ResponseText(reply)
	c.cfg.Sink.Audio(pcm)
	c.log.Info("fallback: utterance answered", "language", language, "chars", len(text), "audio_bytes", len(pcm))
	return language, nil
}

func (c *Cascade) complete(ctx context.Context, text, language string) (string, error) {
	var history []store.ContextEntry
	if c.cfg.Context != nil {
		h, err := c.cfg.Context.Recent(ctx, c.cfg.SessionID, c.cfg.HistoryMessages)
		if err != nil {
			c.log.Warn("fallback: context unavailable", "err", err)
		}
		history = h
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, e := range history {
		if e.Content == "" {
			continue
		}
		role := llm.RoleUser
		if e.Role == llm.RoleAssistant || e.Role == "model" {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	start := time.Now()
	resp, err := c.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: c.cfg.SystemPrompt + languageInstruction(language, text),
		Messages:     msgs,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	})
	c.record(ctx, "llm", err, start)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", errors.New("complete: empty response")
	}
	return reply, nil
}

func (c *Cascade) remember(ctx context.Context, e store.ContextEntry) {
	if c.cfg.Context == nil {
		return
	}
	if err := c.cfg.Context.Append(ctx, c.cfg.SessionID, e); err != nil {
		c.log.Warn("fallback: append context", "err", err, "role", e.Role)
	}
}

func (c *Cascade) persist(ctx context.Context, role, content string) {
	if c.cfg.Messages == nil {
		return
	}
	err := c.cfg.Messages.SaveMessage(ctx, store.Message{
		SessionID:   c.cfg.SessionID,
		Role:        role,
		MessageType: "voice",
		Content:     content,
	})
	if err != nil {
		c.log.Warn("fallback: save message", "err", err, "role", role)
	}
}

func (c *Cascade) voice(language string) tts.Voice {
	return tts.Voice{ID: cmp.Or(c.cfg.Voices[language], c.cfg.DefaultVoice), Language: language}
}

func (c *Cascade) record(ctx context.Context, kind string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.cfg.Metrics.RecordProviderRequest(ctx, "fallback", kind, status, time.Since(start))
}

// detectLanguage settles the utterance language. A provider tag that differs
// from the current hint wins. Otherwise the text itself decides, which
// catches romanised Urdu and Hindi that providers report as English.
func detectLanguage(reported, text, current string) string {
	if l := lang.Normalize(reported, ""); l != "" && l != current {
		return l
	}
	return lang.Detect(text)
}

func languageInstruction(language, text string) string {
	native := lang.HasNativeScript(language, text)
	switch {
	case language == lang.Urdu && native:
		return "\nImportant: User is speaking in Urdu (اردو). Respond ONLY in Urdu using Urdu script (Arabic script)."
	case language == lang.Urdu:
		return "\nImportant: User is speaking in Roman Urdu (Urdu written in English letters like 'kia haal hai'). Respond ONLY in Roman Urdu."
	case language == lang.Hindi && native:
		return "\nImportant: User is speaking in Hindi (हिंदी). Respond ONLY in Hindi using Devanagari script."
	case language == lang.Hindi:
		return "\nImportant: User is speaking in Roman Hindi (Hindi written in English letters). Respond ONLY in Roman Hindi."
	default:
		return "\nImportant: Respond ONLY in English. Use English for all responses."
	}
}

func toAgentOutput(a tts.Audio) ([]byte, error) {
	rate := cmp.Or(a.SampleRate, audio.AgentOutput.SampleRate)
	if rate == audio.AgentOutput.SampleRate {
		return a.PCM, nil
	}
	pcm, err := audio.Convert(a.PCM, audio.Format{SampleRate: rate, Channels: 1}, audio.AgentOutput)
	if err != nil {
		return nil, fmt.Errorf("resample tts audio: %w", err)
	}
	return pcm, nil
}
