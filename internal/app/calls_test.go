package app_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/duplex/mock"
	"github.com/MrWong99/jarvis/internal/registry"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	llmmock "github.com/MrWong99/jarvis/pkg/provider/llm/mock"
	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	s2smock "github.com/MrWong99/jarvis/pkg/provider/s2s/mock"
	"github.com/MrWong99/jarvis/pkg/provider/stt"
	sttmock "github.com/MrWong99/jarvis/pkg/provider/stt/mock"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	ttsmock "github.com/MrWong99/jarvis/pkg/provider/tts/mock"
	"github.com/MrWong99/jarvis/pkg/store/memory"
)

type stubTools struct{}

func (stubTools) Dispatch(context.Context, duplex.ToolCall) string {
	return `{"status":"available"}`
}

func (stubTools) Manifest() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "check_availability", Description: "Check a slot"}}
}

type passthrough struct{}

func (passthrough) Transcode(_ context.Context, chunk []byte) ([]byte, bool) { return chunk, true }

type fixture struct {
	mgr    *app.CallManager
	dialer *s2smock.Dialer
	stt    *sttmock.Provider
	store  *memory.Store
}

func agentSettings() app.Settings {
	return app.Settings{
		Agent: config.AgentConfig{
			APIKey:         "dg-test",
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			ReadyTimeout:   200 * time.Millisecond,
		},
		Fallback: config.FallbackConfig{SilenceTimeout: 20 * time.Millisecond},
	}
}

func newFixture(t *testing.T, mutate func(*app.CallManagerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &s2smock.Dialer{},
		stt:    &sttmock.Provider{Result: stt.Transcript{Text: "hello there", Language: "en"}},
		store:  memory.New(),
	}
	cfg := app.CallManagerConfig{
		Registry: registry.New(),
		Tools:    stubTools{},
		Pipeline: app.Pipeline{
			STT: f.stt,
			LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi!"}},
			TTS: &ttsmock.Provider{Audio: tts.Audio{PCM: make([]byte, 480), SampleRate: 24000}},
		},
		Context:    f.store,
		Messages:   f.store,
		Settings:   agentSettings(),
		Transcoder: passthrough{},
		NewDialer:  func(config.AgentConfig) s2s.Dialer { return f.dialer },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.mgr = app.NewCallManager(cfg)
	t.Cleanup(f.mgr.Close)
	return f
}

// readyConn returns a connection that acknowledges the Settings message.
func readyConn() *s2smock.Conn {
	c := s2smock.NewConn()
	c.PushJSON(map[string]string{"type": "Welcome"})
	return c
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func TestStartCall_Duplex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := readyConn()
	f.dialer.Conns = []*s2smock.Conn{conn}

	call, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "session_abc", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	want := app.Ack{SessionID: "session_abc", Mode: app.ModeVoiceAgent, AudioFormat: "linear16", OutputSampleRate: 24000}
	if call.Ack != want {
		t.Errorf("ack = %+v; want %+v", call.Ack, want)
	}
	e, ok := f.mgr.Registry().Lookup("session_abc")
	if !ok || e.Mode != registry.ModeDuplex {
		t.Fatalf("registry entry = %+v, %v; want duplex", e, ok)
	}

	settings := conn.MessagesOfType("Settings")
	if len(settings) != 1 {
		t.Fatalf("Settings messages = %d; want 1", len(settings))
	}
	agent := settings[0]["agent"].(map[string]any)
	if agent["greeting"] != app.DefaultGreeting {
		t.Errorf("greeting = %v; want default", agent["greeting"])
	}
	think := agent["think"].(map[string]any)
	if !strings.HasPrefix(think["prompt"].(string), "You are Jarvis") {
		t.Errorf("prompt = %q", think["prompt"])
	}
	fns := think["functions"].([]any)
	if len(fns) != 1 || fns[0].(map[string]any)["name"] != "check_availability" {
		t.Errorf("functions = %v", fns)
	}
}

func TestStartCall_FallsBackWhenAgentUnreachable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.dialer.Failures = 10

	call, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "s1", true)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if call.Mode != app.ModeLegacy {
		t.Errorf("mode = %q; want %q", call.Mode, app.ModeLegacy)
	}
	if got := f.dialer.Calls(); got != 2 {
		t.Errorf("dial attempts = %d; want 2", got)
	}
	if e, _ := f.mgr.Registry().Lookup("s1"); e.Mode != registry.ModeFallback {
		t.Errorf("registry mode = %q; want fallback", e.Mode)
	}
}

func TestStartCall_FallbackWhenNotRequested(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	call, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "s1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if call.Mode != app.ModeLegacy || call.AudioFormat != "" {
		t.Errorf("ack = %+v; want legacy without audio format", call.Ack)
	}
	if got := f.dialer.Calls(); got != 0 {
		t.Errorf("dial attempts = %d; want 0", got)
	}
}

func TestStartCall_NoPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *app.CallManagerConfig) {
		c.Pipeline = app.Pipeline{}
		c.Settings.Agent.APIKey = ""
	})

	_, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "s1", true)
	if !errors.Is(err, app.ErrNoPipeline) {
		t.Errorf("err = %v; want ErrNoPipeline", err)
	}
	if n := f.mgr.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d; want 0", n)
	}
}

func TestStartCall_GeneratesSessionID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	call, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !strings.HasPrefix(call.SessionID, "session_") || len(call.SessionID) != len("session_")+12 {
		t.Errorf("session id = %q; want session_ + 12 hex chars", call.SessionID)
	}
	if other := app.NewSessionID(); other == call.SessionID {
		t.Errorf("ids collide: %q", other)
	}
}

func TestStartCall_ReplacesExistingCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	first, second := readyConn(), readyConn()
	f.dialer.Conns = []*s2smock.Conn{first, second}

	ctx := context.Background()
	if _, err := f.mgr.StartCall(ctx, &mock.Sink{}, "dup", true); err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	if _, err := f.mgr.StartCall(ctx, &mock.Sink{}, "dup", true); err != nil {
		t.Fatalf("second StartCall: %v", err)
	}

	if !first.Closed() {
		t.Error("first connection still open after restart")
	}
	if second.Closed() {
		t.Error("second connection closed")
	}
	if n := f.mgr.Registry().Len(); n != 1 {
		t.Errorf("registry len = %d; want 1", n)
	}
}

func TestHangup_KeepsReplacement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	old, err := f.mgr.StartCall(ctx, &mock.Sink{}, "s1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	replacement, err := f.mgr.StartCall(ctx, &mock.Sink{}, "s1", false)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if f.mgr.Hangup(old) {
		t.Error("Hangup(old) = true; want false")
	}
	if _, ok := f.mgr.Registry().Lookup("s1"); !ok {
		t.Fatal("replacement was removed")
	}
	if !f.mgr.Hangup(replacement) {
		t.Error("Hangup(replacement) = false; want true")
	}
	if f.mgr.Hangup(nil) {
		t.Error("Hangup(nil) = true")
	}
}

func TestEndCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.mgr.EndCall("missing"); !errors.Is(err, registry.ErrSessionNotFound) {
		t.Errorf("EndCall(missing) = %v; want ErrSessionNotFound", err)
	}
	if _, err := f.mgr.StartCall(context.Background(), &mock.Sink{}, "s1", false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := f.mgr.EndCall("s1"); err != nil {
		t.Errorf("EndCall: %v", err)
	}
	if n := f.mgr.Registry().Len(); n != 0 {
		t.Errorf("registry len = %d; want 0", n)
	}
}

func TestAudioChunk_Duplex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := readyConn()
	f.dialer.Conns = []*s2smock.Conn{conn}
	ctx := context.Background()
	if _, err := f.mgr.StartCall(ctx, &mock.Sink{}, "s1", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	f.mgr.AudioChunk(ctx, "s1", "not base64!!")
	f.mgr.AudioChunk(ctx, "unknown", b64(16))
	if n := len(conn.Audio()); n != 0 {
		t.Fatalf("audio frames after ignored chunks = %d; want 0", n)
	}

	f.mgr.AudioChunk(ctx, "s1", b64(16))
	f.mgr.PCMAudioChunk(ctx, "s1", b64(32))
	frames := conn.Audio()
	if len(frames) != 2 || len(frames[0]) != 16 || len(frames[1]) != 32 {
		t.Errorf("frames = %d; want [16 32] bytes", len(frames))
	}
}

func TestAudioChunk_Fallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	sink := &mock.Sink{}
	ctx := context.Background()
	if _, err := f.mgr.StartCall(ctx, sink, "s1", false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	f.mgr.PCMAudioChunk(ctx, "s1", b64(4000))
	f.mgr.AudioChunk(ctx, "s1", b64(2000))

	eventually(t, func() bool { return sink.Len() >= 3 })
	if got := f.stt.CallCount(); got != 1 {
		t.Errorf("stt calls = %d; want 1", got)
	}
	if n := len(f.stt.Requests[0].Audio); n != 2000 {
		t.Errorf("stt audio = %d bytes; want 2000 (raw pcm ignored)", n)
	}
	if kinds := sink.Kinds(); kinds[0] != mock.KindTranscription {
		t.Errorf("first event = %q; want transcription", kinds[0])
	}
}

func TestDuplex_PersistsTranscript(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := readyConn()
	conn.PushJSON(map[string]string{"type": "ConversationText", "role": "user", "content": "book me in"})
	conn.PushJSON(map[string]string{"type": "ConversationText", "role": "assistant", "content": "Sure."})
	f.dialer.Conns = []*s2smock.Conn{conn}
	sink := &mock.Sink{}

	if _, err := f.mgr.StartCall(context.Background(), sink, "s1", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	var roles []string
	eventually(t, func() bool {
		msgs, _ := f.store.Messages(context.Background(), "s1", 0)
		roles = roles[:0]
		for _, m := range msgs {
			roles = append(roles, m.Role+":"+m.Content)
		}
		return len(msgs) == 2
	})
	if roles[0] != "user:book me in" || roles[1] != "assistant:Sure." {
		t.Errorf("messages = %v", roles)
	}
	if kinds := sink.Kinds(); len(kinds) < 2 || kinds[0] != mock.KindTranscription || kinds[1] != mock.KindResponseText {
		t.Errorf("sink kinds = %v; want transcription then response_text", kinds)
	}
}

func TestUpdateSettings_AppliesToNewCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	first, second := readyConn(), readyConn()
	f.dialer.Conns = []*s2smock.Conn{first, second}
	ctx := context.Background()

	if _, err := f.mgr.StartCall(ctx, &mock.Sink{}, "a", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	s := agentSettings()
	s.Agent.Greeting = "Salaam!"
	f.mgr.UpdateSettings(s)
	if _, err := f.mgr.StartCall(ctx, &mock.Sink{}, "b", true); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	greeting := func(c *s2smock.Conn) any {
		return c.MessagesOfType("Settings")[0]["agent"].(map[string]any)["greeting"]
	}
	if got := greeting(first); got != app.DefaultGreeting {
		t.Errorf("first greeting = %v", got)
	}
	if got := greeting(second); got != "Salaam!" {
		t.Errorf("second greeting = %v; want Salaam!", got)
	}
}
