package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/registry"
	"github.com/MrWong99/jarvis/internal/transport"
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

type noTools struct{}

func (noTools) Dispatch(context.Context, duplex.ToolCall) string { return `{"status":"error"}` }
func (noTools) Manifest() []llm.ToolDefinition                   { return nil }

type passthrough struct{}

func (passthrough) Transcode(_ context.Context, chunk []byte) ([]byte, bool) { return chunk, true }

type harness struct {
	srv    *httptest.Server
	reg    *registry.Registry
	dialer *s2smock.Dialer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: registry.New(), dialer: &s2smock.Dialer{}}
	st := memory.New()
	calls := app.NewCallManager(app.CallManagerConfig{
		Registry: h.reg,
		Tools:    noTools{},
		Pipeline: app.Pipeline{
			STT: &sttmock.Provider{Result: stt.Transcript{Text: "hello", Language: "en"}},
			LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi there."}},
			TTS: &ttsmock.Provider{Audio: tts.Audio{PCM: []byte{1, 0, 2, 0}, SampleRate: 24000}},
		},
		Context:  st,
		Messages: st,
		Settings: app.Settings{
			Agent:    config.AgentConfig{APIKey: "dg-test", ReadyTimeout: 200 * time.Millisecond},
			Fallback: config.FallbackConfig{SilenceTimeout: 20 * time.Millisecond},
		},
		Transcoder: passthrough{},
		NewDialer:  func(config.AgentConfig) s2s.Dialer { return h.dialer },
	})
	t.Cleanup(calls.Close)

	h.srv = httptest.NewServer(transport.NewRouter(transport.RouterConfig{
		Calls:   calls,
		Health:  health.New(),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(1 << 20)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := json.Marshal(transport.Envelope{Event: event, Data: raw})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// next reads envelopes until one with event arrives.
func next(t *testing.T, ws *websocket.Conn, event string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Event != event {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode %s data: %v", event, err)
		}
		return payload
	}
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

func TestLegacyCallRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, transport.EventStartCall, map[string]any{"session_id": "s1", "use_voice_agent": false})
	started := next(t, ws, transport.EventCallStarted)
	if started["session_id"] != "s1" || started["mode"] != app.ModeLegacy {
		t.Fatalf("call_started = %v", started)
	}

	audio := base64.StdEncoding.EncodeToString(make([]byte, 2000))
	send(t, ws, transport.EventAudioChunk, map[string]any{"session_id": "s1", "audio": audio})

	tr := next(t, ws, transport.EventTranscription)
	if tr["text"] != "hello" || tr["is_final"] != true || tr["session_id"] != "s1" {
		t.Errorf("transcription = %v", tr)
	}
	if rt := next(t, ws, transport.EventResponseText); rt["text"] != "Hi there." {
		t.Errorf("response_text = %v", rt)
	}
	ar := next(t, ws, transport.EventAudioResponse)
	if ar["format"] != "linear16" || ar["sample_rate"] != float64(24000) {
		t.Errorf("audio_response = %v", ar)
	}
	if ar["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}) {
		t.Errorf("audio payload = %v", ar["audio"])
	}

	send(t, ws, transport.EventEndCall, map[string]any{"session_id": "s1"})
	if ended := next(t, ws, transport.EventCallEnded); ended["session_id"] != "s1" {
		t.Errorf("call_ended = %v", ended)
	}
	if n := h.reg.Len(); n != 0 {
		t.Errorf("registry len = %d; want 0", n)
	}
}

func TestVoiceAgentCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := s2smock.NewConn()
	conn.PushJSON(map[string]string{"type": "Welcome"})
	h.dialer.Conns = []*s2smock.Conn{conn}
	ws := h.dial(t)

	send(t, ws, transport.EventStartCall, map[string]any{})
	started := next(t, ws, transport.EventCallStarted)
	if started["mode"] != app.ModeVoiceAgent || started["output_sample_rate"] != float64(24000) {
		t.Fatalf("call_started = %v", started)
	}
	id, _ := started["session_id"].(string)
	if !strings.HasPrefix(id, "session_") {
		t.Errorf("generated id = %q", id)
	}

	conn.PushJSON(map[string]string{"type": "AgentThinking"})
	if th := next(t, ws, transport.EventThinking); th["session_id"] != id {
		t.Errorf("agent_thinking = %v", th)
	}

	pcm := base64.StdEncoding.EncodeToString(make([]byte, 64))
	send(t, ws, transport.EventPCMAudioChunk, map[string]any{"session_id": id, "audio": pcm})
	eventually(t, func() bool { return len(conn.Audio()) == 1 })
}

func TestIgnoresMalformedMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	ctx := context.Background()
	_ = ws.Write(ctx, websocket.MessageText, []byte("not json"))
	_ = ws.Write(ctx, websocket.MessageBinary, []byte{0, 1, 2})
	send(t, ws, "dance", map[string]any{})
	send(t, ws, transport.EventAudioChunk, map[string]any{"session_id": "nobody", "audio": "!!"})

	send(t, ws, transport.EventStartCall, map[string]any{"session_id": "s1", "use_voice_agent": false})
	if started := next(t, ws, transport.EventCallStarted); started["session_id"] != "s1" {
		t.Errorf("call_started = %v", started)
	}
}

func TestDisconnectEndsCalls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, transport.EventStartCall, map[string]any{"session_id": "a", "use_voice_agent": false})
	next(t, ws, transport.EventCallStarted)
	send(t, ws, transport.EventStartCall, map[string]any{"session_id": "b", "use_voice_agent": false})
	next(t, ws, transport.EventCallStarted)
	if n := h.reg.Len(); n != 2 {
		t.Fatalf("registry len = %d; want 2", n)
	}

	_ = ws.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, func() bool { return h.reg.Len() == 0 })
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d; want 200", path, resp.StatusCode)
		}
	}
}
