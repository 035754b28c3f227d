package elevenlabs

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

	"github.com/MrWong99/jarvis/pkg/provider/tts"
)

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildURL(t *testing.T) {
	got := buildURL(defaultEndpoint, "voice1", defaultModel, defaultOutputFmt)
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice1/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_24000"
	if got != want {
		t.Errorf("buildURL = %q; want %q", got, want)
	}
}

func TestSampleRate(t *testing.T) {
	tests := map[string]int{"pcm_24000": 24000, "pcm_16000": 16000, "mp3_44100_128": 0}
	for in, want := range tests {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%q) = %d; want %d", in, got, want)
		}
	}
}

func TestSynthesize(t *testing.T) {
	received := make(chan []textMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/voice1/") {
			http.Error(w, "wrong voice", http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		var msgs []textMessage
		for len(msgs) < 3 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			msgs = append(msgs, m)
		}
		received <- msgs

		for i, final := range []bool{false, true} {
			payload, _ := json.Marshal(audioResponse{
				Audio:   base64.StdEncoding.EncodeToString([]byte{byte(i), byte(i)}),
				IsFinal: final,
			})
			_ = conn.Write(ctx, websocket.MessageText, payload)
		}
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	p, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")), WithDefaultVoice("voice1"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audio, err := p.Synthesize(ctx, "Hello there", tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if audio.SampleRate != 24000 {
		t.Errorf("sample rate = %d; want 24000", audio.SampleRate)
	}
	if got := len(audio.PCM); got != 4 {
		t.Errorf("pcm bytes = %d; want 4", got)
	}

	msgs := <-received
	if msgs[0].XiAPIKey != "key" || msgs[0].VoiceSettings == nil {
		t.Errorf("first message should carry api key and voice settings: %+v", msgs[0])
	}
	if msgs[1].Text != "Hello there " {
		t.Errorf("text message = %q", msgs[1].Text)
	}
	if msgs[2].Text != "" {
		t.Errorf("flush message = %q; want empty", msgs[2].Text)
	}
}

func TestSynthesize_NoVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error without a voice")
	}
}
