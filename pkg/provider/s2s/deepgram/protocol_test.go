package deepgram

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/MrWong99/jarvis/pkg/provider/llm"
)

func TestNewSettings_WireShape(t *testing.T) {
	t.Parallel()

	s := NewSettings(SettingsConfig{
		Prompt:   "be brief",
		Greeting: "Hello!",
		Tools: []llm.ToolDefinition{{
			Name:        "check_availability",
			Description: "Check a slot.",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]any{
		"type": "Settings",
		"audio": map[string]any{
			"input":  map[string]any{"encoding": "linear16", "sample_rate": float64(48000)},
			"output": map[string]any{"encoding": "linear16", "sample_rate": float64(24000), "container": "none"},
		},
		"agent": map[string]any{
			"language": "en",
			"listen": map[string]any{
				"provider": map[string]any{"type": "deepgram", "model": "nova-3", "smart_format": false},
			},
			"think": map[string]any{
				"provider": map[string]any{"type": "open_ai", "model": "gpt-4o-mini"},
				"prompt":   "be brief",
				"functions": []any{map[string]any{
					"name":        "check_availability",
					"description": "Check a slot.",
					"parameters":  map[string]any{"type": "object"},
				}},
			},
			"speak": map[string]any{
				"provider": map[string]any{"type": "deepgram", "model": "aura-2-thalia-en"},
			},
			"greeting": "Hello!",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("settings JSON =\n%s\nwant shape %v", data, want)
	}
}

func TestNewSettings_Overrides(t *testing.T) {
	t.Parallel()

	s := NewSettings(SettingsConfig{
		Language:      "hi",
		ListenModel:   "nova-2",
		ThinkProvider: "anthropic",
		ThinkModel:    "claude-3-haiku",
		SpeakModel:    "aura-2-orion-en",
	})
	if s.Agent.Language != "hi" || s.Agent.Listen.Provider.Model != "nova-2" {
		t.Errorf("language/listen = %q/%q; want hi/nova-2", s.Agent.Language, s.Agent.Listen.Provider.Model)
	}
	if s.Agent.Think.Provider != (ModelProvider{Type: "anthropic", Model: "claude-3-haiku"}) {
		t.Errorf("think provider = %+v", s.Agent.Think.Provider)
	}
	if s.Agent.Speak.Provider.Model != "aura-2-orion-en" {
		t.Errorf("speak model = %q; want aura-2-orion-en", s.Agent.Speak.Provider.Model)
	}
	if s.Agent.Think.Functions != nil {
		t.Errorf("functions = %v; want nil without tools", s.Agent.Think.Functions)
	}
}

func TestFunctionCallResponse_CarriesBothFieldSets(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NewFunctionCallResponse("abc123", "check_availability", `{"status":"available"}`))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]string{
		"type":             "FunctionCallResponse",
		"id":               "abc123",
		"function_call_id": "abc123",
		"name":             "check_availability",
		"content":          `{"status":"available"}`,
		"output":           `{"status":"available"}`,
	} {
		if got[k] != want {
			t.Errorf("%s = %q; want %q", k, got[k], want)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want Event
	}{
		{"welcome", `{"type":"Welcome","request_id":"r1"}`, Welcome{RequestID: "r1"}},
		{"settings applied", `{"type":"SettingsApplied"}`, SettingsApplied{}},
		{"user started", `{"type":"UserStartedSpeaking"}`, UserStartedSpeaking{}},
		{"agent started", `{"type":"AgentStartedSpeaking","total_latency":0.5}`, AgentStartedSpeaking{TotalLatency: 0.5}},
		{"thinking", `{"type":"AgentThinking","content":"hmm"}`, AgentThinking{Content: "hmm"}},
		{"audio done", `{"type":"AgentAudioDone"}`, AgentAudioDone{}},
		{"conversation", `{"type":"ConversationText","role":"user","content":"hi"}`, ConversationText{Role: "user", Content: "hi"}},
		{"error", `{"type":"Error","description":"bad","code":"E1"}`, ErrorEvent{Description: "bad", Code: "E1"}},
		{"warning", `{"type":"Warning","description":"slow"}`, Warning{Description: "slow"}},
		{
			"function call string args",
			`{"type":"FunctionCallRequest","functions":[{"id":"abc123","name":"check_availability","arguments":"{\"date_time\":\"2025-01-01T10:00:00\"}","client_side":true}]}`,
			FunctionCallRequest{Functions: []FunctionCall{{
				ID: "abc123", Name: "check_availability",
				Arguments: `{"date_time":"2025-01-01T10:00:00"}`, ClientSide: true,
			}}},
		},
		{
			"function call object args",
			`{"type":"FunctionCallRequest","functions":[{"id":"x","name":"book_appointment","arguments":{"user_name":"Ana"}}]}`,
			FunctionCallRequest{Functions: []FunctionCall{{
				ID: "x", Name: "book_appointment", Arguments: `{"user_name":"Ana"}`,
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeEvent([]byte(tt.in))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DecodeEvent = %#v; want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeEvent_UnknownAndMalformed(t *testing.T) {
	t.Parallel()

	evt, err := DecodeEvent([]byte(`{"type":"InjectionRefused"}`))
	if err != nil {
		t.Fatalf("unknown type: %v", err)
	}
	if u, ok := evt.(Unknown); !ok || u.EventType() != "InjectionRefused" {
		t.Errorf("event = %#v; want Unknown{InjectionRefused}", evt)
	}

	for _, in := range []string{`not json`, `{"role":"user"}`, `{"type":"ConversationText","role":5}`} {
		if _, err := DecodeEvent([]byte(in)); err == nil {
			t.Errorf("DecodeEvent(%s) = nil error; want error", in)
		}
	}
}
