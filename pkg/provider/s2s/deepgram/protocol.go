package deepgram

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/jarvis/pkg/provider/llm"
)

// Audio formats negotiated in the Settings message.
const (
	Encoding         = "linear16"
	InputSampleRate  = 48000
	OutputSampleRate = 24000
)

// Inbound event type tags.
const (
	TypeWelcome              = "Welcome"
	TypeSettingsApplied      = "SettingsApplied"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentThinking        = "AgentThinking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeConversationText     = "ConversationText"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeError                = "Error"
	TypeWarning              = "Warning"
)

// ── Outbound ────────────────────────────────────────────────────────────────

// Settings is the configuration message sent once after the socket opens.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

// AudioSettings declares the PCM formats in both directions.
type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

// AudioFormat is a single PCM stream description.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

// AgentSettings selects the listen, think, and speak providers.
type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type ListenSettings struct {
	Provider ListenProvider `json:"provider"`
}

type ListenProvider struct {
	Type        string `json:"type"`
	Model       string `json:"model"`
	SmartFormat bool   `json:"smart_format"`
}

type ThinkSettings struct {
	Provider  ModelProvider `json:"provider"`
	Prompt    string        `json:"prompt,omitempty"`
	Functions []Function    `json:"functions,omitempty"`
}

type SpeakSettings struct {
	Provider ModelProvider `json:"provider"`
}

// ModelProvider names a vendor and model.
type ModelProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// Function declares one tool the think provider may call.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SettingsConfig is the input to [NewSettings]. Empty fields take the
// defaults listed on each field.
type SettingsConfig struct {
	Language      string // "en"
	ListenModel   string // "nova-3"
	ThinkProvider string // "open_ai"
	ThinkModel    string // "gpt-4o-mini"
	SpeakModel    string // "aura-2-thalia-en"
	Prompt        string
	Greeting      string
	Tools         []llm.ToolDefinition
}

// NewSettings builds the Settings message for cfg. Input audio is always
// 48 kHz and output 24 kHz, both linear16 mono without a container.
func NewSettings(cfg SettingsConfig) Settings {
	s := Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: Encoding, SampleRate: InputSampleRate},
			Output: AudioFormat{Encoding: Encoding, SampleRate: OutputSampleRate, Container: "none"},
		},
		Agent: AgentSettings{
			Language: or(cfg.Language, "en"),
			Listen: ListenSettings{Provider: ListenProvider{
				Type:  "deepgram",
				Model: or(cfg.ListenModel, "nova-3"),
			}},
			Think: ThinkSettings{
				Provider: ModelProvider{
					Type:  or(cfg.ThinkProvider, "open_ai"),
					Model: or(cfg.ThinkModel, "gpt-4o-mini"),
				},
				Prompt: cfg.Prompt,
			},
			Speak: SpeakSettings{Provider: ModelProvider{
				Type:  "deepgram",
				Model: or(cfg.SpeakModel, "aura-2-thalia-en"),
			}},
			Greeting: cfg.Greeting,
		},
	}
	for _, t := range cfg.Tools {
		s.Agent.Think.Functions = append(s.Agent.Think.Functions, Function{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return s
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// FunctionCallResponse returns a tool result to the agent. Both the V1 field
// names (id, content) and the earlier ones (function_call_id, output) are set.
type FunctionCallResponse struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Content        string `json:"content"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

// NewFunctionCallResponse builds the reply for call id with result.
func NewFunctionCallResponse(id, name, result string) FunctionCallResponse {
	return FunctionCallResponse{
		Type:           "FunctionCallResponse",
		ID:             id,
		Name:           name,
		Content:        result,
		FunctionCallID: id,
		Output:         result,
	}
}

// KeepAlive is the periodic control message that keeps the socket open
// through silence.
type KeepAlive struct {
	Type string `json:"type"`
}

// NewKeepAlive returns a KeepAlive message.
func NewKeepAlive() KeepAlive { return KeepAlive{Type: "KeepAlive"} }

// ── Inbound ─────────────────────────────────────────────────────────────────

// Event is one decoded JSON event from the agent.
type Event interface {
	EventType() string
}

type Welcome struct {
	RequestID string `json:"request_id"`
}

type SettingsApplied struct{}

type UserStartedSpeaking struct{}

type AgentStartedSpeaking struct {
	TotalLatency float64 `json:"total_latency"`
}

type AgentThinking struct {
	Content string `json:"content"`
}

type AgentAudioDone struct{}

// ConversationText carries a finished user or assistant turn.
type ConversationText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionCallRequest asks the client to run one or more tools.
type FunctionCallRequest struct {
	Functions []FunctionCall `json:"functions"`
}

// FunctionCall is a single tool invocation inside a [FunctionCallRequest].
type FunctionCall struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Arguments  Arguments `json:"arguments"`
	ClientSide bool      `json:"client_side"`
}

// Arguments holds a tool's JSON arguments. The agent sends them as a JSON
// string; a bare object is accepted as well.
type Arguments string

// UnmarshalJSON accepts either a JSON string or any other JSON value.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Arguments(s)
		return nil
	}
	if string(data) == "null" {
		*a = ""
		return nil
	}
	*a = Arguments(data)
	return nil
}

// ErrorEvent reports an agent-side failure.
type ErrorEvent struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

type Warning struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

// Unknown is returned for event types this package does not model.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Welcome) EventType() string              { return TypeWelcome }
func (SettingsApplied) EventType() string      { return TypeSettingsApplied }
func (UserStartedSpeaking) EventType() string  { return TypeUserStartedSpeaking }
func (AgentStartedSpeaking) EventType() string { return TypeAgentStartedSpeaking }
func (AgentThinking) EventType() string        { return TypeAgentThinking }
func (AgentAudioDone) EventType() string       { return TypeAgentAudioDone }
func (ConversationText) EventType() string     { return TypeConversationText }
func (FunctionCallRequest) EventType() string  { return TypeFunctionCallRequest }
func (ErrorEvent) EventType() string           { return TypeError }
func (Warning) EventType() string              { return TypeWarning }
func (u Unknown) EventType() string            { return u.Type }

// DecodeEvent parses a text frame into its typed variant. Frames without a
// type tag or with malformed JSON return an error; unmodelled types return
// [Unknown] with a nil error.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("deepgram: decode event: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("deepgram: decode event: missing type")
	}

	var (
		evt Event
		err error
	)
	switch head.Type {
	case TypeWelcome:
		evt, err = decodeInto[Welcome](data)
	case TypeSettingsApplied:
		evt = SettingsApplied{}
	case TypeUserStartedSpeaking:
		evt = UserStartedSpeaking{}
	case TypeAgentStartedSpeaking:
		evt, err = decodeInto[AgentStartedSpeaking](data)
	case TypeAgentThinking:
		evt, err = decodeInto[AgentThinking](data)
	case TypeAgentAudioDone:
		evt = AgentAudioDone{}
	case TypeConversationText:
		evt, err = decodeInto[ConversationText](data)
	case TypeFunctionCallRequest:
		evt, err = decodeInto[FunctionCallRequest](data)
	case TypeError:
		evt, err = decodeInto[ErrorEvent](data)
	case TypeWarning:
		evt, err = decodeInto[Warning](data)
	default:
		evt = Unknown{Type: head.Type, Raw: json.RawMessage(data)}
	}
	if err != nil {
		return nil, fmt.Errorf("deepgram: decode %s: %w", head.Type, err)
	}
	return evt, nil
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
