// Package config provides the configuration schema, loader, and provider registry
// for the Jarvis voice assistant server.
package config

import (
	"time"

	"github.com/MrWong99/jarvis/internal/tools"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":5000"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Providers ProvidersConfig `yaml:"providers"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Storage   StorageConfig   `yaml:"storage"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists browser origins accepted on the WebSocket
	// endpoint. Empty accepts same-host requests only; "*" accepts any.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AgentConfig configures the duplex voice agent. An empty APIKey disables
// duplex mode and every call uses the fallback pipeline.
type AgentConfig struct {
	// URL overrides the agent endpoint. Empty uses the hosted default.
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	Language      string `yaml:"language"`
	ListenModel   string `yaml:"listen_model"`
	ThinkProvider string `yaml:"think_provider"`
	ThinkModel    string `yaml:"think_model"`
	SpeakModel    string `yaml:"speak_model"`
	Greeting      string `yaml:"greeting"`
	Prompt        string `yaml:"prompt"`

	FlushThresholdBytes int           `yaml:"flush_threshold_bytes"`
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	CloseTimeout        time.Duration `yaml:"close_timeout"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	ReadyTimeout        time.Duration `yaml:"ready_timeout"`

	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// FFmpegPath locates ffmpeg for WebM input. Empty searches PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// Enabled reports whether duplex mode is configured.
func (a AgentConfig) Enabled() bool { return a.APIKey != "" }

// ProvidersConfig declares which provider implementation serves each stage of
// the fallback pipeline. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback is tried, in order, when LLM fails.
	LLMFallback []ProviderEntry `yaml:"llm_fallback"`

	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// CalendarConfig configures appointment booking. An empty Provider disables
// the appointment tools.
type CalendarConfig struct {
	Provider string `yaml:"provider"`

	// TokenFile holds an authorized-user or service-account credential.
	TokenFile string `yaml:"token_file"`

	CalendarID string `yaml:"calendar_id"`

	// TimeZone is an IANA zone used for event times and for parsing
	// offset-less start times.
	TimeZone string `yaml:"time_zone"`
}

// TelemetryConfig tunes the OpenTelemetry resource and exporters.
type TelemetryConfig struct {
	// Environment is reported as deployment.environment (e.g. "production").
	Environment string `yaml:"environment"`

	// InstanceID is reported as service.instance.id. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	// MetricsNamespace prefixes every Prometheus metric name.
	MetricsNamespace string `yaml:"metrics_namespace"`

	// TraceSampleRatio is the fraction of new traces that are sampled.
	// Zero samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// StorageConfig selects the persistence backends. Empty values fall back to
// in-process memory.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`

	// ContextLimit caps the rolling context window per session.
	ContextLimit int `yaml:"context_limit"`

	// ContextTTL expires an idle context window.
	ContextTTL time.Duration `yaml:"context_ttl"`
}

// FallbackConfig tunes the request/response pipeline.
type FallbackConfig struct {
	SilenceTimeout  time.Duration `yaml:"silence_timeout"`
	MinAudioBytes   int           `yaml:"min_audio_bytes"`
	HistoryMessages int           `yaml:"history_messages"`
	MaxTokens       int           `yaml:"max_tokens"`
	SystemPrompt    string        `yaml:"system_prompt"`

	// Voices maps a language code to a TTS voice id.
	Voices map[string]string `yaml:"voices"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered to the voice agent.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables for a stdio subprocess.
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts m for [tools.Dispatcher.RegisterServer].
func (m MCPServerConfig) ServerConfig() tools.ServerConfig {
	return tools.ServerConfig{
		Name:      m.Name,
		Transport: m.Transport,
		Command:   m.Command,
		URL:       m.URL,
		Env:       m.Env,
	}
}
