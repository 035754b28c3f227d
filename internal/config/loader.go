package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/jarvis/internal/tools"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"deepgram"},
	"tts":      {"elevenlabs"},
	"calendar": {"google"},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR. Unset variables expand to the empty string. A bare $VAR is
// left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands environment references in r, decodes the YAML and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Calendar.Provider != "" && cfg.Calendar.TimeZone == "" {
		cfg.Calendar.TimeZone = "UTC"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	a := cfg.Agent
	if a.FlushThresholdBytes < 0 {
		errs = append(errs, fmt.Errorf("agent.flush_threshold_bytes %d must not be negative", a.FlushThresholdBytes))
	}
	if a.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries %d must not be negative", a.MaxRetries))
	}
	for name, d := range map[string]time.Duration{
		"keepalive_interval": a.KeepAliveInterval,
		"open_timeout":       a.OpenTimeout,
		"close_timeout":      a.CloseTimeout,
		"send_timeout":       a.SendTimeout,
		"ready_timeout":      a.ReadyTimeout,
		"initial_backoff":    a.InitialBackoff,
		"max_backoff":        a.MaxBackoff,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("agent.%s %s must not be negative", name, d))
		}
	}
	if a.InitialBackoff > 0 && a.MaxBackoff > 0 && a.MaxBackoff < a.InitialBackoff {
		errs = append(errs, fmt.Errorf("agent.max_backoff %s is below initial_backoff %s", a.MaxBackoff, a.InitialBackoff))
	}

	// Unknown provider names only warn.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("calendar", cfg.Calendar.Provider)
	for i, fb := range cfg.Providers.LLMFallback {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallback[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallback) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallback requires providers.llm"))
	}

	// Fallback pipeline availability.
	p := cfg.Providers
	if p.STT.Name == "" || p.LLM.Name == "" || p.TTS.Name == "" {
		if !a.Enabled() {
			errs = append(errs, errors.New("either agent.api_key or all of providers.stt, providers.llm and providers.tts must be configured"))
		} else {
			slog.Warn("fallback pipeline is incomplete; calls fail when the voice agent is unavailable")
		}
	}

	// Fallback tuning
	f := cfg.Fallback
	if f.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("fallback.silence_timeout %s must not be negative", f.SilenceTimeout))
	}
	if f.MinAudioBytes < 0 || f.HistoryMessages < 0 || f.MaxTokens < 0 {
		errs = append(errs, errors.New("fallback.min_audio_bytes, history_messages and max_tokens must not be negative"))
	}

	// Calendar
	if c := cfg.Calendar; c.Provider != "" {
		if c.TokenFile == "" {
			errs = append(errs, errors.New("calendar.token_file is required when calendar.provider is set"))
		}
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("calendar.time_zone %q: %w", c.TimeZone, err))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be between 0 and 1", r))
	}

	// Storage
	if cfg.Storage.ContextLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.context_limit %d must not be negative", cfg.Storage.ContextLimit))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts and appointments are kept in memory")
	}

	// MCP servers
	seen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
