package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/jarvis/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":5000", LogLevel: config.LogInfo},
		Agent:  config.AgentConfig{APIKey: "k", Greeting: "Hello"},
		Fallback: config.FallbackConfig{
			MaxTokens: 150,
			Voices:    map[string]string{"en": "a"},
		},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{{Name: "x", Transport: "stdio", Command: "x"}}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("diff = %+v; want no change", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check:  func(d config.ConfigDiff) bool { return d.LogLevelChanged && d.NewLogLevel == config.LogDebug },
		},
		{
			name:   "agent greeting",
			mutate: func(c *config.Config) { c.Agent.Greeting = "Hi" },
			check:  func(d config.ConfigDiff) bool { return d.AgentChanged && !d.FallbackChanged },
		},
		{
			name:   "fallback voice",
			mutate: func(c *config.Config) { c.Fallback.Voices = map[string]string{"en": "b"} },
			check:  func(d config.ConfigDiff) bool { return d.FallbackChanged && !d.AgentChanged },
		},
		{
			name:   "fallback tokens",
			mutate: func(c *config.Config) { c.Fallback.MaxTokens = 200 },
			check:  func(d config.ConfigDiff) bool { return d.FallbackChanged },
		},
		{
			name:    "listen addr needs restart",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":6000" },
			check:   func(d config.ConfigDiff) bool { return !d.LogLevelChanged },
			restart: []string{"server"},
		},
		{
			name: "storage and mcp need restart",
			mutate: func(c *config.Config) {
				c.Storage.RedisURL = "redis://r"
				c.MCP.Servers = nil
			},
			check:   func(d config.ConfigDiff) bool { return !d.AgentChanged },
			restart: []string{"storage", "mcp"},
		},
		{
			name:    "telemetry needs restart",
			mutate:  func(c *config.Config) { c.Telemetry.Environment = "staging" },
			check:   func(d config.ConfigDiff) bool { return !d.FallbackChanged },
			restart: []string{"telemetry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			d := config.Diff(baseConfig(), next)
			if !tt.check(d) {
				t.Errorf("diff = %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v; want %v", d.RestartRequired, tt.restart)
			}
			if !d.Changed() {
				t.Error("Changed() = false")
			}
		})
	}
}
