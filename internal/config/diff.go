package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only the log level, the agent section and the fallback section can be
// applied to a running server. They take effect for calls started after the
// reload. Everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AgentChanged    bool
	FallbackChanged bool

	// RestartRequired names the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AgentChanged || d.FallbackChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.AgentChanged = old.Agent != new.Agent
	d.FallbackChanged = !fallbackEqual(old.Fallback, new.Fallback)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name  string
		equal bool
	}{
		{"server", reflect.DeepEqual(oldServer, newServer)},
		{"providers", reflect.DeepEqual(old.Providers, new.Providers)},
		{"calendar", old.Calendar == new.Calendar},
		{"storage", old.Storage == new.Storage},
		{"mcp", reflect.DeepEqual(old.MCP, new.MCP)},
		{"telemetry", old.Telemetry == new.Telemetry},
	}
	for _, s := range sections {
		if !s.equal {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

func fallbackEqual(a, b FallbackConfig) bool {
	if !maps.Equal(a.Voices, b.Voices) {
		return false
	}
	a.Voices, b.Voices = nil, nil
	return reflect.DeepEqual(a, b)
}
