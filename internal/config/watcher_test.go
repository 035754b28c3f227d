package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/jarvis/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
agent:
  api_key: dg-test
  greeting: Hello!
`

const watcherUpdatedYAML = `
server:
  log_level: debug
  listen_addr: ":9000"
agent:
  api_key: dg-test
  greeting: Hi there!
`

const watcherInvalidYAML = `
server:
  log_level: bananas
agent:
  api_key: dg-test
`

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config, d config.ConfigDiff)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, time.Now())

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q; want %q", got, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, cfgPath, watcherValidYAML, base)

	type change struct {
		old, new *config.Config
		diff     config.ConfigDiff
	}
	changes := make(chan change, 1)
	w := startWatcher(t, cfgPath, func(old, new *config.Config, d config.ConfigDiff) {
		select {
		case changes <- change{old, new, d}:
		default:
		}
	})

	writeFile(t, cfgPath, watcherUpdatedYAML, base.Add(time.Minute))

	var got change
	select {
	case got = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	if got.old.Server.LogLevel != config.LogInfo || got.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels = %q -> %q; want info -> debug", got.old.Server.LogLevel, got.new.Server.LogLevel)
	}
	if !got.diff.LogLevelChanged || got.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level = %v/%q", got.diff.LogLevelChanged, got.diff.NewLogLevel)
	}
	if !got.diff.AgentChanged {
		t.Error("AgentChanged = false; want true")
	}
	if !slices.Equal(got.diff.RestartRequired, []string{"server"}) {
		t.Errorf("RestartRequired = %v; want [server]", got.diff.RestartRequired)
	}
	if cur := w.Current(); cur.Agent.Greeting != "Hi there!" {
		t.Errorf("Current greeting = %q", cur.Agent.Greeting)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, cfgPath, watcherValidYAML, base)

	var mu sync.Mutex
	calls := 0
	w := startWatcher(t, cfgPath, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, cfgPath, watcherInvalidYAML, base.Add(time.Minute))
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback calls = %d; want 0", calls)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log_level = %q; want info", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("NewWatcher: want error for missing file")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, cfgPath, watcherValidYAML, base)

	var mu sync.Mutex
	calls := 0
	startWatcher(t, cfgPath, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	later := base.Add(time.Minute)
	if err := os.Chtimes(cfgPath, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback calls = %d; want 0 for touch-only", calls)
	}
}
