package app_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/MrWong99/jarvis/internal/app"
	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/pkg/calendar"
	calmock "github.com/MrWong99/jarvis/pkg/calendar/mock"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	llmmock "github.com/MrWong99/jarvis/pkg/provider/llm/mock"
	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	s2smock "github.com/MrWong99/jarvis/pkg/provider/s2s/mock"
)

// testConfig returns a config that needs no external services.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Storage: config.StorageConfig{ContextLimit: 5, ContextTTL: time.Hour},
	}
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_InMemoryDefaults(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), nil)

	if a.Calls() == nil {
		t.Fatal("Calls() = nil")
	}
	if n := len(a.Checkers()); n != 0 {
		t.Errorf("checkers = %d; want 0 without external stores", n)
	}
	if got := a.Tools().Manifest(); len(got) != 0 {
		t.Errorf("manifest = %v; want empty without calendar", got)
	}
}

func TestNew_CalendarRegistersAppointmentTools(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calendar.TimeZone = "Europe/Berlin"
	a := newApp(t, cfg, &app.Providers{Calendar: &calmock.Calendar{Availability: calendar.Available}})

	var names []string
	for _, def := range a.Tools().Manifest() {
		names = append(names, def.Name)
	}
	slices.Sort(names)
	want := []string{"book_appointment", "check_availability"}
	if !slices.Equal(names, want) {
		t.Errorf("manifest = %v; want %v", names, want)
	}
}

func TestNew_InvalidTimeZone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Calendar.TimeZone = "Mars/Olympus_Mons"
	_, err := app.New(context.Background(), cfg, &app.Providers{Calendar: &calmock.Calendar{}})
	if err == nil {
		t.Fatal("New() error = nil; want time zone error")
	}
}

func TestNew_RedisContextStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	a := newApp(t, cfg, nil)
	checkers := a.Checkers()
	if len(checkers) != 1 || checkers[0].Name != "redis" {
		t.Fatalf("checkers = %v; want one redis checker", checkers)
	}
	if err := checkers[0].Check(context.Background()); err != nil {
		t.Errorf("redis check: %v", err)
	}
}

func TestNew_AgentHealthCheck(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Agent.APIKey = "dg-test"
	dialer := &s2smock.Dialer{ValidateErr: errors.New("bad key")}
	a := newApp(t, cfg, nil, app.WithDialer(func(config.AgentConfig) s2s.Dialer { return dialer }))

	checkers := a.Checkers()
	if len(checkers) != 1 || checkers[0].Name != "voice_agent" {
		t.Fatalf("checkers = %v; want one voice_agent checker", checkers)
	}
	if err := checkers[0].Check(context.Background()); err == nil {
		t.Error("voice_agent check = nil; want validate error")
	}
}

func TestNew_LLMFallbackChain(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}
	cfg := testConfig()
	cfg.Providers.LLM.Name = "openai"
	a := newApp(t, cfg, &app.Providers{
		LLM:         primary,
		LLMFallback: []app.NamedLLM{{Name: "anthropic", Provider: backup}},
	})

	resp, err := a.Pipeline().LLM.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q; want %q", resp.Content, "from backup")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	a := newApp(t, cfg, nil)

	next := testConfig()
	next.Agent.Greeting = "Good evening."
	next.Fallback.MaxTokens = 64

	a.ApplyConfig(next, config.ConfigDiff{LogLevelChanged: true})
	if got := a.Calls().Settings().Agent.Greeting; got != "" {
		t.Errorf("greeting after log-only diff = %q; want unchanged", got)
	}

	a.ApplyConfig(next, config.Diff(cfg, next))
	s := a.Calls().Settings()
	if s.Agent.Greeting != "Good evening." || s.Fallback.MaxTokens != 64 {
		t.Errorf("settings = %+v; want new greeting and token limit", s)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx, nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
