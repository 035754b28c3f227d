// Package app wires the Jarvis subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects storage, registers
// tools and builds the [CallManager], Run serves HTTP until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject stores and dialers via functional options
// (WithMessageStore, WithContextStore, WithDialer, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/registry"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/pkg/calendar"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	"github.com/MrWong99/jarvis/pkg/provider/s2s"
	"github.com/MrWong99/jarvis/pkg/provider/stt"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	"github.com/MrWong99/jarvis/pkg/store"
	"github.com/MrWong99/jarvis/pkg/store/memory"
	"github.com/MrWong99/jarvis/pkg/store/postgres"
	"github.com/MrWong99/jarvis/pkg/store/redis"
)

const (
	readHeaderTimeout   = 10 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// NamedLLM is one entry of the LLM fallback chain.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// LLMFallback is tried in order when LLM fails.
	LLMFallback []NamedLLM

	// Calendar backs the appointment tools. Nil disables them.
	Calendar calendar.Calendar
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	messages     store.MessageStore
	appointments store.AppointmentStore
	context      store.ContextStore
	newDialer    func(config.AgentConfig) s2s.Dialer
	transcoder   duplex.Transcoder

	tools    *tools.Dispatcher
	pipeline Pipeline
	calls    *CallManager
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMessageStore injects the transcript store instead of creating one from
// config.
func WithMessageStore(s store.MessageStore) Option {
	return func(a *App) { a.messages = s }
}

// WithAppointmentStore injects the booking store.
func WithAppointmentStore(s store.AppointmentStore) Option {
	return func(a *App) { a.appointments = s }
}

// WithContextStore injects the conversation context store.
func WithContextStore(s store.ContextStore) Option {
	return func(a *App) { a.context = s }
}

// WithMetrics records on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDialer replaces the voice agent dialer factory.
func WithDialer(fn func(config.AgentConfig) s2s.Dialer) Option {
	return func(a *App) { a.newDialer = fn }
}

// WithTranscoder replaces the browser audio decoder.
func WithTranscoder(t duplex.Transcoder) Option {
	return func(a *App) { a.transcoder = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connection and
// migration, tool and MCP server registration, and call manager assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Fallback pipeline ─────────────────────────────────────────────
	a.initPipeline()

	// ── 4. Calls ─────────────────────────────────────────────────────────
	a.calls = NewCallManager(CallManagerConfig{
		Registry:   registry.New(registry.WithMetrics(a.metrics)),
		Tools:      a.tools,
		Pipeline:   a.pipeline,
		Context:    a.context,
		Messages:   a.messages,
		Settings:   Settings{Agent: cfg.Agent, Fallback: cfg.Fallback},
		Transcoder: a.transcoder,
		Metrics:    a.metrics,
		NewDialer:  a.newDialer,
	})
	if cfg.Agent.Enabled() {
		dial := a.newDialer
		if dial == nil {
			dial = newDeepgramDialer
		}
		a.checkers = append(a.checkers, health.ValidateChecker("voice_agent", dial(cfg.Agent)))
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage opens postgres for transcripts and bookings and redis for the
// context window. Missing DSNs fall back to one in-memory store.
func (a *App) initStorage(ctx context.Context) error {
	var mem *memory.Store
	inMemory := func() *memory.Store {
		if mem == nil {
			mem = memory.New(
				memory.WithContextLimit(a.cfg.Storage.ContextLimit),
				memory.WithContextTTL(a.cfg.Storage.ContextTTL),
			)
		}
		return mem
	}

	if a.messages == nil || a.appointments == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pg, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
			a.checkers = append(a.checkers, health.PingChecker("postgres", pg))
			if a.messages == nil {
				a.messages = pg
			}
			if a.appointments == nil {
				a.appointments = pg
			}
			slog.Info("connected to postgres")
		} else {
			if a.messages == nil {
				a.messages = inMemory()
			}
			if a.appointments == nil {
				a.appointments = inMemory()
			}
		}
	}

	if a.context == nil {
		if url := a.cfg.Storage.RedisURL; url != "" {
			rs, err := redis.New(ctx, redis.Params{
				URL:   url,
				Limit: a.cfg.Storage.ContextLimit,
				TTL:   a.cfg.Storage.ContextTTL,
			})
			if err != nil {
				return err
			}
			a.closers = append(a.closers, rs.Close)
			a.checkers = append(a.checkers, health.PingChecker("redis", rs))
			a.context = rs
			slog.Info("connected to redis")
		} else {
			a.context = inMemory()
		}
	}
	return nil
}

// initTools registers the appointment tools and every configured MCP server.
func (a *App) initTools(ctx context.Context) error {
	d := tools.New(tools.WithMetrics(a.metrics))
	a.tools = d
	a.closers = append(a.closers, d.Close)

	if cal := a.providers.Calendar; cal != nil {
		loc := time.UTC
		if tz := a.cfg.Calendar.TimeZone; tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("calendar time zone %q: %w", tz, err)
			}
			loc = l
		}
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "calendar",
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
			},
		})
		appts := tools.NewAppointments(cal, a.appointments, tools.WithLocation(loc), tools.WithBreaker(breaker))
		if err := d.Register(appts.Tools()...); err != nil {
			return err
		}
		slog.Info("registered appointment tools", "time_zone", loc.String())
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := d.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	return nil
}

// initPipeline wraps the primary LLM in the configured fallback chain.
func (a *App) initPipeline() {
	p := a.providers
	a.pipeline = Pipeline{STT: p.STT, LLM: p.LLM, TTS: p.TTS}
	if p.LLM == nil || len(p.LLMFallback) == 0 {
		return
	}
	fb := resilience.NewLLMFallback(p.LLM, a.cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	for _, f := range p.LLMFallback {
		fb.AddFallback(f.Name, f.Provider)
	}
	a.pipeline.LLM = fb
	slog.Info("llm fallback chain enabled", "fallbacks", len(p.LLMFallback))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Calls returns the call manager the transport drives.
func (a *App) Calls() *CallManager { return a.calls }

// Checkers returns the readiness checks of the connected dependencies.
func (a *App) Checkers() []health.Checker { return a.checkers }

// Pipeline returns the fallback cascade providers, LLM chain included.
func (a *App) Pipeline() Pipeline { return a.pipeline }

// Tools returns the tool dispatcher.
func (a *App) Tools() *tools.Dispatcher { return a.tools }

// ApplyConfig hands hot-reloadable sections to calls started afterwards.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if !d.AgentChanged && !d.FallbackChanged {
		return
	}
	a.calls.UpdateSettings(Settings{Agent: cfg.Agent, Fallback: cfg.Fallback})
	slog.Info("applied config to new calls", "agent_changed", d.AgentChanged, "fallback_changed", d.FallbackChanged)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves h on the configured address and polls w (may be nil) until ctx
// is cancelled. Request contexts derive from ctx, so open WebSocket
// connections end with it. Run returns nil after a clean stop.
func (a *App) Run(ctx context.Context, h http.Handler, w *config.Watcher) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}

	slog.Info("app running", "sessions", a.calls.Registry().Len())
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every call, then runs the closers in init order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		done := make(chan struct{})
		go func() {
			a.calls.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while ending calls")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
