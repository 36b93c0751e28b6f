// Package app wires the parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithRunner,
// WithArchiveStore, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/archive/postgres"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/modectl"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/ops"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/ratelimit"
	"github.com/MrWong99/parley/internal/router"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transport/ws"
	"github.com/MrWong99/parley/pkg/mode"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	watcher        *config.Watcher

	// Subsystems, initialised in New and torn down in Shutdown.
	admission *admission.Controller
	registry  *session.Registry
	router    *router.Router
	runner    pipeline.Runner
	modes     *modectl.Controller
	store     archive.Store
	guard     *archive.Guard
	archiver  *archive.Archiver
	health    *health.Handler
	handler   http.Handler
	server    *http.Server

	addrMu sync.Mutex
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRunner injects a pipeline runner instead of building a cascade from
// the providers.
func WithRunner(r pipeline.Runner) Option {
	return func(a *App) { a.runner = r }
}

// WithArchiveStore injects a conversation archive instead of connecting to
// the configured PostgreSQL database.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments and the handler that serves
// GET /metrics.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// WithLogLevel lets config reloads change the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatcher makes Run poll the config file and apply reloads.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (built via [BuildProviders]).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	defaultMode, ok := mode.Preset(cfg.Sessions.DefaultMode)
	if !ok {
		return nil, fmt.Errorf("app: unknown default mode %q", cfg.Sessions.DefaultMode)
	}

	// ── 1. Admission + registry ──────────────────────────────────────────
	a.admission = admission.New(cfg.Sessions.MaxCapacity, admission.WithMetrics(a.metrics))
	a.registry = session.NewRegistry(session.Config{
		IdleTimeout:     cfg.Sessions.IdleTimeout,
		SweepInterval:   cfg.Sessions.SweepInterval,
		TeardownTimeout: cfg.Sessions.TeardownTimeout,
		Metrics:         a.metrics,
	})
	a.router = router.New(a.registry, router.WithMetrics(a.metrics))

	// ── 2. Pipeline runner ───────────────────────────────────────────────
	if err := a.initRunner(cfg); err != nil {
		return nil, fmt.Errorf("app: init runner: %w", err)
	}
	a.modes = modectl.New(modectl.Config{
		Registry:    a.registry,
		Runner:      a.runner,
		Router:      a.router,
		Voice:       a.voice,
		StopTimeout: cfg.Sessions.TeardownTimeout,
		Metrics:     a.metrics,
	})

	// ── 3. Conversation archive ──────────────────────────────────────────
	if err := a.initArchive(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP(cfg, defaultMode)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initRunner(cfg *config.Config) error {
	if a.runner != nil {
		return nil
	}
	if a.providers.LLM == nil {
		return errors.New("an llm provider is required")
	}
	c, err := pipeline.NewCascade(pipeline.CascadeConfig{
		LLM:           a.providers.LLM,
		STT:           a.providers.STT,
		VAD:           a.providers.VAD,
		TTS:           a.providers.TTS,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		HistoryTokens: cfg.LLM.HistoryTokens,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}
	a.runner = c
	return nil
}

// initArchive connects the conversation archive when one is injected or a
// DSN is configured. Without either, sessions are not archived.
func (a *App) initArchive(ctx context.Context, cfg *config.Config) error {
	if a.store == nil {
		dsn := cfg.Archive.PostgresDSN
		if dsn == "" {
			slog.Info("conversation archive disabled")
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	a.guard = archive.NewGuard(a.store)
	a.archiver = archive.New(a.guard, a.registry, archive.Config{Interval: cfg.Archive.FlushInterval})
	a.registry.OnTeardown(a.archiver.Teardown)
	return nil
}

func (a *App) initHTTP(cfg *config.Config, defaultMode mode.Mode) {
	checkers := []health.Checker{
		health.CapacityChecker(a.admission),
		health.DegradedChecker("llm", a.providers.LLMUnavailable),
	}
	if a.guard != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.guard.Ping})
	}
	a.health = health.New(checkers...)

	var wsHandler http.Handler = ws.NewHandler(ws.Config{
		Admission:   a.admission,
		Registry:    a.registry,
		Modes:       a.modes,
		Router:      a.router,
		Prompt:      a.prompt,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		DefaultMode: defaultMode,
	})
	if !cfg.RateLimit.Disabled {
		lim := ratelimit.New(ratelimit.Config{
			PerMinute:      cfg.RateLimit.ConnectsPerMinute,
			Burst:          cfg.RateLimit.Burst,
			TrustForwarded: cfg.RateLimit.TrustForwardedFor,
			Metrics:        a.metrics,
		})
		wsHandler = lim.Middleware(wsHandler)
	}

	opsCfg := ops.Config{
		Admission: a.admission,
		Registry:  a.registry,
		WSPath:    cfg.Server.WSPath,
		Metrics:   a.metricsHandler,
	}
	if a.archiver != nil {
		opsCfg.Archive = a.archiver
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Server.WSPath, wsHandler)
	ops.New(opsCfg).Register(mux)
	a.health.Register(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) config() *config.Config { return a.cfg.Load() }

func (a *App) prompt(agentID string) string {
	return a.config().SystemPrompt(agentID)
}

func (a *App) voice(agentID string) tts.VoiceProfile {
	ag, ok := a.config().Agent(agentID)
	if !ok || ag.Voice.VoiceID == "" {
		return tts.VoiceProfile{}
	}
	return tts.VoiceProfile{ID: ag.Voice.VoiceID, Name: ag.Name, Provider: ag.Voice.Provider}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Addr returns the listening address once Run has bound it, or nil.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig installs a reloaded config. Prompts and voices apply to
// pipelines started from now on; the log level applies at once. Sections
// listed in d.RestartRequired keep their startup values.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	a.cfg.Store(next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultPromptChanged || d.AgentsChanged {
		slog.Info("agent settings reloaded", "agents", len(next.Agents))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts serving and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause);
// call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	a.registry.Start(ctx)
	if a.archiver != nil {
		a.archiver.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "ws_path", cfg.Server.WSPath, "tls", cfg.Server.TLS != nil)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err == nil {
			return ctx.Err()
		}
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, tears
// down every live session and closes the remaining resources. It is safe to
// call more than once; only the first call has any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)

		// Hijacked WebSocket connections are not tracked by the server; the
		// registry closes them below.
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.registry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if a.archiver != nil {
			a.archiver.Stop()
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
