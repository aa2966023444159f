// Package app wires all voicedesk server subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New opens the store and builds the
// HTTP surface, Run serves it and watches the config file, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
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
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/health"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/tickets"
	"github.com/MrWong99/voicedesk/internal/voiceserver"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
	"github.com/MrWong99/voicedesk/pkg/store"
)

// ShutdownTimeout bounds the HTTP server drain once Run's context ends.
const ShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes of the voicedesk server.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    store.Store
	metrics  *observe.Metrics
	level    *slog.LevelVar
	watchCfg string

	voice   *voiceserver.Server
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	mu   sync.Mutex
	addr net.Addr

	// ready is closed once Run is listening.
	ready    chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// App does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the App the level variable behind the process logger so
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch makes Run poll the config file at path and apply
// reloadable changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchCfg = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The providers come from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: llm and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(ParseLevel(cfg.Server.LogLevel))
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		st, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
		slog.Info("store opened", "backend", cfg.Store.Backend)
	}

	// ── 2. Voice peer ────────────────────────────────────────────────────
	vopts := []voiceserver.Option{
		voiceserver.WithTTS(providers.TTS),
		voiceserver.WithMetrics(a.metrics),
		voiceserver.WithSettings(SettingsFromConfig(cfg)),
	}
	if providers.STT != nil {
		vopts = append(vopts, voiceserver.WithSTT(providers.STT))
	}
	a.voice = voiceserver.New(a.store, providers.LLM, vopts...)

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildRouter()

	return a, nil
}

// SettingsFromConfig derives the voice peer settings from cfg.
func SettingsFromConfig(cfg *config.Config) voiceserver.Settings {
	rate := cfg.Providers.STT.SampleRate
	if rate == 0 {
		rate = audio.WireSampleRate
	}
	return voiceserver.Settings{
		Greeting:          cfg.Server.Greeting,
		SystemPrompt:      cfg.Server.SystemPrompt,
		EscalationKeyword: cfg.Server.EscalationKeyword,
		SampleRate:        rate,
		Language:          cfg.Providers.STT.Language,
		Voice: tts.Voice{
			ID:    cfg.Providers.TTS.Voice,
			Model: cfg.Providers.TTS.Model,
		},
	}
}

func (a *App) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	checkers := []health.Checker{health.PingChecker("store", a.store)}
	for _, cb := range a.providers.Breakers() {
		checkers = append(checkers, health.BreakerChecker(cb))
	}
	health.New(checkers...).Register(r)

	r.Handle("/metrics", observe.MetricsHandler())
	tickets.NewHandler(a.store, slog.Default()).Register(r)
	a.voice.Register(r)
	return r
}

// Handler returns the HTTP handler serving the voice peer, the tickets API,
// health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Voice returns the voice peer.
func (a *App) Voice() *voiceserver.Server { return a.voice }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and, when enabled, watches the
// config file. It blocks until ctx is cancelled or the server fails and
// returns ctx.Err() or the server error.
//
// Cancelling ctx also ends every open voice connection: hijacked WebSocket
// connections are not covered by the HTTP server's own shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.watchCfg != "" {
		w, err := config.NewWatcher(a.watchCfg, a.applyConfig,
			config.WithWatchLogger(slog.Default().With("component", "config")))
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	close(a.ready)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Addr returns the address Run listens on. It blocks until the listener is
// open or ctx ends.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr, nil
}

// applyConfig applies the reloadable parts of a changed config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		set := a.voice.Settings()
		set.Greeting = new.Server.Greeting
		set.SystemPrompt = new.Server.SystemPrompt
		set.EscalationKeyword = new.Server.EscalationKeyword
		a.voice.SetSettings(set)
		slog.Info("agent settings updated; new calls use them")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown waits for open voice connections to finish and closes owned
// resources in order. It respects the context deadline: if ctx expires
// before the connections drain, the closers still run and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		drained := make(chan struct{})
		go func() {
			a.voice.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded with voice connections open")
			shutdownErr = ctx.Err()
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ParseLevel maps a config log level onto slog. Unknown values map to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
