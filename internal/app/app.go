// Package app wires the speakloop subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the playback session,
// event fan-out and HTTP API from the config, Run serves until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSpeaker,
// WithMetricsHandler, etc.). When an option is not provided, New creates
// real implementations from the config and providers.
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

	"github.com/MrWong99/speakloop/internal/config"
	"github.com/MrWong99/speakloop/internal/eventbus"
	"github.com/MrWong99/speakloop/internal/health"
	"github.com/MrWong99/speakloop/internal/history"
	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/playback"
	"github.com/MrWong99/speakloop/internal/synth"
	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/llm"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Providers holds the instantiated backends. TTS and Output are required;
// a nil LLM disables POST /v1/chat. Populated by main via the config registry.
type Providers struct {
	TTS    tts.Provider
	LLM    llm.Provider
	Output audio.Output
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	speaker   Speaker
	producers *ProducerManager
	hub       *Hub
	publisher *eventbus.Publisher
	history   *history.Store
	health    *health.Handler
	llm       llm.Provider
	metrics   *observe.Metrics
	level     *slog.LevelVar
	log       *slog.Logger

	metricsHandler http.Handler
	checkers       []health.Checker
	observers      []playback.Observer
	handler        http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSpeaker injects the playback session instead of creating one from the
// providers. The app does not close an injected speaker.
func WithSpeaker(s Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithMetrics sets the metrics sink. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHealthCheckers adds readiness checks on top of the built-in ones.
func WithHealthCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// WithObserver adds playback observers on top of the built-in ones.
func WithObserver(o ...playback.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, o...) }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry).
//
// New connects to NATS when events.nats.url is set. A NATS server that is
// down at startup is not fatal; the publisher keeps reconnecting and
// /readyz reports it as degraded.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		llm:       providers.LLM,
		hub:       NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	// ── 1. Event fan-out ─────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 2. Playback session ──────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.producers = NewProducerManager(a.speaker)

	// ── 3. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.routes(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initEvents(ctx context.Context) error {
	a.observers = append(a.observers, playback.LogObserver{Logger: a.log}, a.hub)
	a.closers = append(a.closers, a.hub.Close)

	if a.cfg.History.Path != "" {
		store, err := history.Open(ctx, a.cfg.History, a.log)
		if err != nil {
			return err
		}
		a.history = store
		a.observers = append(a.observers, store)
		a.closers = append(a.closers, store.Close)
	}

	nc := a.cfg.Events.NATS
	if nc.URL == "" {
		return nil
	}
	pub, err := eventbus.Connect(nc, a.log)
	if err != nil {
		return err
	}
	a.publisher = pub
	a.observers = append(a.observers, pub)
	a.closers = append(a.closers, pub.Close)
	return nil
}

func (a *App) initSession() error {
	if a.speaker != nil {
		return nil
	}
	if a.providers.TTS == nil {
		return errors.New("no synthesis provider configured")
	}
	if a.providers.Output == nil {
		return errors.New("no audio output configured")
	}

	session := playback.New(a.providers.TTS, a.providers.Output,
		playback.WithObserver(a.observers...),
		playback.WithBufferCap(a.cfg.Audio.BufferCap),
		playback.WithBufferAhead(a.cfg.Audio.BufferAhead),
		playback.WithMetrics(a.metrics),
		playback.WithLogger(a.log),
		playback.WithSynthOptions(
			synth.WithVoice(a.cfg.Synthesis.Voice),
			synth.WithSegmentTimeout(a.cfg.Synthesis.SegmentTimeout),
		),
	)
	a.speaker = session
	// The session goes first so playback stops before its observers close.
	a.closers = append([]func() error{session.Close}, a.closers...)
	a.checkers = append(a.checkers, health.Device("audio_output", session))
	return nil
}

func (a *App) initHealth() {
	checkers := a.checkers
	if p, ok := a.providers.TTS.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("synthesis", p))
	}
	if a.publisher != nil {
		checkers = append(checkers, health.Connected("nats", a.publisher))
	}
	if a.history != nil {
		c := health.Ping("history", a.history)
		c.Optional = true
		checkers = append(checkers, c)
	}
	a.health = health.New(checkers...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP handler serving the whole API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves the HTTP API on cfg.Server.ListenAddr until ctx is cancelled,
// then shuts the server down gracefully. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
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
		// Event stream clients hold their connections open; close them first
		// so Shutdown does not wait for them.
		_ = a.hub.Close()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new and
// logs the rest. It is meant as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelFor(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.speaker.SetVoice(ctx, d.NewVoice); err != nil {
			a.log.Warn("failed to apply voice from config", "voice", d.NewVoice, "err", err)
		} else {
			a.log.Info("voice changed from config", "voice", d.NewVoice)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// LevelFor maps a config log level to a [slog.Level]. Unknown values map to
// [slog.LevelInfo].
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if a.producers != nil {
			a.producers.Stop()
		}

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
