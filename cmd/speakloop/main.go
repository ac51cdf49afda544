// Command speakloop is the main entry point for the speakloop playback server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speakloop/internal/app"
	"github.com/MrWong99/speakloop/internal/config"
	"github.com/MrWong99/speakloop/internal/health"
	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/resilience"
	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/audio/null"
	"github.com/MrWong99/speakloop/pkg/audio/portaudio"
	"github.com/MrWong99/speakloop/pkg/provider/llm"
	"github.com/MrWong99/speakloop/pkg/provider/llm/anyllm"
	"github.com/MrWong99/speakloop/pkg/provider/llm/openai"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
	"github.com/MrWong99/speakloop/pkg/provider/tts/coqui"
	"github.com/MrWong99/speakloop/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/speakloop/pkg/provider/tts/wsclient"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config is parsed")
	watch := flag.Bool("watch", true, "reload log level and voice when the config file changes")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("speakloop", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "speakloop: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speakloop: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speakloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.LevelFor(cfg.Server.LogLevel))
	logger := newLogger(&level)
	slog.SetDefault(logger)

	slog.Info("speakloop starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
		StdoutTraces:   cfg.Observability.TraceStdout,
		TraceWriter:    os.Stdout,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, ex, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer ex.close()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(&level),
		app.WithLogger(logger),
		app.WithMetricsHandler(promhttp.Handler()),
		app.WithHealthCheckers(ex.checkers...),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterTTS("websocket", func(entry config.ProviderEntry) (tts.Provider, error) {
		cb := cfg.Synthesis.CircuitBreaker
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "websocket-dial",
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		})
		opts := []wsclient.Option{
			wsclient.WithVoice(cfg.Synthesis.Voice),
			wsclient.WithBreaker(breaker),
		}
		if d, err := time.ParseDuration(entry.StringOption("dial_timeout", "")); err == nil {
			opts = append(opts, wsclient.WithDialTimeout(d))
		}
		return wsclient.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{
			coqui.WithAPIMode(coqui.APIMode(entry.StringOption("api_mode", string(coqui.APIModeStandard)))),
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if voice := entry.StringOption("voice", ""); voice != "" {
			opts = append(opts, coqui.WithVoice(voice))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{
			elevenlabs.WithVoice(entry.StringOption("voice", cfg.Synthesis.Voice)),
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.StringOption("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.StringOption("vendor", "openai"), entry.Model, opts...)
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("portaudio", func(a config.AudioConfig) (audio.Output, error) {
		return portaudio.New(portaudio.Config{
			SampleRate:      a.SampleRate,
			Channels:        a.Channels,
			FramesPerBuffer: a.FramesPerBuffer,
		})
	})

	reg.RegisterOutput("null", func(a config.AudioConfig) (audio.Output, error) {
		return null.New(a.SampleRate, a.FramesPerBuffer)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// extras collects provider-specific health checks and cleanup that the app
// does not know about.
type extras struct {
	checkers []health.Checker
	closers  []func() error
}

func (e *extras) close() {
	for _, c := range e.closers {
		if err := c(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}
}

// track registers health checks and cleanup for p when it supports them.
// Checks on fallbacks are optional so a dead fallback only degrades readiness.
func (e *extras) track(name string, p any, optional bool) {
	if c, ok := p.(*wsclient.Client); ok {
		chk := health.Ping(name, c)
		chk.Optional = optional
		e.checkers = append(e.checkers, chk)
		e.closers = append(e.closers, c.Close)
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, *extras, error) {
	ps := &app.Providers{}
	ex := &extras{}
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Synthesis.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Synthesis.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  cfg.Synthesis.CircuitBreaker.HalfOpenMax,
	}}

	// Synthesis: primary plus optional fallbacks.
	primary, err := reg.CreateTTS(cfg.Synthesis.Primary)
	if err != nil {
		return nil, ex, fmt.Errorf("create synthesis provider %q: %w", cfg.Synthesis.Primary.Name, err)
	}
	ex.track("synthesis", primary, false)
	slog.Info("provider created", "kind", "synthesis", "name", cfg.Synthesis.Primary.Name)
	ps.TTS = primary
	if len(cfg.Synthesis.Fallbacks) > 0 {
		group := resilience.NewTTSFallback(primary, cfg.Synthesis.Primary.Name, fbCfg)
		for i, entry := range cfg.Synthesis.Fallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				ex.close()
				return nil, ex, fmt.Errorf("create synthesis fallback %q: %w", entry.Name, err)
			}
			ex.track(fmt.Sprintf("synthesis_fallback_%d", i), p, true)
			group.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "synthesis", "name", entry.Name, "role", "fallback")
		}
		ps.TTS = group
	}

	// LLM: optional.
	if name := cfg.LLM.Primary.Name; name != "" {
		p, err := reg.CreateLLM(cfg.LLM.Primary)
		if err != nil {
			ex.close()
			return nil, ex, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)
		ps.LLM = p
		if len(cfg.LLM.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
			for _, entry := range cfg.LLM.Fallbacks {
				fb, err := reg.CreateLLM(entry)
				if err != nil {
					ex.close()
					return nil, ex, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
			}
			ps.LLM = group
		}
	}

	// Output device.
	out, err := reg.CreateOutput(cfg.Audio)
	if err != nil {
		ex.close()
		return nil, ex, fmt.Errorf("create audio output %q: %w", cfg.Audio.Output.Name, err)
	}
	slog.Info("provider created", "kind", "output", "name", cfg.Audio.Output.Name, "sample_rate", out.SampleRate())
	ps.Output = out

	return ps, ex, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       speakloop startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Synthesis", cfg.Synthesis.Primary.Name)
	for _, fb := range cfg.Synthesis.Fallbacks {
		printRow("  fallback", fb.Name)
	}
	printRow("Voice", cfg.Synthesis.Voice)
	printRow("LLM", joinModel(cfg.LLM.Primary.Name, cfg.LLM.Primary.Model))
	printRow("Output", fmt.Sprintf("%s @ %d Hz", cfg.Audio.Output.Name, cfg.Audio.SampleRate))
	if cfg.Events.NATS.URL != "" {
		printRow("NATS", cfg.Events.NATS.URL)
	} else {
		printRow("NATS", "(disabled)")
	}
	if cfg.History.Path != "" {
		printRow("History", cfg.History.Path)
	} else {
		printRow("History", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func joinModel(name, model string) string {
	if name == "" || model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Printf("║  %-12s : %-22s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
