package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"synthesis": {"websocket", "coqui", "elevenlabs"},
	"llm":       {"openai", "anyllm"},
	"output":    {"portaudio", "null"},
}

// envRef matches ${VAR} references. Bare $VAR is left alone so prompts and
// URLs may contain dollar signs.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=value pairs from the given dotenv files into the process
// environment. Missing files are skipped and variables that are already set
// are not overridden.
func LoadEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// ${VAR} references are expanded from the environment before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} references in s with the value of the environment
// variable. Unset variables expand to the empty string and are logged.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references unset environment variable", "name", name)
		}
		return v
	})
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

	// Synthesis
	errs = append(errs, validateSynthesisEntry("synthesis.primary", cfg.Synthesis.Primary)...)
	for i, fb := range cfg.Synthesis.Fallbacks {
		errs = append(errs, validateSynthesisEntry(fmt.Sprintf("synthesis.fallbacks[%d]", i), fb)...)
	}
	if cfg.Synthesis.SegmentTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.segment_timeout %v must not be negative", cfg.Synthesis.SegmentTimeout))
	}
	cb := cfg.Synthesis.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("synthesis.circuit_breaker values must not be negative"))
	}

	// Audio
	a := cfg.Audio
	validateProviderName("output", a.Output.Name)
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", a.Channels))
	}
	if a.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", a.FramesPerBuffer))
	}
	if a.BufferCap <= 0 || a.BufferAhead <= 0 {
		errs = append(errs, errors.New("audio.buffer_cap and audio.buffer_ahead must be positive"))
	} else if a.BufferAhead > a.BufferCap {
		errs = append(errs, fmt.Errorf("audio.buffer_ahead %v exceeds audio.buffer_cap %v", a.BufferAhead, a.BufferCap))
	}

	// LLM
	if cfg.LLM.Primary.Name == "" && len(cfg.LLM.Fallbacks) > 0 {
		errs = append(errs, errors.New("llm.fallbacks requires llm.primary"))
	}
	validateProviderName("llm", cfg.LLM.Primary.Name)
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Primary.Name == "openai" && cfg.LLM.Primary.APIKey == "" && cfg.LLM.Primary.BaseURL == "" {
		slog.Warn("llm.primary has no api_key; requests to the hosted API will be rejected")
	}

	// Events
	if u := cfg.Events.NATS.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("events.nats.url %q is not a valid URL", u))
		}
	}

	// History
	if h := cfg.History; h.RetentionDays < 0 || h.MaxTurns < 0 {
		errs = append(errs, errors.New("history.retention_days and history.max_turns must not be negative"))
	}

	// Observability
	if p := cfg.Observability.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// validateSynthesisEntry checks one synthesis channel entry.
func validateSynthesisEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		return append(errs, fmt.Errorf("%s.name is required", prefix))
	}
	validateProviderName("synthesis", e.Name)
	switch e.Name {
	case "websocket":
		if !strings.HasPrefix(e.BaseURL, "ws://") && !strings.HasPrefix(e.BaseURL, "wss://") {
			errs = append(errs, fmt.Errorf("%s.base_url %q must use ws:// or wss://", prefix, e.BaseURL))
		}
	case "coqui":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for coqui", prefix))
		}
	case "elevenlabs":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for elevenlabs", prefix))
		}
	}
	return errs
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
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
