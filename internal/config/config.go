// Package config provides the configuration schema, loader, and provider registry
// for the speakloop server.
package config

import "time"

// LogLevel controls log verbosity for the speakloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultSynthesisURL    = "ws://localhost:8766"
	DefaultVoice           = "zh-CN-XiaoxiaoNeural"
	DefaultSampleRate      = 24000
	DefaultFramesPerBuffer = 480
	DefaultBufferCap       = 10 * time.Second
	DefaultBufferAhead     = 500 * time.Millisecond
	DefaultSegmentTimeout  = 30 * time.Second
	DefaultSubjectPrefix   = "speakloop.events"
)

// Config is the root configuration structure for speakloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Audio         AudioConfig         `yaml:"audio"`
	LLM           LLMConfig           `yaml:"llm"`
	Events        EventsConfig        `yaml:"events"`
	History       HistoryConfig       `yaml:"history"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "websocket", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Usually written as "${OPENAI_API_KEY}" and expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SynthesisConfig selects the synthesis channels.
type SynthesisConfig struct {
	// Primary is the preferred channel. Defaults to the websocket client.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary is unreachable.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Voice is the default voice. It can be changed without a restart.
	Voice string `yaml:"voice"`

	// SegmentTimeout bounds the synthesis of one segment.
	SegmentTimeout time.Duration `yaml:"segment_timeout"`

	// CircuitBreaker tunes the per-channel breakers.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors the tunables of a resilience circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AudioConfig describes the output device and the playback buffer.
type AudioConfig struct {
	// Output selects the device implementation ("portaudio" or "null").
	Output ProviderEntry `yaml:"output"`

	// SampleRate is the device rate in Hz. All decoded audio is resampled to it.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of device channels. Playback is mono and copied
	// to each channel.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the device callback block size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// BufferCap is the ring buffer capacity expressed as playback time.
	BufferCap time.Duration `yaml:"buffer_cap"`

	// BufferAhead is how much audio is queued ahead of the device.
	BufferAhead time.Duration `yaml:"buffer_ahead"`
}

// LLMConfig configures the optional text producer behind POST /v1/chat.
type LLMConfig struct {
	// Primary is the preferred backend. An empty name disables /v1/chat.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// SystemPrompt is sent ahead of every chat prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature in [0, 2]. Zero means the provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// EventsConfig configures playback event fan-out beyond the built-in
// websocket stream.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS publisher. An empty URL disables it.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `yaml:"url"`

	// SubjectPrefix is prepended to the event kind. Default "speakloop.events".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HistoryConfig configures the SQLite turn history behind GET /v1/history.
type HistoryConfig struct {
	// Path is the database file. An empty path disables history.
	Path string `yaml:"path"`

	// RetentionDays drops turns older than this many days on startup.
	// Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`

	// MaxTurns keeps only the newest turns. Zero means unlimited.
	MaxTurns int `yaml:"max_turns"`
}

// ObservabilityConfig configures telemetry.
type ObservabilityConfig struct {
	// ServiceName is reported in telemetry. Default "speakloop".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus handler is mounted. Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`

	// OTLPEndpoint sends traces to an OTLP/gRPC collector (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// TraceStdout prints spans to stdout when no collector is configured.
	TraceStdout bool `yaml:"trace_stdout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Synthesis.Primary.Name == "" {
		cfg.Synthesis.Primary.Name = "websocket"
	}
	if cfg.Synthesis.Primary.Name == "websocket" && cfg.Synthesis.Primary.BaseURL == "" {
		cfg.Synthesis.Primary.BaseURL = DefaultSynthesisURL
	}
	if cfg.Synthesis.Voice == "" {
		cfg.Synthesis.Voice = DefaultVoice
	}
	if cfg.Synthesis.SegmentTimeout == 0 {
		cfg.Synthesis.SegmentTimeout = DefaultSegmentTimeout
	}
	if cfg.Audio.Output.Name == "" {
		cfg.Audio.Output.Name = "portaudio"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Audio.BufferCap == 0 {
		cfg.Audio.BufferCap = DefaultBufferCap
	}
	if cfg.Audio.BufferAhead == 0 {
		cfg.Audio.BufferAhead = DefaultBufferAhead
	}
	if cfg.Events.NATS.SubjectPrefix == "" {
		cfg.Events.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "speakloop"
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
}
