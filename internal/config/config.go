// Package config provides the configuration schema, loader, and provider
// registry for the sttrelay server.
//
// Configuration comes from an optional YAML file, then environment variables
// (optionally seeded from a .env file), then defaults. The result is
// validated once and treated as immutable; a [Watcher] can reload the file
// and report which hot-reloadable fields changed via [Diff].
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the sttrelay server.
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

// Slog maps l onto the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Upstream provider names understood by the default registry.
const (
	ProviderOpenAIRealtime = "openai-realtime"
	ProviderDeepgram       = "deepgram"
)

// Config is the root configuration structure for sttrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Relay     RelayConfig     `yaml:"relay"`
	Debug     DebugConfig     `yaml:"debug"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network, CORS and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists exact browser origins (scheme://host[:port]) that
	// may call the HTTP endpoints and open the WebSocket.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowedOriginPatterns lists host glob patterns such as "*.lovable.app".
	AllowedOriginPatterns []string `yaml:"allowed_origin_patterns"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the configuration block for one STT upstream.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai-realtime", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the transcription model (e.g., "gpt-4o-mini-transcribe", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above. Recognised keys: "probe_credentials" (bool).
	Options map[string]any `yaml:"options"`
}

// BoolOption returns Options[key] as a bool, or def when unset or not a bool.
func (e ProviderEntry) BoolOption(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}

// UpstreamConfig is the primary upstream plus optional fallbacks tried in
// order when the primary's handshakes keep failing.
type UpstreamConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order after the primary.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// AudioConfig declares the PCM16 stream format clients send.
type AudioConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language hint passed upstream. Default: "sv".
	Language string `yaml:"language"`
}

// VADConfig configures server-side voice activity detection upstream.
type VADConfig struct {
	// Enabled turns on upstream auto-commit. Default: true.
	Enabled *bool `yaml:"enabled"`

	// SilenceDurationMS is the trailing silence that ends an utterance.
	SilenceDurationMS int `yaml:"silence_duration_ms"`

	// Threshold is the activation threshold in [0, 1].
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMS is the audio kept before detected speech start.
	PrefixPaddingMS int `yaml:"prefix_padding_ms"`
}

// IsEnabled reports whether server-side VAD is on.
func (v VADConfig) IsEnabled() bool { return v.Enabled == nil || *v.Enabled }

// RelayConfig tunes relay sessions.
type RelayConfig struct {
	// RingSize is the capacity of each debug ring. Default: 200.
	RingSize int `yaml:"ring_size"`

	// FramingPolicy is "drop" or "terminate". Default: "drop".
	FramingPolicy string `yaml:"framing_policy"`

	// HandshakeTimeout bounds the upstream session handshake. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds each write to a client. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CircuitBreaker guards upstream handshakes.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors the tunables of the upstream breakers.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive handshake failures that open
	// the breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects handshakes. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DebugConfig controls the /debug ring endpoints.
type DebugConfig struct {
	// Enabled exposes the debug endpoints. Default: true. Hot-reloadable.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the debug endpoints are served.
func (d DebugConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry resources. Default: "sttrelay".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// PublicView is the non-secret subset of the effective configuration served
// on GET /config.
type PublicView struct {
	Upstream              string   `json:"upstream"`
	Model                 string   `json:"model"`
	Language              string   `json:"language"`
	SampleRate            int      `json:"sample_rate"`
	VADEnabled            bool     `json:"vad_enabled"`
	SilenceDurationMS     int      `json:"silence_duration_ms"`
	FramingPolicy         string   `json:"framing_policy"`
	RingSize              int      `json:"ring_size"`
	DebugEnabled          bool     `json:"debug_enabled"`
	AllowedOrigins        []string `json:"allowed_origins"`
	AllowedOriginPatterns []string `json:"allowed_origin_patterns"`
}

// Public returns the non-secret view of c.
func (c *Config) Public() PublicView {
	return PublicView{
		Upstream:              c.Upstream.Name,
		Model:                 c.Upstream.Model,
		Language:              c.Audio.Language,
		SampleRate:            c.Audio.SampleRate,
		VADEnabled:            c.VAD.IsEnabled(),
		SilenceDurationMS:     c.VAD.SilenceDurationMS,
		FramingPolicy:         c.Relay.FramingPolicy,
		RingSize:              c.Relay.RingSize,
		DebugEnabled:          c.Debug.IsEnabled(),
		AllowedOrigins:        append([]string(nil), c.Server.AllowedOrigins...),
		AllowedOriginPatterns: append([]string(nil), c.Server.AllowedOriginPatterns...),
	}
}
