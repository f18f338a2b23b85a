package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the upstream names the default registry knows.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{ProviderOpenAIRealtime, ProviderDeepgram}

// DefaultAllowedOrigins are the browser origins allowed when none are
// configured: the hosted front-end plus common local dev servers.
var DefaultAllowedOrigins = []string{
	"https://stefan-api-test-6.lovable.app",
	"http://localhost:5173",
	"http://localhost:3000",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:3000",
}

// DefaultAllowedOriginPatterns are the origin host patterns allowed when none
// are configured.
var DefaultAllowedOriginPatterns = []string{"*.lovable.app"}

// Defaults.
const (
	DefaultListenAddr       = ":8000"
	DefaultModel            = "gpt-4o-mini-transcribe"
	DefaultSampleRate       = 16000
	DefaultLanguage         = "sv"
	DefaultSilenceMS        = 550
	DefaultThreshold        = 0.5
	DefaultPrefixPaddingMS  = 300
	DefaultRingSize         = 200
	DefaultFramingPolicy    = "drop"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMetricsPath      = "/metrics"
	DefaultServiceName      = "sttrelay"
)

// Environment variables read by [ApplyEnv].
const (
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvDeepgramKey    = "DEEPGRAM_API_KEY"
	EnvModel          = "OPENAI_REALTIME_MODEL"
	EnvLanguage       = "LANGUAGE"
	EnvSampleRate     = "SAMPLE_RATE"
	EnvRingSize       = "RING_SIZE"
	EnvAllowedOrigins = "ALLOWED_ORIGINS"
	EnvListenAddr     = "LISTEN_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment and defaults, and validates the
// result. An empty path configures from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return Finalize(&Config{}, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := loadBytes(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Finalize(cfg, nil)
}

func loadBytes(data []byte, lookup LookupFunc) (*Config, error) {
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Finalize(cfg, lookup)
}

// Decode strictly decodes YAML from r. Unknown keys are errors. An empty
// document yields a zero Config.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Finalize applies environment overrides (when lookup is non-nil), then
// defaults, then validates cfg in place.
func Finalize(cfg *Config, lookup LookupFunc) (*Config, error) {
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set. An empty
// path means "./.env"; a missing default file is not an error.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	slog.Debug("loaded environment file", "path", path)
	return nil
}

// ApplyEnv overrides cfg fields from environment variables. Set variables
// take precedence over the YAML file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str(EnvListenAddr, &cfg.Server.ListenAddr)
	var level string
	str(EnvLogLevel, &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}
	str(EnvLanguage, &cfg.Audio.Language)
	num(EnvSampleRate, &cfg.Audio.SampleRate)
	num(EnvRingSize, &cfg.Relay.RingSize)
	if v, ok := lookup(EnvAllowedOrigins); ok && strings.TrimSpace(v) != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	if cfg.Upstream.Name == "" || cfg.Upstream.Name == ProviderOpenAIRealtime {
		str(EnvModel, &cfg.Upstream.Model)
	}
	applyKey(&cfg.Upstream.ProviderEntry, lookup)
	for i := range cfg.Upstream.Fallbacks {
		applyKey(&cfg.Upstream.Fallbacks[i], lookup)
	}
	return errors.Join(errs...)
}

// applyKey sets the API key from the provider's conventional variable, if set.
func applyKey(e *ProviderEntry, lookup LookupFunc) {
	var key string
	switch e.Name {
	case "", ProviderOpenAIRealtime:
		key = EnvOpenAIKey
	case ProviderDeepgram:
		key = EnvDeepgramKey
	default:
		return
	}
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		e.APIKey = strings.TrimSpace(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.AllowedOrigins) == 0 && len(cfg.Server.AllowedOriginPatterns) == 0 {
		cfg.Server.AllowedOrigins = slices.Clone(DefaultAllowedOrigins)
		cfg.Server.AllowedOriginPatterns = slices.Clone(DefaultAllowedOriginPatterns)
	}

	if cfg.Upstream.Name == "" {
		cfg.Upstream.Name = ProviderOpenAIRealtime
	}
	if cfg.Upstream.Model == "" && cfg.Upstream.Name == ProviderOpenAIRealtime {
		cfg.Upstream.Model = DefaultModel
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Language == "" {
		cfg.Audio.Language = DefaultLanguage
	}

	if cfg.VAD.SilenceDurationMS == 0 {
		cfg.VAD.SilenceDurationMS = DefaultSilenceMS
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = DefaultThreshold
	}
	if cfg.VAD.PrefixPaddingMS == 0 {
		cfg.VAD.PrefixPaddingMS = DefaultPrefixPaddingMS
	}

	if cfg.Relay.RingSize == 0 {
		cfg.Relay.RingSize = DefaultRingSize
	}
	if cfg.Relay.FramingPolicy == "" {
		cfg.Relay.FramingPolicy = DefaultFramingPolicy
	}
	if cfg.Relay.HandshakeTimeout == 0 {
		cfg.Relay.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Relay.CircuitBreaker.MaxFailures == 0 {
		cfg.Relay.CircuitBreaker.MaxFailures = 5
	}
	if cfg.Relay.CircuitBreaker.ResetTimeout == 0 {
		cfg.Relay.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
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
	for i, o := range cfg.Server.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q must be scheme://host[:port]", i, o))
		}
	}
	for i, p := range cfg.Server.AllowedOriginPatterns {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origin_patterns[%d] %q: %w", i, p, err))
		}
	}

	// Upstreams
	errs = append(errs, validateEntry("upstream", cfg.Upstream.ProviderEntry)...)
	for i, fb := range cfg.Upstream.Fallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("upstream.fallbacks[%d]", i), fb)...)
	}

	// Audio
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}

	// VAD
	if cfg.VAD.SilenceDurationMS < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d must not be negative", cfg.VAD.SilenceDurationMS))
	}
	if cfg.VAD.PrefixPaddingMS < 0 {
		errs = append(errs, fmt.Errorf("vad.prefix_padding_ms %d must not be negative", cfg.VAD.PrefixPaddingMS))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}

	// Relay
	if cfg.Relay.RingSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.ring_size %d must be positive", cfg.Relay.RingSize))
	}
	switch cfg.Relay.FramingPolicy {
	case "", "drop", "terminate":
	default:
		errs = append(errs, fmt.Errorf("relay.framing_policy %q is invalid; valid values: drop, terminate", cfg.Relay.FramingPolicy))
	}
	if cfg.Relay.HandshakeTimeout < 0 || cfg.Relay.WriteTimeout < 0 {
		errs = append(errs, errors.New("relay timeouts must not be negative"))
	}

	// Telemetry
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	if e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required (or set %s)", prefix, envKeyFor(e.Name)))
	}
	if e.BaseURL != "" {
		if u, err := url.Parse(e.BaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.base_url %q is not an absolute URL", prefix, e.BaseURL))
		}
	}
	validateProviderName(prefix, e.Name)
	return errs
}

func envKeyFor(name string) string {
	if name == ProviderDeepgram {
		return EnvDeepgramKey
	}
	return EnvOpenAIKey
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(field, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
