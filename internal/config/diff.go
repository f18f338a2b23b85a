package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only LogLevel and Debug are applied at runtime; every other changed section
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebugChanged bool
	DebugEnabled bool

	// RestartRequired names changed sections that only take effect after a
	// restart (e.g. "upstream", "audio").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DebugChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Debug.IsEnabled() != new.Debug.IsEnabled() {
		d.DebugChanged = true
		d.DebugEnabled = new.Debug.IsEnabled()
	}

	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !upstreamEqual(old.Upstream, new.Upstream) {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD.IsEnabled() != new.VAD.IsEnabled() ||
		old.VAD.SilenceDurationMS != new.VAD.SilenceDurationMS ||
		old.VAD.Threshold != new.VAD.Threshold ||
		old.VAD.PrefixPaddingMS != new.VAD.PrefixPaddingMS {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// serverEqual ignores LogLevel, which is hot-reloadable.
func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) || (a.TLS != nil && *a.TLS != *b.TLS) {
		return false
	}
	return slices.Equal(a.AllowedOrigins, b.AllowedOrigins) &&
		slices.Equal(a.AllowedOriginPatterns, b.AllowedOriginPatterns)
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return slices.EqualFunc(
		append([]ProviderEntry{a.ProviderEntry}, a.Fallbacks...),
		append([]ProviderEntry{b.ProviderEntry}, b.Fallbacks...),
		entryEqual,
	)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !scalarEqual(v, w) {
			return false
		}
	}
	return true
}

// scalarEqual compares option values; non-comparable values (nested maps,
// lists) are treated as changed.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	return false
}
