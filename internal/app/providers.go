package app

import (
	"log/slog"
	"time"

	"github.com/MrWong99/sttrelay/internal/config"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
	"github.com/MrWong99/sttrelay/pkg/provider/stt/deepgram"
	"github.com/MrWong99/sttrelay/pkg/provider/stt/openai"
)

// RegisterBuiltinProviders wires the upstream factories that ship with
// sttrelay into reg. handshakeTimeout bounds every upstream dial.
func RegisterBuiltinProviders(reg *config.Registry, handshakeTimeout time.Duration) {
	reg.RegisterSTT(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []openai.Option{openai.WithHandshakeTimeout(handshakeTimeout)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT(config.ProviderDeepgram, func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithDialTimeout(handshakeTimeout)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}
