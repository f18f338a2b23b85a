package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] over a [Pool] of upstreams. An
// upstream that keeps refusing handshakes is skipped until its breaker's
// reset timeout elapses.
//
// Only StartStream is protected: once a session is streaming, mid-session
// failures are the relay's concern and are never retried here.
type STTFallback struct {
	pool    *Pool[stt.Provider]
	primary string
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// upstream. When cfg.CircuitBreaker.IsFailure is nil, [IsUpstreamFailure] is
// used so that callers cancelling their own context do not trip the breaker.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = IsUpstreamFailure
	}
	pool := NewPool[stt.Provider](cfg)
	pool.Add(primaryName, primary)
	return &STTFallback{pool: pool, primary: primaryName}
}

// AddFallback registers an additional upstream, tried after those already
// registered.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.pool.Add(name, provider)
}

// Name returns the primary upstream's name.
func (f *STTFallback) Name() string { return f.primary }

// Available reports whether any upstream would currently be tried.
func (f *STTFallback) Available() bool { return f.pool.Available() }

// Breakers returns the per-upstream circuit breakers.
func (f *STTFallback) Breakers() []*CircuitBreaker { return f.pool.Breakers() }

// StartStream opens a session against the first healthy upstream. Failures
// are always reported as [stt.ErrUpstreamUnavailable], including the case
// where every breaker is open.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, name, err := Call(ctx, f.pool, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		if errors.Is(err, stt.ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, stt.Unavailable("stt fallback", err)
	}
	if name != f.primary {
		slog.Info("stt session served by fallback upstream", "upstream", name, "primary", f.primary)
	}
	return h, nil
}

// IsUpstreamFailure reports whether err should count against an upstream's
// circuit breaker. Cancellation by the caller does not; a handshake timeout
// does.
func IsUpstreamFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
