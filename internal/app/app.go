// Package app wires the sttrelay subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the upstream provider
// chain, debug rings, relay server and HTTP routes; Run serves until the
// context is cancelled; Shutdown closes live relay sessions and drains the
// HTTP server.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithMetrics, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/sttrelay/internal/config"
	"github.com/MrWong99/sttrelay/internal/debugring"
	"github.com/MrWong99/sttrelay/internal/health"
	"github.com/MrWong99/sttrelay/internal/observe"
	"github.com/MrWong99/sttrelay/internal/relay"
	"github.com/MrWong99/sttrelay/internal/resilience"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg *config.Config

	registry       *config.Registry
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	upstream *resilience.STTFallback
	rings    *debugring.Set
	debug    *debugring.Handler
	relay    *relay.Server
	health   *health.Handler
	handler  http.Handler

	mu  sync.Mutex
	srv *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at the configured metrics path.
// Default: promhttp.Handler() over the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar sets the level variable that hot-reloaded log levels are
// written to.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated config. Provider construction errors
// are returned; nothing is dialled until the first client connects.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinProviders(a.registry, cfg.Relay.HandshakeTimeout)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. Upstream chain ────────────────────────────────────────────────
	if err := a.initUpstream(); err != nil {
		return nil, fmt.Errorf("app: init upstream: %w", err)
	}

	// ── 2. Debug rings ───────────────────────────────────────────────────
	a.rings = debugring.NewSet(cfg.Relay.RingSize)
	a.debug = debugring.NewHandler(a.rings)
	a.debug.SetEnabled(cfg.Debug.IsEnabled())

	// ── 3. Relay server ──────────────────────────────────────────────────
	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 4. Health checks ─────────────────────────────────────────────────
	a.initHealth()

	// ── 5. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initUpstream creates the primary provider and its fallbacks behind
// per-upstream circuit breakers.
func (a *App) initUpstream() error {
	up := a.cfg.Upstream
	primary, err := a.registry.CreateSTT(up.ProviderEntry)
	if err != nil {
		return fmt.Errorf("create stt provider %q: %w", up.Name, err)
	}

	m := a.metrics
	a.upstream = resilience.NewSTTFallback(primary, up.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Relay.CircuitBreaker.MaxFailures,
			ResetTimeout: a.cfg.Relay.CircuitBreaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("upstream circuit breaker state change", "upstream", name, "from", from, "to", to)
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	slog.Info("provider created", "kind", "stt", "name", up.Name, "model", up.Model)

	for i, fb := range up.Fallbacks {
		p, err := a.registry.CreateSTT(fb)
		if err != nil {
			return fmt.Errorf("create fallback %d (%q): %w", i, fb.Name, err)
		}
		a.upstream.AddFallback(fb.Name, p)
		slog.Info("fallback provider created", "kind", "stt", "name", fb.Name, "model", fb.Model)
	}
	return nil
}

// initRelay builds the /ws handler from the audio, VAD and relay sections.
func (a *App) initRelay() error {
	policy, err := relay.ParseFramingPolicy(a.cfg.Relay.FramingPolicy)
	if err != nil {
		return err
	}
	origins, err := relay.OriginPatterns(a.cfg.Server.AllowedOrigins, a.cfg.Server.AllowedOriginPatterns)
	if err != nil {
		return err
	}
	a.relay = relay.NewServer(a.upstream, relay.ServerConfig{
		Stream:         StreamConfig(a.cfg),
		FramingPolicy:  policy,
		WriteTimeout:   a.cfg.Relay.WriteTimeout,
		UpstreamName:   a.cfg.Upstream.Name,
		OriginPatterns: origins,
	}, a.rings, a.metrics)
	return nil
}

// initHealth registers the readiness checkers.
func (a *App) initHealth() {
	checkers := []health.Checker{
		{Name: "config", Check: func(context.Context) error {
			if a.cfg.Upstream.APIKey == "" {
				return errors.New("upstream api_key is not set")
			}
			return nil
		}},
		health.UpstreamAvailable(a.upstream.Available),
	}
	up := a.cfg.Upstream
	if up.Name == config.ProviderOpenAIRealtime && up.BoolOption("probe_credentials", false) {
		var opts []health.ProbeOption
		if up.BaseURL != "" {
			opts = append(opts, health.WithProbeBaseURL(up.BaseURL))
		}
		checkers = append(checkers, health.OpenAIProbe(up.APIKey, up.Model, opts...))
	}
	a.health = health.New(checkers...)
}

// routes assembles the HTTP handler tree. The WebSocket endpoint performs
// its own origin check; every other route is JSON and goes through CORS.
func (a *App) routes() http.Handler {
	api := http.NewServeMux()
	a.health.Register(api)
	a.debug.Register(api)
	api.HandleFunc("GET /config", a.serveConfig)
	api.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.metricsHandler)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.relay)
	mux.Handle("/", newCORS(a.cfg.Server.AllowedOrigins, a.cfg.Server.AllowedOriginPatterns, api))

	quiet := observe.WithQuietPaths("/healthz", "/readyz", a.cfg.Telemetry.MetricsPath)
	return observe.Middleware(a.metrics, quiet)(mux)
}

func (a *App) serveConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(a.cfg.Public())
}

// StreamConfig derives the per-session upstream stream configuration.
func StreamConfig(cfg *config.Config) stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Language:   cfg.Audio.Language,
		VAD: stt.VADConfig{
			Enabled:         cfg.VAD.IsEnabled(),
			SilenceDuration: time.Duration(cfg.VAD.SilenceDurationMS) * time.Millisecond,
			Threshold:       cfg.VAD.Threshold,
			PrefixPadding:   time.Duration(cfg.VAD.PrefixPaddingMS) * time.Millisecond,
		},
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Rings returns the debug rings shared by all sessions.
func (a *App) Rings() *debugring.Set { return a.rings }

// ActiveSessions reports the number of live relay sessions.
func (a *App) ActiveSessions() int64 { return a.relay.Active() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then returns ctx.Err(). Call Shutdown afterwards to drain connections.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	slog.Info("relay listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyDiff applies the hot-reloadable parts of a config change. Sections
// that need a restart are logged and otherwise ignored.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DebugChanged {
		a.debug.SetEnabled(d.DebugEnabled)
		slog.Info("debug endpoints toggled", "enabled", d.DebugEnabled)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes live relay sessions with a going-away status, then drains
// the HTTP server. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.relay.Active())
		a.health.Drain()

		// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
		if err := a.relay.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
