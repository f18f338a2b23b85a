package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/sttrelay/internal/debugring"
	"github.com/MrWong99/sttrelay/internal/observe"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

// defaultReadLimit caps a single inbound frame. One second of 16 kHz PCM16 is
// 32 KiB; clients send far smaller frames.
const defaultReadLimit = 1 << 20

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Stream is the stream configuration every session declares upstream.
	Stream stt.StreamConfig

	// FramingPolicy applies to invalid inbound frames.
	FramingPolicy FramingPolicy

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration

	// UpstreamName labels metrics.
	UpstreamName string

	// OriginPatterns are the host patterns browsers may connect from, as
	// produced by [OriginPatterns]. Requests without an Origin header and
	// same-host requests are always accepted.
	OriginPatterns []string

	// ReadLimit caps a single inbound frame in bytes. Default: 1 MiB.
	ReadLimit int64
}

// Server is the http.Handler for the client WebSocket endpoint. Each accepted
// connection gets a fresh session id and its own upstream session.
type Server struct {
	provider stt.Provider
	cfg      ServerConfig
	rings    *debugring.Set
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Int64

	// mu orders admissions against Shutdown so wg.Add never races wg.Wait.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewServer creates a Server that opens upstream sessions via provider and
// records into rings and m.
func NewServer(provider stt.Provider, cfg ServerConfig, rings *debugring.Set, m *observe.Metrics) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if rings == nil {
		rings = debugring.NewSet(debugring.DefaultCapacity)
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		provider: provider,
		cfg:      cfg,
		rings:    rings,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ServeHTTP upgrades the request and runs a relay session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("websocket upgrade rejected",
			"remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.active.Add(1)
	defer s.active.Add(-1)

	// Hijacked connections are not cancelled by http.Server.Shutdown, so the
	// session is also bound to the server's own lifetime.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	id := uuid.NewString()
	observe.Logger(ctx).Info("client connected",
		"session_id", id, "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"))

	sess := NewSession(conn, s.provider, SessionConfig{
		ID:            id,
		Stream:        s.cfg.Stream,
		FramingPolicy: s.cfg.FramingPolicy,
		WriteTimeout:  s.cfg.WriteTimeout,
		UpstreamName:  s.cfg.UpstreamName,
	}, WithRings(s.rings), WithMetrics(s.metrics))

	// Run logs its own outcome.
	_ = sess.Run(ctx)
}

// admit registers a request with wg unless Shutdown has begun.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// Active returns the number of sessions currently running.
func (s *Server) Active() int64 { return s.active.Load() }

// Shutdown stops accepting sessions, closes the running ones with
// StatusGoingAway, and waits for them to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
