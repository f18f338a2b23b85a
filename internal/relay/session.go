// Package relay bridges one client WebSocket to one upstream streaming
// transcription session.
//
// A [Session] runs two goroutines under an errgroup: the client reader
// validates PCM16 frames, accounts for samples and forwards audio upstream in
// arrival order; the event pump translates upstream events into partial/final
// messages with derived timestamps and writes them to the client in order.
// Either side ending ends the session, and the upstream session is closed
// exactly once on every exit path.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sttrelay/internal/debugring"
	"github.com/MrWong99/sttrelay/internal/observe"
	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

var (
	// ErrClientDisconnected marks the client closing its channel. It is the
	// normal way for a session to end; [Session.Run] returns nil for it.
	ErrClientDisconnected = errors.New("relay: client disconnected")

	// ErrUpstreamLost marks the upstream connection ending mid-session
	// without an error event.
	ErrUpstreamLost = errors.New("relay: upstream connection lost")
)

// FramingPolicy decides what happens to an inbound frame that is not valid
// PCM16 audio or a known control message.
type FramingPolicy string

const (
	// FramingDrop logs and counts the frame, then keeps the session open.
	FramingDrop FramingPolicy = "drop"

	// FramingTerminate closes the client with StatusUnsupportedData.
	FramingTerminate FramingPolicy = "terminate"
)

// ParseFramingPolicy parses a policy name. The empty string yields
// [FramingDrop].
func ParseFramingPolicy(s string) (FramingPolicy, error) {
	switch FramingPolicy(s) {
	case "", FramingDrop:
		return FramingDrop, nil
	case FramingTerminate:
		return FramingTerminate, nil
	default:
		return "", fmt.Errorf("relay: unknown framing policy %q (want %q or %q)", s, FramingDrop, FramingTerminate)
	}
}

// Control message types accepted as text frames.
const (
	controlReset = "reset"
	controlFlush = "flush"
)

// Session outcomes reported in metrics and logs.
const (
	OutcomeClientClosed        = "client_closed"
	OutcomeUpstreamUnavailable = "upstream_unavailable"
	OutcomeUpstreamError       = "upstream_error"
	OutcomeUpstreamLost        = "upstream_lost"
	OutcomeFramingError        = "framing_error"
	OutcomeShutdown            = "shutdown"
	OutcomeError               = "error"
)

const defaultWriteTimeout = 5 * time.Second

// SessionConfig is the immutable per-session configuration.
type SessionConfig struct {
	// ID identifies the session in logs and debug rings.
	ID string

	// Stream is declared to the upstream during the handshake.
	Stream stt.StreamConfig

	// FramingPolicy applies to invalid inbound frames. Default: drop.
	FramingPolicy FramingPolicy

	// WriteTimeout bounds each write to the client. Default: 5s.
	WriteTimeout time.Duration

	// UpstreamName labels handshake and error metrics.
	UpstreamName string
}

// SessionOption is a functional option for [NewSession].
type SessionOption func(*Session)

// WithRings sets the debug rings the session records into.
func WithRings(rings *debugring.Set) SessionOption {
	return func(s *Session) { s.rings = rings }
}

// WithMetrics sets the metrics the session records into.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// wireSizer is implemented by upstream sessions whose transport re-encodes
// audio (the OpenAI session base64-encodes it).
type wireSizer interface {
	WireSize(chunk audio.Chunk) int
}

// Session relays one client connection. A Session is single-use: call Run
// once.
type Session struct {
	cfg      SessionConfig
	conn     Conn
	provider stt.Provider
	rings    *debugring.Set
	metrics  *observe.Metrics
	log      *slog.Logger

	closeOnce sync.Once
	cause     error // set by the first closeClient
}

// NewSession prepares a relay session between conn and a new upstream session
// obtained from provider.
func NewSession(conn Conn, provider stt.Provider, cfg SessionConfig, opts ...SessionOption) *Session {
	if cfg.FramingPolicy == "" {
		cfg.FramingPolicy = FramingDrop
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.UpstreamName == "" {
		cfg.UpstreamName = "upstream"
	}
	s := &Session{
		cfg:      cfg,
		conn:     conn,
		provider: provider,
	}
	for _, o := range opts {
		o(s)
	}
	if s.rings == nil {
		s.rings = debugring.NewSet(debugring.DefaultCapacity)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run performs the upstream handshake and relays until the client
// disconnects, the upstream fails, or ctx is cancelled. It returns nil when
// the client closed normally or ctx was cancelled, and otherwise the error
// that ended the session. The client connection is closed on every path.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithAttributes(
			attribute.String("session.id", s.cfg.ID),
			attribute.String("upstream", s.cfg.UpstreamName),
		),
	)
	defer span.End()
	ctx = observe.WithSessionID(ctx, s.cfg.ID)
	s.log = observe.Logger(ctx)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	outcome, err := s.run(ctx)

	s.metrics.RecordSession(context.WithoutCancel(ctx), outcome, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("relay session ended", "outcome", outcome, "err", err,
			"duration", time.Since(start))
		return err
	}
	s.log.Info("relay session ended", "outcome", outcome, "duration", time.Since(start))
	return nil
}

func (s *Session) run(ctx context.Context) (string, error) {
	hsStart := time.Now()
	up, err := s.provider.StartStream(ctx, s.cfg.Stream)
	hsSecs := time.Since(hsStart).Seconds()
	if err != nil {
		s.metrics.RecordHandshake(ctx, s.cfg.UpstreamName, "error", hsSecs)
		s.metrics.RecordUpstreamError(ctx, s.cfg.UpstreamName, "handshake")
		if !errors.Is(err, stt.ErrUpstreamUnavailable) {
			err = stt.Unavailable(s.cfg.UpstreamName, err)
		}
		err = fmt.Errorf("relay: start upstream: %w", err)
		return OutcomeUpstreamUnavailable, s.closeClient(websocket.StatusTryAgainLater, "upstream unavailable", err)
	}
	s.metrics.RecordHandshake(ctx, s.cfg.UpstreamName, "ok", hsSecs)
	defer func() {
		if cerr := up.Close(); cerr != nil {
			s.log.Debug("closing upstream session", "err", cerr)
		}
	}()
	s.log.Info("relay session started",
		"sample_rate", s.cfg.Stream.SampleRate,
		"language", s.cfg.Stream.Language,
		"vad", s.cfg.Stream.VAD.Enabled,
		"handshake", time.Since(hsStart))

	buf := audio.NewBuffer(s.cfg.Stream.SampleRate)
	tr := NewTranslator(s.cfg.Stream.SampleRate, buf.CumulativeSamples)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpClient(ctx, gctx, up, buf, tr) })
	g.Go(func() error { return s.pumpUpstream(gctx, up, tr) })
	g.Go(func() error {
		// The client reader is not bound to gctx, so something has to close
		// the client when the server shuts down.
		<-gctx.Done()
		if ctx.Err() != nil {
			s.closeClient(websocket.StatusGoingAway, "server shutting down", ctx.Err())
		}
		return nil
	})
	err = g.Wait()
	if s.cause != nil {
		// Once the client is closed the reader fails too; the close cause is
		// what ended the session.
		err = s.cause
	}

	var fe *audio.FramingError
	switch {
	case ctx.Err() != nil:
		return OutcomeShutdown, nil
	case errors.Is(err, ErrClientDisconnected):
		s.closeClient(websocket.StatusNormalClosure, "", err)
		return OutcomeClientClosed, nil
	case errors.Is(err, stt.ErrUpstreamProtocol):
		return OutcomeUpstreamError, err
	case errors.Is(err, ErrUpstreamLost):
		return OutcomeUpstreamLost, err
	case errors.As(err, &fe):
		return OutcomeFramingError, err
	default:
		return OutcomeError, s.closeClient(websocket.StatusInternalError, "internal error", err)
	}
}

// pumpClient reads client frames until the client goes away. Reads use the
// session context rather than gctx: cancelling a read closes the WebSocket
// abruptly, and the other exit paths want to choose the close code
// themselves. They unblock this reader by closing the client.
func (s *Session) pumpClient(ctx, gctx context.Context, up stt.SessionHandle, buf *audio.Buffer, tr *Translator) error {
	readCtx := context.WithoutCancel(ctx)
	for {
		typ, data, err := s.conn.Read(readCtx)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrClientDisconnected, err)
		}

		if typ == websocket.MessageText {
			if err := s.handleControl(gctx, up, tr, data); err != nil {
				return err
			}
			continue
		}

		chunk, err := buf.Append(data)
		if err != nil {
			if err := s.framingError(gctx, err); err != nil {
				return err
			}
			continue
		}
		if err := s.forward(gctx, up, chunk); err != nil {
			return err
		}
	}
}

// forward sends one accepted chunk upstream and records it on both sides.
func (s *Session) forward(ctx context.Context, up stt.SessionHandle, chunk audio.Chunk) error {
	rate := s.cfg.Stream.SampleRate
	entry := debugring.ChunkEntry{
		At:        time.Now(),
		SessionID: s.cfg.ID,
		Seq:       chunk.Seq,
		Bytes:     len(chunk.Data),
		Samples:   chunk.Samples,
		StartS:    Seconds(chunk.Offset, rate),
		EndS:      Seconds(chunk.End(), rate),
	}
	s.rings.FrontChunks.Add(entry)
	s.metrics.RecordChunk(ctx, observe.DirectionInbound, len(chunk.Data))

	if err := up.SendAudio(ctx, chunk); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.upstreamLost(ctx, up, fmt.Errorf("send audio seq %d: %w", chunk.Seq, err))
	}

	entry.At = time.Now()
	entry.EncodedBytes = len(chunk.Data)
	if ws, ok := up.(wireSizer); ok {
		entry.EncodedBytes = ws.WireSize(chunk)
	}
	s.rings.UpstreamChunks.Add(entry)
	s.metrics.RecordChunk(ctx, observe.DirectionUpstream, entry.EncodedBytes)
	return nil
}

type controlMessage struct {
	Type string `json:"type"`
}

func (s *Session) handleControl(ctx context.Context, up stt.SessionHandle, tr *Translator, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.framingError(ctx, &audio.FramingError{Len: len(data), Reason: "text frame is not a JSON control message"})
	}

	switch msg.Type {
	case controlReset:
		tr.Reset()
		if err := up.Clear(ctx); err != nil {
			if errors.Is(err, stt.ErrNotSupported) {
				s.log.Debug("upstream cannot clear buffered audio", "err", err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.upstreamLost(ctx, up, fmt.Errorf("clear: %w", err))
		}
		s.log.Debug("window reset by client")
		return nil

	case controlFlush:
		if s.cfg.Stream.VAD.Enabled {
			s.log.Debug("ignoring flush, server VAD commits on its own")
			return nil
		}
		if err := up.Commit(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.upstreamLost(ctx, up, fmt.Errorf("commit: %w", err))
		}
		return nil

	default:
		return s.framingError(ctx, &audio.FramingError{Len: len(data), Reason: fmt.Sprintf("unknown control message %q", msg.Type)})
	}
}

// framingError applies the framing policy. It returns nil when the session
// should continue.
func (s *Session) framingError(ctx context.Context, err error) error {
	s.metrics.RecordFramingError(ctx, string(s.cfg.FramingPolicy))
	if s.cfg.FramingPolicy == FramingTerminate {
		return s.closeClient(websocket.StatusUnsupportedData, "invalid audio frame", err)
	}
	s.log.Warn("dropping invalid client frame", "err", err)
	return nil
}

// pumpUpstream translates upstream events and writes them to the client in
// order.
func (s *Session) pumpUpstream(ctx context.Context, up stt.SessionHandle, tr *Translator) error {
	events := up.Events()
	for {
		var (
			ev stt.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.upstreamLost(ctx, up, up.Err())
		}

		msg, emit, err := tr.Translate(ev)
		if err != nil {
			s.metrics.RecordUpstreamError(ctx, s.cfg.UpstreamName, "protocol")
			return s.closeClient(websocket.StatusInternalError, "upstream error: "+protocolMessage(err), fmt.Errorf("relay: %w", err))
		}
		if !emit {
			s.log.Debug("upstream event", "type", ev.Type, "kind", ev.Kind)
			continue
		}
		if err := s.deliver(ctx, ev, msg); err != nil {
			return err
		}
	}
}

func (s *Session) deliver(ctx context.Context, ev stt.Event, msg TranscriptEvent) error {
	s.rings.UpstreamText.Add(debugring.TextEntry{
		At:        time.Now(),
		SessionID: s.cfg.ID,
		Type:      string(msg.Type),
		Text:      msg.Text,
		StartS:    msg.TS.StartS,
		EndS:      msg.TS.EndS,
		Event:     ev.Type,
	})

	payload, err := json.Marshal(msg)
	if err != nil {
		return s.closeClient(websocket.StatusInternalError, "encode failure", fmt.Errorf("relay: encode %s: %w", msg.Type, err))
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = s.conn.Write(wctx, websocket.MessageText, payload)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.closeClient(websocket.StatusGoingAway, "write failed",
			fmt.Errorf("%w: write: %w", ErrClientDisconnected, err))
	}

	s.rings.FrontText.Add(debugring.TextEntry{
		At:        time.Now(),
		SessionID: s.cfg.ID,
		Type:      string(msg.Type),
		Text:      msg.Text,
		StartS:    msg.TS.StartS,
		EndS:      msg.TS.EndS,
		Event:     ev.Type,
		Payload:   payload,
	})
	s.metrics.RecordTranscript(ctx, string(msg.Type))
	return nil
}

// upstreamLost closes the client with StatusGoingAway and returns an error
// wrapping [ErrUpstreamLost] and cause.
func (s *Session) upstreamLost(ctx context.Context, up stt.SessionHandle, cause error) error {
	s.metrics.RecordUpstreamError(ctx, s.cfg.UpstreamName, "connection")
	s.log.Warn("upstream connection lost", "state", up.State(), "err", cause)
	err := ErrUpstreamLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrUpstreamLost, cause)
	}
	return s.closeClient(websocket.StatusGoingAway, "upstream connection lost", err)
}

// closeClient closes the client channel once and returns cause. Only the
// first call takes effect, so the first path to fail picks the close code and
// becomes the session's cause.
func (s *Session) closeClient(code websocket.StatusCode, reason string, cause error) error {
	s.closeOnce.Do(func() {
		s.cause = cause
		if err := s.conn.Close(code, closeReason(reason)); err != nil {
			s.log.Debug("closing client connection", "code", code, "err", err)
		}
	})
	return cause
}

func protocolMessage(err error) string {
	var pe *stt.ProtocolError
	if errors.As(err, &pe) {
		if pe.Message != "" {
			return pe.Message
		}
		return pe.Type
	}
	return err.Error()
}
