// Package openai implements the stt.Provider interface for OpenAI's Realtime
// API in transcription mode.
//
// A session opens a WebSocket to the Realtime endpoint, declares the audio
// format, transcription model, language and turn detection with a
// transcription_session.update event, and waits for the server to acknowledge
// it before any audio is sent. Audio is transmitted as base64-encoded PCM16 in
// input_audio_buffer.append events. Incoming events are decoded into the
// closed stt.EventKind set; transcription deltas are accumulated per item so
// that every partial carries the running hypothesis.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the stt interfaces.
var _ stt.Provider = (*Provider)(nil)
var _ stt.SessionHandle = (*session)(nil)

const (
	defaultModel            = "gpt-4o-mini-transcribe"
	defaultBaseURL          = "wss://api.openai.com/v1/realtime"
	defaultHandshakeTimeout = 10 * time.Second

	// readLimit matches the 16 MiB frame ceiling the upstream may use for
	// large transcripts.
	readLimit = 16 << 20

	eventBuffer = 64

	// audioFormatPCM16 is the realtime=v1 input format enum. The protocol has
	// no sample-rate field; the relay's sample rate only drives timing.
	audioFormatPCM16 = "pcm16"
)

// Upstream event types.
const (
	evSessionUpdate        = "transcription_session.update"
	evSessionUpdated       = "transcription_session.updated"
	evLegacySessionUpdated = "session.updated"
	evAppend               = "input_audio_buffer.append"
	evCommit               = "input_audio_buffer.commit"
	evClear                = "input_audio_buffer.clear"
	evSpeechStarted        = "input_audio_buffer.speech_started"
	evSpeechStopped        = "input_audio_buffer.speech_stopped"
	evTranscriptDelta      = "conversation.item.input_audio_transcription.delta"
	evTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	evTranscriptFailed     = "conversation.item.input_audio_transcription.failed"
	evError                = "error"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default transcription model. A non-empty
// stt.StreamConfig.Model takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHandshakeTimeout bounds dialing plus waiting for the session
// acknowledgment.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.handshakeTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements stt.Provider for the OpenAI Realtime transcription API.
type Provider struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
	httpClient       *http.Client
}

// New creates a new OpenAI Realtime transcription Provider. apiKey must be
// non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model returns the provider-level default model.
func (p *Provider) Model() string { return p.model }

// StartStream dials the Realtime endpoint and completes the session
// configuration handshake. Any failure is reported as
// stt.ErrUpstreamUnavailable and leaves nothing open.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, stt.Unavailable("openai", fmt.Errorf("build URL: %w", err))
	}

	hctx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil {
			return nil, stt.Unavailable("openai", fmt.Errorf("dial: HTTP %d: %w", resp.StatusCode, err))
		}
		return nil, stt.Unavailable("openai", fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan stt.Event, eventBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
		readDone: make(chan struct{}),
		partial:  make(map[string]string),
	}
	sess.state.Store(int32(stt.StateHandshaking))

	if err := sess.handshake(hctx, p.sessionParams(cfg)); err != nil {
		sessCancel()
		sess.state.Store(int32(stt.StateClosed))
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, stt.Unavailable("openai", err)
	}

	sess.state.Store(int32(stt.StateStreaming))
	go sess.readLoop()

	return sess, nil
}

// buildURL constructs the Realtime endpoint URL in transcription mode.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("intent", "transcription")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionParams builds the handshake payload for cfg.
func (p *Provider) sessionParams(cfg stt.StreamConfig) sessionParams {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	params := sessionParams{
		InputAudioFormat: audioFormatPCM16,
		InputAudioTranscription: transcriptionParams{
			Model:    model,
			Language: cfg.Language,
		},
	}
	if cfg.VAD.Enabled {
		params.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VAD.Threshold,
			PrefixPaddingMs:   int(cfg.VAD.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(cfg.VAD.SilenceDuration / time.Millisecond),
		}
	}
	return params
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription transcriptionParams `json:"input_audio_transcription"`

	// TurnDetection is serialised as null when server VAD is disabled.
	TurnDetection *turnDetection `json:"turn_detection"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an error or
// transcription-failed event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error / conversation.item.input_audio_transcription.failed
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan stt.Event
	state  atomic.Int32

	mu     sync.Mutex
	errVal error

	// partial accumulates transcription deltas per item until the item
	// completes. Only touched by readLoop.
	partial map[string]string

	ctx       context.Context
	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

// handshake sends the session configuration and waits for the server to
// acknowledge it. session.created style events that precede the
// acknowledgment are skipped.
func (s *session) handshake(ctx context.Context, params sessionParams) error {
	if err := s.writeJSON(ctx, sessionUpdateMessage{Type: evSessionUpdate, Session: params}); err != nil {
		return fmt.Errorf("send session update: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session acknowledgment: %w", err)
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("malformed acknowledgment: %w", err)
		}

		switch evt.Type {
		case evSessionUpdated, evLegacySessionUpdated:
			return nil
		case evError:
			return protocolError(&evt, data)
		case "":
			return errors.New("malformed acknowledgment: missing event type")
		default:
			slog.Debug("openai: skipping pre-acknowledgment event", "type", evt.Type)
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop reads events from the WebSocket and dispatches them. It owns the
// events channel and closes it when it exits.
func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			s.state.CompareAndSwap(int32(stt.StateStreaming), int32(stt.StateClosing))
			return
		}

		ev, ok := s.decode(data)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// decode maps one upstream frame onto an stt.Event. It returns false for
// frames that carry nothing to deliver (malformed JSON, empty deltas).
func (s *session) decode(data []byte) (stt.Event, bool) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		slog.Warn("openai: non-JSON message from upstream", "err", err, "bytes", len(data))
		return stt.Event{}, false
	}

	ev := stt.Event{
		Type:       evt.Type,
		ItemID:     evt.ItemID,
		Raw:        json.RawMessage(data),
		ReceivedAt: time.Now(),
	}

	switch evt.Type {
	case evSpeechStarted:
		ev.Kind = stt.EventSpeechStarted

	case evSpeechStopped:
		ev.Kind = stt.EventSpeechStopped

	case evTranscriptDelta:
		if evt.Delta == "" {
			return stt.Event{}, false
		}
		text := s.partial[evt.ItemID] + evt.Delta
		s.partial[evt.ItemID] = text
		ev.Kind = stt.EventPartial
		ev.Text = text

	case evTranscriptCompleted:
		delete(s.partial, evt.ItemID)
		ev.Kind = stt.EventCommit
		ev.Text = evt.Transcript

	case evTranscriptFailed, evError:
		delete(s.partial, evt.ItemID)
		ev.Kind = stt.EventError
		if evt.Error != nil {
			ev.Text = evt.Error.Message
		}

	default:
		ev.Kind = stt.EventOther
	}
	return ev, true
}

func protocolError(evt *serverEvent, raw []byte) *stt.ProtocolError {
	pe := &stt.ProtocolError{Type: evt.Type, Raw: json.RawMessage(raw)}
	if evt.Error != nil {
		pe.Message = evt.Error.Message
	}
	return pe
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio base64-encodes chunk and appends it to the upstream input buffer.
func (s *session) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	if s.State() != stt.StateStreaming {
		return fmt.Errorf("openai: %w", stt.ErrSessionClosed)
	}
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  evAppend,
		Audio: base64.StdEncoding.EncodeToString(chunk.Data),
	})
}

// WireSize reports the number of payload bytes chunk occupies on the wire.
func (s *session) WireSize(chunk audio.Chunk) int {
	return base64.StdEncoding.EncodedLen(len(chunk.Data))
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	if s.State() != stt.StateStreaming {
		return fmt.Errorf("openai: %w", stt.ErrSessionClosed)
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: evCommit})
}

// Clear sends input_audio_buffer.clear.
func (s *session) Clear(ctx context.Context) error {
	if s.State() != stt.StateStreaming {
		return fmt.Errorf("openai: %w", stt.ErrSessionClosed)
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: evClear})
}

// Events returns the channel of decoded upstream events.
func (s *session) Events() <-chan stt.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() stt.State { return stt.State(s.state.Load()) }

// Err returns the first error that terminated the read loop.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases the connection. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stt.StateClosing))
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
		s.state.Store(int32(stt.StateClosed))
	})
	return nil
}
