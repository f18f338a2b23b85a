// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram acknowledges the session configuration (passed as query
// parameters) with the HTTP 101 upgrade, so a successful dial completes the
// handshake. Audio is sent as raw binary PCM16 frames.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
	"github.com/coder/websocket"
)

var _ stt.Provider = (*Provider)(nil)
var _ stt.SessionHandle = (*session)(nil)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-3"
	defaultLanguage    = "en"
	defaultSampleRate  = 16000
	defaultDialTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "sv").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the streaming endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithDialTimeout bounds the WebSocket upgrade.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	model       string
	language    string
	sampleRate  int
	endpoint    string
	dialTimeout time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		endpoint:    deepgramEndpoint,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, stt.Unavailable("deepgram", fmt.Errorf("build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			return nil, stt.Unavailable("deepgram", fmt.Errorf("dial: HTTP %d: %w", resp.StatusCode, err))
		}
		return nil, stt.Unavailable("deepgram", fmt.Errorf("dial: %w", err))
	}

	sctx, scancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan stt.Event, 64),
		ctx:      sctx,
		cancel:   scancel,
		readDone: make(chan struct{}),
	}
	sess.state.Store(int32(stt.StateStreaming))
	go sess.readLoop()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.VAD.Enabled {
		q.Set("vad_events", "true")
		if ms := cfg.VAD.SilenceDuration.Milliseconds(); ms > 0 {
			q.Set("endpointing", strconv.FormatInt(ms, 10))
		}
	} else {
		q.Set("endpointing", "false")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of any Deepgram server message. Only
// the fields the relay consumes are decoded.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error messages.
	Description string `json:"description"`
	Message     string `json:"message"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	events chan stt.Event
	state  atomic.Int32

	mu     sync.Mutex
	errVal error

	// settled holds the is_final segments of the open utterance. Deepgram
	// finalises segments before the utterance ends; the running hypothesis
	// is settled + current interim. Only touched by readLoop.
	settled []string

	ctx       context.Context
	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

// SendAudio writes chunk as a binary frame.
func (s *session) SendAudio(ctx context.Context, chunk audio.Chunk) error {
	if s.State() != stt.StateStreaming {
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	}
	return s.conn.Write(ctx, websocket.MessageBinary, chunk.Data)
}

// Commit asks Deepgram to finalise buffered audio.
func (s *session) Commit(ctx context.Context) error {
	if s.State() != stt.StateStreaming {
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	}
	return s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

// Clear is not supported: Deepgram has no way to discard buffered audio.
func (s *session) Clear(context.Context) error {
	return fmt.Errorf("deepgram: clear: %w", stt.ErrNotSupported)
}

// Events returns the channel of decoded upstream events.
func (s *session) Events() <-chan stt.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() stt.State { return stt.State(s.state.Load()) }

// Err returns the error that terminated the read loop, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stt.StateClosing))
		wctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
		s.state.Store(int32(stt.StateClosed))
	})
	return nil
}

// readLoop receives JSON messages from Deepgram and decodes them onto the
// events channel.
func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.StatusNormalClosure {
				s.mu.Lock()
				if s.errVal == nil {
					s.errVal = fmt.Errorf("deepgram: read: %w", err)
				}
				s.mu.Unlock()
			}
			s.state.CompareAndSwap(int32(stt.StateStreaming), int32(stt.StateClosing))
			return
		}

		ev, ok := s.decode(msg)
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

// decode maps a raw Deepgram message onto an stt.Event. It returns false for
// messages that should be ignored.
func (s *session) decode(data []byte) (stt.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("deepgram: non-JSON message from upstream", "err", err, "bytes", len(data))
		return stt.Event{}, false
	}

	ev := stt.Event{
		Type:       resp.Type,
		Raw:        json.RawMessage(data),
		ReceivedAt: time.Now(),
	}

	switch resp.Type {
	case "Results":
		var text string
		if len(resp.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if resp.IsFinal && text != "" {
			s.settled = append(s.settled, text)
		}
		hypothesis := strings.Join(s.settled, " ")
		if !resp.IsFinal && text != "" {
			hypothesis = strings.TrimSpace(hypothesis + " " + text)
		}
		if resp.SpeechFinal {
			s.settled = s.settled[:0]
			ev.Kind = stt.EventCommit
			ev.Text = hypothesis
			return ev, true
		}
		if hypothesis == "" {
			return stt.Event{}, false
		}
		ev.Kind = stt.EventPartial
		ev.Text = hypothesis

	case "SpeechStarted":
		ev.Kind = stt.EventSpeechStarted

	case "Error":
		ev.Kind = stt.EventError
		ev.Text = resp.Description
		if ev.Text == "" {
			ev.Text = resp.Message
		}

	default:
		ev.Kind = stt.EventOther
	}
	return ev, true
}
