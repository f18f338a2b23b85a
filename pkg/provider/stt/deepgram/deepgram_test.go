package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "false", q.Get("endpointing"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("sv"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "sv", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_StreamConfigOverridesProvider(t *testing.T) {
	p, err := New("key", WithLanguage("en"), WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", Model: "nova-2", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
	assertEqual(t, "model", "nova-2", u.Query().Get("model"))
}

func TestBuildURL_VAD(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		VAD:        stt.VADConfig{Enabled: true, SilenceDuration: 550 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "vad_events", "true", u.Query().Get("vad_events"))
	assertEqual(t, "endpointing", "550", u.Query().Get("endpointing"))
}

// ---- decoding tests ----

func TestDecode_PartialsAccumulateUntilSpeechFinal(t *testing.T) {
	s := &session{}

	msgs := []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hej"}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hej på"}]}}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"dig"}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"dig"}]}}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"nästa"}]}}`,
	}
	want := []struct {
		kind stt.EventKind
		text string
	}{
		{stt.EventPartial, "hej"},
		{stt.EventPartial, "hej på"},
		{stt.EventPartial, "hej på dig"},
		{stt.EventCommit, "hej på dig"},
		{stt.EventPartial, "nästa"},
	}

	for i, m := range msgs {
		ev, ok := s.decode([]byte(m))
		if !ok {
			t.Fatalf("msg %d: decode returned ok=false", i)
		}
		if ev.Kind != want[i].kind {
			t.Errorf("msg %d: kind = %v, want %v", i, ev.Kind, want[i].kind)
		}
		assertEqual(t, "text", want[i].text, ev.Text)
	}
}

func TestDecode_EmptyInterimSkipped(t *testing.T) {
	s := &session{}
	_, ok := s.decode([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`))
	if ok {
		t.Error("expected empty interim result to be skipped")
	}
}

func TestDecode_SpeechFinalWithEmptyTranscriptStillCommits(t *testing.T) {
	s := &session{}
	ev, ok := s.decode([]byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[]}}`))
	if !ok {
		t.Fatal("expected commit for speech_final")
	}
	if ev.Kind != stt.EventCommit {
		t.Errorf("kind = %v, want commit", ev.Kind)
	}
	assertEqual(t, "text", "", ev.Text)
}

func TestDecode_OtherTypes(t *testing.T) {
	tests := []struct {
		raw  string
		kind stt.EventKind
		text string
	}{
		{`{"type":"SpeechStarted","timestamp":1.2}`, stt.EventSpeechStarted, ""},
		{`{"type":"UtteranceEnd","last_word_end":2.1}`, stt.EventOther, ""},
		{`{"type":"Metadata","request_id":"abc"}`, stt.EventOther, ""},
		{`{"type":"Error","description":"bad audio"}`, stt.EventError, "bad audio"},
	}
	for _, tc := range tests {
		s := &session{}
		ev, ok := s.decode([]byte(tc.raw))
		if !ok {
			t.Fatalf("%s: decode returned ok=false", tc.raw)
		}
		if ev.Kind != tc.kind {
			t.Errorf("%s: kind = %v, want %v", tc.raw, ev.Kind, tc.kind)
		}
		assertEqual(t, "text", tc.text, ev.Text)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	s := &session{}
	if _, ok := s.decode([]byte(`{invalid`)); ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- live session tests against a local server ----

func TestStartStream_DialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if !errors.Is(err, stt.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestSession_BinaryAudioAndClose(t *testing.T) {
	type frame struct {
		typ  websocket.MessageType
		data []byte
	}
	frames := make(chan frame, 8)
	auth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				close(frames)
				return
			}
			frames <- frame{typ, data}
		}
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if h.State() != stt.StateStreaming {
		t.Errorf("State = %v, want streaming", h.State())
	}
	assertEqual(t, "Authorization", "Token secret", <-auth)

	buf := audio.NewBuffer(16000)
	c, _ := buf.Append([]byte{1, 2, 3, 4})
	if err := h.SendAudio(context.Background(), c); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := h.Clear(context.Background()); !errors.Is(err, stt.ErrNotSupported) {
		t.Errorf("Clear err = %v, want ErrNotSupported", err)
	}
	if err := h.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := <-frames
	if got.typ != websocket.MessageBinary || string(got.data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("first frame = %v %v, want raw binary audio", got.typ, got.data)
	}
	got = <-frames
	assertEqual(t, "commit frame", `{"type":"Finalize"}`, string(got.data))

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got = <-frames
	assertEqual(t, "close frame", `{"type":"CloseStream"}`, string(got.data))

	if h.State() != stt.StateClosed {
		t.Errorf("State = %v, want closed", h.State())
	}
	if err := h.SendAudio(context.Background(), c); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
