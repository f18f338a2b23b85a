// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled upstream events and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EventsCh <- stt.Event{Kind: stt.EventPartial, Text: "hej"}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/sttrelay/pkg/audio"
	"github.com/MrWong99/sttrelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests push upstream
// events onto EventsCh and call Terminate to end the stream. EventsCh must not
// be closed directly and must not be written to after Close or Terminate.
type Session struct {
	mu sync.Mutex

	// EventsCh is returned by Events. Close and Terminate close it.
	EventsCh chan stt.Event

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// CommitErr and ClearErr are returned by Commit and Clear.
	CommitErr error
	ClearErr  error

	// Chunks records every chunk passed to SendAudio, in call order.
	Chunks []audio.Chunk

	// CommitCalls, ClearCalls and CloseCalls count the respective calls.
	CommitCalls int
	ClearCalls  int
	CloseCalls  int

	// OnSendAudio, if set, is invoked after a chunk is recorded. Useful to
	// synchronise tests with the relay's audio direction.
	OnSendAudio func(audio.Chunk)

	err        error
	state      stt.State
	eventsDone bool
}

// NewSession returns a Streaming Session with a buffered events channel.
func NewSession() *Session {
	return &Session{
		EventsCh: make(chan stt.Event, 16),
		state:    stt.StateStreaming,
	}
}

// SendAudio records chunk. It returns stt.ErrSessionClosed after Close.
func (s *Session) SendAudio(_ context.Context, chunk audio.Chunk) error {
	s.mu.Lock()
	if s.state != stt.StateStreaming {
		s.mu.Unlock()
		return fmt.Errorf("mock: %w", stt.ErrSessionClosed)
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	s.Chunks = append(s.Chunks, chunk)
	hook := s.OnSendAudio
	s.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}
	return nil
}

// Commit counts the call and returns CommitErr.
func (s *Session) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCalls++
	return s.CommitErr
}

// Clear counts the call and returns ClearErr.
func (s *Session) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
	return s.ClearErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.Event { return s.EventsCh }

// State returns the current lifecycle state.
func (s *Session) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error set by Terminate.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminate simulates the upstream dropping the connection with err: Err
// reports it and the events channel is closed.
func (s *Session) Terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if s.state == stt.StateStreaming {
		s.state = stt.StateClosing
	}
	s.closeEventsLocked()
}

// Close counts the call, moves to Closed and closes the events channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.state = stt.StateClosed
	s.closeEventsLocked()
	return nil
}

func (s *Session) closeEventsLocked() {
	if !s.eventsDone {
		s.eventsDone = true
		close(s.EventsCh)
	}
}

// Snapshot returns copies of the recorded chunks and call counters.
func (s *Session) Snapshot() (chunks []audio.Chunk, commits, clears, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.Chunks...), s.CommitCalls, s.ClearCalls, s.CloseCalls
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
