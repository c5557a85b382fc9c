// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := &mock.Session{
//	    PartialsCh: make(chan stt.Transcript, 1),
//	    FinalsCh:   make(chan stt.Transcript, 1),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/telvox/pkg/provider/stt"
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
	// returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// Sessions, if non-empty, is consumed one handle per StartStream call so a
	// test can script several consecutive utterances. Takes precedence over
	// Session until exhausted.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the next scripted session,
// Session, or a fresh default Session, in that order of preference.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
// Callers pre-populate PartialsCh and FinalsCh with the Transcript values
// they want the consumer to receive. The session closes both channels when
// it is closed, per the SessionHandle contract; tests that want the channels
// shut earlier call CloseStreams. When FinalOnFinalize is set, Finalize
// delivers it on FinalsCh and closes both channels, mimicking a real
// per-utterance session.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Send test values here;
	// the session handles closing.
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals(). Send test values here; the
	// session handles closing.
	FinalsCh chan stt.Transcript

	// FinalOnFinalize, if non-nil, is sent on FinalsCh when Finalize is called,
	// after which both channels are closed.
	FinalOnFinalize *stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by every Finalize call.
	FinalizeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	delivered bool
	closed    bool
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Partials returns PartialsCh. The caller must have initialised PartialsCh
// before calling this method.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Finalize records the call, then delivers FinalOnFinalize if configured.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCallCount++
	if s.FinalizeErr != nil {
		return s.FinalizeErr
	}
	if s.FinalOnFinalize != nil && !s.delivered && !s.closed {
		s.delivered = true
		s.FinalsCh <- *s.FinalOnFinalize
		s.closeStreamsLocked()
	}
	return nil
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

func (s *Session) closeStreamsLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.FinalsCh != nil {
		close(s.FinalsCh)
	}
	if s.PartialsCh != nil {
		close(s.PartialsCh)
	}
}

// CloseStreams closes both transcript channels without counting as a Close
// call, for tests that shut the stream down by hand. Idempotent, and safe to
// combine with a later Close.
func (s *Session) CloseStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStreamsLocked()
}

// Close records the call and closes the transcript channels, matching the
// SessionHandle contract that both channels are closed once Close returns.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closeStreamsLocked()
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.FinalizeCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
