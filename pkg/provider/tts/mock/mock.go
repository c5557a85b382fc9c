// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which VoiceProfile and text fragments reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/telvox/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// TextDrained is closed once the text channel passed to this call has
	// been fully consumed. Wait on it before asserting SynthesizedText.
	TextDrained <-chan struct{}
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider. It also implements
// tts.Preambler; PreambleFrames returns the configured Preamble slice.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the channel
	// returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// AudioCh, if non-nil, is returned directly from SynthesizeStream instead
	// of a channel fed from SynthesizeChunks. The test owns writes and close.
	AudioCh chan []byte

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// SampleRateValue is reported by SampleRate. Defaults to 16000 when zero.
	SampleRateValue int

	// Preamble is returned by PreambleFrames.
	Preamble [][]byte

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// SynthesizedText records every fragment drained from any text channel,
	// in arrival order across all calls.
	SynthesizedText []string

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall

	// PreambleCallCount counts calls to PreambleFrames.
	PreambleCallCount int
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits SynthesizeChunks then closes. The incoming text channel
// is drained concurrently and its fragments recorded in SynthesizedText.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	drained := make(chan struct{})

	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		close(drained)
		p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice, TextDrained: drained})
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	audioCh := p.AudioCh
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice, TextDrained: drained})
	p.mu.Unlock()

	// Drain the incoming text channel to mimic real behaviour and avoid
	// leaving the caller's goroutine blocked writing to it.
	go func() {
		defer close(drained)
		for fragment := range text {
			p.mu.Lock()
			p.SynthesizedText = append(p.SynthesizedText, fragment)
			p.mu.Unlock()
		}
	}()

	if audioCh != nil {
		return audioCh, nil
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// SampleRate returns SampleRateValue, defaulting to 16000 when unset.
func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SampleRateValue > 0 {
		return p.SampleRateValue
	}
	return 16000
}

// PreambleFrames returns the configured Preamble slice.
func (p *Provider) PreambleFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PreambleCallCount++
	frames := make([][]byte, len(p.Preamble))
	copy(frames, p.Preamble)
	return frames
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// StreamCalls returns a copy of SynthesizeStreamCalls. Thread-safe.
func (p *Provider) StreamCalls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	copy(out, p.SynthesizeStreamCalls)
	return out
}

// TextSnapshot returns a copy of SynthesizedText. Thread-safe.
func (p *Provider) TextSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizedText))
	copy(out, p.SynthesizedText)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.SynthesizedText = nil
	p.ListVoicesCalls = nil
	p.PreambleCallCount = 0
}

// Ensure Provider implements tts.Provider and tts.Preambler at compile time.
var (
	_ tts.Provider  = (*Provider)(nil)
	_ tts.Preambler = (*Provider)(nil)
)
