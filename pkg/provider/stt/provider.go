// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (a hosted API or a local
// Whisper model) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: the pipeline opens one session per utterance,
// feeds it the voice-activity-bracketed PCM audio, and reads two streams of
// Transcript values: low-latency partials for responsiveness and exactly one
// authoritative final for the conversation history. Providers that cannot
// produce interim results simply never emit on Partials; the final-only mode
// is fully supported.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Finalize once a session has
// been closed or finalized.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The conversation pipeline
	// always sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language, if
	// supported. Providers return an error from StartStream for languages they
	// cannot recognise.
	Language string
}

// SessionHandle represents an open STT streaming session covering a single
// utterance. It is an interface so that test code can provide mock
// implementations without requiring a live provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Finalize or
	// Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These drive
	// barge-in responsiveness but must not be written to the conversation
	// history. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits the single authoritative
	// Transcript once the provider has committed to a recognition result.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Finalize signals that the utterance audio is complete. The provider must
	// then commit and emit its final Transcript; callers race the Finals
	// channel against their own deadline and fall back to the freshest partial
	// when the provider is too slow. Finalize does not block on recognition.
	Finalize() error

	// Close terminates the session, discards any uncommitted audio, and
	// releases all associated resources. After Close returns, the Partials and
	// Finals channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per in-flight utterance across active calls.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle is
	// ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported language, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
