// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI,
// or a local Coqui instance) and presents a uniform streaming interface. The
// primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a channel of raw PCM audio bytes as they become
// available, enabling low-latency pipelining between LLM output and playback.
//
// Providers emit mono little-endian 16-bit PCM at the rate reported by
// SampleRate. Chunk boundaries carry no meaning: the conversation pipeline
// reframes and resamples the byte stream into fixed transport frames itself.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., several active calls sharing one provider).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns a
	// channel that emits raw PCM audio byte slices as they are synthesised. This
	// design allows the caller to pipe chunked LLM output directly into synthesis
	// without waiting for the full response to be available.
	//
	// The returned audio channel is closed by the implementation when the text
	// channel is closed and all pending audio has been emitted, or when ctx is
	// cancelled. The caller must drain the audio channel to avoid blocking the
	// provider's internal goroutines. Cancelling ctx is the barge-in path: the
	// implementation must stop synthesis promptly and close the channel.
	//
	// voice specifies the voice profile to use for synthesis. Providers should
	// return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// SampleRate reports the rate in Hz of the PCM emitted on the audio channel.
	// It is fixed for the lifetime of the provider.
	SampleRate() int

	// ListVoices returns all voice profiles available from this provider. The list
	// reflects the provider's current catalogue and may change between calls if the
	// underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Preambler is an optional interface a Provider may implement to supply
// pre-rendered filler audio. The pipeline plays these frames while the first
// synthesised chunk of a response is still in flight so the caller never hears
// dead air. Frames are raw PCM at the provider's SampleRate and are played
// in order, at most once per response.
type Preambler interface {
	PreambleFrames() [][]byte
}
