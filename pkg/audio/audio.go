// Package audio implements the codec layer between the agent-side PCM domain
// and the negotiated wire codec: G.711 companding, band-limited resampling,
// fixed-duration framing and comfort-noise generation.
//
// The agent side always works in 16 kHz mono s16le ([AgentSampleRate]); the
// wire side carries one of the negotiated encodings at 8 or 16 kHz. The
// [Adapter] converts between the two domains, holding per-stream resampler
// state so that two streams never share filter history.
package audio

import (
	"errors"
	"fmt"
)

// AgentSampleRate is the PCM sample rate of the agent-side domain:
// everything STT consumes and TTS produces.
const AgentSampleRate = 16000

// Encoding names a supported wire codec.
type Encoding string

const (
	// EncodingPCM is linear 16-bit little-endian PCM at 8 or 16 kHz.
	EncodingPCM Encoding = "pcm_s16le"

	// EncodingMulaw is ITU-T G.711 mu-law at 8 kHz.
	EncodingMulaw Encoding = "mulaw"

	// EncodingAlaw is ITU-T G.711 A-law at 8 kHz.
	EncodingAlaw Encoding = "alaw"
)

// ErrInvalidEncoding reports an encoding name outside the supported set or a
// sample rate the encoding cannot carry.
var ErrInvalidEncoding = errors.New("invalid audio encoding")

// ErrFrameMisaligned reports a payload whose length is not a multiple of the
// encoding's sample size.
var ErrFrameMisaligned = errors.New("audio payload misaligned to sample size")

// ParseEncoding validates a wire encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingPCM, EncodingMulaw, EncodingAlaw:
		return Encoding(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEncoding, s)
	}
}

// BytesPerSample returns the wire size of one sample: 2 for linear PCM, 1
// for the companded G.711 encodings.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM {
		return 2
	}
	return 1
}

// ValidRate reports whether the encoding supports the given sample rate.
// G.711 is defined at 8 kHz only; linear PCM runs at 8 or 16 kHz.
func (e Encoding) ValidRate(sampleRate int) bool {
	switch e {
	case EncodingPCM:
		return sampleRate == 8000 || sampleRate == 16000
	case EncodingMulaw, EncodingAlaw:
		return sampleRate == 8000
	default:
		return false
	}
}

// ValidFrameMS reports whether ms is a supported frame duration.
func ValidFrameMS(ms int) bool {
	return ms == 10 || ms == 20
}

// FrameSamples returns the number of samples in one frame of the given
// duration.
func FrameSamples(sampleRate, frameMS int) int {
	return sampleRate * frameMS / 1000
}

// PayloadBytes returns the wire payload size of one frame, e.g. 320 for
// pcm_s16le at 8000 Hz with 20 ms frames.
func PayloadBytes(e Encoding, sampleRate, frameMS int) int {
	return FrameSamples(sampleRate, frameMS) * e.BytesPerSample()
}

// BytesToSamples decodes little-endian s16le bytes into samples. Odd-length
// input is [ErrFrameMisaligned].
func BytesToSamples(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameMisaligned, len(b))
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian s16le bytes.
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(uint16(s))
		b[i*2+1] = byte(uint16(s) >> 8)
	}
	return b
}
