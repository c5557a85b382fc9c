package audio

import "math/rand/v2"

// DefaultComfortAmplitude is the peak amplitude of generated comfort noise,
// about -54 dBFS. Loud enough that the line does not sound dead, quiet
// enough to sit under any speech.
const DefaultComfortAmplitude = 64

// NoiseGenerator produces low-level white noise for playout underruns, so a
// drained jitter buffer yields silence-coloured fill rather than a hard gap.
//
// Not safe for concurrent use.
type NoiseGenerator struct {
	rng *rand.Rand
	amp int
}

// NewNoiseGenerator returns a generator with the given peak amplitude.
// Amplitudes below 1 fall back to [DefaultComfortAmplitude].
func NewNoiseGenerator(amplitude int16) *NoiseGenerator {
	amp := int(amplitude)
	if amp < 1 {
		amp = DefaultComfortAmplitude
	}
	return &NoiseGenerator{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		amp: amp,
	}
}

// Samples returns n noise samples uniformly distributed in [-amp, amp].
func (g *NoiseGenerator) Samples(n int) []int16 {
	out := make([]int16, n)
	span := 2*g.amp + 1
	for i := range out {
		out[i] = int16(g.rng.IntN(span) - g.amp)
	}
	return out
}

// Frame returns one frame of noise encoded for the given wire codec.
func (g *NoiseGenerator) Frame(enc Encoding, sampleRate, frameMS int) []byte {
	samples := g.Samples(FrameSamples(sampleRate, frameMS))
	switch enc {
	case EncodingMulaw:
		return MulawEncode(samples)
	case EncodingAlaw:
		return AlawEncode(samples)
	default:
		return SamplesToBytes(samples)
	}
}
