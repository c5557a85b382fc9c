package pipeline

import (
	"fmt"

	"github.com/MrWong99/telvox/pkg/audio"
)

// wireConverter turns provider-native synthesis bytes into wire frame
// payloads: resample from the synthesis rate to the negotiated wire rate,
// cut into frame-duration blocks, compand to the wire codec. Reframing and
// padding happen in the PCM domain so a zero-padded trailing block encodes
// to true codec silence.
//
// One converter serves one response stream. Not safe for concurrent use.
type wireConverter struct {
	res   *audio.Resampler // nil when the rates already match
	enc   audio.Encoding
	frame *audio.Reframer // PCM bytes at the wire rate
}

func newWireConverter(synthRate int, enc audio.Encoding, wireRate, frameMS int) (*wireConverter, error) {
	c := &wireConverter{
		enc:   enc,
		frame: audio.NewReframer(audio.PayloadBytes(audio.EncodingPCM, wireRate, frameMS)),
	}
	if synthRate != wireRate {
		res, err := audio.NewResampler(synthRate, wireRate)
		if err != nil {
			return nil, fmt.Errorf("pipeline: synthesis rate %d to wire rate %d: %w", synthRate, wireRate, err)
		}
		c.res = res
	}
	return c, nil
}

// push converts one synthesis chunk, returning every complete wire payload
// now available.
func (c *wireConverter) push(chunk []byte) ([][]byte, error) {
	samples, err := audio.BytesToSamples(chunk)
	if err != nil {
		return nil, err
	}
	if c.res != nil {
		samples = c.res.Process(samples)
	}
	if len(samples) == 0 {
		return nil, nil
	}
	blocks := c.frame.Push(audio.SamplesToBytes(samples))
	if len(blocks) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		payloads = append(payloads, c.compand(b))
	}
	return payloads, nil
}

// flush returns the zero-padded trailing payload, or nil when the frame
// buffer is empty.
func (c *wireConverter) flush() []byte {
	b := c.frame.Flush()
	if b == nil {
		return nil
	}
	return c.compand(b)
}

func (c *wireConverter) compand(pcm []byte) []byte {
	switch c.enc {
	case audio.EncodingMulaw:
		samples, _ := audio.BytesToSamples(pcm)
		return audio.MulawEncode(samples)
	case audio.EncodingAlaw:
		samples, _ := audio.BytesToSamples(pcm)
		return audio.AlawEncode(samples)
	default:
		return pcm
	}
}
