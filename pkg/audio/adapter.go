package audio

import "fmt"

// Adapter converts between one negotiated wire codec and the agent-side PCM
// domain (16 kHz mono s16le). Each direction keeps its own resampler state,
// so a single Adapter serves one session's inbound and outbound streams but
// must not be shared across sessions.
//
// Not safe for concurrent use.
type Adapter struct {
	enc      Encoding
	wireRate int

	toAgent *Resampler // wireRate -> AgentSampleRate
	toWire  *Resampler // AgentSampleRate -> wireRate
}

// NewAdapter validates the codec pairing and builds the conversion state.
func NewAdapter(enc Encoding, sampleRate int) (*Adapter, error) {
	if _, err := ParseEncoding(string(enc)); err != nil {
		return nil, err
	}
	if !enc.ValidRate(sampleRate) {
		return nil, fmt.Errorf("%w: %s at %d Hz", ErrInvalidEncoding, enc, sampleRate)
	}
	toAgent, err := NewResampler(sampleRate, AgentSampleRate)
	if err != nil {
		return nil, err
	}
	toWire, err := NewResampler(AgentSampleRate, sampleRate)
	if err != nil {
		return nil, err
	}
	return &Adapter{enc: enc, wireRate: sampleRate, toAgent: toAgent, toWire: toWire}, nil
}

// Encoding returns the negotiated wire codec.
func (a *Adapter) Encoding() Encoding { return a.enc }

// SampleRate returns the negotiated wire sample rate.
func (a *Adapter) SampleRate() int { return a.wireRate }

// WireFrameBytes returns the wire payload size of one frame.
func (a *Adapter) WireFrameBytes(frameMS int) int {
	return PayloadBytes(a.enc, a.wireRate, frameMS)
}

// AgentFrameBytes returns the agent-side PCM size of one frame.
func (a *Adapter) AgentFrameBytes(frameMS int) int {
	return PayloadBytes(EncodingPCM, AgentSampleRate, frameMS)
}

// Decode converts a wire payload to agent-side PCM bytes.
func (a *Adapter) Decode(payload []byte) ([]byte, error) {
	var samples []int16
	switch a.enc {
	case EncodingMulaw:
		samples = MulawDecode(payload)
	case EncodingAlaw:
		samples = AlawDecode(payload)
	default:
		var err error
		samples, err = BytesToSamples(payload)
		if err != nil {
			return nil, err
		}
	}
	return SamplesToBytes(a.toAgent.Process(samples)), nil
}

// Encode converts agent-side PCM bytes to a wire payload.
func (a *Adapter) Encode(pcm []byte) ([]byte, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	samples = a.toWire.Process(samples)
	switch a.enc {
	case EncodingMulaw:
		return MulawEncode(samples), nil
	case EncodingAlaw:
		return AlawEncode(samples), nil
	default:
		return SamplesToBytes(samples), nil
	}
}

// Reset drops resampler history in both directions, as between utterances
// separated by a flush.
func (a *Adapter) Reset() {
	a.toAgent.Reset()
	a.toWire.Reset()
}
