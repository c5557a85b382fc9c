package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameMS    = 20
	// opusFrameSamples is the number of samples per channel per frame.
	opusFrameSamples = opusSampleRate * opusFrameMS / 1000 // 960
	// opusFrameInterleaved is the interleaved sample count of one frame.
	opusFrameInterleaved = opusFrameSamples * opusChannels
)

// opusDecoder wraps a gopus decoder for the caller's stream. Opus decoders
// carry state between frames, so the decoder lives as long as the stream.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns the packet's interleaved stereo samples.
func (d *opusDecoder) decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcm, nil
}

// opusEncoder wraps a gopus encoder for the outbound stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode packs exactly one frame of interleaved stereo samples.
func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	opus, err := e.enc.Encode(pcm, opusFrameSamples, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}

// downmixStereo averages interleaved stereo into mono.
func downmixStereo(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return out
}

// upmixMono duplicates mono samples into interleaved stereo.
func upmixMono(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}
