package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// Backends may emit at different native rates; the group advertises the
// primary's rate and resamples any fallback's audio to match, so a consumer
// built against SampleRate stays correct across failover.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	rate  int
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// BreakerStates reports each backend's breaker state by name.
func (f *TTSFallback) BreakerStates() map[string]State {
	return f.group.States()
}

// SampleRate returns the primary backend's rate. Audio served by a fallback
// is converted to it.
func (f *TTSFallback) SampleRate() int { return f.rate }

// SynthesizeStream starts synthesis against the first healthy backend. Only
// stream setup is covered by failover; a stream that dies mid-response
// surfaces as an early channel close, which the pipeline already treats as a
// provider failure.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	type stream struct {
		ch   <-chan []byte
		rate int
	}
	s, err := ExecuteWithResult(f.group, func(p tts.Provider) (stream, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		return stream{ch: ch, rate: p.SampleRate()}, err
	})
	if err != nil {
		return nil, err
	}
	if s.rate == f.rate {
		return s.ch, nil
	}
	return f.resample(ctx, s.ch, s.rate), nil
}

// resample pumps chunks through a rate conversion so the advertised sample
// rate stays honest when a fallback with a different native rate serves the
// stream.
func (f *TTSFallback) resample(ctx context.Context, in <-chan []byte, srcRate int) <-chan []byte {
	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		conv, err := audio.NewResampler(srcRate, f.rate)
		if err != nil {
			slog.Error("tts fallback: unsupported rate conversion",
				"from", srcRate, "to", f.rate, "error", err)
			return
		}
		for chunk := range in {
			samples, err := audio.BytesToSamples(chunk)
			if err != nil {
				slog.Warn("tts fallback: dropping misaligned chunk", "error", err)
				continue
			}
			converted := conv.Process(samples)
			if len(converted) == 0 {
				continue
			}
			select {
			case out <- audio.SamplesToBytes(converted):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ListVoices returns the voice catalogue of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
