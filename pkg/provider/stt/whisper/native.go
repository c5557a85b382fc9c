package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/telvox/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 30_000
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via the LIBRARY_PATH and C_INCLUDE_PATH
// environment variables.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	sampleRate          int
	maxBufferDurationMs int
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the audio sample rate in Hz. This must match the
// actual sample rate of PCM data delivered via SendAudio. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio duration (ms)
// per utterance. Audio past the cap is dropped with a warning rather than
// growing the buffer without bound. Defaults to 30 000 ms (30 s).
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The model is loaded once and shared across all
// concurrent sessions. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. The returned SessionHandle is
// ready to accept audio immediately. It respects cfg.SampleRate, cfg.Channels,
// and cfg.Language; if those are zero/empty the provider-level defaults apply.
//
// Each session creates its own whisper.cpp context from the shared model, so
// multiple sessions can run concurrently without interference.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// whisper.cpp takes bare ISO 639-1 codes; strip any region subtag.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	s := &nativeSession{
		model:               p.model,
		language:            lang,
		sampleRate:          sr,
		channels:            ch,
		maxBufferDurationMs: p.maxBufferDurationMs,

		audioCh:    make(chan []byte, 256),
		finalizeCh: make(chan struct{}),
		partials:   make(chan stt.Transcript, 4),
		finals:     make(chan stt.Transcript, 1),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- nativeSession ----------------------------------------------------------

// nativeSession is a live whisper transcription session covering one
// utterance. It implements stt.SessionHandle. All buffering state is confined
// to the processLoop goroutine.
type nativeSession struct {
	// immutable configuration (set once in StartStream)
	model               whisperlib.Model
	language            string
	sampleRate          int
	channels            int
	maxBufferDurationMs int

	// channels for audio input, the finalize signal, and transcript output
	audioCh    chan []byte
	finalizeCh chan struct{}
	partials   chan stt.Transcript
	finals     chan stt.Transcript

	// lifecycle
	done chan struct{}
	once sync.Once
	fin  sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// buffering until Finalize.
func (s *nativeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.finalizeCh:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns a read-only channel that never emits; whisper.cpp has no
// interim results.
func (s *nativeSession) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits the single authoritative
// Transcript produced when Finalize runs inference.
func (s *nativeSession) Finals() <-chan stt.Transcript { return s.finals }

// Finalize marks the utterance audio as complete and schedules inference. It
// does not block on recognition; the result arrives on Finals.
func (s *nativeSession) Finalize() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.fin.Do(func() { close(s.finalizeCh) })
	return nil
}

// Close terminates the session, discards any unfinalized audio, closes the
// Partials and Finals channels, and releases all associated resources.
func (s *nativeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for audio buffering and
// native inference dispatch.
func (s *nativeSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer  []byte
		dropped int
	)

	bytesPerMs := s.sampleRate * s.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs

	accept := func(chunk []byte) {
		if maxBufferBytes > 0 && len(buffer)+len(chunk) > maxBufferBytes {
			dropped += len(chunk)
			return
		}
		buffer = append(buffer, chunk...)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.done:
			return

		case chunk := <-s.audioCh:
			accept(chunk)

		case <-s.finalizeCh:
			// Drain audio queued before the finalize signal.
			for {
				select {
				case chunk := <-s.audioCh:
					accept(chunk)
					continue
				default:
				}
				break
			}
			if dropped > 0 {
				slog.Warn("whisper: utterance exceeded buffer cap, audio dropped",
					"dropped_bytes", dropped, "cap_ms", s.maxBufferDurationMs)
			}
			if len(buffer) == 0 {
				select {
				case s.finals <- stt.Transcript{Final: true}:
				case <-s.done:
				}
				return
			}

			text, err := s.infer(buffer)
			if err != nil {
				slog.Error("whisper native inference failed", "error", err)
				return
			}
			t := stt.Transcript{
				Text:     text,
				Final:    true,
				Duration: time.Duration(len(buffer)/bytesPerMs) * time.Millisecond,
			}
			select {
			case s.finals <- t:
			case <-s.done:
			}
			return
		}
	}
}

// infer converts the buffered PCM audio to float32, runs whisper.cpp
// inference using a fresh context, and returns the concatenated text.
func (s *nativeSession) infer(pcm []byte) (string, error) {
	// Convert PCM to float32 mono samples.
	samples := pcmToFloat32Mono(pcm, s.channels)

	// Create a new whisper context for this inference. Each context is NOT
	// thread-safe, but the model can be shared across goroutines.
	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	// Set language.
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", s.language, "error", err)
	}

	// Run inference.
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	// Collect segments.
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// Compile-time assertion that nativeSession satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*nativeSession)(nil)
