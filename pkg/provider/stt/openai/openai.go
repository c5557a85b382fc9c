// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
//
// The API is batch-only, so the provider never emits interim partials. Each
// session buffers the utterance audio it is fed, wraps it in a WAV container
// when Finalize is called, and submits one transcription request, emitting
// exactly one final Transcript.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/telvox/pkg/provider/stt"
)

const (
	defaultModel               = oai.AudioModelWhisper1
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 30_000
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI transcription API.
type Provider struct {
	client oai.Client
	model  oai.AudioModel

	maxBufferDurationMs int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL             string
	timeout             time.Duration
	model               string
	maxBufferDurationMs int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithModel selects the transcription model (e.g. "whisper-1",
// "gpt-4o-mini-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration (ms) per
// utterance. Audio past the cap is dropped with a warning. Defaults to
// 30 000 ms (30 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(c *config) {
		c.maxBufferDurationMs = ms
	}
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{maxBufferDurationMs: defaultMaxBufferDurationMs}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	model := defaultModel
	if cfg.model != "" {
		model = oai.AudioModel(cfg.model)
	}

	return &Provider{
		client:              oai.NewClient(reqOpts...),
		model:               model,
		maxBufferDurationMs: cfg.maxBufferDurationMs,
	}, nil
}

// StartStream opens a new transcription session. The returned SessionHandle
// is ready to accept audio immediately.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: context already cancelled: %w", err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	// The transcription API takes bare ISO 639-1 codes.
	lang := cfg.Language
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}

	s := &session{
		client:              p.client,
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

// session is a live transcription session covering one utterance. All
// buffering state is confined to the processLoop goroutine.
type session struct {
	client              oai.Client
	model               oai.AudioModel
	language            string
	sampleRate          int
	channels            int
	maxBufferDurationMs int

	audioCh    chan []byte
	finalizeCh chan struct{}
	partials   chan stt.Transcript
	finals     chan stt.Transcript

	done chan struct{}
	once sync.Once
	fin  sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// buffering until Finalize.
func (s *session) SendAudio(chunk []byte) error {
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

// Partials returns a read-only channel that never emits; the transcription
// API has no interim results.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits the single authoritative
// Transcript.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Finalize marks the utterance audio as complete and schedules the
// transcription request. It does not block on recognition.
func (s *session) Finalize() error {
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
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer  []byte
		dropped int
	)

	bytesPerMs := s.sampleRate * s.channels * 2 / 1000
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
				slog.Warn("openai stt: utterance exceeded buffer cap, audio dropped",
					"dropped_bytes", dropped, "cap_ms", s.maxBufferDurationMs)
			}
			if len(buffer) == 0 {
				select {
				case s.finals <- stt.Transcript{Final: true}:
				case <-s.done:
				}
				return
			}

			text, err := s.transcribe(ctx, buffer)
			if err != nil {
				slog.Error("openai stt: transcription request failed", "error", err)
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

// transcribe wraps the buffered PCM in a WAV container and submits one
// transcription request.
func (s *session) transcribe(ctx context.Context, pcm []byte) (string, error) {
	wav := wavEncode(pcm, s.sampleRate, s.channels)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: s.model,
	}
	if s.language != "" {
		params.Language = oai.String(s.language)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// wavEncode prepends a canonical 44-byte RIFF/WAVE header describing 16-bit
// little-endian PCM.
func wavEncode(pcm []byte, sampleRate, channels int) []byte {
	const headerLen = 44
	out := make([]byte, headerLen+len(pcm))

	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16) // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerLen:], pcm)

	return out
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
