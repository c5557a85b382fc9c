// Package whisper provides local whisper.cpp-backed STT providers in two
// flavours: [Provider] talks to a running whisper-server binary over its
// REST API (POST /inference), [NativeProvider] links the model in-process
// through the whisper.cpp Go bindings.
//
// whisper.cpp is a batch (non-streaming) transcription engine, so neither
// flavour emits interim partials. Each session buffers the utterance audio it
// is fed and submits one inference when Finalize is called, emitting exactly
// one final Transcript. The pipeline's own deadline handling covers the case
// where inference runs long.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Finalize()
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/telvox/pkg/provider/stt"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with; this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code sent to the whisper-server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the HTTP timeout for one inference request. Defaults to
// 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration (ms) per
// utterance. Audio past the cap is dropped with a warning rather than growing
// the buffer without bound. Defaults to 30 000 ms (30 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// Provider implements stt.Provider backed by a whisper-server HTTP endpoint.
// Multiple sessions may be open simultaneously; each session maintains its
// own audio buffer and goroutine.
type Provider struct {
	serverURL           string
	model               string
	language            string
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. The returned SessionHandle is
// ready to accept audio immediately. It respects cfg.SampleRate, cfg.Channels,
// and cfg.Language; where those are zero/empty the provider-level defaults
// apply.
//
// No network connection is established until Finalize submits the inference
// request, so StartStream fails only on an already-cancelled context.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// The server takes bare ISO 639-1 codes; strip any region subtag.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	s := &session{
		serverURL:           p.serverURL,
		model:               p.model,
		language:            lang,
		sampleRate:          sr,
		channels:            ch,
		maxBufferDurationMs: p.maxBufferDurationMs,
		httpClient:          p.httpClient,

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

// ---- session ----------------------------------------------------------------

// session is a live transcription session covering one utterance. It
// implements stt.SessionHandle. All buffering state is confined to the
// processLoop goroutine.
type session struct {
	// immutable configuration (set once in StartStream)
	serverURL           string
	model               string
	language            string
	sampleRate          int
	channels            int
	maxBufferDurationMs int
	httpClient          *http.Client

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

// Partials returns a read-only channel that never emits; whisper.cpp has no
// interim results.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits the single authoritative
// Transcript produced when Finalize runs inference.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Finalize marks the utterance audio as complete and schedules the inference
// request. It does not block on recognition; the result arrives on Finals.
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

// processLoop is the single goroutine responsible for audio buffering and
// inference dispatch.
func (s *session) processLoop(ctx context.Context) {
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

			text, err := s.infer(ctx, buffer)
			if err != nil {
				slog.Error("whisper: inference request failed", "error", err)
				return
			}
			t := stt.Transcript{
				Text:     strings.TrimSpace(text),
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

// infer encodes pcm as a WAV file and POSTs it to the whisper-server
// /inference endpoint as multipart/form-data, returning the transcribed text.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	wav := encodeWAV(pcm, s.sampleRate, s.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAVE container, as the whisper-server upload endpoint expects.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
