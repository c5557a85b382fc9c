// Package deepgram provides an STT provider backed by the Deepgram streaming
// WebSocket API.
//
// Deepgram transcribes continuously and segments speech on its own, so one
// utterance may arrive as several is_final result chunks. A session stitches
// those chunks back together: interim results surface on Partials as the
// utterance-so-far text, and Finalize sends a CloseStream control message that
// makes Deepgram flush buffered audio, after which the combined text is
// emitted as the session's single final Transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/telvox/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// closeStreamMsg tells Deepgram to flush pending audio and finish the
	// stream. Deepgram closes the socket once the trailing results are sent.
	closeStreamMsg = `{"type":"CloseStream"}`
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE"). Defaults to "en".
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the provider-level default audio sample rate in Hz.
// Defaults to 16000. A per-session StreamConfig.SampleRate takes precedence.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the streaming API endpoint, for self-hosted Deepgram
// deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. It
// respects cfg.SampleRate, cfg.Channels, and cfg.Language; where those are
// zero/empty the provider-level defaults apply.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:       conn,
		audio:      make(chan []byte, 256),
		finalizeCh: make(chan struct{}),
		partials:   make(chan stt.Transcript, 4),
		finals:     make(chan stt.Transcript, 1),
		done:       make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----------------------------------------------------------------

// session is a live Deepgram streaming session covering one utterance. It
// implements stt.SessionHandle. Transcript accumulation state is confined to
// the readLoop goroutine.
type session struct {
	conn *websocket.Conn

	audio      chan []byte
	finalizeCh chan struct{}
	partials   chan stt.Transcript
	finals     chan stt.Transcript

	done chan struct{}
	once sync.Once
	fin  sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio for
// delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.finalizeCh:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts. Each carries the
// utterance-so-far text, so later partials supersede earlier ones.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel that emits the single combined Transcript after
// Finalize.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Finalize marks the utterance audio as complete. Audio already queued is
// flushed to Deepgram followed by a CloseStream message; the combined final
// arrives on Finals once Deepgram finishes the stream.
func (s *session) Finalize() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.fin.Do(func() { close(s.finalizeCh) })
	return nil
}

// Close terminates the session, discards any unfinalized transcription state,
// and closes the Partials and Finals channels.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio to Deepgram as binary messages. On finalize
// it drains the remaining audio and sends CloseStream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return

		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}

		case <-s.finalizeCh:
			// Flush audio queued before the finalize signal.
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = s.conn.Write(ctx, websocket.MessageText, []byte(closeStreamMsg))
			return
		}
	}
}

// readLoop receives JSON result messages from Deepgram, emits interim
// partials, and accumulates is_final segments. When the stream ends after a
// Finalize, the accumulated segments are emitted as the one final Transcript.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		segments   []string
		confSum    float64
		confCount  int
		firstStart = -1.0
		lastEnd    float64
	)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Stream finished: either Deepgram closed after CloseStream, the
			// context was cancelled, or Close tore the connection down.
			break
		}

		res, ok := parseResult(msg)
		if !ok || res.text == "" {
			continue
		}

		if res.isFinal {
			segments = append(segments, res.text)
			confSum += res.confidence
			confCount++
			if firstStart < 0 {
				firstStart = res.start
			}
			lastEnd = res.start + res.duration
			continue
		}

		// Interim result: surface the utterance-so-far text. Stale partials
		// are dropped rather than blocking the read loop.
		t := stt.Transcript{
			Text:       strings.Join(append(append([]string(nil), segments...), res.text), " "),
			Confidence: res.confidence,
			Timestamp:  secondsToDuration(res.start),
		}
		select {
		case s.partials <- t:
		default:
		}
	}

	// Emit the combined final only when the utterance was finalized; a bare
	// Close discards uncommitted results.
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case <-s.finalizeCh:
	default:
		return
	}

	final := stt.Transcript{
		Text:  strings.Join(segments, " "),
		Final: true,
	}
	if confCount > 0 {
		final.Confidence = confSum / float64(confCount)
	}
	if firstStart >= 0 {
		final.Timestamp = secondsToDuration(firstStart)
		final.Duration = secondsToDuration(lastEnd - firstStart)
	}
	select {
	case s.finals <- final:
	case <-s.done:
	}
}

// ---- wire format ------------------------------------------------------------

// deepgramResponse is the subset of the Deepgram Results event this provider
// consumes.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results segment.
type result struct {
	text       string
	isFinal    bool
	confidence float64
	start      float64
	duration   float64
}

// parseResult parses a raw Deepgram WebSocket message. It returns ok = false
// for messages that carry no transcript, such as Metadata events.
func parseResult(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return result{
		text:       strings.TrimSpace(alt.Transcript),
		isFinal:    resp.IsFinal,
		confidence: alt.Confidence,
		start:      resp.Start,
		duration:   resp.Duration,
	}, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
