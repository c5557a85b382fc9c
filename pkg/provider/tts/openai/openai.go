// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The API synthesises one request per utterance, so SynthesizeStream
// accumulates incoming text fragments into complete sentences and dispatches
// concurrent requests with a small lookahead buffer. Response bodies arrive as
// raw 24 kHz PCM and are streamed onto the audio channel in sentence order, so
// the first sentence starts playing while later ones are still synthesising.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/telvox/pkg/provider/tts"
)

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS

	// The speech endpoint's "pcm" response format is fixed at 24 kHz mono.
	sampleRate = 24000

	// sentenceLookaheadBuf caps concurrent in-flight synthesis requests.
	sentenceLookaheadBuf = 2

	// pcmChunkSize is the read granularity for streaming response bodies.
	pcmChunkSize = 4096

	audioChanBuf = 256
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  oai.SpeechModel
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	model   string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. It bounds the full response
// body read, so it must cover the synthesis duration of a whole sentence.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithModel selects the speech model (e.g. "gpt-4o-mini-tts", "tts-1").
// Defaults to "gpt-4o-mini-tts".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
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
		model = oai.SpeechModel(cfg.model)
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// SampleRate reports the fixed 24 kHz rate of the speech endpoint's PCM output.
func (p *Provider) SampleRate() int {
	return sampleRate
}

// speechResult carries a pending response or an error from a worker goroutine.
// The response body is read (and closed) by the collector, in sentence order.
type speechResult struct {
	resp *http.Response
	err  error
}

// SynthesizeStream consumes text fragments, accumulates them into complete
// sentences, and issues one speech request per sentence. Up to
// sentenceLookaheadBuf requests may be in-flight concurrently; their PCM
// bodies are streamed onto the returned channel in the original order.
//
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled. The caller must drain the channel to prevent goroutine
// leaks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, sentenceLookaheadBuf)
		resultQueue := make(chan chan speechResult, sentenceLookaheadBuf)

		// Accumulator: assemble fragments into sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					for {
						s := buf.String()
						idx := findSentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one request goroutine per sentence, ordered result channels.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan speechResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- speechResult) {
						resp, err := p.request(ctx, s, voice)
						out <- speechResult{resp: resp, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: stream each body in order.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						// Stop the stream; the caller distinguishes
						// cancellation from provider errors via ctx.Err().
						return
					}
					if !streamBody(ctx, result.resp.Body, audioCh) {
						return
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// request issues a single speech synthesis call. The returned response body
// streams raw PCM and must be closed by the caller.
func (p *Provider) request(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Response, error) {
	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          sentence,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech request: %w", err)
	}
	return resp, nil
}

// streamBody copies a PCM response body onto the audio channel in fixed-size
// chunks. It closes the body and reports whether the stream may continue.
func streamBody(ctx context.Context, body io.ReadCloser, audioCh chan<- []byte) bool {
	defer body.Close()

	buf := make([]byte, pcmChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case audioCh <- chunk:
			case <-ctx.Done():
				return false
			}
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// ListVoices returns the fixed catalogue of OpenAI speech voices. The speech
// API has no listing endpoint.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	names := []string{
		"alloy", "ash", "ballad", "coral", "echo", "fable",
		"nova", "onyx", "sage", "shimmer", "verse",
	}
	profiles := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "openai",
		})
	}
	return profiles, nil
}

// findSentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is either at the end of s or immediately followed by
// whitespace. Returns -1 if no sentence boundary is found.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
