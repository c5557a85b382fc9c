// Package pipeline runs the conversational cascade of the conversation
// server: caller audio through speech-to-text, the transcript through a
// streaming language model, and the reply text through text-to-speech, cut
// into wire frames for the session's outbound stream.
//
// # Shape
//
// The session supervisor owns the transport and the protocol state machine;
// the pipeline owns the providers. One [Capture] covers one caller
// utterance. [Pipeline.Respond] turns its transcript into a [Reply] whose
// Frames channel carries wire-ready payloads; the supervisor writes them,
// emits the response lifecycle messages, and calls [Pipeline.Finish] once
// the reply has drained so the conversation history records what was
// actually spoken.
//
// Text flows from the model into synthesis as soon as a sentence completes,
// and audio flows out as it is rendered, so the first frame does not wait
// for the full reply. [Reply.Cancel] stops synthesis before generation; no
// frame of a cancelled reply trails the decision. Tool calls ride on the
// finished reply and run through [Pipeline.ExecuteTools] only after the
// supervisor has seen the final frame acknowledged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/telvox/internal/history"
	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/provider/llm"
	"github.com/MrWong99/telvox/pkg/provider/stt"
	"github.com/MrWong99/telvox/pkg/provider/tts"
)

const (
	// defaultSTTDeadline bounds the wait for a final transcript after an
	// utterance ends before the freshest partial is used instead.
	defaultSTTDeadline = 1500 * time.Millisecond

	// defaultMaxChunkChars caps the text piece length handed to synthesis
	// when no sentence boundary appears.
	defaultMaxChunkChars = 180

	// maxToolRounds bounds chained tool execution per utterance. The last
	// round withholds the tool catalogue so the model must answer in text.
	maxToolRounds = 4

	// textBuf sizes the chunker-to-synthesis channel.
	textBuf = 16

	// frameBuf sizes a reply's frame channel. Small on purpose: the
	// session's writer queue does the real buffering and pacing.
	frameBuf = 8
)

// ErrEmptyUtterance reports an utterance that produced no usable transcript.
// The language model is never invoked for it.
var ErrEmptyUtterance = errors.New("pipeline: empty utterance")

// errSynthesisEnded reports a synthesis stream that closed before the model
// finished its turn.
var errSynthesisEnded = errors.New("pipeline: synthesis stream ended early")

// Config carries the session's negotiated wire format and the pipeline
// tunables. Zero-valued tunables select their defaults.
type Config struct {
	// Encoding, SampleRate and FrameMS are the negotiated wire audio
	// parameters.
	Encoding   audio.Encoding
	SampleRate int
	FrameMS    int

	// STTDeadline bounds the wait for a final transcript once an utterance
	// ends.
	STTDeadline time.Duration

	// MaxChunkChars caps the text piece length handed to synthesis.
	MaxChunkChars int

	// SystemPrompt is sent with every completion request.
	SystemPrompt string

	// Voice selects the synthesis voice.
	Voice tts.VoiceProfile

	// Language hints the recognition language. Empty lets the provider
	// detect it.
	Language string

	// Apology, Handoff and Repeat are the fallback utterance texts rendered
	// by RenderFallbacks.
	Apology string
	Handoff string
	Repeat  string
}

// Pipeline drives one session's providers. Construct one per session with
// the session's negotiated wire format; providers themselves are shared and
// must be safe for concurrent sessions.
type Pipeline struct {
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider
	hist *history.History
	host *tools.Host

	cfg         Config
	sttDeadline time.Duration
	maxChunk    int
	synthRate   int
	met         *observe.Metrics
	logger      *slog.Logger

	// preamble holds pre-converted filler payloads played when the model
	// goes straight to a tool call without speaking.
	preamble [][]byte

	mu        sync.Mutex
	fallbacks map[FallbackKind]fallbackClip

	wg sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTools attaches the tool host consulted for the catalogue and for
// execution. Without it the model is never offered tools.
func WithTools(h *tools.Host) Option {
	return func(p *Pipeline) { p.host = h }
}

// WithMetrics attaches metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.met = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New validates the wire format against the synthesis provider and returns a
// ready pipeline. A synthesis rate that cannot be converted to the wire rate
// fails here rather than mid-call.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, hist *history.History, cfg Config, opts ...Option) (*Pipeline, error) {
	if _, err := audio.ParseEncoding(string(cfg.Encoding)); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if !cfg.Encoding.ValidRate(cfg.SampleRate) {
		return nil, fmt.Errorf("pipeline: sample rate %d invalid for encoding %s", cfg.SampleRate, cfg.Encoding)
	}
	if !audio.ValidFrameMS(cfg.FrameMS) {
		return nil, fmt.Errorf("pipeline: invalid frame duration %dms", cfg.FrameMS)
	}
	if hist == nil {
		return nil, errors.New("pipeline: nil history")
	}

	p := &Pipeline{
		sttP:      sttP,
		llmP:      llmP,
		ttsP:      ttsP,
		hist:      hist,
		cfg:       cfg,
		logger:    slog.Default(),
		fallbacks: make(map[FallbackKind]fallbackClip),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.sttDeadline = cfg.STTDeadline
	if p.sttDeadline <= 0 {
		p.sttDeadline = defaultSTTDeadline
	}
	p.maxChunk = cfg.MaxChunkChars
	if p.maxChunk <= 0 {
		p.maxChunk = defaultMaxChunkChars
	}

	p.synthRate = ttsP.SampleRate()
	conv, err := p.newConverter()
	if err != nil {
		return nil, err
	}
	if pr, ok := ttsP.(tts.Preambler); ok {
		p.preamble = convertClips(conv, pr.PreambleFrames())
	}
	return p, nil
}

func (p *Pipeline) newConverter() (*wireConverter, error) {
	return newWireConverter(p.synthRate, p.cfg.Encoding, p.cfg.SampleRate, p.cfg.FrameMS)
}

// convertClips renders provider-rate PCM clips into wire payloads,
// skipping any malformed clip.
func convertClips(conv *wireConverter, clips [][]byte) [][]byte {
	var out [][]byte
	for _, clip := range clips {
		payloads, err := conv.push(clip)
		if err != nil {
			continue
		}
		out = append(out, payloads...)
	}
	if tail := conv.flush(); tail != nil {
		out = append(out, tail)
	}
	return out
}

func (p *Pipeline) recordProvider(ctx context.Context, provider, kind, status string) {
	if p.met != nil {
		p.met.RecordProviderRequest(ctx, provider, kind, status)
	}
}

// Wait blocks until every background pump started by the pipeline has
// stopped. Meant for orderly shutdown and tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// drainChunks consumes a completion stream to release its producer.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
