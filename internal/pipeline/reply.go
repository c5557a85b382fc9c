package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// Reply is one agent response being produced. Frames carries wire-ready
// payloads in playout order; the channel closes when synthesis completes,
// the reply is cancelled, or a provider dies mid-stream. Once closed, Err
// reports whether the stream ended cleanly and ToolCalls lists the tool
// invocations the model requested at the end of its turn.
//
// Callers must drain Frames even when discarding the audio.
type Reply struct {
	// ID is the response id carried by the response lifecycle messages.
	ID string

	// UtteranceID names the caller utterance this reply answers. Empty for
	// the greeting; fallback replies carry a reserved "fallback-" id.
	UtteranceID string

	frames chan []byte
	done   chan struct{}

	cancelTTS context.CancelFunc
	cancelLLM context.CancelFunc
	round     int

	mu        sync.Mutex
	text      string
	toolCalls []llm.ToolCall
	cancelled bool
	llmDone   bool

	streamErr atomic.Pointer[error]
}

func newReply(utteranceID string, cancelTTS, cancelLLM context.CancelFunc, round int) *Reply {
	nop := func() {}
	if cancelTTS == nil {
		cancelTTS = nop
	}
	if cancelLLM == nil {
		cancelLLM = nop
	}
	return &Reply{
		ID:          uuid.NewString(),
		UtteranceID: utteranceID,
		frames:      make(chan []byte, frameBuf),
		done:        make(chan struct{}),
		cancelTTS:   cancelTTS,
		cancelLLM:   cancelLLM,
		round:       round,
	}
}

// Frames returns the wire payload stream.
func (r *Reply) Frames() <-chan []byte { return r.frames }

// Done is closed once the reply has fully stopped producing frames.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Cancel aborts the reply: synthesis first, so no further frame is produced,
// then generation. Idempotent. Frames already handed to the caller are not
// recalled; emitting response.cancelled and flushing queued audio stays with
// the session owner.
func (r *Reply) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancelTTS()
	r.cancelLLM()
}

// Cancelled reports whether Cancel has been called.
func (r *Reply) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Text returns the text dispatched to synthesis so far. The value is final
// once Frames has closed.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// ToolCalls returns the tool invocations the model requested, nil for a
// plain spoken reply. Complete once Frames has closed.
func (r *Reply) ToolCalls() []llm.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.toolCalls
}

// Err reports a provider failure that ended the stream early. Valid once
// Frames has closed; a cancelled reply reports no error.
func (r *Reply) Err() error {
	if p := r.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// setStreamErr records the first stream failure; later calls are ignored.
func (r *Reply) setStreamErr(err error) {
	r.streamErr.CompareAndSwap(nil, &err)
}

func (r *Reply) appendText(piece string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.text != "" {
		r.text += " "
	}
	r.text += piece
}

func (r *Reply) setToolCalls(calls []llm.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = calls
}

func (r *Reply) markLLMDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmDone = true
}

func (r *Reply) llmFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.llmDone
}
