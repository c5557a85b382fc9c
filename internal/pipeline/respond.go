package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// Respond records the transcript as a user turn and starts generating the
// reply. The returned reply streams frames as synthesis produces them; a
// blank transcript returns [ErrEmptyUtterance] without touching the model.
func (p *Pipeline) Respond(ctx context.Context, utteranceID, transcript string) (*Reply, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		if p.met != nil {
			p.met.RecordUtterance(ctx, "empty")
		}
		return nil, ErrEmptyUtterance
	}
	if p.met != nil {
		p.met.RecordUtterance(ctx, "ok")
	}
	p.hist.AddUser(ctx, transcript)
	return p.generate(ctx, utteranceID, 0)
}

// Speak synthesises text outside the model loop, for the greeting and other
// canned lines. The reply behaves exactly like a generated one; record it
// with [Pipeline.Finish] like any other.
func (p *Pipeline) Speak(ctx context.Context, utteranceID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("pipeline: speak: empty text")
	}

	pieces := chunkText(text, p.maxChunk)
	textCh := make(chan string, len(pieces))
	for _, piece := range pieces {
		textCh <- piece
	}
	close(textCh)

	ttsCtx, cancelTTS := context.WithCancel(ctx)
	audioCh, err := p.ttsP.SynthesizeStream(ttsCtx, textCh, p.cfg.Voice)
	if err != nil {
		cancelTTS()
		p.recordProvider(ctx, "tts", "synthesize", "error")
		return nil, fmt.Errorf("pipeline: tts stream: %w", err)
	}
	conv, err := p.newConverter()
	if err != nil {
		cancelTTS()
		return nil, err
	}

	r := newReply(utteranceID, cancelTTS, nil, 0)
	r.appendText(text)
	r.markLLMDone()
	p.wg.Add(1)
	go p.forwardAudio(ttsCtx, r, audioCh, conv, make(chan struct{}), time.Now(), false)
	return r, nil
}

// generate runs one model round and wires its token stream into synthesis.
func (p *Pipeline) generate(ctx context.Context, utteranceID string, round int) (*Reply, error) {
	req := llm.CompletionRequest{
		SystemPrompt: p.cfg.SystemPrompt,
		Messages:     p.hist.Messages(),
	}
	if p.host != nil && round < maxToolRounds {
		req.Tools = p.host.Catalogue()
	}

	llmCtx, cancelLLM := context.WithCancel(ctx)
	chunks, err := p.llmP.StreamCompletion(llmCtx, req)
	if err != nil {
		cancelLLM()
		p.recordProvider(ctx, "llm", "stream", "error")
		return nil, fmt.Errorf("pipeline: llm stream: %w", err)
	}

	ttsCtx, cancelTTS := context.WithCancel(ctx)
	textCh := make(chan string, textBuf)
	audioCh, err := p.ttsP.SynthesizeStream(ttsCtx, textCh, p.cfg.Voice)
	if err != nil {
		cancelTTS()
		cancelLLM()
		go drainChunks(chunks)
		p.recordProvider(ctx, "tts", "synthesize", "error")
		return nil, fmt.Errorf("pipeline: tts stream: %w", err)
	}
	conv, err := p.newConverter()
	if err != nil {
		cancelTTS()
		cancelLLM()
		go drainChunks(chunks)
		return nil, err
	}

	r := newReply(utteranceID, cancelTTS, cancelLLM, round)
	start := time.Now()
	synthDone := make(chan struct{})
	p.wg.Add(2)
	go p.forwardText(llmCtx, ttsCtx, r, chunks, textCh, synthDone, start)
	go p.forwardAudio(ttsCtx, r, audioCh, conv, synthDone, start, true)
	return r, nil
}

// forwardText pumps the model's token stream through the chunker into the
// synthesis text channel, closing it when the turn ends. synthDone guards
// every send so a synthesis stream that died early cannot strand the pump.
func (p *Pipeline) forwardText(llmCtx, ttsCtx context.Context, r *Reply, chunks <-chan llm.Chunk, textCh chan<- string, synthDone <-chan struct{}, start time.Time) {
	status := "ok"
	defer p.wg.Done()
	defer func() {
		if p.met != nil {
			p.met.LLMDuration.Record(llmCtx, time.Since(start).Seconds())
			p.met.RecordProviderRequest(llmCtx, "llm", "stream", status)
		}
	}()
	defer close(textCh)
	defer r.markLLMDone()

	ck := newChunker(p.maxChunk)
	deliver := func(piece string) bool {
		if piece == "" {
			return true
		}
		select {
		case textCh <- piece:
			r.appendText(piece)
			return true
		case <-synthDone:
			return false
		case <-ttsCtx.Done():
			return false
		case <-llmCtx.Done():
			return false
		}
	}

	for {
		select {
		case <-llmCtx.Done():
			status = "cancelled"
			go drainChunks(chunks)
			return
		case chunk, ok := <-chunks:
			if !ok {
				deliver(ck.flush())
				return
			}
			if chunk.Text != "" && chunk.FinishReason != "error" {
				for _, piece := range ck.push(chunk.Text) {
					if !deliver(piece) {
						go drainChunks(chunks)
						return
					}
				}
			}
			switch chunk.FinishReason {
			case "":
			case "tool_calls":
				r.setToolCalls(chunk.ToolCalls)
				deliver(ck.flush())
				go drainChunks(chunks)
				return
			case "error":
				// The chunk text carries the provider error, not speech.
				status = "error"
				r.setStreamErr(fmt.Errorf("pipeline: llm stream failed: %s", chunk.Text))
				go drainChunks(chunks)
				return
			default:
				deliver(ck.flush())
				go drainChunks(chunks)
				return
			}
		}
	}
}

// forwardAudio pumps synthesis output through the wire converter onto the
// reply's frame channel and settles the reply when the stream ends. The
// withPreamble path plays the pre-converted filler when a model turn ends
// in tool calls without having produced any audio.
func (p *Pipeline) forwardAudio(ttsCtx context.Context, r *Reply, audioCh <-chan []byte, conv *wireConverter, synthDone chan struct{}, start time.Time, withPreamble bool) {
	emitted := 0
	var synthErr error
	defer func() {
		close(synthDone)
		if withPreamble && emitted == 0 && synthErr == nil && ttsCtx.Err() == nil && len(r.ToolCalls()) > 0 {
			for _, payload := range p.preamble {
				if !p.emit(ttsCtx, r, payload, &emitted, start) {
					break
				}
			}
		}
		close(r.frames)
		close(r.done)
		if p.met != nil {
			p.met.TTSDuration.Record(ttsCtx, time.Since(start).Seconds())
			status := "ok"
			switch {
			case ttsCtx.Err() != nil:
				status = "cancelled"
			case synthErr != nil:
				status = "error"
			}
			p.met.RecordProviderRequest(ttsCtx, "tts", "synthesize", status)
		}
		p.wg.Done()
	}()

	for {
		select {
		case <-ttsCtx.Done():
			return
		case chunk, ok := <-audioCh:
			if !ok {
				if tail := conv.flush(); tail != nil {
					p.emit(ttsCtx, r, tail, &emitted, start)
				}
				if ttsCtx.Err() == nil && !r.llmFinished() {
					synthErr = errSynthesisEnded
					r.setStreamErr(synthErr)
				}
				return
			}
			payloads, err := conv.push(chunk)
			if err != nil {
				p.logger.Warn("dropping misaligned synthesis chunk",
					"bytes", len(chunk), "error", err)
				continue
			}
			for _, payload := range payloads {
				if !p.emit(ttsCtx, r, payload, &emitted, start) {
					return
				}
			}
		}
	}
}

// emit delivers one payload to the reply, recording first-audio latency on
// the first. Returns false once the reply is cancelled.
func (p *Pipeline) emit(ctx context.Context, r *Reply, payload []byte, emitted *int, start time.Time) bool {
	select {
	case r.frames <- payload:
		if *emitted == 0 && p.met != nil {
			p.met.FirstAudioLatency.Record(ctx, time.Since(start).Seconds())
		}
		*emitted++
		return true
	case <-ctx.Done():
		return false
	}
}
