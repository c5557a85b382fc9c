package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FallbackKind names one pre-rendered fallback utterance.
type FallbackKind string

const (
	// FallbackApology plays on a recoverable provider failure; the session
	// returns to listening afterwards.
	FallbackApology FallbackKind = "apology"

	// FallbackHandoff plays before transferring or hanging up on an
	// unrecoverable failure.
	FallbackHandoff FallbackKind = "handoff"

	// FallbackRepeat plays when an utterance produced no usable transcript.
	FallbackRepeat FallbackKind = "repeat"
)

// fallbackClip is one rendered utterance: its text and wire payloads.
type fallbackClip struct {
	text     string
	payloads [][]byte
}

// RenderFallbacks synthesises the configured fallback utterances into wire
// frames. Call it once at session setup, before the first turn, so a reply
// served by [Pipeline.Fallback] never waits on a provider. Kinds that fail
// to render play as silence; the failures come back joined.
func (p *Pipeline) RenderFallbacks(ctx context.Context) error {
	texts := []struct {
		kind FallbackKind
		text string
	}{
		{FallbackApology, p.cfg.Apology},
		{FallbackHandoff, p.cfg.Handoff},
		{FallbackRepeat, p.cfg.Repeat},
	}

	var errs []error
	for _, t := range texts {
		if t.text == "" {
			continue
		}
		payloads, err := p.render(ctx, t.text)
		if err != nil {
			errs = append(errs, fmt.Errorf("render %s: %w", t.kind, err))
			continue
		}
		p.mu.Lock()
		p.fallbacks[t.kind] = fallbackClip{text: t.text, payloads: payloads}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// render synthesises one text and collects the converted wire payloads.
func (p *Pipeline) render(ctx context.Context, text string) ([][]byte, error) {
	pieces := chunkText(text, p.maxChunk)
	textCh := make(chan string, len(pieces))
	for _, piece := range pieces {
		textCh <- piece
	}
	close(textCh)

	audioCh, err := p.ttsP.SynthesizeStream(ctx, textCh, p.cfg.Voice)
	if err != nil {
		return nil, err
	}
	conv, err := p.newConverter()
	if err != nil {
		return nil, err
	}

	var payloads [][]byte
	for chunk := range audioCh {
		frames, err := conv.push(chunk)
		if err != nil {
			p.logger.Warn("dropping misaligned synthesis chunk",
				"bytes", len(chunk), "error", err)
			continue
		}
		payloads = append(payloads, frames...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tail := conv.flush(); tail != nil {
		payloads = append(payloads, tail)
	}
	if len(payloads) == 0 {
		return nil, errors.New("synthesis produced no audio")
	}
	return payloads, nil
}

// Fallback returns a reply that plays the pre-rendered utterance of the
// given kind. It is an ordinary reply with a reserved utterance id and obeys
// the same lifecycle, including cancellation. A kind that was never rendered
// yields a silent reply recording no text, so the history never claims words
// the caller did not hear.
func (p *Pipeline) Fallback(ctx context.Context, kind FallbackKind) *Reply {
	p.mu.Lock()
	clip := p.fallbacks[kind]
	p.mu.Unlock()

	playCtx, cancel := context.WithCancel(ctx)
	r := newReply("fallback-"+string(kind), cancel, nil, 0)
	r.markLLMDone()
	if len(clip.payloads) > 0 {
		r.appendText(clip.text)
	} else {
		p.logger.Warn("fallback utterance not rendered, playing silence", "kind", string(kind))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		defer close(r.frames)
		defer cancel()
		for _, payload := range clip.payloads {
			if playCtx.Err() != nil {
				return
			}
			select {
			case r.frames <- payload:
			case <-playCtx.Done():
				return
			}
		}
	}()
	return r
}
