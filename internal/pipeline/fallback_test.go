package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/telvox/internal/pipeline"
	llmmock "github.com/MrWong99/telvox/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/telvox/pkg/provider/tts/mock"
)

func TestFallback_PlaysPrerenderedFrames(t *testing.T) {
	t.Parallel()

	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{
		make([]byte, wireFrameBytes),
		make([]byte, wireFrameBytes/2),
	}}
	p, hist := newTestPipeline(t, &llmmock.Provider{}, ttsP)
	ctx := context.Background()

	if err := p.RenderFallbacks(ctx); err != nil {
		t.Fatalf("RenderFallbacks: %v", err)
	}
	rendered := len(ttsP.SynthesizeStreamCalls)
	if rendered != 3 {
		t.Fatalf("render calls: got %d, want one per kind", rendered)
	}

	r := p.Fallback(ctx, pipeline.FallbackApology)
	if r.UtteranceID != "fallback-apology" {
		t.Errorf("UtteranceID: got %q", r.UtteranceID)
	}
	frames := drainFrames(t, r)
	if len(frames) != 2 {
		t.Fatalf("frames: got %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != wireFrameBytes {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(f), wireFrameBytes)
		}
	}
	if r.Text() != "Sorry, something went wrong." {
		t.Errorf("Text: got %q", r.Text())
	}

	// Playback never touches the synthesis provider again.
	if got := len(ttsP.SynthesizeStreamCalls); got != rendered {
		t.Errorf("synthesize calls after playback: got %d, want %d", got, rendered)
	}

	p.Finish(ctx, r)
	msgs := hist.Messages()
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != "Sorry, something went wrong." {
		t.Errorf("history: got %+v", msgs)
	}
	p.Wait()
}

func TestFallback_UnrenderedKindPlaysSilenceAndRecordsNothing(t *testing.T) {
	t.Parallel()

	p, hist := newTestPipeline(t, &llmmock.Provider{}, &ttsmock.Provider{})
	ctx := context.Background()

	r := p.Fallback(ctx, pipeline.FallbackRepeat)
	frames := drainFrames(t, r)
	if len(frames) != 0 {
		t.Fatalf("frames: got %d, want none", len(frames))
	}
	if r.Text() != "" {
		t.Errorf("Text: got %q, want empty", r.Text())
	}

	p.Finish(ctx, r)
	if hist.Len() != 0 {
		t.Errorf("history recorded %d turns for silent fallback", hist.Len())
	}
	p.Wait()
}

func TestRenderFallbacks_ReportsEveryFailure(t *testing.T) {
	t.Parallel()

	ttsP := &ttsmock.Provider{SynthesizeErr: errors.New("tts down")}
	p, _ := newTestPipeline(t, &llmmock.Provider{}, ttsP)

	err := p.RenderFallbacks(context.Background())
	if err == nil {
		t.Fatal("RenderFallbacks: got nil error")
	}
	for _, kind := range []string{"apology", "handoff", "repeat"} {
		if !strings.Contains(err.Error(), kind) {
			t.Errorf("error does not name %s: %v", kind, err)
		}
	}
}

func TestFallback_CancelStopsPlayback(t *testing.T) {
	t.Parallel()

	// Thirty frames of rendered audio so playback far outlives the frame
	// channel buffer.
	ttsP := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 30*wireFrameBytes)}}
	p, _ := newTestPipeline(t, &llmmock.Provider{}, ttsP)
	ctx := context.Background()

	if err := p.RenderFallbacks(ctx); err != nil {
		t.Fatalf("RenderFallbacks: %v", err)
	}

	r := p.Fallback(ctx, pipeline.FallbackHandoff)
	select {
	case <-r.Frames():
	case <-time.After(2 * time.Second):
		t.Fatal("no frame before cancel")
	}
	r.Cancel()

	// At most the buffered frames plus one in-flight send can still arrive.
	got := 1 + len(drainFrames(t, r))
	if got > 10 {
		t.Fatalf("frames delivered after cancel: got %d, want at most 10", got)
	}
	if !r.Cancelled() {
		t.Error("Cancelled: got false")
	}
	p.Wait()
}
