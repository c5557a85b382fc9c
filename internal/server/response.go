package server

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/telvox/internal/pipeline"
	"github.com/MrWong99/telvox/pkg/asp"
)

// response tracks one agent utterance from response.start to its terminal
// message. reason and cancelAt are written inside cancelOnce before the reply
// is cancelled and read only after Cancelled reports true.
type response struct {
	id        string
	utterance string
	streamID  uint32
	reply     *pipeline.Reply
	fallback  bool

	cancelOnce sync.Once
	reason     string
	cancelAt   time.Time

	spoke bool // first frame enqueued, pump-written before posting onSpeaking
}

func (r *response) cancel(reason string) {
	r.cancelOnce.Do(func() {
		r.reason = reason
		r.cancelAt = time.Now()
		r.reply.Cancel()
	})
}

// startResponse announces a reply on the wire and starts its pump. Runs on
// the supervisor loop.
func (s *session) startResponse(r *pipeline.Reply, fallback bool) {
	s.nextStreamID++
	resp := &response{
		id:        r.ID,
		utterance: r.UtteranceID,
		streamID:  s.nextStreamID,
		reply:     r,
		fallback:  fallback,
	}
	s.current = resp
	s.counters.Responses++
	s.wr.openStream(resp.streamID, s.audio.FrameMS)
	s.wr.enqueueControl(&asp.ResponseStart{
		ResponseID:  resp.id,
		UtteranceID: resp.utterance,
		StreamID:    resp.streamID,
	})
	if s.sm.State() == asp.StateListening {
		s.sm.Transition(asp.StateProcessing)
	}
	s.armProcessing()
	go s.pump(s.ctx, resp)
}

// pump moves reply audio into the writer, then settles the response on the
// wire and in history. The terminal control message is enqueued before
// Finish so the client is never kept waiting on history compaction.
func (s *session) pump(ctx context.Context, resp *response) {
	r := resp.reply
	for payload := range r.Frames() {
		if s.wr.queuedFrames() >= txHighWatermark && !s.waitDrain(ctx, resp) {
			continue
		}
		s.wr.enqueueFrame(resp.streamID, payload)
		if !resp.spoke {
			resp.spoke = true
			s.post(ctx, func() { s.onSpeaking(resp) })
		}
	}
	s.wr.endStream(resp.streamID)
	switch {
	case r.Cancelled():
		s.wr.enqueueControl(&asp.ResponseCancelled{ResponseID: resp.id, Reason: resp.reason})
		if resp.reason == asp.CancelReasonBackpressure {
			s.wr.enqueueControl(&asp.ErrorMessage{
				Kind:        asp.KindBackpressure,
				Message:     "client is not draining agent audio",
				Recoverable: true,
			})
		}
	case r.Err() != nil:
		s.wr.enqueueControl(&asp.ResponseCancelled{ResponseID: resp.id})
	default:
		s.wr.enqueueControl(&asp.ResponseEnd{ResponseID: resp.id})
	}
	s.pipe.Finish(ctx, r)
	s.post(ctx, func() { s.onResponseDone(resp) })
}

// waitDrain blocks until the writer queue drains below the low watermark,
// the reply finishes or the pause budget runs out. On timeout the response
// is cancelled for backpressure and waitDrain reports false.
func (s *session) waitDrain(ctx context.Context, resp *response) bool {
	t := time.NewTimer(backpressurePause)
	defer t.Stop()
	select {
	case <-s.wr.belowLow():
		return true
	case <-resp.reply.Done():
		return true
	case <-ctx.Done():
		return true
	case <-t.C:
		resp.cancel(asp.CancelReasonBackpressure)
		s.wr.dropStream(resp.streamID)
		return false
	}
}

// post hands fn to the supervisor loop.
func (s *session) post(ctx context.Context, fn func()) {
	select {
	case s.events <- fn:
	case <-ctx.Done():
	}
}
