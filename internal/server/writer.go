package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/pkg/asp"
)

// Outbound flow control. Frame producers pause once the queue holds
// txHighWatermark frames and resume when the client has drained it to
// txLowWatermark; a pause that outlasts backpressurePause cancels the
// response instead of stalling the call.
const (
	txHighWatermark   = 25
	txLowWatermark    = 10
	backpressurePause = 2 * time.Second

	// writeTimeout bounds a single transport write so a wedged client
	// cannot hold the writer loop indefinitely.
	writeTimeout = 15 * time.Second
)

// transport is the connection surface the writer needs. *asp.Conn
// implements it.
type transport interface {
	WriteControl(ctx context.Context, msg asp.Message) error
	WriteFrame(ctx context.Context, f asp.Frame) error
}

type itemKind int

const (
	itemControl itemKind = iota
	itemFrame
	itemEOS
)

type wireItem struct {
	kind     itemKind
	msg      asp.Message
	streamID uint32
	payload  []byte
}

// outState tracks one outbound audio stream inside the writer. The sequencer
// assigns sequence numbers at write time, so frames dropped from the queue
// never leave a gap on the wire.
type outState struct {
	seq       *asp.OutStream
	dropped   bool
	eosQueued bool
}

// writer serialises all outbound traffic of one session: producers enqueue,
// the run loop writes in order. Control messages enqueued after a stream's
// end-of-stream marker are guaranteed to follow it on the wire.
type writer struct {
	conn   transport
	logger *slog.Logger
	met    *observe.Metrics

	mu      sync.Mutex
	queue   []wireItem
	streams map[uint32]*outState
	nframes int           // queued frame and end-of-stream items
	low     chan struct{} // closed when nframes drains to txLowWatermark
	closed  bool          // no further enqueues; run drains and exits
	sent    uint64        // frames written, end-of-stream included
	err     error         // first write failure, set before done closes

	kick chan struct{}
	done chan struct{} // closed when the run loop has exited
}

func newWriter(conn transport, logger *slog.Logger, met *observe.Metrics) *writer {
	return &writer{
		conn:    conn,
		logger:  logger,
		met:     met,
		streams: make(map[uint32]*outState),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *writer) kickLocked() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// enqueueControl queues one control message behind everything already queued.
func (w *writer) enqueueControl(msg asp.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, wireItem{kind: itemControl, msg: msg})
	w.kickLocked()
}

// openStream registers the sequencer for a new outbound stream.
func (w *writer) openStream(id uint32, frameMS int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streams[id] = &outState{seq: asp.NewOutStream(id, frameMS)}
}

// enqueueFrame queues one payload for stream id. Frames for unknown, dropped
// or already-ended streams are discarded.
func (w *writer) enqueueFrame(id uint32, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.streams[id]
	if w.closed || st == nil || st.dropped || st.eosQueued {
		return
	}
	w.queue = append(w.queue, wireItem{kind: itemFrame, streamID: id, payload: payload})
	w.nframes++
	w.kickLocked()
}

// endStream queues the end-of-stream frame for id. Idempotent per stream.
func (w *writer) endStream(id uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.streams[id]
	if w.closed || st == nil || st.eosQueued {
		return
	}
	st.eosQueued = true
	w.queue = append(w.queue, wireItem{kind: itemEOS, streamID: id})
	w.nframes++
	w.kickLocked()
}

// dropStream discards every queued payload frame of the stream and blocks
// further ones. The end-of-stream frame still goes out and, with sequence
// numbers assigned at write time, follows the last written frame without a
// gap.
func (w *writer) dropStream(id uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.streams[id]
	if st == nil {
		return
	}
	st.dropped = true
	kept := w.queue[:0]
	for _, it := range w.queue {
		if it.kind == itemFrame && it.streamID == id {
			w.nframes--
			continue
		}
		kept = append(kept, it)
	}
	w.queue = kept
	w.signalLowLocked()
}

func (w *writer) releaseLowLocked() {
	if w.low != nil {
		close(w.low)
		w.low = nil
	}
}

func (w *writer) signalLowLocked() {
	if w.nframes <= txLowWatermark {
		w.releaseLowLocked()
	}
}

// queuedFrames returns the number of frame items awaiting dispatch.
func (w *writer) queuedFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nframes
}

// belowLow returns a channel that closes once the queue drains to the low
// watermark. An already-drained or closed writer returns a closed channel.
func (w *writer) belowLow() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nframes <= txLowWatermark || w.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if w.low == nil {
		w.low = make(chan struct{})
	}
	return w.low
}

// sentFrames returns the number of frames written to the transport.
func (w *writer) sentFrames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// shutdown stops intake and waits for the queue to drain, bounded by ctx.
func (w *writer) shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.releaseLowLocked()
	w.kickLocked()
	w.mu.Unlock()

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run writes queued items in order until the writer is shut down or a write
// fails.
func (w *writer) run(ctx context.Context) error {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.closed {
				w.mu.Unlock()
				return nil
			}
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				w.fail(ctx.Err())
				return nil
			case <-w.kick:
			}
			w.mu.Lock()
		}
		it := w.queue[0]
		w.queue = w.queue[1:]
		var frame asp.Frame
		switch it.kind {
		case itemFrame:
			frame = w.streams[it.streamID].seq.Next(it.payload)
			w.nframes--
			w.signalLowLocked()
		case itemEOS:
			frame = w.streams[it.streamID].seq.End()
			delete(w.streams, it.streamID)
			w.nframes--
			w.signalLowLocked()
		}
		w.mu.Unlock()

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		var err error
		if it.kind == itemControl {
			err = w.conn.WriteControl(wctx, it.msg)
		} else {
			err = w.conn.WriteFrame(wctx, frame)
		}
		cancel()
		if err != nil {
			w.fail(err)
			return err
		}
		if it.kind != itemControl {
			w.mu.Lock()
			w.sent++
			w.mu.Unlock()
			if w.met != nil {
				w.met.RecordFrames(ctx, "out", 1)
			}
		}
	}
}

// fail marks the writer dead, discards the queue and releases every waiter.
func (w *writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.closed = true
	w.queue = nil
	w.nframes = 0
	w.releaseLowLocked()
	w.mu.Unlock()
}
