package mediabridge

import "sync"

// Jitter buffer depth, in frames of the negotiated duration.
const (
	// jitterTarget frames must accumulate before playout of a new response
	// begins, absorbing arrival jitter up to 40 ms at the default frame size.
	jitterTarget = 2

	// jitterMax caps the buffered depth at 100 ms; beyond it the oldest
	// frame is dropped so playback latency cannot creep.
	jitterMax = 5
)

type jitterFrame struct {
	payload []byte
	eos     bool
}

// jitterBuffer sits between the transport reader and the playout pacer. It
// accepts frames for one response stream at a time, holds the first frames
// back until the target depth is reached, and closes when the end-of-stream
// marker is popped. flush discards everything and stops accepting the stream,
// so frames of a barged-in response arriving late never reach playout.
type jitterBuffer struct {
	mu      sync.Mutex
	stream  uint32
	open    bool
	primed  bool
	frames  []jitterFrame
	dropped uint64
}

// expect arms the buffer for a new response stream, discarding anything left
// over from the previous one.
func (b *jitterBuffer) expect(streamID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = streamID
	b.open = true
	b.primed = false
	b.frames = b.frames[:0]
}

// push buffers one frame. accepted is false for streams the buffer is not
// armed for; overflowed reports that the oldest frame was dropped to make
// room.
func (b *jitterBuffer) push(streamID uint32, payload []byte, eos bool) (accepted, overflowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open || streamID != b.stream {
		return false, false
	}
	if len(b.frames) >= jitterMax {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
		b.dropped++
		overflowed = true
	}
	b.frames = append(b.frames, jitterFrame{payload: payload, eos: eos})
	// The end marker is the last frame there will be; drain whatever arrived.
	if eos || len(b.frames) >= jitterTarget {
		b.primed = true
	}
	return true, overflowed
}

// pop removes the next frame once the buffer is primed. ok reports that a
// frame was returned; eos marks the response's final, payloadless frame and
// closes the buffer.
func (b *jitterBuffer) pop() (payload []byte, eos, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.primed || len(b.frames) == 0 {
		return nil, false, false
	}
	f := b.frames[0]
	copy(b.frames, b.frames[1:])
	b.frames = b.frames[:len(b.frames)-1]
	if f.eos {
		b.open = false
		b.primed = false
	}
	return f.payload, f.eos, true
}

// flush atomically discards all buffered frames and stops accepting the
// current stream. Returns how many frames were discarded.
func (b *jitterBuffer) flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	b.frames = b.frames[:0]
	b.open = false
	b.primed = false
	return n
}

func (b *jitterBuffer) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *jitterBuffer) droppedFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
