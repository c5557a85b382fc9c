package audio

// Reframer slices an arbitrary byte stream into fixed-size frames, buffering
// any trailing partial frame until the next push completes it. TTS providers
// hand back chunks sized by their own transport; the playout path needs exact
// frame-duration payloads.
//
// Not safe for concurrent use.
type Reframer struct {
	frameBytes int
	buf        []byte
}

// NewReframer returns a Reframer emitting frames of frameBytes each.
func NewReframer(frameBytes int) *Reframer {
	if frameBytes <= 0 {
		panic("audio: reframer frame size must be positive")
	}
	return &Reframer{frameBytes: frameBytes}
}

// FrameBytes returns the configured frame size.
func (r *Reframer) FrameBytes() int { return r.frameBytes }

// Buffered returns the number of bytes held back waiting for a full frame.
func (r *Reframer) Buffered() int { return len(r.buf) }

// Push appends data and returns every complete frame now available, in
// order. Returned slices are freshly allocated and safe to retain.
func (r *Reframer) Push(data []byte) [][]byte {
	r.buf = append(r.buf, data...)
	n := len(r.buf) / r.frameBytes
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, r.frameBytes)
		copy(frame, r.buf[i*r.frameBytes:])
		frames = append(frames, frame)
	}
	r.buf = append(r.buf[:0], r.buf[n*r.frameBytes:]...)
	return frames
}

// Flush returns the trailing partial frame zero-padded to full size, or nil
// when nothing is buffered. The buffer is reset either way.
func (r *Reframer) Flush() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	frame := make([]byte, r.frameBytes)
	copy(frame, r.buf)
	r.buf = r.buf[:0]
	return frame
}

// Reset discards any buffered partial frame, as after a barge-in flush.
func (r *Reframer) Reset() {
	r.buf = r.buf[:0]
}
