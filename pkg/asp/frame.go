package asp

import (
	"encoding/binary"
)

// FrameHeaderSize is the fixed length in bytes of the binary audio frame
// header preceding the payload.
const FrameHeaderSize = 13

// FlagEndOfStream marks the final frame of an audio stream. The server sets
// it on a trailing zero-payload frame so the client can detect playout drain.
const FlagEndOfStream byte = 0x01

// Frame is one binary audio message.
//
// Wire layout, big-endian:
//
//	offset 0..3   stream_id    u32
//	offset 4..7   seq          u32
//	offset 8..11  timestamp_ms u32 (milliseconds since stream start)
//	offset 12     flags        u8  (bit0 = end-of-stream)
//	offset 13..   payload      codec-dependent
type Frame struct {
	StreamID    uint32
	Seq         uint32
	TimestampMS uint32
	Flags       byte
	Payload     []byte
}

// EndOfStream reports whether the end-of-stream flag is set.
func (f Frame) EndOfStream() bool { return f.Flags&FlagEndOfStream != 0 }

// MarshalFrame encodes f into its binary wire form.
func MarshalFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.TimestampMS)
	buf[12] = f.Flags
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// ParseFrame decodes one binary frame. The returned Payload aliases data; the
// caller owns data and must not reuse it while the frame is live.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, Errorf(KindProtocolViolation, "audio frame too short: %d bytes", len(data))
	}
	return Frame{
		StreamID:    binary.BigEndian.Uint32(data[0:4]),
		Seq:         binary.BigEndian.Uint32(data[4:8]),
		TimestampMS: binary.BigEndian.Uint32(data[8:12]),
		Flags:       data[12],
		Payload:     data[FrameHeaderSize:],
	}, nil
}

// OutStream assigns contiguous sequence numbers and frame-aligned timestamps
// to one outbound audio stream. Stream ids are scoped per direction and
// allocated by the session owning the stream. Not safe for concurrent use;
// each stream has a single producer.
type OutStream struct {
	id      uint32
	frameMS uint32
	seq     uint32
	ended   bool
}

// NewOutStream creates a sequencer for stream id with the negotiated frame
// duration in milliseconds.
func NewOutStream(id uint32, frameMS int) *OutStream {
	return &OutStream{id: id, frameMS: uint32(frameMS)}
}

// ID returns the stream identifier.
func (s *OutStream) ID() uint32 { return s.id }

// FrameCount returns the number of frames produced so far, including the
// end-of-stream frame.
func (s *OutStream) FrameCount() uint32 { return s.seq }

// Next wraps payload in the stream's next frame. Must not be called after
// [OutStream.End].
func (s *OutStream) Next(payload []byte) Frame {
	f := Frame{
		StreamID:    s.id,
		Seq:         s.seq,
		TimestampMS: s.seq * s.frameMS,
		Payload:     payload,
	}
	s.seq++
	return f
}

// End produces the trailing zero-payload end-of-stream frame. Subsequent
// calls return the same frame without advancing the sequence.
func (s *OutStream) End() Frame {
	if !s.ended {
		s.ended = true
		s.seq++
	}
	return Frame{
		StreamID:    s.id,
		Seq:         s.seq - 1,
		TimestampMS: (s.seq - 1) * s.frameMS,
		Flags:       FlagEndOfStream,
	}
}

// InStream validates the frame sequence of one inbound audio stream:
// contiguous seq from zero, no frames after close.
type InStream struct {
	id     uint32
	next   uint32
	closed bool
}

// NewInStream creates a validator for inbound stream id.
func NewInStream(id uint32) *InStream {
	return &InStream{id: id}
}

// ID returns the stream identifier.
func (s *InStream) ID() uint32 { return s.id }

// FrameCount returns the number of frames accepted so far.
func (s *InStream) FrameCount() uint32 { return s.next }

// Closed reports whether the stream has seen its end-of-stream frame or an
// explicit close.
func (s *InStream) Closed() bool { return s.closed }

// Accept validates f against the stream's expected sequence. A gap,
// duplicate, wrong stream id or frame-after-close is a [ProtocolError] of
// kind [KindProtocolViolation].
func (s *InStream) Accept(f Frame) error {
	if f.StreamID != s.id {
		return Errorf(KindProtocolViolation, "frame for stream %d on stream %d", f.StreamID, s.id)
	}
	if s.closed {
		return Errorf(KindProtocolViolation, "frame %d for closed stream %d", f.Seq, s.id)
	}
	if f.Seq != s.next {
		return Errorf(KindProtocolViolation, "stream %d: expected seq %d, got %d", s.id, s.next, f.Seq)
	}
	s.next++
	if f.EndOfStream() {
		s.closed = true
	}
	return nil
}

// Close marks the stream closed without an end-of-stream frame, as happens
// when the peer signals the end via an audio.end control message.
func (s *InStream) Close() {
	s.closed = true
}
