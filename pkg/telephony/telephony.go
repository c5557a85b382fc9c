// Package telephony abstracts the media leg of a call: the transport that
// carries caller audio into the media server and agent audio back out.
//
// A [MediaChannel] is one live leg. The media server reads caller frames from
// it, feeds them through the codec adapter into the session protocol, and
// writes paced agent frames back. The subpackages cover RTP over UDP (the
// reference telephony leg), Discord voice (the development leg) and a
// scripted leg for tests.
//
// [CallControl] is the narrow signalling sink the agent may invoke at tool
// time: transfer the call elsewhere or hang it up. Anything richer belongs
// to the PBX.
package telephony

import (
	"context"
	"errors"

	"github.com/MrWong99/telvox/pkg/audio"
)

// ErrChannelClosed reports a read or write on a media channel that has been
// closed or whose transport is gone.
var ErrChannelClosed = errors.New("telephony: media channel closed")

// ChannelInfo describes the audio format a media channel reads and writes.
// The media server builds its codec adapter from these fields.
type ChannelInfo struct {
	// ID identifies the leg for call control and logging.
	ID string

	// Encoding is the frame payload codec.
	Encoding audio.Encoding

	// SampleRate is the frame sample rate in Hz.
	SampleRate int

	// FrameMS is the duration of one frame in milliseconds.
	FrameMS int
}

// FrameBytes returns the payload size of one frame.
func (i ChannelInfo) FrameBytes() int {
	return audio.PayloadBytes(i.Encoding, i.SampleRate, i.FrameMS)
}

// MediaChannel is one live call leg. Frames are self-contained payloads in
// the format described by Info, which is constant for the channel's lifetime.
//
// ReadFrame and WriteFrame may run on separate goroutines, but neither may be
// called concurrently with itself.
type MediaChannel interface {
	// ReadFrame blocks until the next caller frame arrives. It returns
	// ctx.Err() when the context ends first and [ErrChannelClosed] once the
	// leg is down.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame transmits one agent frame of exactly Info().FrameBytes()
	// bytes. Pacing is the caller's job; implementations transmit as soon as
	// they can.
	WriteFrame(frame []byte) error

	// Info describes the channel's audio format.
	Info() ChannelInfo

	// Close tears the leg down and unblocks any pending ReadFrame. It is
	// idempotent.
	Close() error
}

// CallControl is the signalling sink behind the transfer_call and hangup_call
// tools and the unrecoverable-failure handoff. A failed invocation surfaces
// to the caller as a spoken fallback plus an error control message; audio
// already played is never rolled back.
type CallControl interface {
	// Transfer moves the call identified by channelID to destination. The
	// destination format is implementation-defined: a dial string for a
	// telephony leg, a voice channel ID for Discord.
	Transfer(ctx context.Context, channelID, destination string) error

	// Hangup terminates the call identified by channelID.
	Hangup(ctx context.Context, channelID string) error
}
