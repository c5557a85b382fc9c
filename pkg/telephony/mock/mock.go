// Package mock provides scripted telephony legs and a call-recording
// CallControl for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// Compile-time interface assertions.
var (
	_ telephony.MediaChannel = (*Channel)(nil)
	_ telephony.CallControl  = (*CallControl)(nil)
)

// Channel is a scripted media leg. Tests queue caller frames with PushFrame
// and inspect everything the bridge wrote back.
type Channel struct {
	mu sync.Mutex

	// InfoValue is returned by Info.
	InfoValue telephony.ChannelInfo

	// WriteErr, when set, is returned by every WriteFrame call.
	WriteErr error

	// WrittenFrames records each WriteFrame payload in order.
	WrittenFrames [][]byte

	// CloseCallCount counts Close invocations, including repeats.
	CloseCallCount int

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel returns a leg that reads and writes 20 ms linear PCM at the
// agent rate.
func NewChannel() *Channel {
	return &Channel{
		InfoValue: telephony.ChannelInfo{
			ID:         "mock",
			Encoding:   audio.EncodingPCM,
			SampleRate: audio.AgentSampleRate,
			FrameMS:    20,
		},
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// PushFrame queues one caller frame for ReadFrame to return.
func (c *Channel) PushFrame(frame []byte) {
	f := make([]byte, len(frame))
	copy(f, frame)
	c.frames <- f
}

// ReadFrame returns queued frames in order. Frames queued before Close drain
// first; afterwards it reports [telephony.ErrChannelClosed].
func (c *Channel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, telephony.ErrChannelClosed
	case frame := <-c.frames:
		return frame, nil
	}
}

// WriteFrame records the payload.
func (c *Channel) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return telephony.ErrChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	c.WrittenFrames = append(c.WrittenFrames, f)
	return nil
}

// Info returns InfoValue.
func (c *Channel) Info() telephony.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InfoValue
}

// Close marks the leg down and unblocks pending reads.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	c.CloseCallCount++
	c.mu.Unlock()
	return nil
}

// Written returns a snapshot of the recorded WriteFrame payloads.
func (c *Channel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.WrittenFrames))
	copy(out, c.WrittenFrames)
	return out
}

// TransferCall records the arguments of one Transfer invocation.
type TransferCall struct {
	ChannelID   string
	Destination string
}

// CallControl records every signalling invocation.
type CallControl struct {
	mu sync.Mutex

	// TransferErr and HangupErr, when set, are returned by the matching
	// method after the call is recorded.
	TransferErr error
	HangupErr   error

	// TransferCalls records each Transfer invocation in order.
	TransferCalls []TransferCall

	// HangupCalls records the channel ID of each Hangup invocation in order.
	HangupCalls []string
}

// Transfer records the call and returns TransferErr.
func (c *CallControl) Transfer(_ context.Context, channelID, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TransferCalls = append(c.TransferCalls, TransferCall{ChannelID: channelID, Destination: destination})
	return c.TransferErr
}

// Hangup records the call and returns HangupErr.
func (c *CallControl) Hangup(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HangupCalls = append(c.HangupCalls, channelID)
	return c.HangupErr
}

// Transfers returns a snapshot of recorded Transfer calls.
func (c *CallControl) Transfers() []TransferCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TransferCall, len(c.TransferCalls))
	copy(out, c.TransferCalls)
	return out
}

// Hangups returns a snapshot of recorded Hangup channel IDs.
func (c *CallControl) Hangups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.HangupCalls))
	copy(out, c.HangupCalls)
	return out
}

// Reset clears the recorded calls.
func (c *CallControl) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TransferCalls = nil
	c.HangupCalls = nil
}
