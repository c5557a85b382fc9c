package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// compile-time interface assertions

var _ telephony.MediaChannel = (*Channel)(nil)
var _ telephony.CallControl = (*Channel)(nil)

// test helpers

// opusSilence is a 20 ms Opus silence frame that any decoder accepts.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// newTestChannel creates a Channel suitable for unit testing without a real
// Discord voice connection. It wires up fake OpusSend/OpusRecv channels.
func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
	c := &Channel{
		vc:      vc,
		guildID: "guild-test",
		info: telephony.ChannelInfo{
			ID:         "discord:chan-test",
			Encoding:   audio.EncodingPCM,
			SampleRate: wireSampleRate,
			FrameMS:    wireFrameMS,
		},
		frames:       make(chan []byte, frameChanBuffer),
		output:       make(chan []byte, outputChanBuffer),
		done:         make(chan struct{}),
		disconnectFn: func() error { return nil }, // no-op for tests
	}
	go c.recvLoop()
	go c.sendLoop()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *Channel) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := c.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return frame
}

// Channel tests

func TestChannel_Info(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	info := c.Info()
	if info.ID != "discord:chan-test" {
		t.Errorf("ID = %q, want discord:chan-test", info.ID)
	}
	if info.Encoding != audio.EncodingPCM {
		t.Errorf("encoding = %s, want pcm_s16le", info.Encoding)
	}
	if info.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", info.SampleRate)
	}
	if got := info.FrameBytes(); got != wireFrameBytes {
		t.Errorf("frame bytes = %d, want %d", got, wireFrameBytes)
	}
}

// TestChannel_RecvProducesFrames verifies that one inbound Opus packet comes
// out as one 20 ms caller frame at the wire rate.
func TestChannel_RecvProducesFrames(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: opusSilence}

	frame := readFrame(t, c)
	if len(frame) != wireFrameBytes {
		t.Fatalf("frame = %d bytes, want %d", len(frame), wireFrameBytes)
	}
}

// TestChannel_LocksFirstSpeaker verifies that only the first SSRC heard
// produces caller frames.
func TestChannel_LocksFirstSpeaker(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: opusSilence}
	readFrame(t, c)

	// A second source must be dropped.
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: opusSilence}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := c.ReadFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("frame from second SSRC leaked through, err = %v", err)
	}

	// The locked source keeps flowing.
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: opusSilence}
	readFrame(t, c)
}

// TestChannel_WriteFrameEncodes verifies that one agent frame is encoded and
// appears on OpusSend.
func TestChannel_WriteFrameEncodes(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	if err := c.WriteFrame(make([]byte, wireFrameBytes)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case opus := <-c.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}
}

func TestChannel_WriteFrameSizeValidation(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	if err := c.WriteFrame(make([]byte, 100)); err == nil {
		t.Fatal("undersized frame accepted, want error")
	}
}

// TestChannel_CloseIdempotent verifies that Close can be called multiple
// times without panicking and returns nil on subsequent calls.
func TestChannel_CloseIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	for i := range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close[%d]: unexpected error: %v", i, err)
		}
	}
}

func TestChannel_ReadFrameAfterClose(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	_ = c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.ReadFrame(ctx); !errors.Is(err, telephony.ErrChannelClosed) {
		t.Fatalf("ReadFrame after close = %v, want ErrChannelClosed", err)
	}
}

func TestChannel_WriteFrameAfterClose(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	_ = c.Close()
	if err := c.WriteFrame(make([]byte, wireFrameBytes)); !errors.Is(err, telephony.ErrChannelClosed) {
		t.Fatalf("WriteFrame after close = %v, want ErrChannelClosed", err)
	}
}

// TestChannel_ConcurrentClose exercises Close from multiple goroutines to
// verify thread safety (run with -race).
func TestChannel_ConcurrentClose(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Close()
		})
	}
	wg.Wait()
}

// call control tests

func TestChannel_HangupClosesLeg(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	if err := c.Hangup(context.Background(), "discord:chan-test"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.ReadFrame(ctx); !errors.Is(err, telephony.ErrChannelClosed) {
		t.Fatalf("leg still open after Hangup, err = %v", err)
	}
}

func TestChannel_HangupUnknownChannel(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	if err := c.Hangup(context.Background(), "discord:other"); err == nil {
		t.Fatal("Hangup with foreign channel ID succeeded, want error")
	}
}

func TestChannel_TransferErrors(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	if err := c.Transfer(context.Background(), "discord:other", "dest"); err == nil {
		t.Error("Transfer with foreign channel ID succeeded, want error")
	}
	// No session wired in the test channel.
	if err := c.Transfer(context.Background(), "discord:chan-test", "dest"); err == nil {
		t.Error("Transfer without session succeeded, want error")
	}
}

// codec helper tests

func TestDownmixStereo(t *testing.T) {
	t.Parallel()

	in := []int16{100, 300, -200, -400}
	out := downmixStereo(in)
	if len(out) != 2 {
		t.Fatalf("downmix length = %d, want 2", len(out))
	}
	if out[0] != 200 || out[1] != -300 {
		t.Errorf("downmix = %v, want [200 -300]", out)
	}
}

func TestUpmixMono(t *testing.T) {
	t.Parallel()

	in := []int16{5, -7}
	out := upmixMono(in)
	want := []int16{5, 5, -7, -7}
	if len(out) != len(want) {
		t.Fatalf("upmix length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("upmix[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}
