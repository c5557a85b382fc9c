// Package discord implements the development media leg: a Discord voice
// connection standing in for a phone line. Inbound Opus is decoded and
// brought down to 16 kHz mono PCM frames; outbound frames take the reverse
// path back up to 48 kHz stereo Opus.
//
// The leg locks onto the first speaker it hears: a call has one far end, so
// the first SSRC to carry audio becomes the caller and every other source is
// dropped. The leg doubles as its own [telephony.CallControl]: transfer moves
// the bot to another voice channel, hangup tears the leg down.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// Compile-time interface assertions.
var (
	_ telephony.MediaChannel = (*Channel)(nil)
	_ telephony.CallControl  = (*Channel)(nil)
)

// The leg reads and writes linear PCM at the rate the rest of the pipeline
// speaks, so the media server's codec adapter runs straight through.
const (
	wireSampleRate   = audio.AgentSampleRate
	wireFrameMS      = 20
	wireFrameSamples = wireSampleRate * wireFrameMS / 1000 // 320
	wireFrameBytes   = wireFrameSamples * 2                // 640
)

const (
	frameChanBuffer  = 64
	outputChanBuffer = 64
)

// Channel adapts a discordgo voice connection to the [telephony.MediaChannel]
// surface.
//
// Channel is safe for concurrent use.
type Channel struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	info    telephony.ChannelInfo

	frames chan []byte
	output chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// disconnectFn tears down the voice connection during Close. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectFn func() error
}

// Join connects the bot to a voice channel and returns the live leg. The
// session must already be open; the voice handshake runs with discordgo's own
// timeout.
func Join(session *discordgo.Session, guildID, channelID string) (*Channel, error) {
	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newChannel(vc, session, guildID, channelID), nil
}

func newChannel(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string) *Channel {
	c := &Channel{
		vc:      vc,
		session: session,
		guildID: guildID,
		info: telephony.ChannelInfo{
			ID:         "discord:" + channelID,
			Encoding:   audio.EncodingPCM,
			SampleRate: wireSampleRate,
			FrameMS:    wireFrameMS,
		},
		frames:       make(chan []byte, frameChanBuffer),
		output:       make(chan []byte, outputChanBuffer),
		done:         make(chan struct{}),
		disconnectFn: vc.Disconnect,
	}
	go c.recvLoop()
	go c.sendLoop()
	return c
}

// recvLoop reads Opus packets from Discord, locks onto the first SSRC it
// sees, and turns that stream into fixed-size caller frames.
func (c *Channel) recvLoop() {
	defer close(c.frames)

	var (
		caller     uint32
		haveCaller bool
		dec        *opusDecoder
		down       *audio.Resampler
		buf        []byte
	)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			if !haveCaller {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: create opus decoder", "error", err)
					return
				}
				down, err = audio.NewResampler(opusSampleRate, wireSampleRate)
				if err != nil {
					slog.Error("discord: create downsampler", "error", err)
					return
				}
				caller, haveCaller = pkt.SSRC, true
				slog.Info("discord: locked caller stream", "ssrc", caller, "channel", c.info.ID)
			}
			if pkt.SSRC != caller {
				continue
			}

			stereo, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			mono := down.Process(downmixStereo(stereo))
			buf = append(buf, audio.SamplesToBytes(mono)...)
			for len(buf) >= wireFrameBytes {
				frame := make([]byte, wireFrameBytes)
				copy(frame, buf[:wireFrameBytes])
				buf = buf[wireFrameBytes:]
				select {
				case c.frames <- frame:
				default:
					// Reader stalled; drop rather than block the voice read.
				}
			}
		}
	}
}

// sendLoop takes queued agent frames, brings them up to Discord's format and
// ships exact Opus frames. Speaking is signalled once, on the first frame.
func (c *Channel) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: create opus encoder", "error", err)
		return
	}
	up, err := audio.NewResampler(wireSampleRate, opusSampleRate)
	if err != nil {
		slog.Error("discord: create upsampler", "error", err)
		return
	}

	speaking := false
	var buf []int16

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case frame := <-c.output:
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}

			mono, err := audio.BytesToSamples(frame)
			if err != nil {
				slog.Warn("discord: bad outbound frame", "error", err)
				continue
			}
			buf = append(buf, upmixMono(up.Process(mono))...)

			for len(buf) >= opusFrameInterleaved {
				opus, eErr := enc.encode(buf[:opusFrameInterleaved])
				buf = buf[opusFrameInterleaved:]
				if eErr != nil {
					slog.Warn("discord: opus encode error", "error", eErr)
					continue
				}
				select {
				case c.vc.OpusSend <- opus:
				case <-c.done:
					return
				}
			}
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Channel) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// ReadFrame returns the next 20 ms caller frame. Frames decoded before Close
// drain first.
func (c *Channel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c.frames:
		if !ok {
			return nil, telephony.ErrChannelClosed
		}
		return frame, nil
	}
}

// WriteFrame queues one agent frame for Opus encoding. It blocks only when
// the encoder has fallen a full buffer behind.
func (c *Channel) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return telephony.ErrChannelClosed
	default:
	}
	if len(frame) != wireFrameBytes {
		return fmt.Errorf("discord: frame is %d bytes, want %d", len(frame), wireFrameBytes)
	}
	// The caller may reuse its buffer; copy before queueing.
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case c.output <- f:
		return nil
	case <-c.done:
		return telephony.ErrChannelClosed
	}
}

// Info describes the leg's audio format.
func (c *Channel) Info() telephony.ChannelInfo { return c.info }

// Close leaves the voice channel and stops both codec loops. It is safe to
// call more than once; subsequent calls return nil.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectFn != nil {
			err = c.disconnectFn()
		}
	})
	return err
}

// Transfer moves the bot to another voice channel in the same guild. Discord
// relocates the active voice connection, so the leg keeps running against the
// destination channel.
func (c *Channel) Transfer(_ context.Context, channelID, destination string) error {
	if channelID != c.info.ID {
		return fmt.Errorf("discord: unknown channel %q", channelID)
	}
	if c.session == nil {
		return errors.New("discord: no session to transfer with")
	}
	if _, err := c.session.ChannelVoiceJoin(c.guildID, destination, false, false); err != nil {
		return fmt.Errorf("discord: transfer to %q: %w", destination, err)
	}
	return nil
}

// Hangup tears the leg down.
func (c *Channel) Hangup(_ context.Context, channelID string) error {
	if channelID != c.info.ID {
		return fmt.Errorf("discord: unknown channel %q", channelID)
	}
	return c.Close()
}
