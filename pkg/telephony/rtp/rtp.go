// Package rtp implements the reference telephony media leg: raw RTP over a
// single UDP socket carrying G.711 or linear PCM at 8 kHz in 20 ms packets of
// 160 samples. There is no signalling here; the PBX owns call setup and this
// leg only moves media.
//
// The peer address is either fixed up front or learned from the source of the
// first inbound packet, which covers symmetric RTP through NATs.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	pionrtp "github.com/pion/rtp"

	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// Compile-time interface assertion.
var _ telephony.MediaChannel = (*Channel)(nil)

// Static RTP payload types from the RFC 3551 audio/video profile.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

const (
	sampleRate = 8000
	frameMS    = 20
	// samplesPerFrame is the timestamp increment per packet.
	samplesPerFrame = sampleRate * frameMS / 1000 // 160

	// maxDatagram bounds one inbound read; anything past typical MTU is not
	// a sane audio packet.
	maxDatagram = 1500

	frameChanBuffer = 32
)

// ErrNoPeer reports a write before the remote address is known. A symmetric
// leg cannot send until the first inbound packet reveals the peer.
var ErrNoPeer = errors.New("rtp: remote address not yet known")

// Channel is one RTP media leg bound to a local UDP socket.
//
// ReadFrame and WriteFrame may run on separate goroutines, but neither may be
// called concurrently with itself: the sequence number and timestamp advance
// per write.
type Channel struct {
	conn        *net.UDPConn
	info        telephony.ChannelInfo
	payloadType uint8
	frameBytes  int

	remoteMu sync.Mutex
	remote   *net.UDPAddr

	seq  uint16
	ts   uint32
	ssrc uint32

	frames chan []byte

	readErrMu sync.Mutex
	readErr   error

	done      chan struct{}
	closeOnce sync.Once
}

type config struct {
	remoteAddr  string
	payloadType uint8
	ssrc        uint32
	channelID   string
}

// Option adjusts a Channel under construction.
type Option func(*config)

// WithRemoteAddr fixes the peer frames are sent to. Without it the channel
// runs symmetric RTP and pins the peer from the first inbound packet.
func WithRemoteAddr(addr string) Option {
	return func(c *config) {
		c.remoteAddr = addr
	}
}

// WithPayloadType selects the RTP payload type. 0 (PCMU) and 8 (PCMA) carry
// G.711; any dynamic type is taken to carry linear PCM. Defaults to PCMU.
func WithPayloadType(pt uint8) Option {
	return func(c *config) {
		c.payloadType = pt
	}
}

// WithSSRC fixes the outbound synchronisation source. Zero picks a random
// one.
func WithSSRC(ssrc uint32) Option {
	return func(c *config) {
		c.ssrc = ssrc
	}
}

// WithChannelID overrides the call-control identifier. Defaults to
// "rtp:<local address>".
func WithChannelID(id string) Option {
	return func(c *config) {
		c.channelID = id
	}
}

// New binds the local side of an RTP leg and starts receiving.
func New(localAddr string, opts ...Option) (*Channel, error) {
	cfg := config{payloadType: PayloadTypePCMU}
	for _, opt := range opts {
		opt(&cfg)
	}

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen: %w", err)
	}

	var remote *net.UDPAddr
	if cfg.remoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.remoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtp: resolve remote addr: %w", err)
		}
	}

	ssrc := cfg.ssrc
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	id := cfg.channelID
	if id == "" {
		id = "rtp:" + conn.LocalAddr().String()
	}

	enc := encodingFor(cfg.payloadType)
	c := &Channel{
		conn:        conn,
		payloadType: cfg.payloadType,
		frameBytes:  audio.PayloadBytes(enc, sampleRate, frameMS),
		info: telephony.ChannelInfo{
			ID:         id,
			Encoding:   enc,
			SampleRate: sampleRate,
			FrameMS:    frameMS,
		},
		remote: remote,
		ssrc:   ssrc,
		frames: make(chan []byte, frameChanBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// encodingFor maps a payload type to the codec its frames carry.
func encodingFor(pt uint8) audio.Encoding {
	switch pt {
	case PayloadTypePCMU:
		return audio.EncodingMulaw
	case PayloadTypePCMA:
		return audio.EncodingAlaw
	default:
		return audio.EncodingPCM
	}
}

// readLoop pulls datagrams off the socket, discards anything that is not an
// RTP packet of the negotiated payload type, and queues the payloads.
func (c *Channel) readLoop() {
	defer close(c.frames)
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.setReadErr(fmt.Errorf("rtp: read: %w", err))
			}
			return
		}
		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("rtp: dropping malformed packet", "bytes", n, "error", err)
			continue
		}
		if pkt.PayloadType != c.payloadType || len(pkt.Payload) == 0 {
			continue
		}
		c.learnRemote(addr)
		// The payload aliases the read buffer; copy before handing it off.
		frame := make([]byte, len(pkt.Payload))
		copy(frame, pkt.Payload)
		select {
		case c.frames <- frame:
		default:
			// Reader stalled; drop rather than block the socket.
		}
	}
}

// learnRemote pins the peer to the source of the first inbound packet when no
// remote was configured.
func (c *Channel) learnRemote(addr *net.UDPAddr) {
	c.remoteMu.Lock()
	if c.remote == nil {
		c.remote = addr
		slog.Info("rtp: learned remote address", "remote", addr.String(), "channel", c.info.ID)
	}
	c.remoteMu.Unlock()
}

func (c *Channel) setReadErr(err error) {
	c.readErrMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.readErrMu.Unlock()
}

func (c *Channel) closeErr() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return telephony.ErrChannelClosed
}

// ReadFrame returns the next inbound payload. Foreign payload types are
// filtered on the socket side, so one frame is one packet of the negotiated
// codec. Frames received before Close drain first.
func (c *Channel) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c.frames:
		if !ok {
			return nil, c.closeErr()
		}
		return frame, nil
	}
}

// WriteFrame sends one payload to the peer, stamping the sequence number and
// timestamp. The timestamp advances by one frame of samples per packet.
func (c *Channel) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return telephony.ErrChannelClosed
	default:
	}
	if len(frame) != c.frameBytes {
		return fmt.Errorf("rtp: frame is %d bytes, want %d", len(frame), c.frameBytes)
	}
	c.remoteMu.Lock()
	remote := c.remote
	c.remoteMu.Unlock()
	if remote == nil {
		return ErrNoPeer
	}

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    c.payloadType,
			SequenceNumber: c.seq,
			Timestamp:      c.ts,
			SSRC:           c.ssrc,
		},
		Payload: frame,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp: marshal: %w", err)
	}
	if _, err := c.conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("rtp: write: %w", err)
	}
	c.seq++
	c.ts += samplesPerFrame
	return nil
}

// Info describes the leg's audio format, derived from the payload type.
func (c *Channel) Info() telephony.ChannelInfo { return c.info }

// LocalAddr returns the bound UDP address, useful after listening on port 0.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close shuts the socket down and unblocks any pending ReadFrame. It is
// idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
