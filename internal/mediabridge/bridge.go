// Package mediabridge drives one telephony call leg against a conversation
// server. The bridge owns the media channel for the duration of the call: it
// detects utterance boundaries on the caller's audio, relays speech frames
// over the audio session protocol, and paces the agent's reply back onto the
// leg through a jitter buffer with comfort-noise fill.
package mediabridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/pkg/asp"
	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/telephony"
	"github.com/MrWong99/telvox/pkg/vad"
)

const (
	// defaultDialTimeout bounds the connect plus session handshake.
	defaultDialTimeout = 5 * time.Second

	// endGrace is how long teardown waits for the server to acknowledge
	// session.end before the transport is closed regardless.
	endGrace = 2 * time.Second
)

// ErrRejected reports that the server refused session.start.
var ErrRejected = errors.New("session rejected by server")

var (
	errSessionOver = errors.New("session over")
	errEndTimeout  = errors.New("session end timed out")
)

// Config parameterises one bridged call.
type Config struct {
	// ServerURL is the conversation server's endpoint,
	// e.g. "ws://localhost:8765/asp".
	ServerURL string

	// SessionID identifies the session on the wire. Empty generates one.
	SessionID string

	// SystemPromptRef selects a named prompt on the server. Empty keeps the
	// server's default persona.
	SystemPromptRef string

	// VAD tunes utterance boundary detection. Zero fields take defaults.
	VAD vad.Params

	// ClassifierModelPath and ClassifierLibraryPath locate the model and
	// inference runtime when VAD.Classifier selects a neural classifier.
	ClassifierModelPath   string
	ClassifierLibraryPath string

	// DialTimeout bounds the connect plus handshake. Default 5 s.
	DialTimeout time.Duration

	// ComfortAmplitude is the peak amplitude of underrun fill noise. Zero
	// selects the audio package default.
	ComfortAmplitude int16
}

// Counters is a snapshot of the bridge's traffic counters.
type Counters struct {
	FramesCaptured uint64
	FramesPlayed   uint64
	Utterances     uint64
	BargeIns       uint64
	PlayoutDrops   uint64
}

// Option configures optional bridge collaborators.
type Option func(*Bridge)

// WithMetrics attaches metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.met = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge relays one call between a media leg and a conversation server.
// Build with New, drive with Run.
type Bridge struct {
	cfg    Config
	leg    telephony.MediaChannel
	info   telephony.ChannelInfo
	logger *slog.Logger
	met    *observe.Metrics

	conn       *asp.Conn
	sessionID  string
	adapter    *audio.Adapter
	classifier vad.Classifier
	detector   *vad.Detector
	noise      *audio.NoiseGenerator
	jb         *jitterBuffer
	vadParams  vad.Params
	frameBytes int

	// Capture loop state, owned by that goroutine.
	out          *asp.OutStream
	nextStreamID uint32
	ring         [][]byte
	ringCap      int

	fatal   error // read loop only
	endOnce sync.Once

	mu         sync.Mutex
	speaking   bool
	respID     string
	captured   uint64
	played     uint64
	utterances uint64
	bargeIns   uint64
}

// New validates the leg's audio format and builds the bridge. The bridge
// speaks the leg's codec on the wire unchanged; decoding happens only to feed
// the voice activity detector.
func New(leg telephony.MediaChannel, cfg Config, opts ...Option) (*Bridge, error) {
	if leg == nil {
		return nil, errors.New("mediabridge: nil media channel")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("mediabridge: server url required")
	}
	info := leg.Info()
	if !audio.ValidFrameMS(info.FrameMS) {
		return nil, fmt.Errorf("mediabridge: unsupported frame duration %d ms", info.FrameMS)
	}
	adapter, err := audio.NewAdapter(info.Encoding, info.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("mediabridge: leg codec: %w", err)
	}
	params := cfg.VAD.WithDefaults()
	classifier, err := vad.NewClassifier(params.Classifier, vad.ClassifierConfig{
		SampleRate:  audio.AgentSampleRate,
		FrameMS:     info.FrameMS,
		ModelPath:   cfg.ClassifierModelPath,
		LibraryPath: cfg.ClassifierLibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("mediabridge: classifier: %w", err)
	}
	detector, err := vad.NewDetector(classifier, info.FrameMS, params)
	if err != nil {
		classifier.Close()
		return nil, fmt.Errorf("mediabridge: %w", err)
	}
	b := &Bridge{
		cfg:        cfg,
		leg:        leg,
		info:       info,
		logger:     slog.Default(),
		met:        observe.DefaultMetrics(),
		adapter:    adapter,
		classifier: classifier,
		detector:   detector,
		noise:      audio.NewNoiseGenerator(cfg.ComfortAmplitude),
		jb:         &jitterBuffer{},
		vadParams:  params,
		frameBytes: info.FrameBytes(),
		ringCap:    max(1, params.MinSpeechMS/info.FrameMS),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Counters returns a snapshot of the traffic counters.
func (b *Bridge) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counters{
		FramesCaptured: b.captured,
		FramesPlayed:   b.played,
		Utterances:     b.utterances,
		BargeIns:       b.bargeIns,
		PlayoutDrops:   b.jb.droppedFrames(),
	}
}

// Run connects, negotiates the session and bridges until the call ends. It
// returns nil when the session closed cleanly from either side, including
// cancellation of ctx, and closes the leg and the transport before returning.
func (b *Bridge) Run(ctx context.Context) error {
	dialTimeout := b.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	hctx, hcancel := context.WithTimeout(ctx, dialTimeout)
	defer hcancel()

	conn, err := asp.Dial(hctx, b.cfg.ServerURL)
	if err != nil {
		return err
	}
	b.conn = conn
	defer b.conn.Close()
	defer b.leg.Close()
	defer b.classifier.Close()

	if err := b.handshake(hctx); err != nil {
		return err
	}
	hcancel()

	b.met.ActiveChannels.Add(ctx, 1)
	defer b.met.ActiveChannels.Add(context.Background(), -1)
	b.logger.Info("session started",
		"session_id", b.sessionID,
		"channel_id", b.info.ID,
		"encoding", string(b.info.Encoding),
		"sample_rate", b.info.SampleRate)

	// The loops run past cancellation of ctx so teardown can say goodbye:
	// the watcher turns a parent cancel into session.end and the group only
	// stops once the server acknowledges or the grace window lapses.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.readLoop(gctx) })
	g.Go(func() error { return b.captureLoop(gctx) })
	g.Go(func() error { return b.playoutLoop(gctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return b.awaitEnd(gctx)
		case <-gctx.Done():
			return nil
		}
	})
	err = g.Wait()

	switch {
	case errors.Is(err, errSessionOver):
		err = nil
	case errors.Is(err, errEndTimeout):
		b.logger.Warn("session end unacknowledged, closing transport", "session_id", b.sessionID)
		err = nil
	}
	c := b.Counters()
	b.logger.Info("session closed",
		"session_id", b.sessionID,
		"frames_captured", c.FramesCaptured,
		"frames_played", c.FramesPlayed,
		"utterances", c.Utterances,
		"barge_ins", c.BargeIns,
		"playout_drops", c.PlayoutDrops)
	return err
}

// handshake consumes the capabilities advertisement, checks the leg's codec
// against it and completes the session.start exchange.
func (b *Bridge) handshake(ctx context.Context) error {
	msg, err := b.awaitControl(ctx)
	if err != nil {
		return err
	}
	caps, ok := msg.(*asp.Capabilities)
	if !ok {
		return asp.Errorf(asp.KindProtocolViolation, "expected capabilities, got %s", msg.MessageType())
	}
	enc := string(b.info.Encoding)
	if !slices.Contains(caps.Encodings, enc) || !slices.Contains(caps.SampleRates, b.info.SampleRate) {
		return fmt.Errorf("mediabridge: server cannot take %s at %d Hz (offers %v at %v)",
			enc, b.info.SampleRate, caps.Encodings, caps.SampleRates)
	}
	if !caps.Supports(asp.FeatureBargeIn) {
		b.logger.Warn("server does not advertise barge-in", "session_id", b.sessionID)
	}

	id := b.cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	b.sessionID = id
	b.conn.BindSession(id)

	start := &asp.SessionStart{
		Audio: asp.AudioParams{
			SampleRate: b.info.SampleRate,
			Encoding:   enc,
			FrameMS:    b.info.FrameMS,
		},
		VAD: asp.VADParams{
			SilenceHangoverMS: b.vadParams.SilenceHangoverMS,
			MinSpeechMS:       b.vadParams.MinSpeechMS,
			BargeInMinMS:      b.vadParams.BargeInMinMS,
			Classifier:        b.vadParams.Classifier,
		},
		SystemPromptRef: b.cfg.SystemPromptRef,
		ChannelID:       b.info.ID,
	}
	if err := b.conn.WriteControl(ctx, start); err != nil {
		return err
	}

	msg, err = b.awaitControl(ctx)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *asp.SessionStarted:
		if m.Audio != start.Audio {
			return fmt.Errorf("mediabridge: negotiated %s at %d Hz / %d ms, leg speaks %s at %d Hz / %d ms",
				m.Audio.Encoding, m.Audio.SampleRate, m.Audio.FrameMS,
				enc, b.info.SampleRate, b.info.FrameMS)
		}
		return nil
	case *asp.SessionRejected:
		return fmt.Errorf("%w: %s", ErrRejected, m.Reason)
	default:
		return asp.Errorf(asp.KindProtocolViolation, "expected session.started, got %s", msg.MessageType())
	}
}

// awaitControl returns the next control message, answering keepalive pings
// in place. Audio frames are a protocol violation before the session starts.
func (b *Bridge) awaitControl(ctx context.Context) (asp.Message, error) {
	for {
		pkt, err := b.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if pkt.Frame != nil {
			return nil, asp.Errorf(asp.KindProtocolViolation, "audio frame before session start")
		}
		if _, ok := pkt.Msg.(*asp.Ping); ok {
			if err := b.conn.WriteControl(ctx, &asp.Pong{}); err != nil {
				return nil, err
			}
			continue
		}
		return pkt.Msg, nil
	}
}

func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		pkt, err := b.conn.Read(ctx)
		if err != nil {
			if b.fatal != nil {
				return b.fatal
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport read: %w", err)
		}
		if pkt.Frame != nil {
			b.onServerFrame(ctx, *pkt.Frame)
			continue
		}
		if err := b.onControl(ctx, pkt.Msg); err != nil {
			return err
		}
	}
}

func (b *Bridge) onServerFrame(ctx context.Context, f asp.Frame) {
	accepted, overflowed := b.jb.push(f.StreamID, f.Payload, f.EndOfStream())
	if !accepted {
		b.logger.Debug("dropping frame for inactive stream",
			"session_id", b.sessionID, "stream_id", f.StreamID, "seq", f.Seq)
		return
	}
	if overflowed {
		b.logger.Warn("playout buffer overflow, dropped oldest frame",
			"session_id", b.sessionID, "stream_id", f.StreamID)
		b.met.RecordError(ctx, "media", string(asp.KindBackpressure))
	}
}

func (b *Bridge) onControl(ctx context.Context, msg asp.Message) error {
	switch m := msg.(type) {
	case *asp.ResponseStart:
		b.mu.Lock()
		b.respID = m.ResponseID
		b.mu.Unlock()
		b.jb.expect(m.StreamID)
		b.logger.Debug("response started",
			"session_id", b.sessionID, "response_id", m.ResponseID, "utterance_id", m.UtteranceID)
	case *asp.ResponseEnd:
		b.logger.Debug("response complete", "session_id", b.sessionID, "response_id", m.ResponseID)
	case *asp.ResponseCancelled:
		b.mu.Lock()
		match := m.ResponseID == b.respID
		if match {
			b.respID = ""
			b.speaking = false
		}
		b.mu.Unlock()
		if match {
			b.jb.flush()
		}
		b.logger.Info("response cancelled",
			"session_id", b.sessionID, "response_id", m.ResponseID, "reason", m.Reason)
	case *asp.Ping:
		return b.conn.WriteControl(ctx, &asp.Pong{})
	case *asp.Pong:
	case *asp.ErrorMessage:
		if m.Recoverable {
			b.logger.Warn("server error",
				"session_id", b.sessionID, "kind", string(m.Kind), "detail", m.Message)
			return nil
		}
		b.logger.Error("fatal server error",
			"session_id", b.sessionID, "kind", string(m.Kind), "detail", m.Message)
		b.fatal = fmt.Errorf("server error: %s: %s", m.Kind, m.Message)
	case *asp.SessionEnded:
		b.logger.Info("session ended by server",
			"session_id", b.sessionID, "utterances", m.Utterances, "responses", m.Responses)
		if b.fatal != nil {
			return b.fatal
		}
		return errSessionOver
	default:
		b.logger.Debug("ignoring control message",
			"session_id", b.sessionID, "type", string(msg.MessageType()))
	}
	return nil
}

func (b *Bridge) captureLoop(ctx context.Context) error {
	for {
		payload, err := b.leg.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, telephony.ErrChannelClosed) {
				b.logger.Info("caller leg closed", "session_id", b.sessionID, "channel_id", b.info.ID)
				return b.awaitEnd(ctx)
			}
			return fmt.Errorf("leg read: %w", err)
		}
		if err := b.onCallerFrame(ctx, payload); err != nil {
			return err
		}
	}
}

func (b *Bridge) onCallerFrame(ctx context.Context, payload []byte) error {
	if len(payload) != b.frameBytes {
		b.logger.Debug("dropping leg frame of unexpected size",
			"session_id", b.sessionID, "bytes", len(payload), "want", b.frameBytes)
		return nil
	}
	pcm, err := b.adapter.Decode(payload)
	if err != nil {
		b.logger.Warn("undecodable leg frame dropped", "session_id", b.sessionID, "error", err)
		return nil
	}
	samples, err := audio.BytesToSamples(pcm)
	if err != nil {
		return nil
	}

	if b.out != nil {
		// Mid-utterance every frame belongs to the stream, hangover
		// silence included; the detector only decides when it ends.
		if err := b.sendCaptureFrame(ctx, payload); err != nil {
			return err
		}
		if ev := b.detector.Process(samples, b.isSpeaking()); ev.Kind == vad.EventSpeechEnd {
			return b.finishUtterance(ctx)
		}
		return nil
	}

	b.ringPush(payload)
	ev := b.detector.Process(samples, b.isSpeaking())
	switch ev.Kind {
	case vad.EventBargeIn:
		if err := b.sendBargeIn(ctx); err != nil {
			return err
		}
		return b.openUtterance(ctx)
	case vad.EventSpeechBegin:
		return b.openUtterance(ctx)
	}
	return nil
}

func (b *Bridge) isSpeaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// ringPush keeps the most recent frames outside an utterance, so the speech
// run that trips the begin threshold is replayed into the stream instead of
// being lost.
func (b *Bridge) ringPush(payload []byte) {
	b.ring = append(b.ring, payload)
	if len(b.ring) > b.ringCap {
		copy(b.ring, b.ring[1:])
		b.ring = b.ring[:b.ringCap]
	}
}

func (b *Bridge) openUtterance(ctx context.Context) error {
	b.nextStreamID++
	b.out = asp.NewOutStream(b.nextStreamID, b.info.FrameMS)
	b.logger.Debug("utterance started", "session_id", b.sessionID, "stream_id", b.nextStreamID)
	for _, p := range b.ring {
		if err := b.sendCaptureFrame(ctx, p); err != nil {
			return err
		}
	}
	b.ring = b.ring[:0]
	return nil
}

func (b *Bridge) finishUtterance(ctx context.Context) error {
	if b.out == nil {
		return nil
	}
	frames := b.out.FrameCount()
	err := b.conn.WriteFrame(ctx, b.out.End())
	b.out = nil
	b.mu.Lock()
	b.utterances++
	b.mu.Unlock()
	b.logger.Debug("utterance ended", "session_id", b.sessionID, "frames", frames)
	if err != nil {
		return fmt.Errorf("send end of stream: %w", err)
	}
	return nil
}

func (b *Bridge) sendCaptureFrame(ctx context.Context, payload []byte) error {
	if err := b.conn.WriteFrame(ctx, b.out.Next(payload)); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	b.mu.Lock()
	b.captured++
	b.mu.Unlock()
	b.met.RecordFrames(ctx, "capture", 1)
	return nil
}

// sendBargeIn flushes the playout buffer and tells the server to cancel the
// current response. The flush happens before the message goes out, so no
// frame of the interrupted response is dequeued afterwards.
func (b *Bridge) sendBargeIn(ctx context.Context) error {
	b.mu.Lock()
	rid := b.respID
	if rid == "" {
		// The response drained between the detector frame and now;
		// treat the event as a plain utterance start.
		b.mu.Unlock()
		return nil
	}
	b.respID = ""
	b.speaking = false
	b.bargeIns++
	flushed := b.jb.flush()
	b.mu.Unlock()

	if err := b.conn.WriteControl(ctx, &asp.BargeIn{ResponseID: rid}); err != nil {
		return fmt.Errorf("send barge_in: %w", err)
	}
	b.met.BargeIns.Add(ctx, 1)
	b.logger.Info("barge-in",
		"session_id", b.sessionID, "response_id", rid, "flushed_frames", flushed)
	return nil
}

func (b *Bridge) playoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(b.info.FrameMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		payload, eos, ok := b.jb.pop()
		switch {
		case ok && eos:
			if err := b.completePlayback(ctx); err != nil {
				return err
			}
		case ok:
			if err := b.leg.WriteFrame(payload); err != nil {
				if errors.Is(err, telephony.ErrChannelClosed) {
					return b.awaitEnd(ctx)
				}
				return fmt.Errorf("leg write: %w", err)
			}
			b.mu.Lock()
			b.speaking = true
			b.played++
			b.mu.Unlock()
			b.met.RecordFrames(ctx, "playout", 1)
			continue
		}

		// Idle or underrun: hold the leg's cadence with comfort noise.
		noise := b.noise.Frame(b.info.Encoding, b.info.SampleRate, b.info.FrameMS)
		if err := b.leg.WriteFrame(noise); err != nil {
			if errors.Is(err, telephony.ErrChannelClosed) {
				return b.awaitEnd(ctx)
			}
			return fmt.Errorf("leg write: %w", err)
		}
	}
}

// completePlayback runs when the response's end marker drains from the
// buffer: the final frame has been handed to the leg, so it is safe for the
// server to run boundary tool calls.
func (b *Bridge) completePlayback(ctx context.Context) error {
	b.mu.Lock()
	rid := b.respID
	b.respID = ""
	b.speaking = false
	b.mu.Unlock()
	if rid == "" {
		return nil
	}
	if err := b.conn.WriteControl(ctx, &asp.PlaybackSafe{ResponseID: rid}); err != nil {
		return fmt.Errorf("send playback_safe: %w", err)
	}
	b.logger.Debug("playback drained", "session_id", b.sessionID, "response_id", rid)
	return nil
}

// awaitEnd asks the server for a graceful close, then waits for the read
// loop to observe session.ended, bounded by the grace window.
func (b *Bridge) awaitEnd(ctx context.Context) error {
	b.endOnce.Do(func() {
		wctx, cancel := context.WithTimeout(context.Background(), endGrace)
		defer cancel()
		if err := b.conn.WriteControl(wctx, &asp.SessionEnd{}); err != nil {
			b.logger.Debug("session.end not delivered", "session_id", b.sessionID, "error", err)
		}
	})
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(endGrace):
		return errEndTimeout
	}
}
