package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telvox/internal/history"
	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/internal/pipeline"
	"github.com/MrWong99/telvox/internal/store"
	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/asp"
	"github.com/MrWong99/telvox/pkg/audio"
)

// maxConsecutiveFailures is the number of failed turns after which the
// session stops apologising and hands the caller off.
const maxConsecutiveFailures = 2

var errResponseTimeout = errors.New("server: response production timed out")

type inboundPacket struct {
	pkt asp.Packet
	err error
}

type pendingUtterance struct {
	id   string
	text string
}

type pendingFailure struct {
	kind asp.ErrorKind
	clip pipeline.FallbackKind
	err  error
}

// session supervises one conversation over an accepted connection. All state
// below the channels is owned by the supervisor loop; other goroutines reach
// it only through posted events.
type session struct {
	id     string
	srv    *Server
	conn   *asp.Conn
	wr     *writer
	sm     *asp.StateMachine
	logger *slog.Logger
	met    *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	inbound chan inboundPacket
	events  chan func()

	// Negotiated on session.start. The persona is captured here so a
	// config reload never changes a call mid-flight.
	audio        asp.AudioParams
	vad          asp.VADParams
	channelID    string
	frameBytes   int
	startedAt    time.Time
	pipe         *pipeline.Pipeline
	started      bool
	fallbackDest string

	// Caller utterance capture.
	capt        *pipeline.Capture
	captOpening bool
	captFailed  bool
	captErr     error
	captStream  *asp.InStream
	captUtterID string
	preFrames   [][]byte
	endPending  bool
	deadStreams map[uint32]struct{}

	// Turn and response tracking.
	nextStreamID  uint32
	current       *response
	awaitingReply bool
	toolsRunning  bool
	safeWait      *response
	lastSafeID    string
	pendingUtter  *pendingUtterance
	pendingFail   *pendingFailure
	afterFallback func()
	turnCtx       context.Context
	turnCancel    context.CancelFunc
	turnTimedOut  bool
	failures      int

	startTimer  *time.Timer
	procTimer   *time.Timer
	idleTimer   *time.Timer
	maxUttTimer *time.Timer
	gateTimer   *time.Timer
	endWait     *time.Timer
	pingTick    *time.Ticker

	ending    bool
	finished  bool
	endReason string
	counters  asp.SessionCounters
}

func newSession(srv *Server, conn *asp.Conn) *session {
	return &session{
		srv:         srv,
		conn:        conn,
		wr:          newWriter(conn, srv.logger, srv.deps.Metrics),
		sm:          asp.NewStateMachine(),
		logger:      srv.logger,
		met:         srv.deps.Metrics,
		inbound:     make(chan inboundPacket, 64),
		events:      make(chan func(), 16),
		deadStreams: make(map[uint32]struct{}),
	}
}

// run drives the session until the connection closes or the session ends.
func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.ctx = ctx
	s.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.wr.run(gctx) })
	g.Go(func() error { return s.supervise(gctx) })
	err := g.Wait()
	if s.pipe != nil {
		s.pipe.Wait()
	}
	s.conn.Close()
	return err
}

// readLoop pushes inbound traffic to the supervisor. It exits after
// delivering the first read error.
func (s *session) readLoop(ctx context.Context) error {
	for {
		pkt, err := s.conn.Read(ctx)
		select {
		case s.inbound <- inboundPacket{pkt: pkt, err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// supervise is the session's event loop. Every state mutation happens here.
func (s *session) supervise(ctx context.Context) error {
	defer s.cancel()

	s.sm.Transition(asp.StateCapabilities)
	s.wr.enqueueControl(s.srv.capabilities())
	s.startTimer = time.NewTimer(s.srv.timeouts.Starting)
	s.pingTick = time.NewTicker(s.srv.timeouts.Ping)
	defer s.pingTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown("transport_loss")
			return nil
		case in := <-s.inbound:
			if in.err != nil {
				s.onReadError(in.err)
			} else {
				s.dispatchPacket(in.pkt)
			}
		case fn := <-s.events:
			fn()
		case <-timerC(s.startTimer):
			s.failSession(asp.KindTimeout, "no session.start within the starting window", nil)
		case <-timerC(s.procTimer):
			s.onProcessingTimeout()
		case <-timerC(s.idleTimer):
			s.beginEnd("idle_timeout")
		case <-timerC(s.maxUttTimer):
			s.onMaxUtterance()
		case <-timerC(s.gateTimer):
			s.onGateTimeout()
		case <-timerC(s.endWait):
			s.finishEnd()
		case <-s.pingTick.C:
			s.wr.enqueueControl(&asp.Ping{})
		}
		if s.finished {
			return nil
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// timerC returns the timer's channel, or nil for an unarmed timer so the
// select case never fires.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *session) onReadError(err error) {
	if s.ending || s.finished {
		return
	}
	var pe *asp.ProtocolError
	if errors.As(err, &pe) {
		s.failSession(pe.Kind, pe.Message, err)
		return
	}
	s.logger.Info("connection lost", "session_id", s.id, "error", err)
	s.teardown("transport_loss")
}

func (s *session) dispatchPacket(pkt asp.Packet) {
	if s.ending || s.finished {
		return
	}
	if pkt.Frame != nil {
		s.onFrame(*pkt.Frame)
		return
	}
	switch msg := pkt.Msg.(type) {
	case *asp.SessionStart:
		s.onSessionStart(msg)
	case *asp.AudioEnd:
		s.onAudioEnd(msg.StreamID)
	case *asp.BargeIn:
		s.onBargeIn(msg)
	case *asp.PlaybackSafe:
		s.onPlaybackSafe(msg.ResponseID)
	case *asp.Ping:
		s.wr.enqueueControl(&asp.Pong{})
	case *asp.Pong:
	case *asp.SessionEnd:
		s.beginEnd("client")
	case *asp.ErrorMessage:
		s.logger.Warn("client reported error",
			"session_id", s.id, "kind", msg.Kind, "message", msg.Message, "recoverable", msg.Recoverable)
		if !msg.Recoverable {
			s.beginEnd("client_error")
		}
	default:
		s.failSession(asp.KindProtocolViolation, fmt.Sprintf("unexpected %s from client", pkt.Msg.MessageType()), nil)
	}
}

// busy reports whether a turn is in flight in any stage.
func (s *session) busy() bool {
	return s.current != nil || s.awaitingReply || s.toolsRunning || s.safeWait != nil
}

// maybeDispatch resolves queued work once the session is free: a deferred
// turn failure first, then the queued utterance. Utterances that end while a
// response is still settling wait here so history keeps its order.
func (s *session) maybeDispatch() {
	if s.ending || s.busy() {
		return
	}
	if pf := s.pendingFail; pf != nil {
		s.pendingFail = nil
		s.failTurn(pf.kind, pf.clip, pf.err)
		return
	}
	if s.pendingUtter == nil {
		return
	}
	u := s.pendingUtter
	s.pendingUtter = nil
	if s.sm.State() == asp.StateListening {
		s.sm.Transition(asp.StateProcessing)
	}
	s.armProcessing()
	s.dispatchRespond(u.id, u.text)
}

// queueFailTurn defers a turn failure until the active response settles, so
// a capture failure never talks over live playback.
func (s *session) queueFailTurn(kind asp.ErrorKind, clip pipeline.FallbackKind, err error) {
	if s.busy() {
		s.pendingFail = &pendingFailure{kind: kind, clip: clip, err: err}
		return
	}
	s.failTurn(kind, clip, err)
}

func (s *session) dispatchRespond(utterID, text string) {
	s.awaitingReply = true
	s.turnTimedOut = false
	s.turnCtx, s.turnCancel = context.WithCancel(s.ctx)
	ctx := s.turnCtx
	go func() {
		r, err := s.pipe.Respond(ctx, utterID, text)
		s.post(s.ctx, func() { s.onReplyReady(r, err) })
	}()
}

// dispatchSpeak voices server-initiated text, such as the greeting. It skips
// the model and goes straight to synthesis.
func (s *session) dispatchSpeak(text string) {
	s.awaitingReply = true
	s.turnTimedOut = false
	s.turnCtx, s.turnCancel = context.WithCancel(s.ctx)
	ctx := s.turnCtx
	go func() {
		r, err := s.pipe.Speak(ctx, "", text)
		s.post(s.ctx, func() { s.onReplyReady(r, err) })
	}()
}

func (s *session) turnRelease() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
		s.turnCtx = nil
	}
}

func (s *session) onReplyReady(r *pipeline.Reply, err error) {
	s.awaitingReply = false
	if s.ending || s.finished {
		if r != nil {
			r.Cancel()
		}
		s.turnRelease()
		s.finishEnd()
		return
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyUtterance) {
			s.turnRelease()
			stopTimer(s.procTimer)
			s.procTimer = nil
			s.wr.enqueueControl(&asp.ErrorMessage{
				Kind:        asp.KindEmptyUtterance,
				Message:     "utterance carried no speech",
				Recoverable: true,
			})
			s.toListening()
			return
		}
		kind := asp.KindProviderUnavailable
		if s.turnTimedOut {
			kind = asp.KindTimeout
			err = errResponseTimeout
		}
		s.failTurn(kind, pipeline.FallbackApology, err)
		return
	}
	s.startResponse(r, false)
}

// onSpeaking marks the turn audible once the pump has enqueued the first
// frame.
func (s *session) onSpeaking(resp *response) {
	if resp != s.current || s.ending {
		return
	}
	stopTimer(s.procTimer)
	s.procTimer = nil
	s.sm.TransitionIf(asp.StateProcessing, asp.StateSpeaking)
	s.touchIdle()
}

// onResponseDone settles a finished response and decides the next move.
func (s *session) onResponseDone(resp *response) {
	if resp != s.current {
		return
	}
	s.current = nil
	stopTimer(s.procTimer)
	s.procTimer = nil
	s.touchIdle()
	r := resp.reply

	if r.Cancelled() {
		s.counters.CancelledResponses++
		s.met.CancelLatency.Record(s.ctx, time.Since(resp.cancelAt).Seconds())
		if resp.reason == asp.CancelReasonBackpressure {
			s.met.RecordError(s.ctx, "server", string(asp.KindBackpressure))
		}
	}
	if s.ending {
		s.turnRelease()
		s.finishEnd()
		return
	}
	if resp.fallback && s.afterFallback != nil {
		// The handoff proceeds whether or not the caller heard the clip out.
		fn := s.afterFallback
		s.afterFallback = nil
		s.turnRelease()
		fn()
		return
	}
	switch {
	case r.Cancelled():
		s.turnRelease()
		if resp.reason == asp.CancelReasonTimeout {
			s.failTurn(asp.KindTimeout, pipeline.FallbackApology, errResponseTimeout)
			return
		}
		s.toListening()
		s.maybeDispatch()
	case r.Err() != nil:
		s.failTurn(asp.KindProviderUnavailable, pipeline.FallbackApology, r.Err())
	case resp.fallback:
		s.turnRelease()
		s.toListening()
		s.maybeDispatch()
	case len(r.ToolCalls()) > 0:
		s.gateTools(resp)
	default:
		s.failures = 0
		s.turnRelease()
		s.toListening()
		s.maybeDispatch()
	}
}

// failTurn handles one failed turn: apologise and keep going, or hand off
// once failures accumulate.
func (s *session) failTurn(kind asp.ErrorKind, clip pipeline.FallbackKind, err error) {
	s.turnRelease()
	s.failures++
	s.logger.Warn("turn failed",
		"session_id", s.id, "kind", string(kind), "failures", s.failures, "error", err)
	s.met.RecordError(s.ctx, "server", string(kind))
	if s.failures >= maxConsecutiveFailures {
		s.wr.enqueueControl(&asp.ErrorMessage{Kind: kind, Message: err.Error(), Recoverable: false})
		s.handoff()
		return
	}
	s.wr.enqueueControl(&asp.ErrorMessage{Kind: kind, Message: err.Error(), Recoverable: true})
	s.toListening()
	s.startResponse(s.pipe.Fallback(s.ctx, clip), true)
}

// handoff plays the handoff clip, then transfers or hangs up.
func (s *session) handoff() {
	s.afterFallback = s.completeHandoff
	s.toListening()
	s.startResponse(s.pipe.Fallback(s.ctx, pipeline.FallbackHandoff), true)
}

func (s *session) completeHandoff() {
	ctrl := s.srv.deps.CallControl
	dest := s.fallbackDest
	if ctrl == nil {
		s.beginEnd("handoff")
		return
	}
	channelID := s.channelID
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if dest != "" {
			if err := ctrl.Transfer(ctx, channelID, dest); err != nil {
				s.logger.Warn("transfer failed, hanging up",
					"session_id", s.id, "destination", dest, "error", err)
				ctrl.Hangup(ctx, channelID)
			}
		} else {
			ctrl.Hangup(ctx, channelID)
		}
		s.post(s.ctx, func() { s.beginEnd("handoff") })
	}()
}

// gateTools delays tool execution until the caller confirmed hearing the
// spoken preamble, so a transfer never cuts off mid-sentence.
func (s *session) gateTools(resp *response) {
	if s.lastSafeID == resp.id || !resp.spoke {
		s.runTools(resp)
		return
	}
	s.safeWait = resp
	s.gateTimer = time.NewTimer(s.srv.timeouts.Processing)
}

func (s *session) onPlaybackSafe(responseID string) {
	if s.safeWait != nil && s.safeWait.id == responseID {
		resp := s.safeWait
		s.safeWait = nil
		stopTimer(s.gateTimer)
		s.gateTimer = nil
		s.runTools(resp)
		return
	}
	s.lastSafeID = responseID
}

func (s *session) onGateTimeout() {
	s.gateTimer = nil
	if s.safeWait == nil {
		return
	}
	resp := s.safeWait
	s.safeWait = nil
	s.logger.Warn("playback_safe never arrived, executing tools", "session_id", s.id, "response_id", resp.id)
	s.runTools(resp)
}

func (s *session) runTools(resp *response) {
	s.lastSafeID = ""
	s.toolsRunning = true
	ctx := tools.WithCallBinding(s.turnCtx, tools.CallBinding{
		Control:             s.srv.deps.CallControl,
		ChannelID:           s.channelID,
		FallbackDestination: s.fallbackDest,
	})
	r := resp.reply
	go func() {
		outcome, err := s.pipe.ExecuteTools(ctx, r)
		s.post(s.ctx, func() { s.onToolOutcome(r, outcome, err) })
	}()
}

func (s *session) onToolOutcome(r *pipeline.Reply, outcome pipeline.ToolOutcome, err error) {
	s.toolsRunning = false
	if s.ending {
		s.turnRelease()
		s.finishEnd()
		return
	}
	switch {
	case err != nil:
		s.failTurn(asp.KindProviderUnavailable, pipeline.FallbackApology, err)
	case outcome.EndSession:
		s.failures = 0
		s.turnRelease()
		s.beginEnd(endReasonForTools(r))
	case outcome.FollowUp != nil:
		s.startResponse(outcome.FollowUp, false)
	default:
		s.failures = 0
		s.turnRelease()
		s.toListening()
		s.maybeDispatch()
	}
}

func endReasonForTools(r *pipeline.Reply) string {
	for _, call := range r.ToolCalls() {
		if call.Name == tools.ToolTransferCall {
			return "transfer"
		}
	}
	return "hangup"
}

func (s *session) onBargeIn(msg *asp.BargeIn) {
	if !s.started {
		s.failSession(asp.KindProtocolViolation, "barge_in before session start", nil)
		return
	}
	s.touchIdle()
	cur := s.current
	if cur == nil || (msg.ResponseID != "" && msg.ResponseID != cur.id) {
		s.logger.Debug("stale barge_in ignored", "session_id", s.id, "response_id", msg.ResponseID)
		return
	}
	s.counters.BargeIns++
	s.met.BargeIns.Add(s.ctx, 1)
	start := time.Now()
	s.cancelCurrent(asp.CancelReasonBargeIn)
	s.met.BargeInReaction.Record(s.ctx, time.Since(start).Seconds())
}

// cancelCurrent cancels the active response and flushes its queued audio.
// The pump still writes the end-of-stream frame, keeping the wire contiguous.
func (s *session) cancelCurrent(reason string) {
	if s.current == nil {
		return
	}
	s.current.cancel(reason)
	s.wr.dropStream(s.current.streamID)
}

func (s *session) armProcessing() {
	stopTimer(s.procTimer)
	s.procTimer = time.NewTimer(s.srv.timeouts.Processing)
}

func (s *session) onProcessingTimeout() {
	s.procTimer = nil
	if s.current != nil {
		s.cancelCurrent(asp.CancelReasonTimeout)
		return
	}
	if s.awaitingReply {
		s.turnTimedOut = true
		if s.turnCancel != nil {
			s.turnCancel()
		}
	}
}

func (s *session) touchIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = time.NewTimer(s.srv.timeouts.Idle)
	}
}

// onMaxUtterance force-ends an utterance the client never closed. Later
// frames of the runaway stream are dropped.
func (s *session) onMaxUtterance() {
	s.maxUttTimer = nil
	if s.captStream == nil {
		return
	}
	s.deadStreams[s.captStream.ID()] = struct{}{}
	s.logger.Warn("utterance exceeded maximum length, forcing end",
		"session_id", s.id, "stream_id", s.captStream.ID())
	s.endUtterance()
}

func (s *session) onFrame(f asp.Frame) {
	if !s.started {
		s.failSession(asp.KindProtocolViolation, "audio frame before session start", nil)
		return
	}
	s.touchIdle()
	if _, dead := s.deadStreams[f.StreamID]; dead {
		return
	}
	s.met.RecordFrames(s.ctx, "in", 1)
	if s.captStream == nil {
		s.openUtterance(f.StreamID)
	}
	if err := s.captStream.Accept(f); err != nil {
		s.failSession(asp.KindProtocolViolation, err.Error(), err)
		return
	}
	s.counters.FramesIn++
	if len(f.Payload) > 0 {
		if len(f.Payload) != s.frameBytes {
			s.failSession(asp.KindCodecMismatch,
				fmt.Sprintf("frame payload %d bytes, negotiated %d", len(f.Payload), s.frameBytes), nil)
			return
		}
		s.feedCapture(f.Payload)
	}
	if f.EndOfStream() {
		s.endUtterance()
	}
}

func (s *session) openUtterance(streamID uint32) {
	if s.sm.State() == asp.StateSpeaking && s.current != nil {
		// The caller talked over playback without a barge_in message.
		s.logger.Debug("caller audio during playback, treating as barge-in",
			"session_id", s.id, "stream_id", streamID)
		s.counters.BargeIns++
		s.met.BargeIns.Add(s.ctx, 1)
		s.cancelCurrent(asp.CancelReasonBargeIn)
	}
	s.captStream = asp.NewInStream(streamID)
	s.captUtterID = uuid.NewString()
	s.captFailed = false
	s.endPending = false
	s.preFrames = nil
	s.maxUttTimer = time.NewTimer(s.srv.timeouts.MaxUtterance)
	if s.capt == nil && !s.captOpening {
		s.openCapture()
	}
}

// openCapture starts a recognition stream off the loop; frames arriving in
// the meantime buffer in preFrames.
func (s *session) openCapture() {
	s.captOpening = true
	go func() {
		c, err := s.pipe.StartCapture(s.ctx)
		s.post(s.ctx, func() { s.onCaptureReady(c, err) })
	}()
}

func (s *session) onCaptureReady(c *pipeline.Capture, err error) {
	s.captOpening = false
	if s.ending || s.finished {
		if c != nil {
			go c.Close()
		}
		return
	}
	if err != nil {
		s.captFailed = true
		s.captErr = err
		s.preFrames = nil
		s.logger.Warn("recognition stream failed to open", "session_id", s.id, "error", err)
		if s.endPending {
			s.endPending = false
			s.finishUtterance()
		}
		return
	}
	s.capt = c
	for _, payload := range s.preFrames {
		if err := c.Write(payload); err != nil {
			s.captureWriteFailed(err)
			break
		}
	}
	s.preFrames = nil
	if s.endPending {
		s.endPending = false
		s.finishUtterance()
	}
}

func (s *session) feedCapture(payload []byte) {
	if s.captFailed {
		return
	}
	if s.capt == nil {
		s.preFrames = append(s.preFrames, payload)
		return
	}
	if err := s.capt.Write(payload); err != nil {
		s.captureWriteFailed(err)
	}
}

func (s *session) captureWriteFailed(err error) {
	if errors.Is(err, audio.ErrFrameMisaligned) || errors.Is(err, audio.ErrInvalidEncoding) {
		s.failSession(asp.KindCodecMismatch, err.Error(), err)
		return
	}
	s.captFailed = true
	s.captErr = err
	if s.capt != nil {
		c := s.capt
		s.capt = nil
		go c.Close()
	}
	s.logger.Warn("recognition stream write failed", "session_id", s.id, "error", err)
}

func (s *session) onAudioEnd(streamID uint32) {
	if !s.started {
		s.failSession(asp.KindProtocolViolation, "audio.end before session start", nil)
		return
	}
	s.touchIdle()
	if _, dead := s.deadStreams[streamID]; dead {
		delete(s.deadStreams, streamID)
		return
	}
	if s.captStream == nil || s.captStream.ID() != streamID {
		s.failSession(asp.KindProtocolViolation, fmt.Sprintf("audio.end for unknown stream %d", streamID), nil)
		return
	}
	s.endUtterance()
}

func (s *session) endUtterance() {
	s.captStream.Close()
	s.captStream = nil
	stopTimer(s.maxUttTimer)
	s.maxUttTimer = nil
	s.counters.Utterances++
	if s.captOpening {
		s.endPending = true
		return
	}
	s.finishUtterance()
}

// finishUtterance hands the captured audio to transcription and eagerly
// opens the next recognition stream.
func (s *session) finishUtterance() {
	if s.captFailed || s.capt == nil {
		err := s.captErr
		if err == nil {
			err = errors.New("no recognition stream for utterance")
		}
		s.captFailed = false
		s.captErr = nil
		s.queueFailTurn(asp.KindProviderUnavailable, pipeline.FallbackRepeat, err)
		return
	}
	c := s.capt
	s.capt = nil
	utterID := s.captUtterID
	if !s.busy() && s.sm.State() == asp.StateListening {
		s.sm.Transition(asp.StateProcessing)
		s.armProcessing()
	}
	go func() {
		text, err := c.Transcript(s.ctx)
		s.post(s.ctx, func() { s.onTranscript(utterID, text, err) })
	}()
	s.openCapture()
}

func (s *session) onTranscript(utterID, text string, err error) {
	if s.ending || s.finished {
		return
	}
	if err != nil {
		s.queueFailTurn(asp.KindProviderUnavailable, pipeline.FallbackRepeat, err)
		return
	}
	if text == "" {
		s.wr.enqueueControl(&asp.ErrorMessage{
			Kind:        asp.KindEmptyUtterance,
			Message:     "utterance carried no speech",
			Recoverable: true,
		})
		s.met.RecordUtterance(s.ctx, "empty")
		if !s.busy() {
			stopTimer(s.procTimer)
			s.procTimer = nil
			s.toListening()
		}
		return
	}
	s.pendingUtter = &pendingUtterance{id: utterID, text: text}
	s.maybeDispatch()
}

func (s *session) toListening() {
	st := s.sm.State()
	if st == asp.StateProcessing || st == asp.StateSpeaking {
		s.sm.Transition(asp.StateListening)
	}
}

func (s *session) onSessionStart(msg *asp.SessionStart) {
	if s.started {
		s.failSession(asp.KindProtocolViolation, "duplicate session.start", nil)
		return
	}
	stopTimer(s.startTimer)
	s.startTimer = nil
	if msg.SessionID == "" {
		s.reject(asp.RejectBadRequest, "session.start carries no session id")
		return
	}
	params := mergeAudio(s.srv.cfg.Defaults, msg.Audio)
	enc, err := audio.ParseEncoding(params.Encoding)
	if err != nil || !enc.ValidRate(params.SampleRate) || !audio.ValidFrameMS(params.FrameMS) {
		s.reject(asp.RejectUnsupportedCodec,
			fmt.Sprintf("%s at %d Hz / %d ms is not supported", params.Encoding, params.SampleRate, params.FrameMS))
		return
	}
	if !s.srv.acquire(s) {
		s.reject(asp.RejectMaxSessions, "session limit reached")
		return
	}
	s.sm.Transition(asp.StateStarting)
	s.id = msg.SessionID
	s.conn.BindSession(s.id)
	s.channelID = msg.ChannelID
	s.audio = params
	s.vad = mergeVAD(s.srv.cfg.VAD, msg.VAD)
	s.frameBytes = audio.PayloadBytes(enc, params.SampleRate, params.FrameMS)

	agent, fallbackDest := s.srv.agentConfig()
	s.fallbackDest = fallbackDest
	prompt := agent.SystemPrompt
	if msg.SystemPromptRef != "" {
		if p, ok := agent.Prompts[msg.SystemPromptRef]; ok {
			prompt = p
		} else {
			s.logger.Warn("unknown system prompt ref, using default",
				"session_id", s.id, "ref", msg.SystemPromptRef)
		}
	}
	hopts := []history.Option{
		history.WithMaxTurns(s.srv.cfg.Pipeline.HistoryMaxTurns),
		history.WithLogger(s.logger),
	}
	if s.srv.deps.Recognizer != nil {
		hopts = append(hopts, history.WithRecognizer(s.srv.deps.Recognizer))
	}
	hist := history.New(s.srv.deps.LLM, hopts...)
	popts := []pipeline.Option{
		pipeline.WithMetrics(s.met),
		pipeline.WithLogger(s.logger),
	}
	if s.srv.deps.Tools != nil {
		popts = append(popts, pipeline.WithTools(s.srv.deps.Tools))
	}
	pipe, err := pipeline.New(s.srv.deps.STT, s.srv.deps.LLM, s.srv.deps.TTS, hist, pipeline.Config{
		Encoding:      enc,
		SampleRate:    params.SampleRate,
		FrameMS:       params.FrameMS,
		STTDeadline:   s.srv.cfg.Pipeline.STTDeadline,
		MaxChunkChars: s.srv.cfg.Pipeline.MaxChunkChars,
		SystemPrompt:  prompt,
		Voice:         agent.Voice,
		Language:      agent.Language,
		Apology:       agent.Apology,
		Handoff:       agent.Handoff,
		Repeat:        agent.Repeat,
	}, popts...)
	if err != nil {
		s.srv.release(s)
		s.reject(asp.RejectBadRequest, err.Error())
		return
	}
	s.pipe = pipe
	if err := pipe.RenderFallbacks(s.ctx); err != nil {
		s.logger.Warn("fallback clips unavailable", "session_id", s.id, "error", err)
	}

	s.started = true
	s.startedAt = time.Now()
	s.sm.Transition(asp.StateListening)
	s.wr.enqueueControl(&asp.SessionStarted{Audio: s.audio, VAD: s.vad})
	s.met.ActiveSessions.Add(s.ctx, 1)
	s.idleTimer = time.NewTimer(s.srv.timeouts.Idle)
	s.logger.Info("session started",
		"session_id", s.id, "channel_id", s.channelID,
		"encoding", s.audio.Encoding, "sample_rate", s.audio.SampleRate, "frame_ms", s.audio.FrameMS)
	s.openCapture()
	if agent.Greeting != "" {
		s.dispatchSpeak(agent.Greeting)
	}
}

func (s *session) reject(reason, detail string) {
	s.logger.Info("session rejected", "reason", reason, "detail", detail)
	s.wr.enqueueControl(&asp.SessionRejected{Reason: reason})
	s.closeTransport()
}

// mergeAudio overlays the client's non-zero wishes on the server defaults.
func mergeAudio(def, req asp.AudioParams) asp.AudioParams {
	out := def
	if req.SampleRate != 0 {
		out.SampleRate = req.SampleRate
	}
	if req.Encoding != "" {
		out.Encoding = req.Encoding
	}
	if req.FrameMS != 0 {
		out.FrameMS = req.FrameMS
	}
	return out
}

func mergeVAD(def, req asp.VADParams) asp.VADParams {
	out := def
	if req.SilenceHangoverMS != 0 {
		out.SilenceHangoverMS = req.SilenceHangoverMS
	}
	if req.MinSpeechMS != 0 {
		out.MinSpeechMS = req.MinSpeechMS
	}
	if req.BargeInMinMS != 0 {
		out.BargeInMinMS = req.BargeInMinMS
	}
	if req.Classifier != "" {
		out.Classifier = req.Classifier
	}
	return out
}

// beginEnd starts a graceful teardown. A live response is cancelled and
// granted a short drain window before the final accounting goes out.
func (s *session) beginEnd(reason string) {
	if s.ending || s.finished {
		return
	}
	s.ending = true
	s.endReason = reason
	s.sm.Transition(asp.StateEnding)
	for _, t := range []*time.Timer{s.startTimer, s.procTimer, s.idleTimer, s.maxUttTimer, s.gateTimer} {
		stopTimer(t)
	}
	s.startTimer, s.procTimer, s.idleTimer, s.maxUttTimer, s.gateTimer = nil, nil, nil, nil, nil
	s.safeWait = nil
	s.pendingUtter = nil
	s.pendingFail = nil
	if s.capt != nil {
		c := s.capt
		s.capt = nil
		go c.Close()
	}
	if s.current != nil || s.toolsRunning || s.awaitingReply {
		s.cancelCurrent(asp.CancelReasonSessionEnd)
		if s.turnCancel != nil {
			s.turnCancel()
		}
		s.endWait = time.NewTimer(asp.DefaultSessionCancelDeadline)
		return
	}
	s.finishEnd()
}

// finishEnd drains the writer, reports the final counters and closes the
// transport.
func (s *session) finishEnd() {
	if s.finished {
		return
	}
	stopTimer(s.endWait)
	s.endWait = nil
	ctx, cancel := context.WithTimeout(context.Background(), asp.DefaultSessionCancelDeadline)
	if err := s.wr.shutdown(ctx); err != nil {
		s.logger.Debug("writer drain incomplete", "session_id", s.id, "error", err)
	}
	cancel()
	if s.started {
		counters := s.counters
		counters.FramesOut = s.wr.sentFrames()
		ended := &asp.SessionEnded{SessionCounters: counters}
		wctx, wcancel := context.WithTimeout(context.Background(), asp.DefaultSessionCancelDeadline)
		if err := s.conn.WriteControl(wctx, ended); err != nil {
			s.logger.Debug("session.ended not delivered", "session_id", s.id, "error", err)
		}
		wcancel()
	}
	s.conn.Close()
	s.sm.Transition(asp.StateClosed)
	s.finished = true
	s.afterEnd()
}

func (s *session) afterEnd() {
	if s.started {
		s.met.ActiveSessions.Add(context.Background(), -1)
		s.saveCall()
	}
	s.srv.release(s)
	s.logger.Info("session ended",
		"session_id", s.id, "reason", s.endReason,
		"utterances", s.counters.Utterances, "responses", s.counters.Responses,
		"barge_ins", s.counters.BargeIns)
}

func (s *session) saveCall() {
	st := s.srv.deps.Store
	if st == nil {
		return
	}
	counters := s.counters
	counters.FramesOut = s.wr.sentFrames()
	rec := store.CallRecord{
		SessionID: s.id,
		ChannelID: s.channelID,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Audio:     s.audio,
		Counters:  counters,
		EndReason: s.endReason,
	}
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.SaveCall(ctx, &rec); err != nil {
			logger.Warn("call record not saved", "session_id", rec.SessionID, "error", err)
		}
	}()
}

// teardown is the abrupt path for a dead transport. Nothing is written.
func (s *session) teardown(reason string) {
	if s.finished {
		return
	}
	s.finished = true
	s.ending = true
	s.endReason = reason
	s.sm.Transition(asp.StateClosed)
	s.cancelCurrent(asp.CancelReasonSessionEnd)
	if s.turnCancel != nil {
		s.turnCancel()
	}
	if s.capt != nil {
		c := s.capt
		s.capt = nil
		go c.Close()
	}
	s.conn.Close()
	s.afterEnd()
}

// failSession reports a fatal session error and tears the session down.
func (s *session) failSession(kind asp.ErrorKind, detail string, err error) {
	if s.ending || s.finished {
		return
	}
	s.logger.Warn("session failed",
		"session_id", s.id, "kind", string(kind), "detail", detail, "error", err)
	s.met.RecordError(s.ctx, "server", string(kind))
	s.wr.enqueueControl(&asp.ErrorMessage{Kind: kind, Message: detail, Recoverable: false})
	s.beginEnd("error")
}

// closeTransport drains the writer and closes the connection without the
// session.ended exchange, for sessions that never started.
func (s *session) closeTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), asp.DefaultSessionCancelDeadline)
	defer cancel()
	if err := s.wr.shutdown(ctx); err != nil {
		s.logger.Debug("writer drain incomplete", "error", err)
	}
	s.conn.Close()
	s.finished = true
}

// requestEnd asks the supervisor to end the session, for use off the loop.
func (s *session) requestEnd(reason string) {
	s.post(s.ctx, func() { s.beginEnd(reason) })
}
