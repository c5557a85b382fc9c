// Package asp implements the Audio Session Protocol: the control and audio
// wire format spoken between a media server (client) and a conversation
// server over a single ordered duplex transport.
//
// Two kinds of messages share one channel:
//
//   - Control messages, UTF-8 JSON records distinguished by a "type" field.
//     Every control message carries the session id, a monotonically
//     increasing per-connection sequence number, and a millisecond timestamp.
//   - Audio frames, binary records with a fixed 13-byte header followed by
//     the payload of the negotiated codec. See [Frame].
//
// The reference transport is a WebSocket ([Dial], [Accept]): text frames
// carry control JSON, binary frames carry audio. Control messages and audio
// frames are observed in the same total order on both sides; the protocol
// relies on that ordering for barge-in and stream-close semantics.
package asp

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a control message variant on the wire.
type MessageType string

// Control message vocabulary. The direction is noted as S (server, the
// conversation side) and C (client, the media side).
const (
	// TypeCapabilities (S->C) advertises supported codecs, sample rates and
	// optional features immediately after transport establishment.
	TypeCapabilities MessageType = "protocol.capabilities"

	// TypeSessionStart (C->S) requests a session with the chosen audio codec,
	// sample rate, frame duration and VAD parameters.
	TypeSessionStart MessageType = "session.start"

	// TypeSessionStarted (S->C) accepts a session and echoes the negotiated
	// parameters.
	TypeSessionStarted MessageType = "session.started"

	// TypeSessionRejected (S->C) refuses a session with a reason code.
	TypeSessionRejected MessageType = "session.rejected"

	// TypeAudioEnd (C->S) closes an inbound audio stream: the caller's
	// utterance is complete.
	TypeAudioEnd MessageType = "audio.end"

	// TypeBargeIn (C->S) reports caller speech detected while the agent is
	// speaking. The server cancels the in-flight response.
	TypeBargeIn MessageType = "barge_in"

	// TypeResponseStart (S->C) announces a response and its outbound stream.
	// It always precedes the first audio frame of that stream on the wire.
	TypeResponseStart MessageType = "response.start"

	// TypeResponseEnd (S->C) marks a response as complete. It follows the
	// last audio frame of the response's stream.
	TypeResponseEnd MessageType = "response.end"

	// TypeResponseCancelled (S->C) marks a response as aborted, by barge-in,
	// backpressure or timeout.
	TypeResponseCancelled MessageType = "response.cancelled"

	// TypePing and TypePong implement application-level liveness in both
	// directions.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// TypeSessionEnd (C->S) requests graceful teardown.
	TypeSessionEnd MessageType = "session.end"

	// TypeSessionEnded (S->C) confirms teardown and carries the session's
	// summary counters.
	TypeSessionEnded MessageType = "session.ended"

	// TypePlaybackSafe (C->S) reports that the final frame of a response has
	// drained the client's jitter buffer. The server gates boundary tool
	// calls on it.
	TypePlaybackSafe MessageType = "playback_safe"

	// TypeError (S->C) reports a fatal or recoverable error with a kind from
	// the [ErrorKind] taxonomy.
	TypeError MessageType = "error"
)

// Feature names advertised in [Capabilities].
const (
	FeatureBargeIn      = "barge_in"
	FeatureStreamingTTS = "streaming_tts"
	FeatureBackchannel  = "backchannel"
)

// Reason codes carried by [SessionRejected].
const (
	RejectUnsupportedCodec = "unsupported_codec"
	RejectMaxSessions      = "max_sessions"
	RejectBadRequest       = "bad_request"
)

// Reason codes carried by [ResponseCancelled].
const (
	CancelReasonBargeIn      = "barge_in"
	CancelReasonBackpressure = "backpressure"
	CancelReasonTimeout      = "timeout"
	CancelReasonSessionEnd   = "session_end"
)

// Envelope holds the fields common to every control message. Concrete
// message types embed it; [Conn.WriteControl] stamps Type, SessionID, Seq and
// TimestampMS before marshalling.
type Envelope struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	Seq         uint64      `json:"seq"`
	TimestampMS uint64      `json:"ts_ms"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Message is implemented by every ASP control message. The interface is
// closed: only types in this package satisfy it, which keeps the wire
// vocabulary fixed.
type Message interface {
	MessageType() MessageType
	envelope() *Envelope
}

// AudioParams describes one direction-independent audio configuration:
// sample rate in Hz, payload encoding and frame duration in milliseconds.
type AudioParams struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	FrameMS    int    `json:"frame_ms"`
}

// VADParams carries the client's requested voice-activity-detection tuning.
// Zero fields mean server defaults.
type VADParams struct {
	SilenceHangoverMS int    `json:"silence_hangover_ms,omitempty"`
	MinSpeechMS       int    `json:"min_speech_ms,omitempty"`
	BargeInMinMS      int    `json:"barge_in_min_ms,omitempty"`
	Classifier        string `json:"classifier,omitempty"`
}

// SessionCounters summarises one session's traffic. Included flat in
// [SessionEnded].
type SessionCounters struct {
	FramesIn           uint64 `json:"frames_in"`
	FramesOut          uint64 `json:"frames_out"`
	Utterances         uint64 `json:"utterances"`
	BargeIns           uint64 `json:"barge_ins"`
	Responses          uint64 `json:"responses"`
	CancelledResponses uint64 `json:"cancelled_responses"`
}

// Capabilities is the server's opening advertisement.
type Capabilities struct {
	Envelope
	SampleRates []int    `json:"sample_rates"`
	Encodings   []string `json:"encodings"`
	Features    []string `json:"features"`
}

func (*Capabilities) MessageType() MessageType { return TypeCapabilities }

// Supports reports whether the advertisement contains the named feature.
func (c *Capabilities) Supports(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// SessionStart requests a new session. ChannelID names the media channel
// the caller arrived on, for call records and call-control tools.
type SessionStart struct {
	Envelope
	Audio           AudioParams `json:"audio"`
	VAD             VADParams   `json:"vad"`
	SystemPromptRef string      `json:"system_prompt_ref,omitempty"`
	ChannelID       string      `json:"channel_id,omitempty"`
}

func (*SessionStart) MessageType() MessageType { return TypeSessionStart }

// SessionStarted accepts a session with the negotiated parameters.
type SessionStarted struct {
	Envelope
	Audio AudioParams `json:"audio"`
	VAD   VADParams   `json:"vad"`
}

func (*SessionStarted) MessageType() MessageType { return TypeSessionStarted }

// SessionRejected refuses a session.
type SessionRejected struct {
	Envelope
	Reason string `json:"reason"`
}

func (*SessionRejected) MessageType() MessageType { return TypeSessionRejected }

// AudioEnd closes inbound stream StreamID. The stream's frames have all been
// observed before this message (transport ordering).
type AudioEnd struct {
	Envelope
	StreamID uint32 `json:"stream_id"`
}

func (*AudioEnd) MessageType() MessageType { return TypeAudioEnd }

// BargeIn reports caller speech during agent playback. ResponseID names the
// response being interrupted when the client knows it.
type BargeIn struct {
	Envelope
	ResponseID string `json:"response_id,omitempty"`
}

func (*BargeIn) MessageType() MessageType { return TypeBargeIn }

// ResponseStart announces a response to utterance UtteranceID on outbound
// stream StreamID.
type ResponseStart struct {
	Envelope
	ResponseID  string `json:"response_id"`
	UtteranceID string `json:"utterance_id,omitempty"`
	StreamID    uint32 `json:"stream_id"`
}

func (*ResponseStart) MessageType() MessageType { return TypeResponseStart }

// ResponseEnd marks a response complete.
type ResponseEnd struct {
	Envelope
	ResponseID string `json:"response_id"`
}

func (*ResponseEnd) MessageType() MessageType { return TypeResponseEnd }

// ResponseCancelled marks a response aborted.
type ResponseCancelled struct {
	Envelope
	ResponseID string `json:"response_id"`
	Reason     string `json:"reason,omitempty"`
}

func (*ResponseCancelled) MessageType() MessageType { return TypeResponseCancelled }

// Ping is an application-level liveness probe.
type Ping struct {
	Envelope
}

func (*Ping) MessageType() MessageType { return TypePing }

// Pong answers a [Ping].
type Pong struct {
	Envelope
}

func (*Pong) MessageType() MessageType { return TypePong }

// SessionEnd requests graceful teardown.
type SessionEnd struct {
	Envelope
}

func (*SessionEnd) MessageType() MessageType { return TypeSessionEnd }

// SessionEnded confirms teardown. The summary counters marshal flat into the
// message body.
type SessionEnded struct {
	Envelope
	SessionCounters
}

func (*SessionEnded) MessageType() MessageType { return TypeSessionEnded }

// PlaybackSafe reports that ResponseID's final frame has drained the
// client-side jitter buffer.
type PlaybackSafe struct {
	Envelope
	ResponseID string `json:"response_id"`
}

func (*PlaybackSafe) MessageType() MessageType { return TypePlaybackSafe }

// ErrorMessage reports an error condition to the peer.
type ErrorMessage struct {
	Envelope
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

func (*ErrorMessage) MessageType() MessageType { return TypeError }

// ParseControl decodes one control message from its JSON wire form. Unknown
// types and malformed JSON yield a [ProtocolError] of kind
// [KindProtocolViolation].
func ParseControl(data []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, Errorf(KindProtocolViolation, "malformed control message: %v", err)
	}
	msg := newMessage(probe.Type)
	if msg == nil {
		return nil, Errorf(KindProtocolViolation, "unknown control message type %q", probe.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, Errorf(KindProtocolViolation, "decode %s: %v", probe.Type, err)
	}
	return msg, nil
}

// EncodeControl stamps the message's type into its envelope and marshals it.
// Sequence and timestamp stamping is the transport's job; see
// [Conn.WriteControl].
func EncodeControl(msg Message) ([]byte, error) {
	msg.envelope().Type = msg.MessageType()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("asp: encode %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// newMessage returns a zero value of the concrete type for t, or nil when t
// is not part of the vocabulary.
func newMessage(t MessageType) Message {
	switch t {
	case TypeCapabilities:
		return &Capabilities{}
	case TypeSessionStart:
		return &SessionStart{}
	case TypeSessionStarted:
		return &SessionStarted{}
	case TypeSessionRejected:
		return &SessionRejected{}
	case TypeAudioEnd:
		return &AudioEnd{}
	case TypeBargeIn:
		return &BargeIn{}
	case TypeResponseStart:
		return &ResponseStart{}
	case TypeResponseEnd:
		return &ResponseEnd{}
	case TypeResponseCancelled:
		return &ResponseCancelled{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeSessionEnd:
		return &SessionEnd{}
	case TypeSessionEnded:
		return &SessionEnded{}
	case TypePlaybackSafe:
		return &PlaybackSafe{}
	case TypeError:
		return &ErrorMessage{}
	default:
		return nil
	}
}
