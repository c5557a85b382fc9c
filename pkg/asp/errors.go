package asp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ASP failures. Kinds appear verbatim on the wire in
// [ErrorMessage] and drive the peer's recovery behaviour: session-scoped
// kinds close the session, response-scoped kinds cancel the current response
// and leave the session alive.
type ErrorKind string

const (
	// KindProtocolViolation covers bad sequences, unknown message types and
	// frames for closed streams. Session-scoped, no retry.
	KindProtocolViolation ErrorKind = "protocol_violation"

	// KindCodecMismatch reports a frame that does not match the negotiated
	// codec. Session-scoped.
	KindCodecMismatch ErrorKind = "codec_mismatch"

	// KindBackpressure reports that a peer cannot keep up with the audio
	// rate. Response-scoped: the current response is cancelled.
	KindBackpressure ErrorKind = "backpressure"

	// KindProviderUnavailable reports an STT/LLM/TTS provider failure.
	// Response-scoped: the caller hears a fallback utterance.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindTimeout covers starting, processing and idle timer expiry.
	KindTimeout ErrorKind = "timeout"

	// KindTransportLoss reports that the underlying connection dropped.
	KindTransportLoss ErrorKind = "transport_loss"

	// KindInternal is the catch-all for unexpected faults. Session-scoped.
	KindInternal ErrorKind = "internal_error"

	// KindEmptyUtterance reports an audio.end with zero speech frames. The
	// pipeline never runs for such utterances.
	KindEmptyUtterance ErrorKind = "empty_utterance"
)

// ProtocolError is an ASP-level failure carrying a wire-visible kind.
type ProtocolError struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a [ProtocolError] with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the [ErrorKind] from err. Errors outside the taxonomy
// classify as [KindInternal]; a nil err yields the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
