// Package vad detects caller speech boundaries on a stream of fixed-duration
// PCM frames. A [Detector] runs the begin/end/barge-in state machine over the
// per-frame verdicts of a pluggable [Classifier]; classifiers are selected by
// name through a registry so deployments can switch between the built-in
// energy gate and a neural model without touching the pipeline.
//
// Detection is synchronous: Process returns immediately with at most one
// event, making it safe to call from the capture loop between frames.
package vad

import (
	"errors"
	"fmt"
)

// Params tunes the boundary state machine. The zero value selects defaults.
type Params struct {
	// MinSpeechMS is how much consecutive speech must accumulate before an
	// utterance begins. Default 120.
	MinSpeechMS int

	// SilenceHangoverMS is how much consecutive non-speech must follow an
	// utterance before it ends. Default 600.
	SilenceHangoverMS int

	// BargeInMinMS is the faster begin threshold applied while the agent is
	// speaking, so interruption reacts before a normal begin would. Default
	// 80. Must not exceed MinSpeechMS.
	BargeInMinMS int

	// Classifier names the registered frame classifier, "energy" or
	// "neural". Empty selects "energy".
	Classifier string
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		MinSpeechMS:       120,
		SilenceHangoverMS: 600,
		BargeInMinMS:      80,
		Classifier:        ClassifierEnergy,
	}
}

// WithDefaults fills zero fields from [DefaultParams].
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	if p.MinSpeechMS == 0 {
		p.MinSpeechMS = def.MinSpeechMS
	}
	if p.SilenceHangoverMS == 0 {
		p.SilenceHangoverMS = def.SilenceHangoverMS
	}
	if p.BargeInMinMS == 0 {
		p.BargeInMinMS = def.BargeInMinMS
	}
	if p.Classifier == "" {
		p.Classifier = def.Classifier
	}
	return p
}

// Validate reports every problem with the tuning at once.
func (p Params) Validate() error {
	var errs []error
	if p.MinSpeechMS <= 0 {
		errs = append(errs, fmt.Errorf("min_speech_ms must be positive, got %d", p.MinSpeechMS))
	}
	if p.SilenceHangoverMS <= 0 {
		errs = append(errs, fmt.Errorf("silence_hangover_ms must be positive, got %d", p.SilenceHangoverMS))
	}
	if p.BargeInMinMS <= 0 {
		errs = append(errs, fmt.Errorf("barge_in_min_ms must be positive, got %d", p.BargeInMinMS))
	}
	if p.BargeInMinMS > p.MinSpeechMS {
		errs = append(errs, fmt.Errorf("barge_in_min_ms (%d) must not exceed min_speech_ms (%d)", p.BargeInMinMS, p.MinSpeechMS))
	}
	if p.BargeInMinMS >= p.SilenceHangoverMS {
		errs = append(errs, fmt.Errorf("barge_in_min_ms (%d) must be below silence_hangover_ms (%d)", p.BargeInMinMS, p.SilenceHangoverMS))
	}
	return errors.Join(errs...)
}

// EventKind names a boundary event.
type EventKind int

const (
	// EventNone means the frame moved no boundary.
	EventNone EventKind = iota

	// EventSpeechBegin opens an utterance.
	EventSpeechBegin

	// EventSpeechEnd closes the open utterance after the silence hangover.
	EventSpeechEnd

	// EventBargeIn opens an utterance that interrupts agent speech.
	EventBargeIn
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventSpeechBegin:
		return "speech.begin"
	case EventSpeechEnd:
		return "speech.end"
	case EventBargeIn:
		return "barge_in"
	default:
		return "unknown"
	}
}

// Event is the outcome of one processed frame.
type Event struct {
	Kind EventKind

	// Class is the classifier verdict for the frame, kept for logging.
	Class Class
}

// Detector runs the utterance boundary state machine. One Detector serves one
// audio stream and is not safe for concurrent use.
type Detector struct {
	params     Params
	frameMS    int
	classifier Classifier

	inSpeech   bool
	speechRun  int // consecutive speech frames outside an utterance
	silenceRun int // consecutive non-speech frames inside an utterance
}

// NewDetector builds a detector over the given classifier. frameMS is the
// fixed duration of every frame passed to Process.
func NewDetector(classifier Classifier, frameMS int, params Params) (*Detector, error) {
	if classifier == nil {
		return nil, errors.New("vad: nil classifier")
	}
	if frameMS <= 0 {
		return nil, fmt.Errorf("vad: frame duration must be positive, got %d ms", frameMS)
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("vad params: %w", err)
	}
	return &Detector{params: params, frameMS: frameMS, classifier: classifier}, nil
}

// Params returns the effective tuning after defaulting.
func (d *Detector) Params() Params { return d.params }

// InSpeech reports whether an utterance is currently open.
func (d *Detector) InSpeech() bool { return d.inSpeech }

// Process classifies one frame and advances the state machine.
// agentSpeaking selects the barge-in begin threshold; a begin emitted while
// the agent speaks is reported as [EventBargeIn].
//
// Noise verdicts count as non-speech on both sides: they reset the begin
// accumulation and extend the end hangover.
func (d *Detector) Process(frame []int16, agentSpeaking bool) Event {
	class := d.classifier.Classify(frame)
	ev := Event{Kind: EventNone, Class: class}
	speech := class == ClassSpeech

	if !d.inSpeech {
		if !speech {
			d.speechRun = 0
			return ev
		}
		d.speechRun++
		need := d.params.MinSpeechMS
		kind := EventSpeechBegin
		if agentSpeaking {
			need = d.params.BargeInMinMS
			kind = EventBargeIn
		}
		if d.speechRun*d.frameMS >= need {
			d.inSpeech = true
			d.speechRun = 0
			d.silenceRun = 0
			ev.Kind = kind
		}
		return ev
	}

	if speech {
		d.silenceRun = 0
		return ev
	}
	d.silenceRun++
	if d.silenceRun*d.frameMS >= d.params.SilenceHangoverMS {
		d.inSpeech = false
		d.silenceRun = 0
		ev.Kind = EventSpeechEnd
	}
	return ev
}

// ForceEnd closes an open utterance without waiting for the hangover, as when
// the caller ends the stream or the utterance hits its duration cap. Returns
// true when an utterance was open.
func (d *Detector) ForceEnd() bool {
	open := d.inSpeech
	d.inSpeech = false
	d.speechRun = 0
	d.silenceRun = 0
	return open
}

// Reset clears all accumulated state, including the classifier's.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechRun = 0
	d.silenceRun = 0
	d.classifier.Reset()
}
