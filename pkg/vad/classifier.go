package vad

import (
	"fmt"
	"math"
	"slices"
	"sync"
)

// Class is a frame-level verdict.
type Class int

const (
	// ClassNonSpeech is silence or background below the energy gate.
	ClassNonSpeech Class = iota

	// ClassSpeech is voice-like energy above the gate.
	ClassSpeech

	// ClassNoise is energy above the gate that does not look like voice.
	ClassNoise
)

func (c Class) String() string {
	switch c {
	case ClassNonSpeech:
		return "non_speech"
	case ClassSpeech:
		return "speech"
	case ClassNoise:
		return "noise"
	default:
		return "unknown"
	}
}

// Classifier assigns a verdict to each frame. Implementations keep per-stream
// state (noise floor, model context) and are not safe for concurrent use.
type Classifier interface {
	Classify(frame []int16) Class
	Reset()
	Close() error
}

// ClassifierConfig parameterises classifier construction.
type ClassifierConfig struct {
	// SampleRate of the PCM frames, Hz.
	SampleRate int

	// FrameMS is the fixed frame duration.
	FrameMS int

	// ModelPath locates the model file for classifiers that need one.
	ModelPath string

	// LibraryPath optionally points at the inference runtime's shared
	// library when it is not on the system search path.
	LibraryPath string
}

// ClassifierFactory builds a classifier from its config.
type ClassifierFactory func(cfg ClassifierConfig) (Classifier, error)

// Registered classifier names.
const (
	ClassifierEnergy = "energy"
	ClassifierNeural = "neural"
)

var (
	classifiersMu sync.RWMutex
	classifiers   = make(map[string]ClassifierFactory)
)

// RegisterClassifier makes a classifier available by name. It panics on an
// empty name, nil factory or duplicate registration, matching database/sql
// driver registration.
func RegisterClassifier(name string, factory ClassifierFactory) {
	classifiersMu.Lock()
	defer classifiersMu.Unlock()
	if name == "" {
		panic("vad: classifier name must not be empty")
	}
	if factory == nil {
		panic("vad: RegisterClassifier with nil factory")
	}
	if _, dup := classifiers[name]; dup {
		panic("vad: RegisterClassifier called twice for " + name)
	}
	classifiers[name] = factory
}

// NewClassifier builds the named classifier. An empty name selects
// [ClassifierEnergy].
func NewClassifier(name string, cfg ClassifierConfig) (Classifier, error) {
	if name == "" {
		name = ClassifierEnergy
	}
	classifiersMu.RLock()
	factory, ok := classifiers[name]
	classifiersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vad: unknown classifier %q", name)
	}
	return factory(cfg)
}

func init() {
	RegisterClassifier(ClassifierEnergy, func(cfg ClassifierConfig) (Classifier, error) {
		return NewEnergyClassifier(cfg)
	})
}

const (
	// energyStartThreshold gates frames until the noise floor settles,
	// about -40 dBFS.
	energyStartThreshold = 0.01

	// energyMinThreshold is the lowest the adaptive gate may fall,
	// about -50 dBFS.
	energyMinThreshold = 0.003

	// energyFloorRatio scales the observed noise floor into the gate.
	energyFloorRatio = 3.0

	// energyMaxVoiceZCR separates voiced energy from broadband noise:
	// white noise crosses zero roughly every other sample, voice does not.
	energyMaxVoiceZCR = 0.35

	// energyFloorWindowMS is how much recent non-speech the floor tracks.
	energyFloorWindowMS = 2000
)

// EnergyClassifier is the default gate: RMS against an adaptive noise floor,
// zero-crossing rate to separate voice from broadband noise. The floor tracks
// the 10th percentile of non-speech RMS over the last two seconds, so the gate
// rides above a noisy line instead of latching open.
type EnergyClassifier struct {
	threshold float64

	window  []float64 // ring of recent non-speech RMS values
	idx     int
	filled  int
	scratch []float64
}

// NewEnergyClassifier builds the gate for the given frame geometry.
func NewEnergyClassifier(cfg ClassifierConfig) (*EnergyClassifier, error) {
	frameMS := cfg.FrameMS
	if frameMS <= 0 {
		frameMS = 20
	}
	n := energyFloorWindowMS / frameMS
	if n < 4 {
		n = 4
	}
	return &EnergyClassifier{
		threshold: energyStartThreshold,
		window:    make([]float64, n),
		scratch:   make([]float64, 0, n),
	}, nil
}

// Classify implements [Classifier].
func (c *EnergyClassifier) Classify(frame []int16) Class {
	rms, zcr := frameStats(frame)
	class := ClassSpeech
	switch {
	case rms < c.threshold:
		class = ClassNonSpeech
	case zcr > energyMaxVoiceZCR:
		class = ClassNoise
	}
	if class != ClassSpeech {
		c.observeFloor(rms)
	}
	return class
}

// Reset implements [Classifier].
func (c *EnergyClassifier) Reset() {
	c.threshold = energyStartThreshold
	c.idx = 0
	c.filled = 0
}

// Close implements [Classifier].
func (c *EnergyClassifier) Close() error { return nil }

// Threshold returns the current adaptive gate, for logging.
func (c *EnergyClassifier) Threshold() float64 { return c.threshold }

func (c *EnergyClassifier) observeFloor(rms float64) {
	c.window[c.idx] = rms
	c.idx = (c.idx + 1) % len(c.window)
	if c.filled < len(c.window) {
		c.filled++
	}
	if c.filled < len(c.window)/2 {
		return
	}
	c.scratch = append(c.scratch[:0], c.window[:c.filled]...)
	slices.Sort(c.scratch)
	p10 := c.scratch[c.filled/10]
	c.threshold = math.Max(energyMinThreshold, p10*energyFloorRatio)
}

// frameStats returns normalised RMS and zero-crossing rate for one frame.
func frameStats(frame []int16) (rms, zcr float64) {
	if len(frame) == 0 {
		return 0, 0
	}
	var sumSquares float64
	crossings := 0
	for i, s := range frame {
		v := float64(s) / 32768.0
		sumSquares += v * v
		if i > 0 && (frame[i-1] >= 0) != (s >= 0) {
			crossings++
		}
	}
	rms = math.Sqrt(sumSquares / float64(len(frame)))
	if len(frame) > 1 {
		zcr = float64(crossings) / float64(len(frame)-1)
	}
	return rms, zcr
}
