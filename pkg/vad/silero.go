package vad

import (
	"errors"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// Silero VAD model geometry, fixed by the ONNX export: 512-sample windows at
// 16 kHz or 256 at 8 kHz, a (2, 1, 128) recurrent state and a short context
// carried between windows.
const (
	sileroStateLen         = 2 * 1 * 128
	sileroSpeechThreshold  = 0.5
	sileroSilenceThreshold = 0.35

	// sileroResetInterval bounds recurrent state drift on long streams.
	sileroResetInterval = 5 * time.Second
)

var (
	ortOnce sync.Once
	ortErr  error
)

// initInferenceRuntime prepares the process-global ONNX runtime once.
func initInferenceRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

func init() {
	RegisterClassifier(ClassifierNeural, func(cfg ClassifierConfig) (Classifier, error) {
		return NewSileroClassifier(cfg)
	})
}

// SileroClassifier runs the Silero VAD ONNX model. Incoming frames are
// windowed to the model's fixed chunk size, so a verdict can lag the newest
// frame by up to one window (32 ms). The speech decision is hysteretic:
// entering speech needs probability >= 0.5, leaving needs < 0.35.
type SileroClassifier struct {
	session *ort.DynamicAdvancedSession

	sampleRate int
	windowSize int
	ctxSize    int

	state   []float32
	context []float32
	pending []float32

	speaking  bool
	lastReset time.Time
	err       error
	closed    bool
}

// NewSileroClassifier loads the model at cfg.ModelPath. The sample rate must
// be 8000 or 16000; zero defaults to 16000.
func NewSileroClassifier(cfg ClassifierConfig) (*SileroClassifier, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("vad: neural classifier requires a model path")
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	if rate != 8000 && rate != 16000 {
		return nil, fmt.Errorf("vad: neural classifier supports 8000 or 16000 Hz, got %d", rate)
	}
	if err := initInferenceRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("vad: initialise inference runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("vad: session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("vad: session options: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("vad: session options: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options)
	if err != nil {
		return nil, fmt.Errorf("vad: load model %s: %w", cfg.ModelPath, err)
	}

	s := &SileroClassifier{
		session:    session,
		sampleRate: rate,
		windowSize: 512,
		ctxSize:    64,
		state:      make([]float32, sileroStateLen),
		lastReset:  time.Now(),
	}
	if rate == 8000 {
		s.windowSize = 256
		s.ctxSize = 32
	}
	s.context = make([]float32, s.ctxSize)
	return s, nil
}

// Classify implements [Classifier]. Inference failures keep the previous
// verdict and are surfaced through Err.
func (s *SileroClassifier) Classify(frame []int16) Class {
	if s.closed {
		return ClassNonSpeech
	}
	for _, v := range frame {
		s.pending = append(s.pending, float32(v)/32768.0)
	}
	for len(s.pending) >= s.windowSize {
		if time.Since(s.lastReset) >= sileroResetInterval {
			s.resetModelState()
		}
		prob, err := s.infer(s.pending[:s.windowSize])
		n := copy(s.pending, s.pending[s.windowSize:])
		s.pending = s.pending[:n]
		if err != nil {
			s.err = err
			break
		}
		if s.speaking {
			s.speaking = prob > sileroSilenceThreshold
		} else {
			s.speaking = prob >= sileroSpeechThreshold
		}
	}
	if s.speaking {
		return ClassSpeech
	}
	return ClassNonSpeech
}

// Err returns the last inference failure, if any.
func (s *SileroClassifier) Err() error { return s.err }

// Reset implements [Classifier].
func (s *SileroClassifier) Reset() {
	s.resetModelState()
	s.pending = s.pending[:0]
	s.speaking = false
	s.err = nil
}

// Close implements [Classifier].
func (s *SileroClassifier) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	return nil
}

func (s *SileroClassifier) resetModelState() {
	for i := range s.state {
		s.state[i] = 0
	}
	for i := range s.context {
		s.context[i] = 0
	}
	s.lastReset = time.Now()
}

func (s *SileroClassifier) infer(window []float32) (float32, error) {
	input := make([]float32, s.ctxSize+len(window))
	copy(input, s.context)
	copy(input[s.ctxSize:], window)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), s.state)
	if err != nil {
		return 0, fmt.Errorf("state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(s.sampleRate)})
	if err != nil {
		return 0, fmt.Errorf("rate tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	stateOutTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("state output tensor: %w", err)
	}
	defer stateOutTensor.Destroy()

	err = s.session.Run(
		[]ort.ArbitraryTensor{inputTensor, stateTensor, srTensor},
		[]ort.ArbitraryTensor{outputTensor, stateOutTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("inference: %w", err)
	}

	copy(s.state, stateOutTensor.GetData())
	copy(s.context, input[len(input)-s.ctxSize:])
	return outputTensor.GetData()[0], nil
}
