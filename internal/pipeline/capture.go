package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/provider/stt"
)

// Capture is one in-flight caller utterance being transcribed. The session's
// audio loop feeds wire payloads through Write as they arrive; Transcript
// resolves the utterance text once speech ends, racing the provider's final
// result against the configured deadline and falling back to the freshest
// partial.
type Capture struct {
	sess     stt.SessionHandle
	adapter  *audio.Adapter
	deadline time.Duration
	met      *observe.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	partial   string
	final     string
	haveFinal bool
	frames    int

	// finalSeen closes when a final result lands or the provider channels
	// shut without one.
	finalSeen  chan struct{}
	signalOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// StartCapture opens a recognition stream for one utterance. The stream runs
// at the agent-side PCM format regardless of the wire codec; Write converts.
func (p *Pipeline) StartCapture(ctx context.Context) (*Capture, error) {
	sess, err := p.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.AgentSampleRate,
		Channels:   1,
		Language:   p.cfg.Language,
	})
	if err != nil {
		p.recordProvider(ctx, "stt", "stream", "error")
		return nil, fmt.Errorf("pipeline: start stt stream: %w", err)
	}
	adapter, err := audio.NewAdapter(p.cfg.Encoding, p.cfg.SampleRate)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	c := &Capture{
		sess:      sess,
		adapter:   adapter,
		deadline:  p.sttDeadline,
		met:       p.met,
		logger:    p.logger,
		finalSeen: make(chan struct{}),
	}
	p.wg.Add(1)
	go c.watch(&p.wg)
	return c, nil
}

// watch tracks the freshest partial and the final until both provider
// channels close.
func (c *Capture) watch(wg *sync.WaitGroup) {
	defer wg.Done()
	defer c.signal()
	partials, finals := c.sess.Partials(), c.sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.mu.Lock()
			c.partial = t.Text
			c.mu.Unlock()
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.mu.Lock()
			if !c.haveFinal {
				c.haveFinal = true
				c.final = t.Text
			}
			c.mu.Unlock()
			c.signal()
		}
	}
}

func (c *Capture) signal() {
	c.signalOnce.Do(func() { close(c.finalSeen) })
}

// Write feeds one wire frame payload into recognition.
func (c *Capture) Write(payload []byte) error {
	pcm, err := c.adapter.Decode(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	if err := c.sess.SendAudio(pcm); err != nil {
		return fmt.Errorf("pipeline: stt send: %w", err)
	}
	return nil
}

// Frames returns how many wire frames have been written so far.
func (c *Capture) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Transcript finalises the recognition stream and returns the utterance
// text: the provider's final when it lands within the deadline, otherwise
// the freshest partial. The session is closed either way; the returned text
// may be empty.
func (c *Capture) Transcript(ctx context.Context) (string, error) {
	defer c.Close()

	start := time.Now()
	finErr := c.sess.Finalize()
	if finErr == nil {
		timer := time.NewTimer(c.deadline)
		defer timer.Stop()
		select {
		case <-c.finalSeen:
		case <-timer.C:
			c.logger.Debug("stt final missed deadline, using freshest partial",
				"deadline", c.deadline)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	} else {
		c.logger.Warn("stt finalize failed, using freshest partial", "error", finErr)
	}

	if c.met != nil {
		c.met.STTDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		if finErr != nil {
			status = "error"
		}
		c.met.RecordProviderRequest(ctx, "stt", "transcribe", status)
	}

	c.mu.Lock()
	text := c.partial
	if c.haveFinal {
		text = c.final
	}
	c.mu.Unlock()
	return strings.TrimSpace(text), nil
}

// Close tears down the recognition stream. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sess.Close()
	})
	return c.closeErr
}
