package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/telvox/pkg/provider/tts"
)

// speechRequest mirrors the JSON body the SDK posts to /audio/speech.
type speechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format"`
	Speed          *float64 `json:"speed"`
}

func sendFragments(fragments []string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.SampleRate() != 24000 {
		t.Errorf("SampleRate() = %d, want 24000", p.SampleRate())
	}
}

func TestNew_WithModel(t *testing.T) {
	p, err := New("key", WithModel("tts-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(p.model) != "tts-1" {
		t.Errorf("model = %q, want tts-1", p.model)
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream_EmptyVoiceID(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestSynthesizeStream_MockServer(t *testing.T) {
	// Two sentences map to two requests. The first is delayed and answered
	// with 0xAA bytes, the second with 0xBB, so the output proves that
	// ordering holds even when a later request finishes first.
	const bodyLen = 10_000
	fill := map[string]byte{
		"Hello world.": 0xAA,
		"How are you?": 0xBB,
	}

	var (
		mu   sync.Mutex
		reqs []speechRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			http.NotFound(w, r)
			return
		}
		var req speechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()

		b, ok := fill[req.Input]
		if !ok {
			http.Error(w, "unexpected input", http.StatusBadRequest)
			return
		}
		if b == 0xAA {
			time.Sleep(100 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(bytes.Repeat([]byte{b}, bodyLen))
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	textCh := sendFragments([]string{"Hello ", "world. How ", "are you?"})
	audioCh, err := p.SynthesizeStream(context.Background(), textCh, tts.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	pcm := drainAudio(audioCh)

	if len(pcm) != 2*bodyLen {
		t.Fatalf("total PCM = %d bytes, want %d", len(pcm), 2*bodyLen)
	}
	for i := 0; i < bodyLen; i++ {
		if pcm[i] != 0xAA {
			t.Fatalf("pcm[%d] = %02x, want AA (first sentence audio must come first)", i, pcm[i])
		}
	}
	for i := bodyLen; i < 2*bodyLen; i++ {
		if pcm[i] != 0xBB {
			t.Fatalf("pcm[%d] = %02x, want BB", i, pcm[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("server received %d requests, want 2", len(reqs))
	}
	for _, req := range reqs {
		if req.Model != string(defaultModel) {
			t.Errorf("model = %q, want %q", req.Model, defaultModel)
		}
		if req.Voice != "alloy" {
			t.Errorf("voice = %q, want alloy", req.Voice)
		}
		if req.ResponseFormat != "pcm" {
			t.Errorf("response_format = %q, want pcm", req.ResponseFormat)
		}
		if req.Speed != nil {
			t.Errorf("speed should be absent for a default-rate voice, got %v", *req.Speed)
		}
	}
}

func TestSynthesizeStream_SpeedFactor(t *testing.T) {
	var (
		mu  sync.Mutex
		got *float64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speechRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		got = req.Speed
		mu.Unlock()
		_, _ = w.Write([]byte{0x01, 0x02})
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	textCh := sendFragments([]string{"Quickly now."})
	audioCh, err := p.SynthesizeStream(context.Background(), textCh, tts.VoiceProfile{ID: "nova", SpeedFactor: 1.5})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	drainAudio(audioCh)

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected speed field in request")
	}
	if *got != 1.5 {
		t.Errorf("speed = %v, want 1.5", *got)
	}
}

func TestSynthesizeStream_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte{0x01, 0x02})
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel

	textCh := sendFragments([]string{"This should never be synthesised."})
	audioCh, err := p.SynthesizeStream(ctx, textCh, tts.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	done := make(chan struct{})
	go func() {
		drainAudio(audioCh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("audio channel did not close within 2 s after cancellation")
	}
}

// ---- streamBody ----

func TestStreamBody_CopiesAllBytes(t *testing.T) {
	src := make([]byte, 10_000)
	for i := range src {
		src[i] = byte(i % 251)
	}
	audioCh := make(chan []byte, audioChanBuf)

	if !streamBody(context.Background(), io.NopCloser(bytes.NewReader(src)), audioCh) {
		t.Fatal("streamBody reported failure for a clean body")
	}
	close(audioCh)

	got := drainAudio(audioCh)
	if !bytes.Equal(got, src) {
		t.Fatalf("streamed %d bytes, want %d matching bytes", len(got), len(src))
	}
}

func TestStreamBody_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unbuffered channel with no reader: only cancellation can unblock the send.
	audioCh := make(chan []byte)
	if streamBody(ctx, io.NopCloser(bytes.NewReader([]byte{1, 2, 3})), audioCh) {
		t.Fatal("streamBody should report failure when the context is cancelled")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 11 {
		t.Fatalf("got %d voices, want 11", len(voices))
	}
	found := false
	for _, v := range voices {
		if v.Provider != "openai" {
			t.Errorf("voice %q Provider = %q, want openai", v.ID, v.Provider)
		}
		if v.ID == "alloy" {
			found = true
		}
	}
	if !found {
		t.Error("catalogue is missing the alloy voice")
	}
}

// ---- sentence splitting ----

func TestFindSentenceBoundary(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"Hello.", 5},
		{"Hello. World", 5},
		{"No boundary", -1},
		{"3.14 is pi", -1},
		{"", -1},
	}
	for _, tc := range cases {
		if got := findSentenceBoundary(tc.input); got != tc.want {
			t.Errorf("findSentenceBoundary(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}
