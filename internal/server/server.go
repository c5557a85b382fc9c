// Package server implements the conversation side of the audio session
// protocol: a WebSocket endpoint that negotiates sessions, supervises their
// lifecycle and drives the speech pipeline for every caller turn.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/telvox/internal/history"
	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/internal/store"
	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/asp"
	"github.com/MrWong99/telvox/pkg/audio"
	"github.com/MrWong99/telvox/pkg/provider/llm"
	"github.com/MrWong99/telvox/pkg/provider/stt"
	"github.com/MrWong99/telvox/pkg/provider/tts"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// DefaultListenPort is the conversation server's default WebSocket port.
const DefaultListenPort = 8765

// Timeouts groups the session lifecycle deadlines. Zero fields fall back to
// the protocol defaults.
type Timeouts struct {
	// Starting bounds the wait for session.start after the connection opens.
	Starting time.Duration
	// Processing bounds the wait for the first response frame of a turn.
	Processing time.Duration
	// Idle ends sessions without any client traffic.
	Idle time.Duration
	// Ping is the keepalive interval.
	Ping time.Duration
	// MaxUtterance force-ends utterances the client never closes.
	MaxUtterance time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Starting <= 0 {
		t.Starting = asp.DefaultStartingTimeout
	}
	if t.Processing <= 0 {
		t.Processing = asp.DefaultProcessingTimeout
	}
	if t.Idle <= 0 {
		t.Idle = asp.DefaultIdleTimeout
	}
	if t.Ping <= 0 {
		t.Ping = asp.DefaultPingInterval
	}
	if t.MaxUtterance <= 0 {
		t.MaxUtterance = asp.DefaultMaxUtterance
	}
	return t
}

// TLSConfig enables TLS termination when both paths are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// AgentConfig shapes the agent's persona and canned speech.
type AgentConfig struct {
	// SystemPrompt is the default persona instruction.
	SystemPrompt string
	// Prompts maps system_prompt_ref values from session.start to
	// alternative personas.
	Prompts map[string]string
	// Greeting, when set, is spoken as soon as a session starts.
	Greeting string
	// Voice selects the synthesis voice.
	Voice tts.VoiceProfile
	// Language hints the recogniser.
	Language string
	// Apology, Handoff and Repeat are the fallback clip texts.
	Apology string
	Handoff string
	Repeat  string
}

// PipelineConfig carries per-session pipeline tuning.
type PipelineConfig struct {
	STTDeadline     time.Duration
	MaxChunkChars   int
	HistoryMaxTurns int
}

// Config is the conversation server configuration.
type Config struct {
	ListenPort int
	TLS        TLSConfig
	// MaxSessions caps concurrent started sessions. Zero means unlimited.
	MaxSessions int
	// Defaults is the audio configuration applied where session.start is
	// silent.
	Defaults asp.AudioParams
	VAD      asp.VADParams
	Agent    AgentConfig
	Pipeline PipelineConfig
	// FallbackDestination is the transfer target for handoffs. Empty means
	// hang up instead.
	FallbackDestination string
	Timeouts            Timeouts
}

// Deps are the collaborators a server needs. The three providers are
// required, everything else is optional.
type Deps struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Tools       *tools.Host
	CallControl telephony.CallControl
	Recognizer  *history.Recognizer
	Store       *store.Store
	Metrics     *observe.Metrics
	Logger      *slog.Logger
}

// Server accepts protocol connections and supervises their sessions.
type Server struct {
	cfg      Config
	deps     Deps
	timeouts Timeouts
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New validates deps, fills config defaults and returns a ready server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.STT == nil {
		return nil, errors.New("server: stt provider is required")
	}
	if deps.LLM == nil {
		return nil, errors.New("server: llm provider is required")
	}
	if deps.TTS == nil {
		return nil, errors.New("server: tts provider is required")
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.Defaults == (asp.AudioParams{}) {
		cfg.Defaults = asp.AudioParams{
			SampleRate: audio.AgentSampleRate,
			Encoding:   string(audio.EncodingPCM),
			FrameMS:    20,
		}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		timeouts: cfg.Timeouts.withDefaults(),
		logger:   deps.Logger,
		sessions: make(map[*session]struct{}),
	}, nil
}

// UpdateAgent swaps the persona, canned texts and transfer destination for
// sessions that start after the call. Live sessions keep what they captured
// at session.start.
func (s *Server) UpdateAgent(agent AgentConfig, fallbackDestination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Agent = agent
	s.cfg.FallbackDestination = fallbackDestination
}

func (s *Server) agentConfig() (AgentConfig, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Agent, s.cfg.FallbackDestination
}

// capabilities is the advertisement sent on every new connection.
func (s *Server) capabilities() *asp.Capabilities {
	return &asp.Capabilities{
		SampleRates: []int{8000, audio.AgentSampleRate},
		Encodings: []string{
			string(audio.EncodingPCM),
			string(audio.EncodingMulaw),
			string(audio.EncodingAlaw),
		},
		Features: []string{asp.FeatureBargeIn, asp.FeatureStreamingTTS},
	}
}

func (s *Server) acquire(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) release(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Handler returns the HTTP handler serving the protocol endpoint at /asp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/asp", s.handleASP)
	return mux
}

func (s *Server) handleASP(w http.ResponseWriter, r *http.Request) {
	conn, err := asp.Accept(w, r)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Debug("connection accepted", "remote", r.RemoteAddr)
	if err := newSession(s, conn).run(r.Context()); err != nil {
		s.logger.Debug("session closed with transport error", "remote", r.RemoteAddr, "error", err)
	}
}

// Run serves until ctx is cancelled, then asks live sessions to end and
// shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.ListenPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.drainSessions()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(sctx)
	}()
	s.logger.Info("conversation server listening", "addr", httpSrv.Addr)
	var err error
	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		err = httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) drainSessions() {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.requestEnd("server_shutdown")
	}
}
