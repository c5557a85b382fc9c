// Command telvox-conv runs the conversation server: the ASP websocket
// endpoint media servers dial, the STT, LLM and TTS pipeline behind it, and
// the metrics and health endpoints beside it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telvox/internal/config"
	"github.com/MrWong99/telvox/internal/health"
	"github.com/MrWong99/telvox/internal/history"
	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/internal/resilience"
	"github.com/MrWong99/telvox/internal/server"
	"github.com/MrWong99/telvox/internal/store"
	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/asp"
	"github.com/MrWong99/telvox/pkg/provider/llm"
	"github.com/MrWong99/telvox/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/telvox/pkg/provider/llm/openai"
	"github.com/MrWong99/telvox/pkg/provider/stt"
	"github.com/MrWong99/telvox/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/telvox/pkg/provider/stt/openai"
	"github.com/MrWong99/telvox/pkg/provider/stt/whisper"
	"github.com/MrWong99/telvox/pkg/provider/tts"
	"github.com/MrWong99/telvox/pkg/provider/tts/coqui"
	"github.com/MrWong99/telvox/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/telvox/pkg/provider/tts/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "telvox-conv: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "telvox-conv: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Observe.LogLevel))
	logger := newLogger(cfg.Observe.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "telvox-conv"})
	if err != nil {
		slog.Error("init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	met := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, met)
	if err != nil {
		slog.Error("build providers", "err", err)
		return 1
	}

	host := tools.NewHost(tools.WithMetrics(met), tools.WithLogger(logger))
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("tool host close", "err", err)
		}
	}()
	if err := tools.RegisterCallControlTools(host); err != nil {
		slog.Error("register call control tools", "err", err)
		return 1
	}
	for _, sc := range cfg.Tools.MCPServers {
		// A dead tool server must not keep the agent from answering calls.
		if err := host.RegisterServer(ctx, mcpSpec(sc)); err != nil {
			slog.Warn("mcp server skipped", "name", sc.Name, "err", err)
		}
	}

	var recOpts []history.RecognizerOption
	for kind, values := range cfg.Agent.Vocabulary {
		recOpts = append(recOpts, history.WithVocabulary(kind, values...))
	}
	recognizer := history.NewRecognizer(recOpts...)

	var st *store.Store
	if cfg.Store.PostgresDSN != "" {
		st, err = store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("connect store", "err", err)
			return 1
		}
		defer st.Close()
		if err := st.EnsureSchema(ctx); err != nil {
			slog.Error("prepare store schema", "err", err)
			return 1
		}
	}

	srv, err := server.New(serverConfig(cfg), server.Deps{
		STT:        providers.stt,
		LLM:        providers.llm,
		TTS:        providers.tts,
		Tools:      host,
		Recognizer: recognizer,
		Store:      st,
		Metrics:    met,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("configure server", "err", err)
		return 1
	}

	checkers := []health.Checker{
		health.BreakerChecker("stt", providers.stt.BreakerStates),
		health.BreakerChecker("llm", providers.llm.BreakerStates),
		health.BreakerChecker("tts", providers.tts.BreakerStates),
	}
	if st != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: st.Ping})
	}
	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observe.MetricsHandler())
	health.New(checkers...).Register(obsMux)
	obsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Observe.MetricsPort),
		Handler:           observe.Middleware(met)(obsMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcher, err := config.NewWatcher(*configPath, func(_, updated *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.AgentChanged || d.PromptsChanged || d.FallbackDestinationChanged {
			srv.UpdateAgent(agentConfig(updated.Agent), updated.CallControl.FallbackDestination)
			slog.Info("agent configuration updated")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("telvox-conv starting",
		"listen_port", cfg.ASP.ListenPort,
		"metrics_port", cfg.Observe.MetricsPort,
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
		"tts", cfg.Providers.TTS.Name,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observe endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obsSrv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// pipelineProviders carries the breaker-wrapped provider chain for each
// pipeline stage.
type pipelineProviders struct {
	stt *resilience.STTFallback
	llm *resilience.LLMFallback
	tts *resilience.TTSFallback
}

// buildProviders instantiates the configured provider chains and wraps every
// stage in a fallback group with per-backend circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry, met *observe.Metrics) (*pipelineProviders, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Info("provider breaker transition",
					"breaker", name, "from", from.String(), "to", to.String())
				met.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
			},
		},
	}

	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	sttChain := resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, fbCfg)
	for _, entry := range cfg.Providers.STT.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("stt fallback %q: %w", entry.Name, err)
		}
		sttChain.AddFallback(entry.Name, p)
	}

	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	llmChain := resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, fbCfg)
	for _, entry := range cfg.Providers.LLM.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm fallback %q: %w", entry.Name, err)
		}
		llmChain.AddFallback(entry.Name, p)
	}

	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	ttsChain := resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, fbCfg)
	for _, entry := range cfg.Providers.TTS.Fallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("tts fallback %q: %w", entry.Name, err)
		}
		ttsChain.AddFallback(entry.Name, p)
	}

	return &pipelineProviders{stt: sttChain, llm: llmChain, tts: ttsChain}, nil
}

// registerBuiltinProviders wires every provider implementation that ships
// with telvox into reg, keyed by the names [config.Validate] accepts.
func registerBuiltinProviders(reg *config.Registry) {
	// LLM: openai is served by the native streaming client; the remaining
	// hosted backends share the any-llm adapter with an optional API key
	// and base URL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}
	// ollama is a local server; it takes a base URL, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// STT

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// TTS

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// serverConfig maps the file configuration onto the conversation server's.
func serverConfig(cfg *config.Config) server.Config {
	sc := server.Config{
		ListenPort:  int(cfg.ASP.ListenPort),
		MaxSessions: int(cfg.ASP.MaxSessions),
		Defaults: asp.AudioParams{
			Encoding:   string(cfg.Audio.Encoding),
			SampleRate: cfg.Audio.SampleRate,
			FrameMS:    cfg.Audio.FrameMS,
		},
		VAD: asp.VADParams{
			MinSpeechMS:       cfg.VAD.MinSpeechMS,
			SilenceHangoverMS: cfg.VAD.SilenceHangoverMS,
			BargeInMinMS:      cfg.VAD.BargeInMinMS,
			Classifier:        cfg.VAD.Classifier,
		},
		Agent: agentConfig(cfg.Agent),
		Pipeline: server.PipelineConfig{
			STTDeadline:     time.Duration(cfg.Pipeline.STTDeadlineMS) * time.Millisecond,
			MaxChunkChars:   cfg.Pipeline.MaxChunkChars,
			HistoryMaxTurns: cfg.Pipeline.HistoryMaxTurns,
		},
		FallbackDestination: cfg.CallControl.FallbackDestination,
	}
	if cfg.ASP.TLS != nil {
		sc.TLS = server.TLSConfig{CertFile: cfg.ASP.TLS.CertFile, KeyFile: cfg.ASP.TLS.KeyFile}
	}
	return sc
}

// agentConfig maps the agent section onto the server's persona config. Also
// used by the config watcher to hot-swap the persona.
func agentConfig(a config.AgentConfig) server.AgentConfig {
	return server.AgentConfig{
		SystemPrompt: a.SystemPrompt,
		Prompts:      a.Prompts,
		Greeting:     a.Greeting,
		Voice: tts.VoiceProfile{
			ID:          a.Voice.VoiceID,
			Provider:    a.Voice.Provider,
			SpeedFactor: a.Voice.SpeedFactor,
		},
		Language: a.Language,
		Apology:  a.FallbackUtterances.Apology,
		Handoff:  a.FallbackUtterances.Handoff,
		Repeat:   a.FallbackUtterances.Repeat,
	}
}

// mcpSpec maps one configured MCP server onto the tool host's spec.
func mcpSpec(sc config.MCPServerConfig) tools.ServerSpec {
	spec := tools.ServerSpec{
		Name:      sc.Name,
		Transport: sc.Transport,
		Command:   sc.Command,
		URL:       sc.URL,
		Env:       sc.Env,
	}
	if sc.Auth != nil {
		auth := &tools.Auth{Token: sc.Auth.Token}
		if sc.Auth.OAuth != nil {
			auth.OAuth = &tools.OAuthConfig{
				ClientID:     sc.Auth.OAuth.ClientID,
				ClientSecret: sc.Auth.OAuth.ClientSecret,
				TokenURL:     sc.Auth.OAuth.TokenURL,
				Scopes:       sc.Auth.OAuth.Scopes,
			}
		}
		spec.Auth = auth
	}
	return spec
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString reads a string value from a provider's free-form options map.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
