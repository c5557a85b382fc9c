package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/audio"
)

// ValidProviderNames lists known names per provider kind, including the
// frame classifiers of the "vad" kind. Used by [Validate] to warn about
// unrecognised names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper", "whisper-native", "deepgram"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
	"vad": {"energy", "neural"},
}

// Built-in fallback utterance texts, used when the agent section leaves
// them empty.
const (
	defaultApology = "Sorry, something went wrong on my end. Could you say that again?"
	defaultHandoff = "I'm having trouble helping with this call. Please hold while I hand you over."
	defaultRepeat  = "Sorry, I didn't catch that. Could you repeat it?"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration an empty document would produce.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero fields in place after decoding, so every
// consumer sees concrete values.
func applyDefaults(cfg *Config) {
	if cfg.ASP.ListenPort == 0 {
		cfg.ASP.ListenPort = 8765
	}

	if cfg.Audio.Encoding == "" {
		cfg.Audio.Encoding = audio.EncodingPCM
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.AgentSampleRate
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = 20
	}

	p := cfg.VAD.Params().WithDefaults()
	cfg.VAD.MinSpeechMS = p.MinSpeechMS
	cfg.VAD.SilenceHangoverMS = p.SilenceHangoverMS
	cfg.VAD.BargeInMinMS = p.BargeInMinMS
	cfg.VAD.Classifier = p.Classifier

	if cfg.Pipeline.STTDeadlineMS == 0 {
		cfg.Pipeline.STTDeadlineMS = 1500
	}
	if cfg.Pipeline.MaxChunkChars == 0 {
		cfg.Pipeline.MaxChunkChars = 180
	}
	if cfg.Pipeline.HistoryMaxTurns == 0 {
		cfg.Pipeline.HistoryMaxTurns = 20
	}

	if cfg.Agent.Voice.SpeedFactor == 0 {
		cfg.Agent.Voice.SpeedFactor = 1.0
	}
	if cfg.Agent.FallbackUtterances.Apology == "" {
		cfg.Agent.FallbackUtterances.Apology = defaultApology
	}
	if cfg.Agent.FallbackUtterances.Handoff == "" {
		cfg.Agent.FallbackUtterances.Handoff = defaultHandoff
	}
	if cfg.Agent.FallbackUtterances.Repeat == "" {
		cfg.Agent.FallbackUtterances.Repeat = defaultRepeat
	}

	if cfg.Observe.MetricsPort == 0 {
		cfg.Observe.MetricsPort = 9090
	}
	if cfg.Observe.LogLevel == "" {
		cfg.Observe.LogLevel = LogInfo
	}
	if cfg.Observe.LogFormat == "" {
		cfg.Observe.LogFormat = LogFormatText
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Suspicious but workable settings are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Observability
	if cfg.Observe.LogLevel != "" && !cfg.Observe.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("observe.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Observe.LogLevel))
	}
	if cfg.Observe.LogFormat != "" && !cfg.Observe.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("observe.log_format %q is invalid; valid values: text, json", cfg.Observe.LogFormat))
	}

	// Listener
	if cfg.ASP.TLS != nil && (cfg.ASP.TLS.CertFile == "" || cfg.ASP.TLS.KeyFile == "") {
		errs = append(errs, errors.New("asp.tls requires both cert_file and key_file"))
	}

	// Wire audio format
	enc, err := audio.ParseEncoding(string(cfg.Audio.Encoding))
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: pcm_s16le, mulaw, alaw", cfg.Audio.Encoding))
	} else if !enc.ValidRate(cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.encoding %q does not support sample_rate %d", enc, cfg.Audio.SampleRate))
	}
	if !audio.ValidFrameMS(cfg.Audio.FrameMS) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: 10, 20", cfg.Audio.FrameMS))
	}

	// VAD tuning
	if err := cfg.VAD.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	validateProviderName("vad", cfg.VAD.Classifier)

	// Pipeline tuning
	if cfg.Pipeline.STTDeadlineMS <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stt_deadline_ms must be positive, got %d", cfg.Pipeline.STTDeadlineMS))
	}
	if cfg.Pipeline.MaxChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_chunk_chars must be positive, got %d", cfg.Pipeline.MaxChunkChars))
	}
	if cfg.Pipeline.HistoryMaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_max_turns must be positive, got %d", cfg.Pipeline.HistoryMaxTurns))
	}

	// Voice
	if sf := cfg.Agent.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("agent.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Provider chains
	validateChain("stt", cfg.Providers.STT, &errs)
	validateChain("llm", cfg.Providers.LLM, &errs)
	validateChain("tts", cfg.Providers.TTS, &errs)

	var missing []string
	if cfg.Providers.STT.Name == "" {
		missing = append(missing, "stt")
	}
	if cfg.Providers.LLM.Name == "" {
		missing = append(missing, "llm")
	}
	if cfg.Providers.TTS.Name == "" {
		missing = append(missing, "tts")
	}
	if len(missing) > 0 {
		slog.Warn("pipeline providers not fully configured; the agent cannot hold conversations", "missing", missing)
	}

	// Voice provider / TTS chain cross-validation
	if vp := cfg.Agent.Voice.Provider; vp != "" && cfg.Providers.TTS.Name != "" {
		names := []string{cfg.Providers.TTS.Name}
		for _, fb := range cfg.Providers.TTS.Fallbacks {
			names = append(names, fb.Name)
		}
		if !slices.Contains(names, vp) {
			slog.Warn("voice provider does not match any configured TTS provider",
				"voice_provider", vp,
				"tts_providers", names,
			)
		}
	}

	// Availability warnings
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; call records will not be persisted")
	}
	if cfg.CallControl.FallbackDestination == "" {
		slog.Warn("call_control.fallback_destination is empty; unrecoverable failures will hang up instead of transferring")
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
		if srv.Auth != nil && srv.Auth.OAuth != nil {
			if srv.Auth.OAuth.ClientID == "" {
				errs = append(errs, fmt.Errorf("%s.auth.oauth.client_id is required", prefix))
			}
			if srv.Auth.OAuth.TokenURL == "" {
				errs = append(errs, fmt.Errorf("%s.auth.oauth.token_url is required", prefix))
			}
		}
	}

	// Media server
	if ch := cfg.Media.Channel; ch != "" {
		if !ch.IsValid() {
			errs = append(errs, fmt.Errorf("media.channel %q is invalid; valid values: rtp, discord", ch))
		}
		if cfg.Media.ServerURL == "" {
			errs = append(errs, errors.New("media.server_url is required when media.channel is set"))
		}
		switch ch {
		case ChannelRTP:
			if cfg.Media.RTP.LocalAddr == "" {
				errs = append(errs, errors.New("media.rtp.local_addr is required when media.channel is rtp"))
			}
		case ChannelDiscord:
			if cfg.Media.Discord.Token == "" {
				errs = append(errs, errors.New("media.discord.token is required when media.channel is discord"))
			}
			if cfg.Media.Discord.GuildID == "" || cfg.Media.Discord.ChannelID == "" {
				errs = append(errs, errors.New("media.discord.guild_id and media.discord.channel_id are required when media.channel is discord"))
			}
		}
	}
	if pt := cfg.Media.RTP.PayloadType; pt != 0 && pt != 8 && (pt < 96 || pt > 127) {
		errs = append(errs, fmt.Errorf("media.rtp.payload_type %d is invalid; valid values: 0 (PCMU), 8 (PCMA), or 96-127 (dynamic)", pt))
	}

	return errors.Join(errs...)
}

// validateChain checks one provider chain: the primary name is advisory
// (warn only), fallback entries must at least carry a name.
func validateChain(kind string, chain ProviderChain, errs *[]error) {
	validateProviderName(kind, chain.Name)
	if chain.Name == "" && len(chain.Fallbacks) > 0 {
		*errs = append(*errs, fmt.Errorf("providers.%s.fallbacks requires a primary provider", kind))
	}
	for i, fb := range chain.Fallbacks {
		if fb.Name == "" {
			*errs = append(*errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or an externally registered provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
