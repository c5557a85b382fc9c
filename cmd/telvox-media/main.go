// Command telvox-media runs a media server: it owns one telephony leg (an
// RTP peer or a Discord voice channel) and bridges its audio to a
// conversation server over ASP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telvox/internal/config"
	"github.com/MrWong99/telvox/internal/health"
	"github.com/MrWong99/telvox/internal/mediabridge"
	"github.com/MrWong99/telvox/internal/observe"
	"github.com/MrWong99/telvox/pkg/telephony"
	discordleg "github.com/MrWong99/telvox/pkg/telephony/discord"
	"github.com/MrWong99/telvox/pkg/telephony/rtp"
)

// redialDelay spaces retries when a call fails, so a down conversation
// server is not hammered.
const redialDelay = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "telvox-media: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "telvox-media: %v\n", err)
		}
		return 1
	}
	if cfg.Media.Channel == "" {
		fmt.Fprintln(os.Stderr, "telvox-media: media.channel must be set")
		return 1
	}
	serverURL, err := aspEndpoint(cfg.Media.ServerURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telvox-media: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Observe.LogLevel))
	logger := newLogger(cfg.Observe.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "telvox-media"})
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

	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observe.MetricsHandler())
	health.New().Register(obsMux)
	obsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Observe.MetricsPort),
		Handler:           observe.Middleware(met)(obsMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("telvox-media starting",
		"channel", cfg.Media.Channel,
		"server_url", serverURL,
		"metrics_port", cfg.Observe.MetricsPort,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveCalls(gctx, cfg, serverURL, met, logger)
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

// serveCalls answers one call after another: open a fresh leg, bridge it to
// the conversation server, and go again when the call ends.
func serveCalls(ctx context.Context, cfg *config.Config, serverURL string, met *observe.Metrics, logger *slog.Logger) error {
	for ctx.Err() == nil {
		err := serveOneCall(ctx, cfg, serverURL, met, logger)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		default:
			logger.Error("call failed", "err", err)
			select {
			case <-time.After(redialDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

func serveOneCall(ctx context.Context, cfg *config.Config, serverURL string, met *observe.Metrics, logger *slog.Logger) error {
	leg, cleanup, err := buildLeg(cfg.Media)
	if err != nil {
		return fmt.Errorf("open %s leg: %w", cfg.Media.Channel, err)
	}
	defer cleanup()

	b, err := mediabridge.New(leg, mediabridge.Config{
		ServerURL:             serverURL,
		SystemPromptRef:       cfg.Media.SystemPromptRef,
		VAD:                   cfg.VAD.Params(),
		ClassifierModelPath:   cfg.VAD.ModelPath,
		ClassifierLibraryPath: cfg.VAD.LibraryPath,
	}, mediabridge.WithMetrics(met), mediabridge.WithLogger(logger))
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// buildLeg opens the configured telephony leg. The returned cleanup tears
// down the leg and whatever session carries it.
func buildLeg(mc config.MediaConfig) (telephony.MediaChannel, func(), error) {
	switch mc.Channel {
	case config.ChannelRTP:
		var opts []rtp.Option
		if mc.RTP.RemoteAddr != "" {
			opts = append(opts, rtp.WithRemoteAddr(mc.RTP.RemoteAddr))
		}
		if mc.RTP.PayloadType != 0 {
			opts = append(opts, rtp.WithPayloadType(mc.RTP.PayloadType))
		}
		leg, err := rtp.New(mc.RTP.LocalAddr, opts...)
		if err != nil {
			return nil, nil, err
		}
		return leg, func() { leg.Close() }, nil

	case config.ChannelDiscord:
		dg, err := discordgo.New("Bot " + mc.Discord.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("discord session: %w", err)
		}
		if err := dg.Open(); err != nil {
			return nil, nil, fmt.Errorf("discord gateway: %w", err)
		}
		leg, err := discordleg.Join(dg, mc.Discord.GuildID, mc.Discord.ChannelID)
		if err != nil {
			dg.Close()
			return nil, nil, err
		}
		return leg, func() {
			leg.Close()
			dg.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown media channel %q", mc.Channel)
	}
}

// aspEndpoint resolves the configured server URL to the ASP websocket path.
// A bare host URL gets the conversation server's default "/asp" path.
func aspEndpoint(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("media.server_url must be set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("media.server_url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/asp"
	}
	return u.String(), nil
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
