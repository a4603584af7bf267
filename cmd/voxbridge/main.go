// Command voxbridge bridges a Discord voice channel to a realtime voice AI
// backend: per-speaker audio is decoded, resampled and streamed to the
// backend, and synthesized responses are played back into the channel.
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

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/capture"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/playback"
	"github.com/MrWong99/voxbridge/pkg/audio"
	voicediscord "github.com/MrWong99/voxbridge/pkg/audio/discord"
	"github.com/MrWong99/voxbridge/pkg/audio/opus"
	"github.com/MrWong99/voxbridge/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"guild_id", cfg.Discord.GuildID,
		"channel_id", cfg.Discord.ChannelID,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxbridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Discord session ───────────────────────────────────────────────────────
	token := os.Getenv(cfg.Discord.TokenEnv)
	if token == "" {
		slog.Error("discord bot token not set", "env", cfg.Discord.TokenEnv)
		return 1
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		slog.Error("failed to create discord session", "err", err)
		return 1
	}
	dg.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	if err := dg.Open(); err != nil {
		slog.Error("failed to open discord gateway", "err", err)
		return 1
	}
	defer dg.Close()

	conn, err := voicediscord.NewPlatform(dg).Connect(ctx, cfg.Discord.GuildID, cfg.Discord.ChannelID)
	if err != nil {
		slog.Error("failed to join voice channel", "err", err)
		return 1
	}
	slog.Info("joined voice channel", "guild_id", cfg.Discord.GuildID, "channel_id", cfg.Discord.ChannelID)

	// ── Backend connection ────────────────────────────────────────────────────
	apiKey := os.Getenv(cfg.Realtime.APIKeyEnv)
	if apiKey == "" {
		slog.Error("backend API key not set", "env", cfg.Realtime.APIKeyEnv)
		return 1
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	client := realtime.NewClient(realtime.Config{
		URL:    fmt.Sprintf("%s?model=%s", cfg.Realtime.BaseURL, cfg.Realtime.Model),
		Header: header,
		Reconnect: realtime.ReconnectPolicy{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			InitialDelay: time.Duration(cfg.Reconnect.InitialDelayMs) * time.Millisecond,
			Multiplier:   cfg.Reconnect.Multiplier,
			MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		},
		Logger: logger,
		OnRetry: func(int, time.Duration) {
			metrics.ReconnectAttempts.Add(context.Background(), 1)
		},
	})

	router := realtime.NewRouter(logger)
	router.Bind(client)

	if err := client.Connect(ctx); err != nil {
		slog.Error("failed to connect to backend", "err", err)
		return 1
	}

	controller := realtime.NewSessionController(realtime.SessionOptions{
		Model:         cfg.Realtime.Model,
		Voice:         cfg.Realtime.Voice,
		Instructions:  cfg.Realtime.Instructions,
		TurnDetection: realtime.TurnDetection(cfg.Realtime.TurnDetection),
	})
	if err := controller.SendSessionConfig(ctx, client); err != nil {
		slog.Error("failed to configure backend session", "err", err)
		return 1
	}

	// ── Audio pipelines ───────────────────────────────────────────────────────
	conversationID := cfg.Discord.GuildID + ":" + cfg.Discord.ChannelID

	pipeline := capture.New(capture.Config{
		ConversationID: conversationID,
		SourceFormat:   audio.Format{SampleRate: cfg.Audio.GatewayRate, Channels: cfg.Audio.GatewayChannels},
		TargetRate:     cfg.Audio.BackendRate,
		NewDecoder: func(channels int) (capture.Decoder, error) {
			return opus.NewDecoder(channels)
		},
		Logger: logger,
	})

	player, err := playback.New(playback.Config{
		SourceRate:    cfg.Audio.BackendRate,
		TargetFormat:  audio.Format{SampleRate: cfg.Audio.GatewayRate, Channels: cfg.Audio.GatewayChannels},
		FrameDuration: time.Duration(cfg.Audio.FrameMs) * time.Millisecond,
		NewEncoder: func(channels int) (playback.Encoder, error) {
			return opus.NewEncoder(channels)
		},
		Out:    conn.OpusOut(),
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create playback player", "err", err)
		return 1
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	orch := bridge.NewOrchestrator(bridge.OrchestratorConfig{
		QueueDepth: cfg.Bridge.TaskQueueDepth,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err := orch.AddSession(bridge.SessionConfig{
		ConversationID: conversationID,
		Transport:      client,
		Control:        controller,
		Router:         router,
		Capture:        pipeline,
		Player:         player,
	}); err != nil {
		slog.Error("failed to add bridge session", "err", err)
		return 1
	}
	pipeline.Start(conn)

	// Track participants joining and leaving the bridged channel so their
	// audio is attributed by display name.
	dg.AddHandler(func(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if vsu == nil || vsu.UserID == dg.State.User.ID {
			return
		}
		switch {
		case vsu.ChannelID == cfg.Discord.ChannelID:
			orch.UpdateParticipantLabel(conversationID, vsu.UserID, displayName(vsu))
		case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == cfg.Discord.ChannelID:
			orch.RemoveParticipant(conversationID, vsu.UserID)
		}
	})

	// ── Observability endpoint ────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Checker{Name: "discord", Check: func(context.Context) error {
			if dg.State.User == nil {
				return errors.New("gateway session not ready")
			}
			return nil
		}},
		health.Checker{Name: "backend", Check: func(context.Context) error {
			if state := client.State(); state != realtime.StateConnected {
				return fmt.Errorf("backend %s", state)
			}
			return nil
		}},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	slog.Info("bridge ready — press Ctrl+C to shut down")
	<-gctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orch.Shutdown()
	if err := conn.Disconnect(); err != nil {
		slog.Warn("voice disconnect error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// displayName picks the best available participant label from a voice state
// update.
func displayName(vsu *discordgo.VoiceStateUpdate) string {
	if vsu.Member != nil {
		if vsu.Member.Nick != "" {
			return vsu.Member.Nick
		}
		if vsu.Member.User != nil {
			return vsu.Member.User.Username
		}
	}
	return vsu.UserID
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
