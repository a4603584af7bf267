package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Discord.TokenEnv == "" {
		cfg.Discord.TokenEnv = "DISCORD_TOKEN"
	}
	if cfg.Realtime.BaseURL == "" {
		cfg.Realtime.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Realtime.TurnDetection == "" {
		cfg.Realtime.TurnDetection = "manual"
	}
	if cfg.Realtime.APIKeyEnv == "" {
		cfg.Realtime.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Audio.GatewayRate == 0 {
		cfg.Audio.GatewayRate = 48000
	}
	if cfg.Audio.GatewayChannels == 0 {
		cfg.Audio.GatewayChannels = 2
	}
	if cfg.Audio.BackendRate == 0 {
		cfg.Audio.BackendRate = 24000
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = 20
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.Reconnect.InitialDelayMs == 0 {
		cfg.Reconnect.InitialDelayMs = 1000
	}
	if cfg.Reconnect.Multiplier == 0 {
		cfg.Reconnect.Multiplier = 2
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = 30000
	}
	if cfg.Bridge.TaskQueueDepth == 0 {
		cfg.Bridge.TaskQueueDepth = 256
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required"))
	}
	switch cfg.Realtime.TurnDetection {
	case "manual", "server_vad", "semantic_vad":
	default:
		errs = append(errs, fmt.Errorf("realtime.turn_detection %q is invalid; valid values: manual, server_vad, semantic_vad", cfg.Realtime.TurnDetection))
	}
	if cfg.Audio.GatewayChannels != 1 && cfg.Audio.GatewayChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.gateway_channels must be 1 or 2, got %d", cfg.Audio.GatewayChannels))
	}
	if cfg.Audio.GatewayRate < 8000 || cfg.Audio.BackendRate < 8000 {
		errs = append(errs, fmt.Errorf("audio rates must be at least 8000 Hz, got gateway=%d backend=%d", cfg.Audio.GatewayRate, cfg.Audio.BackendRate))
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts must not be negative, got %d", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect.multiplier must be at least 1, got %v", cfg.Reconnect.Multiplier))
	}
	if cfg.Bridge.TaskQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("bridge.task_queue_depth must be positive, got %d", cfg.Bridge.TaskQueueDepth))
	}

	return errors.Join(errs...)
}
