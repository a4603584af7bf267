// Package config provides the configuration schema and loader for the
// voxbridge server.
package config

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxbridge. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// ServerConfig holds network and logging settings for the observability
// endpoint (health checks and Prometheus metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig selects the voice channel to bridge. The bot token is read
// from the environment, never from the config file.
type DiscordConfig struct {
	// TokenEnv names the environment variable holding the bot token.
	// Default: DISCORD_TOKEN.
	TokenEnv string `yaml:"token_env"`

	// GuildID is the server containing the voice channel.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel to join.
	ChannelID string `yaml:"channel_id"`
}

// RealtimeConfig configures the voice AI backend connection. The API key is
// read from the environment, never from the config file.
type RealtimeConfig struct {
	// BaseURL is the WebSocket endpoint.
	// Default: wss://api.openai.com/v1/realtime.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice selects the synthesized voice.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt for the session.
	Instructions string `yaml:"instructions"`

	// TurnDetection selects who segments turns: "manual" (the bridge
	// commits on speaker silence), "server_vad", or "semantic_vad".
	TurnDetection string `yaml:"turn_detection"`

	// APIKeyEnv names the environment variable holding the API key.
	// Default: OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
}

// AudioConfig holds the sample rates on both sides of the bridge.
type AudioConfig struct {
	// GatewayRate is the voice gateway sample rate. Default: 48000.
	GatewayRate int `yaml:"gateway_rate"`

	// GatewayChannels is the gateway channel count. Default: 2.
	GatewayChannels int `yaml:"gateway_channels"`

	// BackendRate is the backend sample rate. Default: 24000.
	BackendRate int `yaml:"backend_rate"`

	// FrameMs is the Opus frame duration in milliseconds. Default: 20.
	FrameMs int `yaml:"frame_ms"`
}

// ReconnectConfig bounds backend reconnection.
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnect attempts before giving up.
	// Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelayMs is the wait before the first attempt. Default: 1000.
	InitialDelayMs int `yaml:"initial_delay_ms"`

	// Multiplier scales the delay after each failed attempt. Default: 2.
	Multiplier float64 `yaml:"multiplier"`

	// MaxDelayMs caps the per-attempt delay. Default: 30000.
	MaxDelayMs int `yaml:"max_delay_ms"`
}

// BridgeConfig tunes the per-conversation orchestration.
type BridgeConfig struct {
	// TaskQueueDepth bounds the serialized task queue per conversation.
	// Default: 256.
	TaskQueueDepth int `yaml:"task_queue_depth"`
}
