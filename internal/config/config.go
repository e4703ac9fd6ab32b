// Package config loads the gateway configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexhub/companion-gateway/internal/generation"
)

// Config holds all configuration for the companion gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Inference InferenceConfig `yaml:"inference"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Activity  ActivityConfig  `yaml:"activity"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Workers   WorkersConfig   `yaml:"workers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// StoreConfig defines the durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig defines broker connection settings. Enabled=false runs the
// gateway fully synchronous with no broker.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Consumer string `yaml:"consumer"`
}

// InferenceConfig defines generation engines and lanes.
type InferenceConfig struct {
	Engines     []generation.EngineConfig `yaml:"engines"`
	Lanes       []generation.LaneConfig   `yaml:"lanes"`
	DefaultLane string                    `yaml:"default_lane,omitempty"`
	// AnalysisLane carries background analysis and summarization; unset means
	// the conventional "analysis" lane, which falls back to the default lane
	// when not configured.
	AnalysisLane string `yaml:"analysis_lane,omitempty"`
}

// DispatchConfig tunes the message pipeline.
type DispatchConfig struct {
	AsyncEnabled   bool   `yaml:"async_enabled"`
	PublishTimeout string `yaml:"publish_timeout"`
	HistoryWindow  int    `yaml:"history_window"`
	SystemPrompt   string `yaml:"system_prompt"`
}

// GetPublishTimeout returns the publish timeout as a time.Duration.
func (d *DispatchConfig) GetPublishTimeout() time.Duration {
	if d.PublishTimeout == "" {
		return 2 * time.Second
	}
	t, err := time.ParseDuration(d.PublishTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return t
}

// SessionsConfig tunes the session resolver.
type SessionsConfig struct {
	BufferWindow int `yaml:"buffer_window"`
	MaxPerUser   int `yaml:"max_per_user"`
}

// ActivityConfig tunes engagement tracking.
type ActivityConfig struct {
	ScoreWindow         int     `yaml:"score_window"`
	RelevanceThreshold  float64 `yaml:"relevance_threshold"`
	IrrelevantThreshold int     `yaml:"irrelevant_threshold"`
	PromptCooldown      string  `yaml:"prompt_cooldown"`
}

// GetPromptCooldown returns the cooldown as a time.Duration.
func (a *ActivityConfig) GetPromptCooldown() time.Duration {
	if a.PromptCooldown == "" {
		return 5 * time.Minute
	}
	t, err := time.ParseDuration(a.PromptCooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return t
}

// AnalysisConfig tunes the analysis dedup cache.
type AnalysisConfig struct {
	MinInterval string `yaml:"min_interval"`
	StaleTTL    string `yaml:"stale_ttl"`
}

// GetMinInterval returns the dedup interval as a time.Duration.
func (a *AnalysisConfig) GetMinInterval() time.Duration {
	if a.MinInterval == "" {
		return 2 * time.Minute
	}
	t, err := time.ParseDuration(a.MinInterval)
	if err != nil {
		return 2 * time.Minute
	}
	return t
}

// GetStaleTTL returns the cache eviction TTL as a time.Duration.
func (a *AnalysisConfig) GetStaleTTL() time.Duration {
	if a.StaleTTL == "" {
		return time.Hour
	}
	t, err := time.ParseDuration(a.StaleTTL)
	if err != nil {
		return time.Hour
	}
	return t
}

// ChannelsConfig defines channel adapter configurations.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	WebChat  WebChatConfig  `yaml:"webchat"`
}

// TelegramConfig defines Telegram channel settings.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// DiscordConfig defines Discord channel settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// WebChatConfig defines WebChat channel settings.
type WebChatConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WorkersConfig tunes the background worker pool.
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file with environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.Port)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if path := os.Getenv("STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Channels.Telegram.Token = token
	}
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		c.Channels.Discord.Token = token
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		for i := range c.Inference.Engines {
			t := c.Inference.Engines[i].Type
			if t == "openai-compatible" || t == "openai" {
				c.Inference.Engines[i].APIKey = apiKey
			}
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if len(c.Inference.Engines) == 0 {
		return fmt.Errorf("at least one inference engine is required")
	}
	if len(c.Inference.Lanes) == 0 {
		return fmt.Errorf("at least one inference lane is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when the broker is enabled")
	}
	return nil
}
