package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete agentpool configuration
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PoolConfig controls instance admission and idle reclamation
type PoolConfig struct {
	// MaxInstances is the hard admission limit; the pool fails fast when full
	MaxInstances int `mapstructure:"max_instances"`
	// IdleTimeoutMinutes is how long an instance may idle before eviction
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
	// CleanupIntervalMinutes is how often the background cleanup loop runs
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

// AgentConfig controls the agent subprocess
type AgentConfig struct {
	// Command is the agent CLI entrypoint (default: "claude")
	Command string `mapstructure:"command"`
	// GracePeriodSeconds is how long Stop waits before force-killing
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
	// MaxBufferEntries caps the per-instance output buffer
	MaxBufferEntries int `mapstructure:"max_buffer_entries"`
}

// ChatConfig controls buffered chat delivery
type ChatConfig struct {
	// Enabled turns the chat delivery consumer on
	Enabled bool `mapstructure:"enabled"`
	// BufferSize is the flush threshold and maximum outbound chunk size
	BufferSize int `mapstructure:"buffer_size"`
	// FlushIntervalMs is the debounce window in milliseconds
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
	// ChunkDelayMs is the pause between chunks of an oversized flush
	ChunkDelayMs int `mapstructure:"chunk_delay_ms"`
}

// WebhookConfig controls retried webhook delivery
type WebhookConfig struct {
	// URL is the endpoint events are POSTed to; empty disables the consumer
	URL string `mapstructure:"url"`
	// RetryCount is the maximum number of delivery attempts
	RetryCount int `mapstructure:"retry_count"`
	// TimeoutSeconds bounds each individual HTTP attempt
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ServerConfig controls the administrative HTTP surface
type ServerConfig struct {
	// Addr is the listen address
	Addr string `mapstructure:"addr"`
	// ShutdownTimeoutSeconds bounds graceful shutdown
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Enabled turns file logging on; when off, logs go to stderr
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty uses the config directory
	Dir string `mapstructure:"dir"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxInstances:           10,
			IdleTimeoutMinutes:     30,
			CleanupIntervalMinutes: 5,
		},
		Agent: AgentConfig{
			Command:            "claude",
			GracePeriodSeconds: 5,
			MaxBufferEntries:   200,
		},
		Chat: ChatConfig{
			Enabled:         false,
			BufferSize:      4000,
			FlushIntervalMs: 2000,
			ChunkDelayMs:    500,
		},
		Webhook: WebhookConfig{
			URL:            "",
			RetryCount:     3,
			TimeoutSeconds: 10,
		},
		Server: ServerConfig{
			Addr:                   ":8420",
			ShutdownTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
			Dir:     "",
		},
	}
}

// IdleTimeout returns the idle timeout as a time.Duration
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// CleanupInterval returns the cleanup interval as a time.Duration
func (c *PoolConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// GracePeriod returns the stop grace period as a time.Duration
func (c *AgentConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// FlushInterval returns the debounce window as a time.Duration
func (c *ChatConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// ChunkDelay returns the inter-chunk delay as a time.Duration
func (c *ChatConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// Timeout returns the per-attempt timeout as a time.Duration
func (c *WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful-shutdown bound as a time.Duration
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Pool defaults
	viper.SetDefault("pool.max_instances", defaults.Pool.MaxInstances)
	viper.SetDefault("pool.idle_timeout_minutes", defaults.Pool.IdleTimeoutMinutes)
	viper.SetDefault("pool.cleanup_interval_minutes", defaults.Pool.CleanupIntervalMinutes)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.grace_period_seconds", defaults.Agent.GracePeriodSeconds)
	viper.SetDefault("agent.max_buffer_entries", defaults.Agent.MaxBufferEntries)

	// Chat defaults
	viper.SetDefault("chat.enabled", defaults.Chat.Enabled)
	viper.SetDefault("chat.buffer_size", defaults.Chat.BufferSize)
	viper.SetDefault("chat.flush_interval_ms", defaults.Chat.FlushIntervalMs)
	viper.SetDefault("chat.chunk_delay_ms", defaults.Chat.ChunkDelayMs)

	// Webhook defaults
	viper.SetDefault("webhook.url", defaults.Webhook.URL)
	viper.SetDefault("webhook.retry_count", defaults.Webhook.RetryCount)
	viper.SetDefault("webhook.timeout_seconds", defaults.Webhook.TimeoutSeconds)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentpool")
	}
	// Fall back to ~/.config/agentpool
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentpool"
	}
	return filepath.Join(home, ".config", "agentpool")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LogDir returns the directory structured logs are written to
func (c *LoggingConfig) LogDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(ConfigDir(), "logs")
}
