package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/conductor/pkg/engine"
)

// Config holds all application configuration for the Conductor service.
// It is loaded from ~/.conductor/config.yaml and can be overridden by
// environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Agents  AgentsConfig  `mapstructure:"agents" yaml:"agents"`
	A2A     A2AConfig     `mapstructure:"a2a" yaml:"a2a"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address (default: 127.0.0.1)
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the HTTP port (default: 8700)
	Port int `mapstructure:"port" yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown (e.g. "10s")
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	// QualityThreshold is the minimum acceptable critique score (0, 1]
	QualityThreshold float64 `mapstructure:"quality_threshold" yaml:"quality_threshold"`
	// MaxQualityRetries bounds quality-loop re-entries per session (0 disables the loop)
	MaxQualityRetries int `mapstructure:"max_quality_retries" yaml:"max_quality_retries"`
	// SessionTimeout is the wall-clock budget per session (e.g. "5m")
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	// Retention is how long terminal sessions stay pollable (e.g. "10m")
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// MaxSessions caps concurrently tracked sessions
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
	// MaxFileSizeBytes caps attachment size
	MaxFileSizeBytes int64 `mapstructure:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	// EventBuffer is the per-session replay buffer length
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
	// SubscriberBuffer is the per-subscriber channel capacity
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	// LenientValidation defers broken plan templates to submit time
	// instead of failing startup
	LenientValidation bool `mapstructure:"lenient_validation" yaml:"lenient_validation"`
}

// StorageConfig selects where transcripts are persisted.
type StorageConfig struct {
	// Backend is "sqlite", "redis", "both", or "none"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DataDir holds the SQLite database (default: ~/.conductor)
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Redis configures the transcript stream export
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig contains Redis connection settings for the transcript stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// Stream is the Redis Stream name transcripts are appended to
	Stream string `mapstructure:"stream" yaml:"stream"`
	// MaxLen caps the stream length (approximate trim)
	MaxLen int64 `mapstructure:"max_len" yaml:"max_len"`
}

// AgentsConfig tunes the builtin capability providers.
type AgentsConfig struct {
	// Timeouts overrides per-capability stage timeouts, keyed by
	// capability name (e.g. research-topic: "30s")
	Timeouts map[string]time.Duration `mapstructure:"timeouts" yaml:"timeouts,omitempty"`
}

// A2AConfig controls the agent-to-agent protocol endpoint.
type A2AConfig struct {
	// Enabled mounts the A2A JSON-RPC handler and agent card
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file; empty logs to stderr only
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Pretty enables human-readable console output instead of JSON
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".conductor")

	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8700,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			QualityThreshold:  engine.DefaultQualityThreshold,
			MaxQualityRetries: engine.DefaultMaxQualityRetries,
			SessionTimeout:    engine.DefaultSessionTimeout,
			Retention:         engine.DefaultRetention,
			MaxSessions:       engine.DefaultMaxSessions,
			MaxFileSizeBytes:  engine.DefaultMaxFileSize,
			EventBuffer:       engine.DefaultEventBuffer,
			SubscriberBuffer:  engine.DefaultSubscriberBuffer,
			LenientValidation: false,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: dataDir,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				DB:     0,
				Stream: "conductor:transcripts",
				MaxLen: 4096,
			},
		},
		Agents: AgentsConfig{},
		A2A: A2AConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "logs", "conductor.log"),
			Pretty: false,
		},
	}
}

// Load reads configuration from the default location
// (~/.conductor/config.yaml) and merges with environment variables.
// If no config file exists, it creates one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges
// with environment variables. If the file doesn't exist, it creates one
// with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: CONDUCTOR_ENGINE_QUALITY_THRESHOLD=0.7
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values with defaults so a sparse config file
// still yields a runnable service.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Engine.QualityThreshold == 0 {
		c.Engine.QualityThreshold = defaults.Engine.QualityThreshold
	}
	if c.Engine.SessionTimeout == 0 {
		c.Engine.SessionTimeout = defaults.Engine.SessionTimeout
	}
	if c.Engine.Retention == 0 {
		c.Engine.Retention = defaults.Engine.Retention
	}
	if c.Engine.MaxSessions == 0 {
		c.Engine.MaxSessions = defaults.Engine.MaxSessions
	}
	if c.Engine.MaxFileSizeBytes == 0 {
		c.Engine.MaxFileSizeBytes = defaults.Engine.MaxFileSizeBytes
	}
	if c.Engine.EventBuffer == 0 {
		c.Engine.EventBuffer = defaults.Engine.EventBuffer
	}
	if c.Engine.SubscriberBuffer == 0 {
		c.Engine.SubscriberBuffer = defaults.Engine.SubscriberBuffer
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaults.Storage.DataDir
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = defaults.Storage.Redis.Addr
	}
	if c.Storage.Redis.Stream == "" {
		c.Storage.Redis.Stream = defaults.Storage.Redis.Stream
	}
	if c.Storage.Redis.MaxLen == 0 {
		c.Storage.Redis.MaxLen = defaults.Storage.Redis.MaxLen
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// EnsureDirectories creates all directories the service writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Engine.QualityThreshold <= 0 || c.Engine.QualityThreshold > 1 {
		return fmt.Errorf("engine.quality_threshold must be in (0, 1], got %v", c.Engine.QualityThreshold)
	}

	if c.Engine.MaxQualityRetries < 0 {
		return fmt.Errorf("engine.max_quality_retries cannot be negative")
	}

	if c.Engine.SessionTimeout <= 0 {
		return fmt.Errorf("engine.session_timeout must be positive")
	}

	if c.Engine.Retention <= 0 {
		return fmt.Errorf("engine.retention must be positive")
	}

	validBackends := map[string]bool{"sqlite": true, "redis": true, "both": true, "none": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage.backend '%s', must be one of: sqlite, redis, both, none", c.Storage.Backend)
	}

	if (c.Storage.Backend == "redis" || c.Storage.Backend == "both") && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr required for backend '%s'", c.Storage.Backend)
	}

	for name, timeout := range c.Agents.Timeouts {
		if timeout <= 0 {
			return fmt.Errorf("agents.timeouts.%s must be positive", name)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
