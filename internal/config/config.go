package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the platepal service configuration
type Config struct {
	OpenAI  OpenAIConfig  `json:"openai" mapstructure:"openai"`
	Engine  EngineConfig  `json:"engine" mapstructure:"engine"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	DataDir            string `json:"data_dir" mapstructure:"data_dir"`
	AuditFile          string `json:"audit_file" mapstructure:"audit_file"`
	DefaultPersonality string `json:"default_personality" mapstructure:"default_personality"`
}

// OpenAIConfig holds credentials and models for the assistant backend
type OpenAIConfig struct {
	APIKey             string `json:"api_key" mapstructure:"api_key"`
	BaseURL            string `json:"base_url" mapstructure:"base_url"`
	Model              string `json:"model" mapstructure:"model"`
	TranscriptionModel string `json:"transcription_model" mapstructure:"transcription_model"`
	RequestTimeoutSec  int    `json:"request_timeout_sec" mapstructure:"request_timeout_sec"`
}

// EngineConfig tunes retries and run polling
type EngineConfig struct {
	RetryAttempts       int     `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms" mapstructure:"retry_initial_delay_ms"`
	RetryMultiplier     float64 `json:"retry_multiplier" mapstructure:"retry_multiplier"`
	MaxPolls            int     `json:"max_polls" mapstructure:"max_polls"`
	PollIntervalMs      int     `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ThrottleMultiplier  int     `json:"throttle_multiplier" mapstructure:"throttle_multiplier"`
	MaxThrottles        int     `json:"max_throttles" mapstructure:"max_throttles"`
	ToolTimeoutSec      int     `json:"tool_timeout_sec" mapstructure:"tool_timeout_sec"`
	IdleTimeoutMin      int     `json:"idle_timeout_min" mapstructure:"idle_timeout_min"`
}

// StorageConfig selects the key-value backend for transcripts
type StorageConfig struct {
	Backend    string      `json:"backend" mapstructure:"backend"` // sqlite, redis, memory
	SQLitePath string      `json:"sqlite_path" mapstructure:"sqlite_path"`
	Redis      RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickIntervalSec   int    `json:"tick_interval_sec" mapstructure:"tick_interval_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			Model:              "gpt-4o",
			TranscriptionModel: "whisper-1",
			RequestTimeoutSec:  60,
		},
		Engine: EngineConfig{
			RetryAttempts:       3,
			RetryInitialDelayMs: 1000,
			RetryMultiplier:     1.5,
			MaxPolls:            10,
			PollIntervalMs:      1000,
			ThrottleMultiplier:  5,
			MaxThrottles:        10,
			ToolTimeoutSec:      30,
			IdleTimeoutMin:      30,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "platepal:",
			},
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
			TickIntervalSec:   30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		DefaultPersonality: "best-friend",
	}
}

func (e EngineConfig) RetryInitialDelay() time.Duration {
	return time.Duration(e.RetryInitialDelayMs) * time.Millisecond
}

func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

func (e EngineConfig) ToolTimeout() time.Duration {
	return time.Duration(e.ToolTimeoutSec) * time.Second
}

func (e EngineConfig) IdleTimeout() time.Duration {
	return time.Duration(e.IdleTimeoutMin) * time.Minute
}

func (s ServerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSec) * time.Second
}

// Addr returns host:port for the HTTP listener
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = "***"
	}
	if masked.Server.SharedSecret != "" {
		masked.Server.SharedSecret = "***"
	}
	if masked.Storage.Redis.Password != "" {
		masked.Storage.Redis.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateAPIKey(c.OpenAI.APIKey); err != nil {
		return err
	}
	if c.OpenAI.Model == "" {
		return fmt.Errorf("openai model is required")
	}
	if err := v.ValidateEngine(c.Engine); err != nil {
		return err
	}
	if err := v.ValidateStorage(c.Storage); err != nil {
		return err
	}
	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}
