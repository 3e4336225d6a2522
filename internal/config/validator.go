package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an OpenAI API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("openai API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateEngine checks retry and polling bounds
func (v *Validator) ValidateEngine(e EngineConfig) error {
	if e.RetryAttempts < 1 {
		return fmt.Errorf("engine.retry_attempts must be at least 1")
	}
	if e.RetryInitialDelayMs < 0 {
		return fmt.Errorf("engine.retry_initial_delay_ms cannot be negative")
	}
	if e.RetryMultiplier < 1 {
		return fmt.Errorf("engine.retry_multiplier must be >= 1")
	}
	if e.MaxPolls < 1 {
		return fmt.Errorf("engine.max_polls must be at least 1")
	}
	if e.PollIntervalMs <= 0 {
		return fmt.Errorf("engine.poll_interval_ms must be positive")
	}
	if e.ThrottleMultiplier < 1 {
		return fmt.Errorf("engine.throttle_multiplier must be at least 1")
	}
	if e.MaxThrottles < 0 {
		return fmt.Errorf("engine.max_throttles cannot be negative")
	}
	if e.ToolTimeoutSec <= 0 {
		return fmt.Errorf("engine.tool_timeout_sec must be positive")
	}
	if e.IdleTimeoutMin < 0 {
		return fmt.Errorf("engine.idle_timeout_min cannot be negative")
	}
	return nil
}

// ValidateStorage checks the selected backend has what it needs
func (v *Validator) ValidateStorage(s StorageConfig) error {
	switch s.Backend {
	case "memory":
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		if s.Redis.DB < 0 {
			return fmt.Errorf("storage.redis.db cannot be negative")
		}
	default:
		return fmt.Errorf("invalid storage backend %q (must be: sqlite, redis, memory)", s.Backend)
	}
	return nil
}

// ValidatePort validates a port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be: debug, info, warn, error)", level)
}
