package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".platepal"
	configFileName = "platepal.json"
	envPrefix      = "PLATEPAL"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	homeDir    func() (string, error)
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		homeDir:    os.UserHomeDir,
	}
}

// Load reads the config file when present, then applies PLATEPAL_* environment
// overrides. OPENAI_API_KEY is honored as a fallback for the API key.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to stat config file: %w", statErr)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.applyPathDefaults(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"openai.api_key":         {"PLATEPAL_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"openai.base_url":        {"PLATEPAL_OPENAI_BASE_URL"},
		"openai.model":           {"PLATEPAL_OPENAI_MODEL"},
		"storage.backend":        {"PLATEPAL_STORAGE_BACKEND"},
		"storage.sqlite_path":    {"PLATEPAL_STORAGE_SQLITE_PATH"},
		"storage.redis.addr":     {"PLATEPAL_STORAGE_REDIS_ADDR"},
		"storage.redis.password": {"PLATEPAL_STORAGE_REDIS_PASSWORD"},
		"server.host":            {"PLATEPAL_SERVER_HOST"},
		"server.port":            {"PLATEPAL_SERVER_PORT"},
		"server.shared_secret":   {"PLATEPAL_SERVER_SHARED_SECRET"},
		"logging.level":          {"PLATEPAL_LOGGING_LEVEL"},
		"data_dir":               {"PLATEPAL_DATA_DIR"},
		"default_personality":    {"PLATEPAL_DEFAULT_PERSONALITY"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func (l *Loader) applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := l.homeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.DataDir, "platepal.db")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "platepal.log")
	}
	if cfg.AuditFile == "" {
		cfg.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	if cfg.Tracing.File == "" {
		cfg.Tracing.File = filepath.Join(cfg.DataDir, "traces.log")
	}
	return nil
}

// Save writes cfg as JSON to the config path
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("openai", cfg.OpenAI)
	v.Set("engine", cfg.Engine)
	v.Set("storage", cfg.Storage)
	v.Set("server", cfg.Server)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)
	v.Set("audit_file", cfg.AuditFile)
	v.Set("default_personality", cfg.DefaultPersonality)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := l.homeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, configFileName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
