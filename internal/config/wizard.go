package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harun/platepal/pkg/personality"
)

// Wizard walks a user through creating a config file
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for each setting, starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== platepal configuration ===")
	fmt.Fprintln(w.out)

	for {
		key, err := w.ask("OpenAI API Key", maskKey(cfg.OpenAI.APIKey))
		if err != nil {
			return nil, err
		}
		if key == maskKey(cfg.OpenAI.APIKey) && cfg.OpenAI.APIKey != "" {
			break
		}
		if err := validator.ValidateAPIKey(key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.OpenAI.APIKey = key
		break
	}

	model, err := w.ask("Model", cfg.OpenAI.Model)
	if err != nil {
		return nil, err
	}
	cfg.OpenAI.Model = model

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Coach personalities:")
	for _, p := range personality.All() {
		fmt.Fprintf(w.out, "  %-20s %s\n", p.Key, p.DisplayName)
	}
	for {
		key, err := w.ask("Default personality", cfg.DefaultPersonality)
		if err != nil {
			return nil, err
		}
		if _, err := personality.Lookup(key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.DefaultPersonality = key
		break
	}

	for {
		backend, err := w.ask("Storage backend (sqlite/redis/memory)", cfg.Storage.Backend)
		if err != nil {
			return nil, err
		}
		cfg.Storage.Backend = strings.ToLower(backend)
		if cfg.Storage.Backend == "redis" {
			addr, err := w.ask("Redis address", cfg.Storage.Redis.Addr)
			if err != nil {
				return nil, err
			}
			cfg.Storage.Redis.Addr = addr
		}
		probe := cfg.Storage
		if probe.Backend == "sqlite" && probe.SQLitePath == "" {
			probe.SQLitePath = "platepal.db"
		}
		if err := validator.ValidateStorage(probe); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		break
	}

	for {
		raw, err := w.ask("HTTP port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		port, convErr := strconv.Atoi(raw)
		if convErr == nil {
			convErr = validator.ValidatePort(port)
		}
		if convErr != nil {
			fmt.Fprintf(w.out, "Error: %v\n", convErr)
			continue
		}
		cfg.Server.Port = port
		break
	}

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prints a prompt and returns the answer, or def on an empty line.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return ""
	}
	return key[:3] + "..." + key[len(key)-4:]
}
