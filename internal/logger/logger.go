package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger owns the process log outputs and installs itself as log.Logger.
type Logger struct {
	logger   zerolog.Logger
	file     *lumberjack.Logger
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	File       string // log file path, empty disables file output
	Console    bool
	Pretty     bool
	Redaction  bool
	MaxSize    int // MB before rotation
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// New builds the logger and sets it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var consoleWriter io.Writer = os.Stdout
		if cfg.Pretty {
			consoleWriter = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, consoleWriter)
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{
		logger:   logger,
		file:     file,
		redactor: redactor,
	}, nil
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
	}
}
