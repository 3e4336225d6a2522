package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/platepal/internal/config"
	"github.com/harun/platepal/internal/database"
	"github.com/harun/platepal/internal/logger"
	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/commandqueue"
	"github.com/harun/platepal/pkg/nutrition"
	"github.com/harun/platepal/pkg/profile"
	"github.com/harun/platepal/pkg/retry"
	"github.com/harun/platepal/pkg/session"
	"github.com/harun/platepal/pkg/toolexecutor"
	"github.com/harun/platepal/pkg/transcript"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app is the wired conversation engine shared by every command.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *sql.DB
	redis   *redis.Client
	queue   *commandqueue.CommandQueue
	cache   *transcript.Cache
	manager *session.Manager
	journal *nutrition.Journal
}

type appOptions struct {
	// console enables human-readable log output on stdout.
	console bool
	// events receives run lifecycle events, e.g. the websocket broadcaster.
	events agent.EventSink
}

// gatewayOverride replaces the OpenAI gateway when set. Tests use it.
var gatewayOverride assistant.Gateway

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.log, err = logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    opts.console,
		Pretty:     true,
		Redaction:  cfg.Logging.Redaction,
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: 5,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.log.Zerolog()

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName:    "platepal",
			ServiceVersion: version,
			TraceFile:      cfg.Tracing.File,
		}); err != nil {
			zl.Warn().Err(err).Msg("Tracing disabled")
		}
	}
	if cfg.AuditFile != "" {
		if err := initAudit(cfg.AuditFile); err != nil {
			zl.Warn().Err(err).Str("path", cfg.AuditFile).Msg("Audit log falls back to stderr")
		}
	}

	dbPath := cfg.Storage.SQLitePath
	if cfg.Storage.Backend == "memory" {
		dbPath = ":memory:"
	}
	a.db, err = database.Open(dbPath)
	if err != nil {
		return nil, err
	}

	kv, err := a.openKV(ctx)
	if err != nil {
		return nil, err
	}
	a.cache, err = transcript.NewCache(kv)
	if err != nil {
		return nil, err
	}

	profiles, err := profile.NewSQLiteStore(a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	a.journal, err = nutrition.NewJournal(a.db)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	tools := toolexecutor.New(toolexecutor.WithTimeout(cfg.Engine.ToolTimeout()))
	if err := nutrition.RegisterTools(tools, a.journal); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	gateway := gatewayOverride
	if gateway == nil {
		remote, err := assistant.NewOpenAIGateway(assistant.OpenAIConfig{
			APIKey:             cfg.OpenAI.APIKey,
			BaseURL:            cfg.OpenAI.BaseURL,
			Model:              cfg.OpenAI.Model,
			TranscriptionModel: cfg.OpenAI.TranscriptionModel,
			RequestTimeout:     time.Duration(cfg.OpenAI.RequestTimeoutSec) * time.Second,
			Logger:             &zl,
		})
		if err != nil {
			return nil, err
		}
		gateway = assistant.NewRetryingGateway(remote, retry.Policy{
			MaxAttempts:  cfg.Engine.RetryAttempts,
			InitialDelay: cfg.Engine.RetryInitialDelay(),
			Multiplier:   cfg.Engine.RetryMultiplier,
		})
	}

	executor, err := agent.NewExecutor(agent.Config{
		Gateway:            gateway,
		Dispatcher:         tools,
		Logger:             &zl,
		Events:             opts.events,
		MaxPolls:           cfg.Engine.MaxPolls,
		PollInterval:       cfg.Engine.PollInterval(),
		ThrottleMultiplier: cfg.Engine.ThrottleMultiplier,
		MaxThrottles:       cfg.Engine.MaxThrottles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run executor: %w", err)
	}

	a.queue = commandqueue.New()
	a.manager, err = session.NewManager(session.Config{
		Gateway:            gateway,
		Runner:             executor,
		Tools:              tools,
		Profiles:           profiles,
		Cache:              a.cache,
		Queue:              a.queue,
		Eraser:             a.journal,
		Model:              cfg.OpenAI.Model,
		DefaultPersonality: cfg.DefaultPersonality,
		WarnAfter:          30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	zl.Debug().
		Str("storage", cfg.Storage.Backend).
		Str("model", cfg.OpenAI.Model).
		Int("tools", tools.GetToolCount()).
		Msg("Conversation engine ready")
	return a, nil
}

func initAudit(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return observability.InitAuditLogger(path)
}

func (a *app) openKV(ctx context.Context) (transcript.KVStore, error) {
	switch a.cfg.Storage.Backend {
	case "memory":
		return transcript.NewMemoryStore(), nil
	case "redis":
		client, err := transcript.NewRedisClient(ctx, transcript.RedisConfig{
			Addr:     a.cfg.Storage.Redis.Addr,
			Password: a.cfg.Storage.Redis.Password,
			DB:       a.cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		return transcript.NewRedisStore(client, a.cfg.Storage.Redis.Prefix)
	default:
		return transcript.NewSQLiteStore(a.db)
	}
}

func (a *app) zlog() zerolog.Logger {
	if a.log == nil {
		return zerolog.Nop()
	}
	return a.log.Zerolog()
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = observability.GetAuditLogger().Close()
	_ = tracing.ShutdownOpenTelemetry(context.Background())
	if a.log != nil {
		_ = a.log.Close()
	}
}
