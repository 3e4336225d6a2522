package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail. Actions that destroy or rebind
// user data are recorded here in addition to the regular log.
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // user id, or "cli"
	Action    string                 `json:"action"`          // e.g. "conversation.wipe"
	Status    string                 `json:"status"`          // "success" or "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger. Before InitAuditLogger it
// writes to stderr.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at an append-only file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// SetAuditLogger replaces the global audit logger. Used by tests.
func SetAuditLogger(logger *AuditLogger) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = logger
}

// NewAuditLogger wraps an existing zerolog logger.
func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// Record writes event and mirrors it as a span event when ctx carries a span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordDataAudit records an action on a user's conversation data.
func RecordDataAudit(ctx context.Context, action, userID string, err error, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "data",
		Actor:    userID,
		Action:   action,
		Status:   auditStatus(err),
		Metadata: withAuditError(metadata, err),
	})
}

// RecordConfigAudit records a configuration change.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

func auditStatus(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func withAuditError(metadata map[string]interface{}, err error) map[string]interface{} {
	if err == nil {
		return metadata
	}
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
