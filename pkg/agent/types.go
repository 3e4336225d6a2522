package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/platepal/pkg/assistant"
)

const (
	DefaultMaxPolls           = 10
	DefaultPollInterval       = 1000 * time.Millisecond
	DefaultThrottleMultiplier = 5
	DefaultMaxThrottles       = 10
)

var (
	// ErrRunTimeout means the poll bound ran out before the run ended.
	ErrRunTimeout = errors.New("run did not complete within poll bound")
	// ErrRunFailed matches every *RunFailedError.
	ErrRunFailed = errors.New("run ended without a response")
	// ErrRunActive means another run is still in flight for the session.
	ErrRunActive = errors.New("a run is already active for this session")
)

// RunFailedError reports a run that reached failed, cancelled or expired.
type RunFailedError struct {
	RunID  string
	Status assistant.RunStatus
	Reason string
}

func (e *RunFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("run %s %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("run %s %s: %s", e.RunID, e.Status, e.Reason)
}

func (e *RunFailedError) Unwrap() error { return ErrRunFailed }

// RunRequest identifies the run to drive.
type RunRequest struct {
	UserID      string
	SessionID   string
	AgentID     string
	Temperature float64
}

// ToolDispatcher resolves one requires_action batch.
type ToolDispatcher interface {
	DispatchBatch(ctx context.Context, calls []assistant.ToolCallRequest) []assistant.ToolCallResult
}

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunStatus      EventType = "run.status"
	EventToolDispatched EventType = "tool.dispatched"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
)

// Event is a lifecycle notification for observers such as the websocket hub.
type Event struct {
	Type       EventType           `json:"type"`
	UserID     string              `json:"userId,omitempty"`
	SessionID  string              `json:"sessionId"`
	RunID      string              `json:"runId,omitempty"`
	Status     assistant.RunStatus `json:"status,omitempty"`
	Tool       string              `json:"tool,omitempty"`
	ToolCallID string              `json:"toolCallId,omitempty"`
	Messages   int                 `json:"messages,omitempty"`
	Error      string              `json:"error,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

func (ev Event) with(t EventType) Event {
	ev.Type = t
	return ev
}

// EventSink receives run events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event Event)

func (f EventSinkFunc) Publish(event Event) { f(event) }
