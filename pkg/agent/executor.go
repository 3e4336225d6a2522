package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds executor configuration
type Config struct {
	Gateway    assistant.Gateway
	Dispatcher ToolDispatcher
	Logger     *zerolog.Logger
	Events     EventSink

	MaxPolls           int
	PollInterval       time.Duration
	ThrottleMultiplier int
	// MaxThrottles bounds rate-limited polls, which do not count as polls.
	MaxThrottles       int

	// Sleep replaces the poll delay, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor drives one run at a time per session from start to a terminal
// state.
type Executor struct {
	gateway    assistant.Gateway
	dispatcher ToolDispatcher
	logger     zerolog.Logger
	events     EventSink

	maxPolls           int
	pollInterval       time.Duration
	throttleMultiplier int
	maxThrottles       int
	sleep              func(ctx context.Context, d time.Duration) error

	// Active runs by session id for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// NewExecutor creates a new run executor
func NewExecutor(cfg Config) (*Executor, error) {
	observability.EnsureRegistered()

	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}

	e := &Executor{
		gateway:            cfg.Gateway,
		dispatcher:         cfg.Dispatcher,
		logger:             log.Logger,
		events:             cfg.Events,
		maxPolls:           cfg.MaxPolls,
		pollInterval:       cfg.PollInterval,
		throttleMultiplier: cfg.ThrottleMultiplier,
		maxThrottles:       cfg.MaxThrottles,
		sleep:              cfg.Sleep,
		activeRuns:         make(map[string]context.CancelFunc),
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	}
	if e.maxPolls <= 0 {
		e.maxPolls = DefaultMaxPolls
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.throttleMultiplier <= 0 {
		e.throttleMultiplier = DefaultThrottleMultiplier
	}
	if e.maxThrottles <= 0 {
		e.maxThrottles = DefaultMaxThrottles
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

// Execute starts a run on the session and polls it to a terminal state,
// resolving tool calls along the way. On completion it returns the
// assistant messages the run produced. Any other outcome returns an error
// and no messages.
func (e *Executor) Execute(ctx context.Context, req RunRequest) ([]assistant.Message, error) {
	if req.SessionID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("session id and agent id are required")
	}

	runCtx, release, err := e.acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx = tracing.WithSessionID(runCtx, req.SessionID)
	runCtx = tracing.WithAgentID(runCtx, req.AgentID)
	runCtx, span := tracing.StartSpan(runCtx, "platepal.agent", "agent.execute",
		attribute.String("session_id", req.SessionID),
		attribute.String("agent_id", req.AgentID))
	defer span.End()

	start := time.Now()
	msgs, polls, status, err := e.drive(runCtx, req)
	observability.RecordRun(status, time.Since(start), polls)
	span.SetAttributes(attribute.Int("polls", polls), attribute.String("outcome", status))
	if err != nil {
		tracing.FailSpan(span, err)
	}
	return msgs, err
}

func (e *Executor) drive(ctx context.Context, req RunRequest) ([]assistant.Message, int, string, error) {
	logger := tracing.LoggerFromContext(ctx, e.logger)
	base := Event{UserID: req.UserID, SessionID: req.SessionID}

	runID, err := e.gateway.StartRun(ctx, req.SessionID, req.AgentID, req.Temperature)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start run")
		return nil, 0, "error", e.failed(base, fmt.Errorf("failed to start run: %w", err))
	}

	ctx = tracing.WithRunID(ctx, runID)
	logger = tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().Float64("temperature", req.Temperature).Msg("Run started")
	base.RunID = runID
	e.publish(base.with(EventRunStarted))

	var last assistant.RunStatus
	polls, throttles := 0, 0
	for polls < e.maxPolls {
		state, err := e.gateway.PollRun(ctx, req.SessionID, runID)
		if err != nil {
			if !assistant.IsRateLimited(err) {
				logger.Error().Err(err).Int("polls", polls).Msg("Run poll failed")
				return nil, polls, "error", e.failed(base, fmt.Errorf("failed to poll run: %w", err))
			}
			throttles++
			if throttles > e.maxThrottles {
				break
			}
			backoff := e.pollInterval * time.Duration(e.throttleMultiplier)
			logger.Warn().Dur("backoff", backoff).Int("throttles", throttles).Msg("Run poll throttled")
			observability.RecordRunThrottled()
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, polls, "error", e.failed(base, err)
			}
			continue
		}
		polls++

		if state.Status != last {
			last = state.Status
			logger.Debug().Str("status", string(state.Status)).Int("polls", polls).Msg("Run status changed")
			ev := base.with(EventRunStatus)
			ev.Status = state.Status
			e.publish(ev)
		}

		switch {
		case state.Status == assistant.RunCompleted:
			msgs, err := e.collect(ctx, req.SessionID, runID)
			if err != nil {
				return nil, polls, "error", e.failed(base, err)
			}
			logger.Info().Int("polls", polls).Int("messages", len(msgs)).Msg("Run completed")
			ev := base.with(EventRunCompleted)
			ev.Status = state.Status
			ev.Messages = len(msgs)
			e.publish(ev)
			return msgs, polls, "completed", nil

		case state.Status.Terminal():
			logger.Warn().Str("status", string(state.Status)).Str("reason", state.LastError).Msg("Run ended without a response")
			runErr := &RunFailedError{RunID: runID, Status: state.Status, Reason: state.LastError}
			return nil, polls, string(state.Status), e.failed(base, runErr)

		case state.Status == assistant.RunRequiresAction:
			if err := e.resolveToolCalls(ctx, req, runID, state.PendingToolCalls); err != nil {
				return nil, polls, "error", e.failed(base, err)
			}
			continue
		}

		if polls < e.maxPolls {
			if err := e.sleep(ctx, e.pollInterval); err != nil {
				return nil, polls, "error", e.failed(base, err)
			}
		}
	}

	logger.Warn().Int("polls", polls).Int("throttles", throttles).Str("status", string(last)).Msg("Run timed out")
	return nil, polls, "timeout", e.failed(base, fmt.Errorf("run %s after %d polls: %w", runID, polls, ErrRunTimeout))
}

func (e *Executor) failed(base Event, err error) error {
	ev := base.with(EventRunFailed)
	ev.Error = err.Error()
	e.publish(ev)
	return err
}

// resolveToolCalls dispatches the whole pending batch and submits every
// result in a single call.
func (e *Executor) resolveToolCalls(ctx context.Context, req RunRequest, runID string, calls []assistant.ToolCallRequest) error {
	logger := tracing.LoggerFromContext(ctx, e.logger)

	toolCtx := toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		RunID:     runID,
	})
	results := e.dispatcher.DispatchBatch(toolCtx, calls)

	for _, call := range calls {
		e.publish(Event{
			Type:       EventToolDispatched,
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			RunID:      runID,
			Tool:       call.Name,
			ToolCallID: call.ID,
		})
	}

	if err := e.gateway.SubmitToolResults(ctx, req.SessionID, runID, results); err != nil {
		logger.Error().Err(err).Int("results", len(results)).Msg("Failed to submit tool results")
		return fmt.Errorf("failed to submit tool results: %w", err)
	}

	logger.Info().Int("results", len(results)).Msg("Tool results submitted")
	return nil
}

// collect lists the run's messages oldest first and keeps assistant text.
func (e *Executor) collect(ctx context.Context, sessionID, runID string) ([]assistant.Message, error) {
	listed, err := e.gateway.ListMessages(ctx, sessionID, assistant.ListOptions{
		Order: assistant.OrderAsc,
		RunID: runID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list run messages: %w", err)
	}

	msgs := make([]assistant.Message, 0, len(listed))
	for _, m := range listed {
		if m.Role != assistant.RoleAssistant || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// acquire registers the session's run or fails with ErrRunActive.
func (e *Executor) acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	if _, exists := e.activeRuns[sessionID]; exists {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrRunActive)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.activeRuns[sessionID] = cancel

	release := func() {
		cancel()
		e.runsMu.Lock()
		delete(e.activeRuns, sessionID)
		e.runsMu.Unlock()
	}
	return runCtx, release, nil
}

// Abort cancels the in-flight run of a session, if any
func (e *Executor) Abort(sessionID string) bool {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	cancel, exists := e.activeRuns[sessionID]
	if !exists {
		e.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return false
	}

	e.logger.Info().Str("session_id", sessionID).Msg("Aborting run")
	cancel()
	return true
}

// IsRunning checks if a run is currently active for a session
func (e *Executor) IsRunning(sessionID string) bool {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	_, exists := e.activeRuns[sessionID]
	return exists
}

func (e *Executor) publish(ev Event) {
	if e.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.events.Publish(ev)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRunFailure reports whether err means the turn produced no usable answer
// because of the run itself, as opposed to a transport problem.
func IsRunFailure(err error) bool {
	return errors.Is(err, ErrRunFailed) || errors.Is(err, ErrRunTimeout)
}
