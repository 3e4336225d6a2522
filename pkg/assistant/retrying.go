package assistant

import (
	"context"

	"github.com/harun/platepal/pkg/retry"
)

// RetryingGateway wraps every call except TranscribeAudio in exponential
// backoff. Not-found errors are returned at once. A rate-limited PollRun is
// also returned at once so the run executor applies its throttle backoff.
type RetryingGateway struct {
	next   Gateway
	policy retry.Policy
	opts   []retry.Option
}

// NewRetryingGateway decorates next with policy. Extra options (for example
// a test sleeper) apply to every call.
func NewRetryingGateway(next Gateway, policy retry.Policy, opts ...retry.Option) *RetryingGateway {
	return &RetryingGateway{next: next, policy: policy, opts: opts}
}

func (g *RetryingGateway) options(operation string) []retry.Option {
	return g.optionsIf(operation, func(err error) bool { return !IsNotFound(err) })
}

func (g *RetryingGateway) optionsIf(operation string, retryIf func(err error) bool) []retry.Option {
	opts := []retry.Option{
		retry.WithPolicy(g.policy),
		retry.WithOperation(operation),
		retry.WithRetryIf(retryIf),
	}
	return append(opts, g.opts...)
}

func (g *RetryingGateway) CreateAgentProfile(ctx context.Context, spec AgentProfileSpec) (string, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (string, error) {
		return g.next.CreateAgentProfile(ctx, spec)
	}, g.options("create_agent_profile")...)
}

func (g *RetryingGateway) CreateSession(ctx context.Context) (string, error) {
	return retry.DoValue(ctx, g.next.CreateSession, g.options("create_session")...)
}

func (g *RetryingGateway) AppendMessage(ctx context.Context, sessionID, text, attachmentURL string) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		return g.next.AppendMessage(ctx, sessionID, text, attachmentURL)
	}, g.options("append_message")...)
}

func (g *RetryingGateway) StartRun(ctx context.Context, sessionID, agentID string, temperature float64) (string, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (string, error) {
		return g.next.StartRun(ctx, sessionID, agentID, temperature)
	}, g.options("start_run")...)
}

func (g *RetryingGateway) PollRun(ctx context.Context, sessionID, runID string) (RunState, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (RunState, error) {
		return g.next.PollRun(ctx, sessionID, runID)
	}, g.optionsIf("poll_run", func(err error) bool {
		return !IsNotFound(err) && !IsRateLimited(err)
	})...)
}

func (g *RetryingGateway) SubmitToolResults(ctx context.Context, sessionID, runID string, results []ToolCallResult) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		return g.next.SubmitToolResults(ctx, sessionID, runID, results)
	}, g.options("submit_tool_results")...)
}

func (g *RetryingGateway) ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]Message, error) {
	return retry.DoValue(ctx, func(ctx context.Context) ([]Message, error) {
		return g.next.ListMessages(ctx, sessionID, opts)
	}, g.options("list_messages")...)
}

// TranscribeAudio is attempted once.
func (g *RetryingGateway) TranscribeAudio(ctx context.Context, audio AudioInput) (string, error) {
	return g.next.TranscribeAudio(ctx, audio)
}
