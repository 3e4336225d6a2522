package assistant

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	// ErrNotFound marks a session, run or agent the remote service does not know.
	ErrNotFound = errors.New("remote resource not found")
	// ErrRateLimited marks a throttled remote call.
	ErrRateLimited = errors.New("remote service rate limited")
)

// Gateway is the remote agent protocol used by the conversation engine.
type Gateway interface {
	CreateAgentProfile(ctx context.Context, spec AgentProfileSpec) (string, error)
	CreateSession(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, sessionID, text, attachmentURL string) error
	StartRun(ctx context.Context, sessionID, agentID string, temperature float64) (string, error)
	PollRun(ctx context.Context, sessionID, runID string) (RunState, error)
	SubmitToolResults(ctx context.Context, sessionID, runID string, results []ToolCallResult) error
	ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]Message, error)
	TranscribeAudio(ctx context.Context, audio AudioInput) (string, error)
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return statusCode(err) == http.StatusTooManyRequests
}

// IsNotFound reports whether err says the remote resource does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
