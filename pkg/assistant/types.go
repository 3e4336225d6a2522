package assistant

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation transcript.
type Message struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	RunID         string    `json:"runId,omitempty"`
}

// NewLocalMessage builds a message that has not come from the remote service.
func NewLocalMessage(role Role, content, attachmentURL string, now time.Time) Message {
	id, err := gonanoid.New()
	if err != nil {
		id = now.Format("20060102150405.000000000")
	}
	return Message{
		ID:            "local_" + id,
		Role:          role,
		Content:       content,
		Timestamp:     now,
		AttachmentURL: attachmentURL,
	}
}

// RunStatus is the lifecycle state of one inference cycle.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// RunState is a snapshot returned by a status poll.
type RunState struct {
	RunID            string
	Status           RunStatus
	PendingToolCalls []ToolCallRequest
	LastError        string
}

// ToolCallRequest is a model-issued request to invoke a local capability.
// Args is nil when RawArgs is not a JSON object.
type ToolCallRequest struct {
	ID      string
	Name    string
	Args    map[string]interface{}
	RawArgs string
}

// ToolCallResult answers exactly one ToolCallRequest.
type ToolCallResult struct {
	ID     string
	Output string
}

// FunctionTool describes a capability the remote agent may call.
type FunctionTool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// AgentProfileSpec is everything needed to create a remote agent.
type AgentProfileSpec struct {
	Name         string
	Instructions string
	Model        string
	Temperature  float64
	Tools        []FunctionTool
}

// SortOrder selects message listing order.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// ListOptions filters ListMessages.
type ListOptions struct {
	Order SortOrder
	RunID string
	Limit int
}

// AudioInput is a recorded voice note awaiting transcription.
type AudioInput struct {
	Data     []byte
	Filename string
	MIMEType string
}
