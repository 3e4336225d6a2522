package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies the kind of event pushed to websocket clients.
type StreamType string

const (
	StreamTypeTool      StreamType = "tool"
	StreamTypeRun       StreamType = "run"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// EventMessage is a server-initiated websocket frame.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Phase     string      `json:"phase,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// ClientInfo describes a connected websocket client.
type ClientInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is one websocket connection subscribed to a user's run events.
type Client struct {
	ID           string
	UserID       string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteMessage serializes writes; a websocket connection allows one writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(messageType, data)
}

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}
