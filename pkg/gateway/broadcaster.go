package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/platepal/pkg/agent"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes events to websocket clients. It implements
// agent.EventSink so run lifecycle events reach the user who started the run.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an untyped event to every client.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg to every client, filling type, sequence and time.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	b.send(b.clients.GetAll(), b.stamp(msg))
}

// SendToUser sends msg to the clients subscribed to userID.
func (b *EventBroadcaster) SendToUser(userID string, msg EventMessage) {
	b.send(b.clients.ForUser(userID), b.stamp(msg))
}

// SendToClient sends msg to a single connection.
func (b *EventBroadcaster) SendToClient(client *Client, msg EventMessage) {
	b.send([]*Client{client}, b.stamp(msg))
}

// Publish forwards a run lifecycle event to its user's clients.
func (b *EventBroadcaster) Publish(ev agent.Event) {
	if ev.UserID == "" {
		return
	}
	b.SendToUser(ev.UserID, EventMessage{
		Event:     string(ev.Type),
		Stream:    streamFor(ev.Type),
		Phase:     phaseFor(ev),
		Data:      ev,
		Timestamp: ev.Timestamp.UnixMilli(),
		RunID:     ev.RunID,
		SessionID: ev.SessionID,
	})
}

func streamFor(t agent.EventType) StreamType {
	if t == agent.EventToolDispatched {
		return StreamTypeTool
	}
	return StreamTypeRun
}

func phaseFor(ev agent.Event) string {
	switch ev.Type {
	case agent.EventRunStarted:
		return "start"
	case agent.EventRunStatus:
		return string(ev.Status)
	case agent.EventRunFailed:
		return "error"
	default:
		return "end"
	}
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

func (b *EventBroadcaster) send(clients []*Client, msg EventMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No clients to send event to")
		return
	}

	successCount, failureCount := 0, 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to send event to client")
			failureCount++
			continue
		}
		successCount++
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Str("phase", msg.Phase).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event delivered")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

var _ agent.EventSink = (*EventBroadcaster)(nil)
