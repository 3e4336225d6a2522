package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/commandqueue"
	"github.com/harun/platepal/pkg/personality"
	"github.com/harun/platepal/pkg/profile"
	"github.com/harun/platepal/pkg/transcript"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNoReply wraps every failure that left a sent message unanswered.
	ErrNoReply = errors.New("could not get a response")
	// ErrEmptyMessage rejects a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("message text or attachment is required")
	// ErrUserRequired rejects operations without a user id.
	ErrUserRequired = errors.New("user id is required")
)

// Runner drives one inference cycle for a session.
type Runner interface {
	Execute(ctx context.Context, req agent.RunRequest) ([]assistant.Message, error)
	Abort(sessionID string) bool
}

// ToolCatalog lists the capabilities new agent profiles are created with.
type ToolCatalog interface {
	Definitions() []assistant.FunctionTool
}

// UserDataEraser removes user data held outside the conversation engine.
type UserDataEraser interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Conversation is a snapshot of one user's bound session.
type Conversation struct {
	UserID         string              `json:"userId"`
	SessionID      string              `json:"sessionId"`
	AgentID        string              `json:"agentId"`
	PersonalityKey string              `json:"personality"`
	CreatedAt      time.Time           `json:"createdAt"`
	Messages       []assistant.Message `json:"messages"`
}

func (c *Conversation) snapshot() *Conversation {
	out := *c
	out.Messages = append([]assistant.Message(nil), c.Messages...)
	return &out
}

// appendOrdered returns msgs followed by add without touching msgs. An added
// message stamped before its predecessor takes the predecessor's timestamp.
func appendOrdered(msgs []assistant.Message, add ...assistant.Message) []assistant.Message {
	out := make([]assistant.Message, len(msgs), len(msgs)+len(add))
	copy(out, msgs)
	for _, msg := range add {
		if n := len(out); n > 0 && msg.Timestamp.Before(out[n-1].Timestamp) {
			msg.Timestamp = out[n-1].Timestamp
		}
		out = append(out, msg)
	}
	return out
}

func (c *Conversation) record() transcript.SessionRecord {
	return transcript.SessionRecord{
		SessionID:      c.SessionID,
		AgentID:        c.AgentID,
		PersonalityKey: c.PersonalityKey,
		CreatedAt:      c.CreatedAt,
	}
}

type loaded struct {
	conv     *Conversation
	lastUsed time.Time
}

// Config wires a Manager to its collaborators.
type Config struct {
	Gateway  assistant.Gateway
	Runner   Runner
	Tools    ToolCatalog
	Profiles profile.Store
	Cache    *transcript.Cache
	Queue    *commandqueue.CommandQueue
	// Eraser is optional; WipeAll calls it when set.
	Eraser             UserDataEraser
	Model              string
	DefaultPersonality string
	// WarnAfter logs operations that wait on their user lane longer than this.
	WarnAfter time.Duration
	Now       func() time.Time
}

// Manager resolves, creates and drives conversations for many users. Every
// operation for one user runs on that user's queue lane.
type Manager struct {
	gateway  assistant.Gateway
	runner   Runner
	tools    ToolCatalog
	profiles profile.Store
	cache    *transcript.Cache
	queue    *commandqueue.CommandQueue
	eraser   UserDataEraser

	model              string
	defaultPersonality string
	warnAfter          time.Duration
	now                func() time.Time

	mu            sync.RWMutex
	conversations map[string]*loaded
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("transcript cache is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	observability.EnsureRegistered()

	defaultKey := cfg.DefaultPersonality
	if defaultKey == "" {
		defaultKey = personality.BestFriend
	}
	if _, err := personality.Lookup(defaultKey); err != nil {
		return nil, fmt.Errorf("invalid default personality: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		gateway:            cfg.Gateway,
		runner:             cfg.Runner,
		tools:              cfg.Tools,
		profiles:           cfg.Profiles,
		cache:              cfg.Cache,
		queue:              cfg.Queue,
		eraser:             cfg.Eraser,
		model:              cfg.Model,
		defaultPersonality: defaultKey,
		warnAfter:          cfg.WarnAfter,
		now:                now,
		conversations:      make(map[string]*loaded),
	}, nil
}

type requestIDKey struct{}

// WithRequestID tags ctx so a repeated Send with the same id returns the
// first result instead of sending twice.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// onLane runs fn on the user's lane and returns its typed result.
func onLane[T any](m *Manager, ctx context.Context, userID, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if strings.TrimSpace(userID) == "" {
		return zero, ErrUserRequired
	}

	ctx = tracing.WithUserID(ctx, userID)
	ctx, span := tracing.StartSpan(ctx, "platepal.session", "session."+op,
		attribute.String("user_id", userID),
	)
	defer span.End()

	opts := &commandqueue.TaskOptions{WarnAfter: m.warnAfter}
	if op == "send" {
		opts.RequestID = requestIDFrom(ctx)
	}

	value, err := m.queue.Enqueue(ctx, commandqueue.UserLane(userID), func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	tracing.FailSpan(span, err)

	out, _ := value.(T)
	return out, err
}

// Resolve returns the user's conversation, restoring or creating it.
// personalityKey only applies when a new conversation has to be created;
// empty means the profile's last personality or the default.
func (m *Manager) Resolve(ctx context.Context, userID, personalityKey string) (*Conversation, error) {
	if personalityKey != "" {
		if _, err := personality.Lookup(personalityKey); err != nil {
			return nil, err
		}
	}
	return onLane(m, ctx, userID, "resolve", func(ctx context.Context) (*Conversation, error) {
		conv, err := m.resolve(ctx, userID, personalityKey, true)
		if conv == nil {
			return nil, err
		}
		return conv.snapshot(), err
	})
}

// Send appends a user message, runs the agent and returns the user message
// followed by the assistant replies. On failure the user message stays in
// the transcript and the error wraps ErrNoReply.
func (m *Manager) Send(ctx context.Context, userID, text, attachmentURL string) ([]assistant.Message, error) {
	text = strings.TrimSpace(text)
	attachmentURL = strings.TrimSpace(attachmentURL)
	if text == "" && attachmentURL == "" {
		return nil, ErrEmptyMessage
	}

	return onLane(m, ctx, userID, "send", func(ctx context.Context) ([]assistant.Message, error) {
		return m.send(ctx, userID, text, attachmentURL)
	})
}

func (m *Manager) send(ctx context.Context, userID, text, attachmentURL string) ([]assistant.Message, error) {
	conv, err := m.resolve(ctx, userID, "", false)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, conv.SessionID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	msgs := appendOrdered(conv.Messages, assistant.NewLocalMessage(assistant.RoleUser, text, attachmentURL, m.now()))
	if err := m.cache.Put(ctx, conv.SessionID, msgs); err != nil {
		return nil, fmt.Errorf("failed to cache user message: %w", err)
	}
	conv.Messages = msgs
	userMsg := msgs[len(msgs)-1]
	m.touch(userID)

	if err := m.gateway.AppendMessage(ctx, conv.SessionID, text, attachmentURL); err != nil {
		logger.Warn().Err(err).Msg("Failed to append message")
		return []assistant.Message{userMsg}, fmt.Errorf("%w: %w", ErrNoReply, err)
	}

	replies, err := m.execute(ctx, userID, conv)
	if err != nil {
		logger.Warn().Err(err).Msg("Run produced no reply")
		return []assistant.Message{userMsg}, fmt.Errorf("%w: %w", ErrNoReply, err)
	}

	msgs = appendOrdered(conv.Messages, replies...)
	if err := m.cache.Put(ctx, conv.SessionID, msgs); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache replies")
		return []assistant.Message{userMsg}, fmt.Errorf("failed to cache replies: %w", err)
	}
	conv.Messages = msgs
	replies = msgs[len(msgs)-len(replies):]
	m.touch(userID)

	logger.Debug().Int("replies", len(replies)).Msg("Message answered")
	return append([]assistant.Message{userMsg}, replies...), nil
}

// ChangePersonality rebinds the conversation to the agent of key and records
// the switch as a system message. The session and transcript are kept.
func (m *Manager) ChangePersonality(ctx context.Context, userID, key string) (*Conversation, error) {
	p, err := personality.Lookup(key)
	if err != nil {
		return nil, err
	}

	return onLane(m, ctx, userID, "change_personality", func(ctx context.Context) (*Conversation, error) {
		conv, err := m.resolve(ctx, userID, p.Key, true)
		if conv == nil {
			return nil, err
		}
		if conv.PersonalityKey == p.Key {
			return conv.snapshot(), err
		}

		agentID, err := m.agentFor(ctx, userID, p)
		if err != nil {
			return nil, err
		}

		next := conv.snapshot()
		next.AgentID = agentID
		next.PersonalityKey = p.Key
		next.Messages = appendOrdered(conv.Messages, assistant.NewLocalMessage(assistant.RoleSystem, p.SwitchNotice(), "", m.now()))

		if err := m.persist(ctx, next); err != nil {
			return nil, err
		}
		*conv = *next
		m.touch(userID)

		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Info().
			Str("session_id", conv.SessionID).
			Str("personality", p.Key).
			Msg("Personality changed")
		return conv.snapshot(), nil
	})
}

// Clear forgets the current session and starts a fresh one with a welcome turn.
func (m *Manager) Clear(ctx context.Context, userID string) (*Conversation, error) {
	return onLane(m, ctx, userID, "clear", func(ctx context.Context) (*Conversation, error) {
		prof, err := m.profiles.GetProfile(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}

		key := prof.PersonalityKey
		if current := m.loadedConversation(userID); current != nil {
			key = current.PersonalityKey
		}
		if !personality.Valid(key) {
			key = m.defaultPersonality
		}

		if err := m.forget(ctx, userID, prof); err != nil {
			return nil, err
		}

		conv, err := m.create(ctx, userID, key, true)
		if conv == nil {
			return nil, err
		}
		return conv.snapshot(), err
	})
}

// Transcript returns the conversation's messages, resolving it if needed.
func (m *Manager) Transcript(ctx context.Context, userID string) ([]assistant.Message, error) {
	return onLane(m, ctx, userID, "transcript", func(ctx context.Context) ([]assistant.Message, error) {
		conv, err := m.resolve(ctx, userID, "", true)
		if conv == nil {
			return nil, err
		}
		return conv.snapshot().Messages, err
	})
}

// Transcribe turns a voice note into text. It is attempted once.
func (m *Manager) Transcribe(ctx context.Context, audio assistant.AudioInput) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("audio is empty")
	}
	if audio.Filename == "" {
		audio.Filename = assistant.FilenameForMIME(audio.MIMEType)
	}

	ctx, span := tracing.StartSpan(ctx, "platepal.session", "session.transcribe",
		attribute.Int("audio_bytes", len(audio.Data)),
	)
	defer span.End()

	text, err := m.gateway.TranscribeAudio(ctx, audio)
	if err != nil {
		tracing.FailSpan(span, err)
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// WipeAll deletes everything the engine stores for a user: cached
// transcripts, the session binding and, when an eraser is configured, the
// user's logged data. A run in flight is aborted and queued work is dropped.
func (m *Manager) WipeAll(ctx context.Context, userID string) error {
	if current := m.loadedConversation(userID); current != nil {
		if m.runner.Abort(current.SessionID) {
			log.Info().Str("user_id", userID).Str("session_id", current.SessionID).Msg("Aborted run for wipe")
		}
	}
	m.queue.ClearLane(commandqueue.UserLane(userID))

	_, err := onLane(m, ctx, userID, "wipe", func(ctx context.Context) (struct{}, error) {
		prof, err := m.profiles.GetProfile(ctx, userID)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to load profile: %w", err)
		}
		if err := m.forget(ctx, userID, prof); err != nil {
			return struct{}{}, err
		}
		if m.eraser != nil {
			if err := m.eraser.DeleteUser(ctx, userID); err != nil {
				return struct{}{}, fmt.Errorf("failed to erase user data: %w", err)
			}
		}
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Info().Msg("User data wiped")
		return struct{}{}, nil
	})
	return err
}

// Purge drops every conversation held in memory and removes all engine
// keys from the cache. Used for a whole-device reset.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	m.mu.Lock()
	m.conversations = make(map[string]*loaded)
	m.mu.Unlock()
	observability.SetActiveConversations(0)

	removed, err := m.cache.ClearAll(ctx)
	if err != nil {
		return removed, fmt.Errorf("failed to purge cache: %w", err)
	}
	return removed, nil
}

// Loaded reports how many conversations are held in memory.
func (m *Manager) Loaded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// forget removes the user's session from cache, profile and memory.
func (m *Manager) forget(ctx context.Context, userID string, prof profile.Profile) error {
	sessions := make(map[string]struct{})
	if current := m.loadedConversation(userID); current != nil {
		sessions[current.SessionID] = struct{}{}
	}
	if prof.SessionID != "" {
		sessions[prof.SessionID] = struct{}{}
	}
	active, ok, err := m.cache.GetActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read active session: %w", err)
	}
	if ok {
		sessions[active] = struct{}{}
	}

	for sid := range sessions {
		if err := m.cache.Clear(ctx, sid); err != nil {
			return fmt.Errorf("failed to clear session %s: %w", sid, err)
		}
	}
	if err := m.cache.ClearActive(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	if err := m.profiles.UpdateProfile(ctx, userID, profile.ClearSession()); err != nil {
		return fmt.Errorf("failed to clear profile session: %w", err)
	}

	m.drop(userID)
	return nil
}

func (m *Manager) loadedConversation(userID string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.conversations[userID]; ok {
		return l.conv
	}
	return nil
}

func (m *Manager) keep(userID string, conv *Conversation) {
	m.mu.Lock()
	m.conversations[userID] = &loaded{conv: conv, lastUsed: m.now()}
	count := len(m.conversations)
	m.mu.Unlock()
	observability.SetActiveConversations(count)
}

func (m *Manager) touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.conversations[userID]; ok {
		l.lastUsed = m.now()
	}
}

func (m *Manager) drop(userID string) {
	m.mu.Lock()
	delete(m.conversations, userID)
	count := len(m.conversations)
	m.mu.Unlock()
	observability.SetActiveConversations(count)
}
