package session

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/personality"
	"github.com/harun/platepal/pkg/profile"
	"github.com/rs/zerolog/log"
)

// Resolution paths, also used as the session_resolve_total label.
const (
	pathMemory  = "memory"
	pathActive  = "active"
	pathProfile = "profile"
	pathRemote  = "remote"
	pathCreated = "created"
)

// resolve returns the user's loaded conversation or finds one in order:
// the last active session with a cached transcript, the session referenced
// by the profile, and finally a new session. welcome controls whether a new
// session gets a greeting run. Must run on the user's lane.
func (m *Manager) resolve(ctx context.Context, userID, key string, welcome bool) (*Conversation, error) {
	if conv := m.loadedConversation(userID); conv != nil {
		return conv, nil
	}

	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	prof, err := m.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	conv, err := m.restoreActive(ctx, userID, prof)
	if err != nil {
		return nil, err
	}
	path := pathActive

	if conv == nil {
		conv, path, err = m.restoreFromProfile(ctx, userID, prof)
		if err != nil {
			return nil, err
		}
	}

	if conv != nil {
		m.keep(userID, conv)
		observability.RecordSessionResolve(path, time.Since(start))
		logger.Info().
			Str("session_id", conv.SessionID).
			Str("path", path).
			Int("messages", len(conv.Messages)).
			Msg("Conversation restored")
		return conv, nil
	}

	if key == "" || !personality.Valid(key) {
		key = prof.PersonalityKey
	}
	if !personality.Valid(key) {
		key = m.defaultPersonality
	}

	conv, err = m.create(ctx, userID, key, welcome)
	observability.RecordSessionResolve(pathCreated, time.Since(start))
	return conv, err
}

// restoreActive restores the remembered active session when its transcript
// is cached and an agent id can be paired from the profile. It makes no
// remote calls.
func (m *Manager) restoreActive(ctx context.Context, userID string, prof profile.Profile) (*Conversation, error) {
	sessionID, ok, err := m.cache.GetActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active session: %w", err)
	}
	if !ok {
		return nil, nil
	}

	msgs, ok, err := m.cache.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached transcript: %w", err)
	}
	if !ok || len(msgs) == 0 {
		return nil, nil
	}

	rec, _, err := m.cache.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	key := rec.PersonalityKey
	if !personality.Valid(key) {
		key = prof.PersonalityKey
	}
	if !personality.Valid(key) {
		key = m.defaultPersonality
	}

	agentID := prof.AgentIDs[key]
	if agentID == "" && prof.SessionID == sessionID {
		agentID = prof.AgentID
	}
	if agentID == "" {
		agentID = rec.AgentID
	}
	if agentID == "" {
		return nil, nil
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = msgs[0].Timestamp
	}

	return &Conversation{
		UserID:         userID,
		SessionID:      sessionID,
		AgentID:        agentID,
		PersonalityKey: key,
		CreatedAt:      createdAt,
		Messages:       msgs,
	}, nil
}

// restoreFromProfile restores the profile's session from the cache, or from
// the remote message list when nothing is cached. A session the remote
// service no longer knows is skipped.
func (m *Manager) restoreFromProfile(ctx context.Context, userID string, prof profile.Profile) (*Conversation, string, error) {
	if prof.SessionID == "" || prof.AgentID == "" {
		return nil, "", nil
	}

	path := pathProfile
	msgs, ok, err := m.cache.Get(ctx, prof.SessionID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read cached transcript: %w", err)
	}

	if !ok || len(msgs) == 0 {
		path = pathRemote
		msgs, err = m.gateway.ListMessages(ctx, prof.SessionID, assistant.ListOptions{Order: assistant.OrderAsc})
		if assistant.IsNotFound(err) {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Warn().
				Str("session_id", prof.SessionID).
				Msg("Profile session no longer exists")
			return nil, "", nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to list session messages: %w", err)
		}
		msgs = appendOrdered(nil, msgs...)
	}
	if len(msgs) == 0 {
		return nil, "", nil
	}

	key := prof.PersonalityKey
	if !personality.Valid(key) {
		key = m.defaultPersonality
	}

	conv := &Conversation{
		UserID:         userID,
		SessionID:      prof.SessionID,
		AgentID:        prof.AgentID,
		PersonalityKey: key,
		CreatedAt:      msgs[0].Timestamp,
		Messages:       msgs,
	}
	if rec, ok, err := m.cache.GetSession(ctx, prof.SessionID); err == nil && ok && !rec.CreatedAt.IsZero() {
		conv.CreatedAt = rec.CreatedAt
	}

	if err := m.cache.Put(ctx, conv.SessionID, conv.Messages); err != nil {
		return nil, "", fmt.Errorf("failed to cache transcript: %w", err)
	}
	if err := m.cache.PutSession(ctx, conv.record()); err != nil {
		return nil, "", fmt.Errorf("failed to cache session: %w", err)
	}
	if err := m.cache.SetActive(ctx, userID, conv.SessionID); err != nil {
		return nil, "", fmt.Errorf("failed to remember active session: %w", err)
	}
	return conv, path, nil
}

// create starts a new session bound to the agent of key. With welcome set it
// runs one cycle without a user message to obtain a greeting. The session is
// persisted even when the greeting fails; that failure wraps ErrNoReply.
func (m *Manager) create(ctx context.Context, userID, key string, welcome bool) (*Conversation, error) {
	p, err := personality.Lookup(key)
	if err != nil {
		return nil, err
	}

	agentID, err := m.agentFor(ctx, userID, p)
	if err != nil {
		return nil, err
	}

	sessionID, err := m.gateway.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	conv := &Conversation{
		UserID:         userID,
		SessionID:      sessionID,
		AgentID:        agentID,
		PersonalityKey: p.Key,
		CreatedAt:      m.now(),
		Messages:       []assistant.Message{},
	}

	var welcomeErr error
	if welcome {
		replies, err := m.execute(ctx, userID, conv)
		if err != nil {
			logger.Warn().Err(err).Msg("Welcome run produced no reply")
			welcomeErr = fmt.Errorf("%w: %w", ErrNoReply, err)
		} else {
			conv.Messages = appendOrdered(conv.Messages, replies...)
		}
	}

	if err := m.persist(ctx, conv); err != nil {
		return nil, err
	}
	m.keep(userID, conv)

	logger.Info().
		Str("agent_id", agentID).
		Str("personality", p.Key).
		Bool("welcome", welcome).
		Msg("Conversation created")
	return conv, welcomeErr
}

// execute runs one cycle. When the bound agent no longer exists remotely a
// new one is created for the same personality and the run is retried once.
func (m *Manager) execute(ctx context.Context, userID string, conv *Conversation) ([]assistant.Message, error) {
	p, err := personality.Lookup(conv.PersonalityKey)
	if err != nil {
		return nil, err
	}

	req := agent.RunRequest{
		UserID:      userID,
		SessionID:   conv.SessionID,
		AgentID:     conv.AgentID,
		Temperature: p.Temperature,
	}
	replies, err := m.runner.Execute(ctx, req)
	if err == nil || !assistant.IsNotFound(err) {
		return replies, err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Err(err).
		Str("agent_id", conv.AgentID).
		Msg("Agent no longer resolves, recreating")

	agentID, createErr := m.createAgent(ctx, userID, p)
	if createErr != nil {
		return nil, createErr
	}
	conv.AgentID = agentID
	req.AgentID = agentID
	if err := m.persist(ctx, conv); err != nil {
		return nil, err
	}
	return m.runner.Execute(ctx, req)
}

// agentFor returns the user's agent for p, creating it on first use.
func (m *Manager) agentFor(ctx context.Context, userID string, p personality.Profile) (string, error) {
	prof, err := m.profiles.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load profile: %w", err)
	}
	if id := prof.AgentIDs[p.Key]; id != "" {
		return id, nil
	}
	return m.createAgent(ctx, userID, p)
}

func (m *Manager) createAgent(ctx context.Context, userID string, p personality.Profile) (string, error) {
	spec := assistant.AgentProfileSpec{
		Name:         p.AgentName(),
		Instructions: p.Instructions,
		Model:        m.model,
		Temperature:  p.Temperature,
	}
	if m.tools != nil {
		spec.Tools = m.tools.Definitions()
	}

	agentID, err := m.gateway.CreateAgentProfile(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create agent for %s: %w", p.Key, err)
	}
	if err := m.profiles.UpdateProfile(ctx, userID, profile.Patch{AgentIDs: map[string]string{p.Key: agentID}}); err != nil {
		return "", fmt.Errorf("failed to remember agent: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("agent_id", agentID).
		Str("personality", p.Key).
		Msg("Agent profile created")
	return agentID, nil
}

// persist writes the transcript, session record and active pointer to the
// cache and the session binding to the profile store.
func (m *Manager) persist(ctx context.Context, conv *Conversation) error {
	if err := m.cache.Put(ctx, conv.SessionID, conv.Messages); err != nil {
		return fmt.Errorf("failed to cache transcript: %w", err)
	}
	if err := m.cache.PutSession(ctx, conv.record()); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	if err := m.cache.SetActive(ctx, conv.UserID, conv.SessionID); err != nil {
		return fmt.Errorf("failed to remember active session: %w", err)
	}
	err := m.profiles.UpdateProfile(ctx, conv.UserID, profile.Patch{
		SessionID:      profile.String(conv.SessionID),
		AgentID:        profile.String(conv.AgentID),
		PersonalityKey: profile.String(conv.PersonalityKey),
	})
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}
