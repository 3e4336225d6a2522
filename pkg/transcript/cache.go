package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/rs/zerolog/log"
)

const (
	TranscriptPrefix = "transcript:"
	SessionPrefix    = "session:"
	ActivePrefix     = "active:"
)

// recognizedPrefixes are the keys ClearAll may remove.
var recognizedPrefixes = []string{TranscriptPrefix, SessionPrefix, ActivePrefix}

// SessionRecord is the cached metadata of a conversation session.
type SessionRecord struct {
	SessionID      string    `json:"sessionId"`
	AgentID        string    `json:"agentId"`
	PersonalityKey string    `json:"personalityKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Cache maps session ids to their ordered transcripts on top of a KVStore.
type Cache struct {
	store KVStore
}

// NewCache creates a cache over store.
func NewCache(store KVStore) (*Cache, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	observability.EnsureRegistered()
	return &Cache{store: store}, nil
}

// Get returns the cached transcript. A missing or undecodable entry is
// reported as absent.
func (c *Cache) Get(ctx context.Context, sessionID string) ([]assistant.Message, bool, error) {
	var msgs []assistant.Message
	ok, err := c.load(ctx, TranscriptPrefix+sessionID, &msgs)
	if err != nil {
		observability.RecordCacheLookup("error")
		return nil, false, err
	}
	if !ok {
		observability.RecordCacheLookup("miss")
		return nil, false, nil
	}
	observability.RecordCacheLookup("hit")
	return msgs, true, nil
}

// Put replaces the whole transcript of sessionID.
func (c *Cache) Put(ctx context.Context, sessionID string, msgs []assistant.Message) error {
	if msgs == nil {
		msgs = []assistant.Message{}
	}
	return c.save(ctx, TranscriptPrefix+sessionID, msgs)
}

// Clear forgets the transcript and metadata of sessionID.
func (c *Cache) Clear(ctx context.Context, sessionID string) error {
	for _, key := range []string{TranscriptPrefix + sessionID, SessionPrefix + sessionID} {
		if err := c.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
		}
	}
	return nil
}

// ClearAll removes every key under a recognized prefix and leaves all other
// keys alone. It returns the number of removed keys.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if !isRecognized(key) {
			continue
		}
		if err := c.store.Remove(ctx, key); err != nil {
			return removed, fmt.Errorf("failed to clear cache: %w", err)
		}
		removed++
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Int("removed", removed).Msg("Transcript cache wiped")
	return removed, nil
}

func isRecognized(key string) bool {
	for _, prefix := range recognizedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// GetSession returns the cached metadata of sessionID.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	var rec SessionRecord
	ok, err := c.load(ctx, SessionPrefix+sessionID, &rec)
	return rec, ok, err
}

// PutSession stores the metadata of rec.SessionID.
func (c *Cache) PutSession(ctx context.Context, rec SessionRecord) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	return c.save(ctx, SessionPrefix+rec.SessionID, rec)
}

// GetActive returns the session last used by userID.
func (c *Cache) GetActive(ctx context.Context, userID string) (string, bool, error) {
	id, ok, err := c.store.Get(ctx, ActivePrefix+userID)
	if err != nil {
		return "", false, fmt.Errorf("failed to read active session: %w", err)
	}
	if !ok || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

func (c *Cache) SetActive(ctx context.Context, userID, sessionID string) error {
	if err := c.store.Set(ctx, ActivePrefix+userID, sessionID); err != nil {
		return fmt.Errorf("failed to remember active session: %w", err)
	}
	return nil
}

func (c *Cache) ClearActive(ctx context.Context, userID string) error {
	if err := c.store.Remove(ctx, ActivePrefix+userID); err != nil {
		return fmt.Errorf("failed to forget active session: %w", err)
	}
	return nil
}

func (c *Cache) load(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().
			Str("key", key).
			Err(err).
			Msg("Ignoring unreadable cache entry")
		return false, nil
	}
	return true, nil
}

func (c *Cache) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		observability.RecordCacheWrite(false)
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		observability.RecordCacheWrite(false)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	observability.RecordCacheWrite(true)
	return nil
}
