// Package profile stores per-user settings the conversation engine reads and
// writes back: the active session, the bound agent and one agent id per
// personality.
package profile

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Profile is what the engine knows about a user. A user without a stored
// profile has the zero Profile (with UserID set).
type Profile struct {
	UserID         string            `json:"userId"`
	SessionID      string            `json:"sessionId,omitempty"`
	AgentID        string            `json:"agentId,omitempty"`
	PersonalityKey string            `json:"personalityKey,omitempty"`
	AgentIDs       map[string]string `json:"agentIds,omitempty"`
	DisplayName    string            `json:"displayName,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Patch is a partial update. Nil fields are left alone; AgentIDs entries are
// merged, an empty id deletes its key.
type Patch struct {
	SessionID      *string
	AgentID        *string
	PersonalityKey *string
	DisplayName    *string
	AgentIDs       map[string]string
}

// String returns a pointer to s for building patches.
func String(s string) *string { return &s }

// ClearSession is the patch that forgets the session binding.
func ClearSession() Patch {
	return Patch{SessionID: String(""), AgentID: String("")}
}

// Store reads and updates profiles.
type Store interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch Patch) error
}

var errUserRequired = errors.New("user id is required")

// Apply returns p with patch applied.
func (p Profile) Apply(patch Patch, now time.Time) Profile {
	if patch.SessionID != nil {
		p.SessionID = *patch.SessionID
	}
	if patch.AgentID != nil {
		p.AgentID = *patch.AgentID
	}
	if patch.PersonalityKey != nil {
		p.PersonalityKey = *patch.PersonalityKey
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if len(patch.AgentIDs) > 0 {
		merged := make(map[string]string, len(p.AgentIDs)+len(patch.AgentIDs))
		for k, v := range p.AgentIDs {
			merged[k] = v
		}
		for k, v := range patch.AgentIDs {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		p.AgentIDs = merged
	}
	p.UpdatedAt = now
	return p
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Profile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, errUserRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return Profile{UserID: userID}, nil
	}
	return clone(p), nil
}

func (s *MemoryStore) UpdateProfile(ctx context.Context, userID string, patch Patch) error {
	if userID == "" {
		return errUserRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		p = Profile{UserID: userID}
	}
	s.profiles[userID] = p.Apply(patch, s.now())
	return nil
}

func clone(p Profile) Profile {
	if p.AgentIDs != nil {
		ids := make(map[string]string, len(p.AgentIDs))
		for k, v := range p.AgentIDs {
			ids[k] = v
		}
		p.AgentIDs = ids
	}
	return p
}
