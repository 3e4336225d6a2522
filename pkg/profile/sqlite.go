package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/platepal/internal/database"
)

// SQLiteStore keeps profiles in the profiles table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the profiles table if needed. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	err := database.Migrate(db, `
		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			personality_key TEXT NOT NULL DEFAULT '',
			agent_ids TEXT NOT NULL DEFAULT '{}',
			display_name TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, errUserRequired
	}
	return s.get(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, userID string) (Profile, error) {
	p := Profile{UserID: userID}
	var agentIDs string
	err := q.QueryRowContext(ctx, `
		SELECT session_id, agent_id, personality_key, agent_ids, display_name, updated_at
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.SessionID, &p.AgentID, &p.PersonalityKey, &agentIDs, &p.DisplayName, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if agentIDs != "" && agentIDs != "{}" {
		if err := json.Unmarshal([]byte(agentIDs), &p.AgentIDs); err != nil {
			return Profile{}, fmt.Errorf("failed to decode agent ids: %w", err)
		}
	}
	return p, nil
}

// UpdateProfile applies patch inside a transaction.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, userID string, patch Patch) error {
	if userID == "" {
		return errUserRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, userID)
	if err != nil {
		return err
	}
	next := current.Apply(patch, s.now())

	agentIDs := []byte("{}")
	if len(next.AgentIDs) > 0 {
		if agentIDs, err = json.Marshal(next.AgentIDs); err != nil {
			return fmt.Errorf("failed to encode agent ids: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, session_id, agent_id, personality_key, agent_ids, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			agent_id = excluded.agent_id,
			personality_key = excluded.personality_key,
			agent_ids = excluded.agent_ids,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		userID, next.SessionID, next.AgentID, next.PersonalityKey, string(agentIDs), next.DisplayName, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile: %w", err)
	}
	return nil
}
