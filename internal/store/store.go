// Package store persists session snapshots and user facts as JSON files
// under the data dir. The contract is deliberately minimal: load returns a
// fresh empty value when nothing is on disk, and save failures never
// invalidate the caller's in-memory state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/halcyonlabs/engram/internal/conversation"
)

// SessionStore loads and saves per-session active-window snapshots.
type SessionStore interface {
	Load(sessionID string) (*conversation.SessionState, error)
	Save(sessionID string, state *conversation.SessionState) error
}

// FactStore loads and saves per-user remembered facts.
type FactStore interface {
	LoadFacts(userID string) ([]string, error)
	SaveFacts(userID string, facts []string) error
}

type fileStore struct {
	dir string
}

// NewSessionStore persists sessions under dir/sessions.
func NewSessionStore(dataDir string) SessionStore {
	return &fileStore{dir: filepath.Join(dataDir, "sessions")}
}

// NewFactStore persists user facts under dir/facts.
func NewFactStore(dataDir string) FactStore {
	return &fileStore{dir: filepath.Join(dataDir, "facts")}
}

func (s *fileStore) Load(sessionID string) (*conversation.SessionState, error) {
	state := &conversation.SessionState{SessionID: sessionID}

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	// Never serve another session's data, whatever is on disk.
	state.SessionID = sessionID
	return state, nil
}

func (s *fileStore) Save(sessionID string, state *conversation.SessionState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sessionID, err)
	}
	return s.write(sessionID, data)
}

func (s *fileStore) LoadFacts(userID string) ([]string, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read facts %s: %w", userID, err)
	}
	var facts []string
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("parse facts %s: %w", userID, err)
	}
	return facts, nil
}

func (s *fileStore) SaveFacts(userID string, facts []string) error {
	if facts == nil {
		facts = []string{}
	}
	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal facts %s: %w", userID, err)
	}
	return s.write(userID, data)
}

func (s *fileStore) write(id string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return os.WriteFile(s.path(id), data, 0644)
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

// sanitizeID keeps ids filesystem-safe without losing uniqueness for the
// common session/user id shapes.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
