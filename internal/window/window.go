// Package window owns the per-session active context: recent turns at three
// fidelity tiers, the running context summary, token-budgeted pruning into
// the episodic archive, and user-level remembered facts.
package window

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/halcyonlabs/engram/internal/config"
	"github.com/halcyonlabs/engram/internal/conversation"
	"github.com/halcyonlabs/engram/internal/store"
	"github.com/halcyonlabs/engram/internal/tier"
)

// Archiver is the slice of the episodic archive the window needs: durable
// archival of pruned runs and fetch-by-id for archived-turn escalation.
type Archiver interface {
	ArchiveAndSummarize(ctx context.Context, sessionID string, turns []conversation.Turn) error
	Fetch(turnID string) (conversation.Turn, error)
}

// Manager is the session registry: create-on-first-use, per-session
// single-writer locking, evict-on-idle. It replaces the legacy pattern of
// ad hoc process-wide maps keyed by user id.
type Manager struct {
	cfg        config.WindowConfig
	gen        *tier.Generator
	summarizer tier.Summarizer
	archive    Archiver
	sessions   store.SessionStore
	facts      store.FactStore

	mu     sync.Mutex
	active map[string]*Session
}

func NewManager(cfg config.WindowConfig, archive Archiver, sessions store.SessionStore, facts store.FactStore, summarizer tier.Summarizer) *Manager {
	return &Manager{
		cfg:        cfg,
		gen:        tier.NewGenerator(cfg.Tier1CharCap, cfg.Tier2SentenceCap),
		summarizer: summarizer,
		archive:    archive,
		sessions:   sessions,
		facts:      facts,
		active:     make(map[string]*Session),
	}
}

// Session returns the live session for sessionID, restoring it from the
// store on first use. A load failure falls back to a fresh empty session —
// never to another session's data. Idempotent.
func (m *Manager) Session(sessionID, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[sessionID]; ok {
		s.touch()
		return s
	}

	state, err := m.sessions.Load(sessionID)
	if err != nil {
		log.Printf("[window] load session %s failed, starting fresh: %v", sessionID, err)
		state = &conversation.SessionState{SessionID: sessionID}
	}
	facts, err := m.facts.LoadFacts(userID)
	if err != nil {
		log.Printf("[window] load facts for %s failed, starting empty: %v", userID, err)
		facts = nil
	}

	s := &Session{
		id:     sessionID,
		userID: userID,
		state:  state,
		facts:  facts,
		mgr:    m,
	}
	s.touch()
	s.recomputeTokensLocked()
	m.active[sessionID] = s
	return s
}

// EvictIdle flushes and drops sessions idle longer than maxIdle. Returns
// the number evicted. Driven by scheduled maintenance. A session whose lock
// is held (a turn in flight) is by definition not idle and is skipped.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	for id, s := range m.active {
		if s.lastUsed.Load() >= cutoff {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		if err := m.sessions.Save(id, s.state); err != nil {
			log.Printf("[window] save on evict %s: %v", id, err)
		}
		s.mu.Unlock()
		delete(m.active, id)
		evicted++
	}
	return evicted
}

// ActiveCount reports the number of live sessions, for status surfaces.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
