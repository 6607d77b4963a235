// Package archive is the durable store for turns evicted from the active
// window: an append-only per-session log of archived turns plus an FTS5
// index over chunk summaries and raw content.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/halcyonlabs/engram/internal/conversation"
)

var (
	// ErrArchival marks summarization or storage-write failures. The caller
	// must treat the whole run as not archived.
	ErrArchival = errors.New("archival failed")

	// ErrTurnNotFound is returned by Fetch for unknown turn ids.
	ErrTurnNotFound = errors.New("turn not found in archive")
)

// Summarizer produces the chunk synopsis for a pruned run. Satisfied by the
// generation client.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Entry is one archived turn together with its chunk context. Immutable
// once written.
type Entry struct {
	Turn         conversation.Turn
	ChunkID      int64
	ChunkSummary string
	ArchivedAt   string
}

// Stats is a compact snapshot for status reporting.
type Stats struct {
	Sessions int
	Chunks   int
	Entries  int
}

type Archive struct {
	db         *sql.DB
	mu         sync.Mutex
	summarizer Summarizer
}

func New(dbPath string, summarizer Summarizer) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	a := &Archive{db: db, summarizer: summarizer}
	if err := a.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := a.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := a.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Archive) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			chunk_id INTEGER NOT NULL REFERENCES chunks(id),
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			user_input TEXT NOT NULL,
			tier1_summary TEXT NOT NULL DEFAULT '',
			tier2_summary TEXT NOT NULL DEFAULT '',
			tier3_text TEXT NOT NULL,
			required_tier INTEGER NOT NULL DEFAULT 1,
			metadata TEXT NOT NULL DEFAULT '{}',
			archived_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, seq)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			summary,
			content='chunks',
			content_rowid='id',
			tokenize='unicode61'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			body,
			content='',
			tokenize='unicode61'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ArchiveAndSummarize durably archives a contiguous pruned run: one chunk
// summary from the generation service, one entry per turn with full tier-3
// content preserved, and FTS rows for both. Atomic from the caller's view —
// any failure leaves the archive untouched and returns ErrArchival.
func (a *Archive) ArchiveAndSummarize(ctx context.Context, sessionID string, turns []conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	summary, err := a.summarizeRun(ctx, turns)
	if err != nil {
		return fmt.Errorf("%w: summarize run: %v", ErrArchival, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrArchival, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO chunks (session_id, summary, turn_count)
		VALUES (?, ?, ?)
	`, sessionID, summary, len(turns))
	if err != nil {
		return fmt.Errorf("%w: insert chunk: %v", ErrArchival, err)
	}
	chunkID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: chunk id: %v", ErrArchival, err)
	}
	if _, err := tx.Exec(`INSERT INTO chunks_fts(rowid, summary) VALUES (?, ?)`, chunkID, summary); err != nil {
		return fmt.Errorf("%w: index chunk: %v", ErrArchival, err)
	}

	for i, turn := range turns {
		meta := "{}"
		if len(turn.Metadata) > 0 {
			if data, err := json.Marshal(turn.Metadata); err == nil {
				meta = string(data)
			}
		}
		res, err := tx.Exec(`
			INSERT INTO entries (turn_id, session_id, chunk_id, seq, ts, user_input,
				tier1_summary, tier2_summary, tier3_text, required_tier, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, turn.ID, sessionID, chunkID, i, turn.Timestamp.UTC().Format(time.RFC3339),
			turn.UserInput, turn.Tier1Summary, turn.Tier2Summary, turn.Tier3Text,
			turn.RequiredTier, meta)
		if err != nil {
			return fmt.Errorf("%w: insert entry %s: %v", ErrArchival, turn.ID, err)
		}
		entryID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: entry id: %v", ErrArchival, err)
		}
		body := turn.UserInput + "\n" + turn.Tier3Text
		if _, err := tx.Exec(`INSERT INTO entries_fts(rowid, body) VALUES (?, ?)`, entryID, body); err != nil {
			return fmt.Errorf("%w: index entry %s: %v", ErrArchival, turn.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrArchival, err)
	}
	return nil
}

func (a *Archive) summarizeRun(ctx context.Context, turns []conversation.Turn) (string, error) {
	if a.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Render(conversation.TierFull))
		sb.WriteString("\n")
	}
	summary, err := a.summarizer.Summarize(ctx, strings.TrimSpace(sb.String()))
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("empty chunk summary")
	}
	return summary, nil
}

// Fetch returns the archived turn by id, used when a tier upgrade references
// an already-archived turn.
func (a *Archive) Fetch(turnID string) (conversation.Turn, error) {
	row := a.db.QueryRow(`
		SELECT turn_id, ts, user_input, tier1_summary, tier2_summary, tier3_text, required_tier, metadata
		FROM entries
		WHERE turn_id = ?
	`, turnID)

	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
		}
		return conversation.Turn{}, fmt.Errorf("fetch turn: %w", err)
	}
	return turn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (conversation.Turn, error) {
	var (
		turn conversation.Turn
		ts   string
		meta string
	)
	if err := row.Scan(&turn.ID, &ts, &turn.UserInput, &turn.Tier1Summary,
		&turn.Tier2Summary, &turn.Tier3Text, &turn.RequiredTier, &meta); err != nil {
		return conversation.Turn{}, err
	}
	if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
		turn.Timestamp = parsed
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &turn.Metadata)
	}
	return turn, nil
}

// Stats reports archive-wide counts for status surfaces.
func (a *Archive) Stats() (Stats, error) {
	var s Stats
	row := a.db.QueryRow(`
		SELECT
			(SELECT COUNT(DISTINCT session_id) FROM chunks),
			(SELECT COUNT(1) FROM chunks),
			(SELECT COUNT(1) FROM entries)
	`)
	if err := row.Scan(&s.Sessions, &s.Chunks, &s.Entries); err != nil {
		return Stats{}, fmt.Errorf("archive stats: %w", err)
	}
	return s, nil
}

// Optimize merges FTS segments and refreshes the query planner stats.
// Called from scheduled maintenance, never on the turn path.
func (a *Archive) Optimize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.db.Exec(`INSERT INTO chunks_fts(chunks_fts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("optimize chunks fts: %w", err)
	}
	if _, err := a.db.Exec(`INSERT INTO entries_fts(entries_fts) VALUES ('optimize')`); err != nil {
		return fmt.Errorf("optimize entries fts: %w", err)
	}
	if _, err := a.db.Exec(`PRAGMA optimize`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	return nil
}
