package window

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/engram/internal/conversation"
	"github.com/halcyonlabs/engram/internal/tier"
)

// AssistantText is the tiered response committed into a turn. Tier3 is
// required; empty tier-1/2 are filled by deterministic generation.
type AssistantText struct {
	Tier1 string
	Tier2 string
	Tier3 string
}

// Session is one conversation's active window. All operations serialize on
// the session's own lock (single-writer discipline); different sessions
// proceed in parallel.
type Session struct {
	mu     sync.Mutex
	id     string
	userID string
	state  *conversation.SessionState
	facts  []string
	mgr    *Manager

	// lastUsed is read by the eviction sweep without taking the session
	// lock, which may be held across a whole generation call.
	lastUsed atomic.Int64
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// RecordUserTurn appends the provisional half-turn. The turn is completed
// by RecordAssistantTurn once the response is final.
func (s *Session) RecordUserTurn(text string) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PendingUserInput = text
	s.recomputeTokensLocked()
	s.saveLocked()
}

// RecordAssistantTurn completes the pending exchange: derives any missing
// tiers, appends the turn, advances the context summary to the new tier-2,
// applies remember/forget directives found in the user text, then runs the
// pruning check. The turn write itself never fails; archival trouble only
// defers pruning.
func (s *Session) RecordAssistantTurn(ctx context.Context, userText string, resp AssistantText) conversation.Turn {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := conversation.Turn{
		ID:           "turn_" + uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		UserInput:    userText,
		Tier3Text:    resp.Tier3,
		RequiredTier: conversation.TierTerse,
	}

	exchange := userText
	if strings.TrimSpace(resp.Tier3) != "" {
		exchange = userText + "\n" + resp.Tier3
	}
	if strings.TrimSpace(resp.Tier1) != "" && strings.TrimSpace(resp.Tier2) != "" {
		turn.Tier1Summary = strings.TrimSpace(resp.Tier1)
		turn.Tier2Summary = strings.TrimSpace(resp.Tier2)
	} else {
		tiers := s.mgr.gen.GenerateWith(ctx, s.mgr.summarizer, exchange, "user")
		turn.Tier1Summary = tiers.Tier1
		turn.Tier2Summary = tiers.Tier2
	}

	s.state.Turns = append(s.state.Turns, turn)
	s.state.PendingUserInput = ""
	s.state.ContextSummary = turn.Tier2Summary
	s.recomputeTokensLocked()

	s.applyFactDirectivesLocked(userText)
	s.pruneLocked(ctx)
	s.saveLocked()

	return turn
}

// RenderContext returns the ordered window text at the requested tier.
// Escalate-only: a turn whose required tier is already above the request
// renders at its own, higher tier.
func (s *Session) RenderContext(tierLevel int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	for _, turn := range s.state.Turns {
		effective := tierLevel
		if turn.RequiredTier > effective {
			effective = turn.RequiredTier
		}
		text := strings.TrimSpace(turn.Render(effective))
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

// Escalate raises the turn's required tier (never lowers it). If the turn
// has already been pruned it is fetched from the archive for the current
// response only and not reinserted; the second return reports that
// transient case.
func (s *Session) Escalate(turnID string, newTier int) (conversation.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !conversation.ValidTier(newTier) {
		return conversation.Turn{}, false, fmt.Errorf("invalid tier %d", newTier)
	}

	for i := range s.state.Turns {
		if s.state.Turns[i].ID != turnID {
			continue
		}
		s.state.Turns[i].Escalate(newTier)
		s.recomputeTokensLocked()
		s.saveLocked()
		return s.state.Turns[i], false, nil
	}

	archived, err := s.mgr.archive.Fetch(turnID)
	if err != nil {
		return conversation.Turn{}, false, fmt.Errorf("escalate %s: %w", turnID, err)
	}
	archived.Escalate(newTier)
	return archived, true, nil
}

// Turns returns a copy of the active turns, oldest first.
func (s *Session) Turns() []conversation.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Turn, len(s.state.Turns))
	copy(out, s.state.Turns)
	return out
}

// ContextSummary returns the latest tier-2 synopsis.
func (s *Session) ContextSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ContextSummary
}

// TokenEstimate returns the cumulative token estimate for the window.
func (s *Session) TokenEstimate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TokenEstimate
}

// pruneLocked evicts the oldest contiguous runs into the archive while the
// estimate exceeds the budget and more than the retained floor remains.
// Removal happens only after the run is durably archived; an archival
// failure aborts the pass without data loss and is retried next turn.
func (s *Session) pruneLocked(ctx context.Context) {
	limit := s.mgr.cfg.ActiveTokenLimit
	target := limit - s.mgr.cfg.TokenMargin
	floor := s.mgr.cfg.MinRetainedTurns

	if s.state.TokenEstimate <= limit {
		return
	}

	for s.state.TokenEstimate > target && len(s.state.Turns) > floor {
		run := s.selectPruneRunLocked()
		if len(run) == 0 {
			return
		}
		if err := s.mgr.archive.ArchiveAndSummarize(ctx, s.id, run); err != nil {
			log.Printf("[window] session %s: archival failed, pruning deferred: %v", s.id, err)
			return
		}
		s.state.Turns = append([]conversation.Turn(nil), s.state.Turns[len(run):]...)
		s.recomputeTokensLocked()
	}
}

// selectPruneRunLocked picks the oldest contiguous run totalling at least
// MinTokensToPrune, never cutting into the retained floor.
func (s *Session) selectPruneRunLocked() []conversation.Turn {
	maxLen := len(s.state.Turns) - s.mgr.cfg.MinRetainedTurns
	if maxLen <= 0 {
		return nil
	}

	total := 0
	end := 0
	for end < maxLen {
		total += tier.EstimateTurn(s.state.Turns[end])
		end++
		if total >= s.mgr.cfg.MinTokensToPrune {
			break
		}
	}
	run := make([]conversation.Turn, end)
	copy(run, s.state.Turns[:end])
	return run
}

func (s *Session) recomputeTokensLocked() {
	total := 0
	for _, turn := range s.state.Turns {
		total += tier.EstimateTurn(turn)
	}
	if s.state.PendingUserInput != "" {
		total += tier.EstimateText(s.state.PendingUserInput)
	}
	s.state.TokenEstimate = total
}

// saveLocked persists the window snapshot. Save failure is reported but the
// in-memory state stays authoritative until a later save succeeds.
func (s *Session) saveLocked() {
	if err := s.mgr.sessions.Save(s.id, s.state); err != nil {
		log.Printf("[window] save session %s failed, in-memory state kept: %v", s.id, err)
	}
}
