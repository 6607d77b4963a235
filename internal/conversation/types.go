package conversation

import (
	"strings"
	"time"
)

// Fidelity tiers for a turn's resident text.
const (
	TierTerse   = 1
	TierSummary = 2
	TierFull    = 3
)

func ValidTier(tier int) bool {
	return tier >= TierTerse && tier <= TierFull
}

// Turn is one user+assistant exchange, the atomic unit of history.
// Tier content is immutable once generated; RequiredTier only ever
// increases (see Escalate).
type Turn struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	UserInput    string            `json:"userInput"`
	Tier1Summary string            `json:"tier1Summary"`
	Tier2Summary string            `json:"tier2Summary"`
	Tier3Text    string            `json:"tier3Text"`
	RequiredTier int               `json:"requiredTier"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Escalate raises RequiredTier to tier if higher. Out-of-range tiers are
// ignored so the invariant never breaks on bad input.
func (t *Turn) Escalate(tier int) {
	if !ValidTier(tier) {
		return
	}
	if tier > t.RequiredTier {
		t.RequiredTier = tier
	}
}

// Render returns the turn's text at the given fidelity tier.
func (t *Turn) Render(tier int) string {
	switch {
	case tier <= TierTerse:
		return t.Tier1Summary
	case tier == TierSummary:
		return t.Tier2Summary
	default:
		var sb strings.Builder
		sb.WriteString("User: ")
		sb.WriteString(t.UserInput)
		if strings.TrimSpace(t.Tier3Text) != "" {
			sb.WriteString("\nAssistant: ")
			sb.WriteString(t.Tier3Text)
		}
		return sb.String()
	}
}

// SessionState is the per-session active window snapshot that the store
// persists. Turns are chronological.
type SessionState struct {
	SessionID        string    `json:"sessionId"`
	Turns            []Turn    `json:"turns"`
	ContextSummary   string    `json:"contextSummary,omitempty"`
	TokenEstimate    int       `json:"tokenEstimate"`
	PendingUserInput string    `json:"pendingUserInput,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
