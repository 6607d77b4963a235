package tier

import (
	"strings"

	"github.com/halcyonlabs/engram/internal/conversation"
)

// perTurnOverhead covers role labels and separators added when a turn is
// rendered into a prompt.
const perTurnOverhead = 4

// EstimateText approximates the context-window cost of text. Local and
// cheap: CJK characters count heavier than space-separated words. Invoked
// on every insertion and on the pruning hot path, so it must not do I/O.
func EstimateText(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	cjkChars := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjkChars++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(cjkChars)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}

// EstimateTurn costs the content resident at the turn's required tier.
func EstimateTurn(t conversation.Turn) int {
	return EstimateText(t.Render(t.RequiredTier)) + perTurnOverhead
}
