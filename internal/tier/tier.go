package tier

import (
	"context"
	"strings"
	"unicode"
)

// Tiers holds the condensed representations derived from full-fidelity text.
type Tiers struct {
	Tier1 string
	Tier2 string
}

// Summarizer upgrades the tier-2 synopsis using a generation capability.
// Any failure falls back to deterministic truncation.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Generator derives tier-1/tier-2 representations from turn text.
type Generator struct {
	Tier1CharCap     int
	Tier2SentenceCap int
}

func NewGenerator(tier1CharCap, tier2SentenceCap int) *Generator {
	if tier1CharCap <= 0 {
		tier1CharCap = 120
	}
	if tier2SentenceCap <= 0 {
		tier2SentenceCap = 3
	}
	return &Generator{Tier1CharCap: tier1CharCap, Tier2SentenceCap: tier2SentenceCap}
}

// Generate is pure and deterministic: truncation-based compression that
// never fails and never blocks.
func (g *Generator) Generate(text, role string) Tiers {
	collapsed := collapseWhitespace(text)
	return Tiers{
		Tier1: truncateRunes(collapsed, g.Tier1CharCap),
		Tier2: firstSentences(collapsed, g.Tier2SentenceCap),
	}
}

// GenerateWith tries the summarizer for the tier-2 synopsis and falls back
// to Generate on any error or empty result.
func (g *Generator) GenerateWith(ctx context.Context, s Summarizer, text, role string) Tiers {
	tiers := g.Generate(text, role)
	if s == nil {
		return tiers
	}
	summary, err := s.Summarize(ctx, text)
	if err != nil || strings.TrimSpace(summary) == "" {
		return tiers
	}
	tiers.Tier2 = strings.TrimSpace(summary)
	return tiers
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := limit
	// Prefer a word boundary near the cap for readability.
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

func firstSentences(text string, max int) string {
	if max <= 0 {
		return text
	}
	var sb strings.Builder
	count := 0
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			sb.WriteString(string(runes[start : i+1]))
			start = i + 1
			count++
			if count >= max {
				return strings.TrimSpace(sb.String())
			}
		}
	}
	if start < len(runes) {
		sb.WriteString(string(runes[start:]))
	}
	return strings.TrimSpace(sb.String())
}
