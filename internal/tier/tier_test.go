package tier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/halcyonlabs/engram/internal/conversation"
)

func TestGenerateDeterministic(t *testing.T) {
	g := NewGenerator(40, 2)
	text := "The quick brown fox jumps over the lazy dog. It was a sunny day. Nothing else happened. Really."

	a := g.Generate(text, "user")
	b := g.Generate(text, "user")
	if a != b {
		t.Fatalf("expected deterministic output: %+v vs %+v", a, b)
	}
	if len([]rune(a.Tier1)) > 41 {
		t.Fatalf("tier1 over cap: %q", a.Tier1)
	}
	if !strings.HasSuffix(a.Tier1, "…") {
		t.Fatalf("expected truncation marker, got %q", a.Tier1)
	}
	if a.Tier2 != "The quick brown fox jumps over the lazy dog. It was a sunny day." {
		t.Fatalf("tier2 = %q", a.Tier2)
	}
}

func TestGenerateShortTextUntouched(t *testing.T) {
	g := NewGenerator(120, 3)
	out := g.Generate("hi there", "user")
	if out.Tier1 != "hi there" || out.Tier2 != "hi there" {
		t.Fatalf("short text should pass through: %+v", out)
	}
}

func TestGenerateNeverFailsOnEmpty(t *testing.T) {
	g := NewGenerator(120, 3)
	out := g.Generate("", "assistant")
	if out.Tier1 != "" || out.Tier2 != "" {
		t.Fatalf("empty input should yield empty tiers: %+v", out)
	}
}

func TestGenerateCollapsesWhitespace(t *testing.T) {
	g := NewGenerator(120, 3)
	out := g.Generate("a\n\n b\t c", "user")
	if out.Tier1 != "a b c" {
		t.Fatalf("tier1 = %q", out.Tier1)
	}
}

type stubSummarizer struct {
	out string
	err error
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return s.out, s.err
}

func TestGenerateWithSummarizer(t *testing.T) {
	g := NewGenerator(120, 3)

	out := g.GenerateWith(context.Background(), &stubSummarizer{out: "a synopsis"}, "long text here", "user")
	if out.Tier2 != "a synopsis" {
		t.Fatalf("tier2 = %q", out.Tier2)
	}

	// Summarizer failure falls back to truncation, never errors.
	out = g.GenerateWith(context.Background(), &stubSummarizer{err: errors.New("down")}, "long text here", "user")
	if out.Tier2 != "long text here" {
		t.Fatalf("fallback tier2 = %q", out.Tier2)
	}

	out = g.GenerateWith(context.Background(), nil, "long text here", "user")
	if out.Tier2 != "long text here" {
		t.Fatalf("nil summarizer tier2 = %q", out.Tier2)
	}
}

func TestEstimateText(t *testing.T) {
	if got := EstimateText(""); got != 0 {
		t.Fatalf("empty = %d", got)
	}
	if got := EstimateText("   "); got != 0 {
		t.Fatalf("blank = %d", got)
	}
	if got := EstimateText("x"); got != 1 {
		t.Fatalf("minimum = %d", got)
	}
	long := strings.Repeat("word ", 400)
	if got := EstimateText(long); got != 300 {
		t.Fatalf("400 words = %d, want 300", got)
	}
	if got := EstimateText("你好世界"); got != 6 {
		t.Fatalf("cjk estimate = %d, want 6", got)
	}
}

func TestEstimateTurnUsesRequiredTier(t *testing.T) {
	turn := conversation.Turn{
		ID:           "t1",
		Timestamp:    time.Now(),
		UserInput:    strings.Repeat("user words here ", 50),
		Tier1Summary: "short",
		Tier2Summary: "a medium synopsis of the exchange",
		Tier3Text:    strings.Repeat("assistant words here ", 50),
		RequiredTier: conversation.TierTerse,
	}

	terse := EstimateTurn(turn)
	turn.RequiredTier = conversation.TierFull
	full := EstimateTurn(turn)
	if terse >= full {
		t.Fatalf("terse %d should cost less than full %d", terse, full)
	}
}
