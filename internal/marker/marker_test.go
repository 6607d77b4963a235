package marker

import (
	"fmt"
	"testing"
)

func TestScanTierUpgrade(t *testing.T) {
	p := NewParser(2)
	reqs := p.Scan("I need more context. [REQUEST_TIER:3:turn_42] Please wait.")
	if len(reqs) != 1 {
		t.Fatalf("len = %d", len(reqs))
	}
	r := reqs[0]
	if r.Kind != KindTierUpgrade || r.Tier != 3 || r.TurnID != "turn_42" {
		t.Fatalf("unexpected request: %+v", r)
	}
}

func TestScanEpisodicSearch(t *testing.T) {
	p := NewParser(2)
	reqs := p.Scan("Let me check. [SEARCH_EPISODIC:favorite color] One moment.")
	if len(reqs) != 1 {
		t.Fatalf("len = %d", len(reqs))
	}
	r := reqs[0]
	if r.Kind != KindEpisodicSearch || r.Query != "favorite color" {
		t.Fatalf("unexpected request: %+v", r)
	}
}

func TestScanSearchQueryMayContainColons(t *testing.T) {
	p := NewParser(2)
	reqs := p.Scan("[SEARCH_EPISODIC:error: connection refused]")
	if len(reqs) != 1 || reqs[0].Query != "error: connection refused" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestScanMalformedMarkers(t *testing.T) {
	p := NewParser(10)
	cases := []string{
		"[REQUEST_TIER:0:turn_1]",    // tier below range
		"[REQUEST_TIER:4:turn_1]",    // tier above range
		"[REQUEST_TIER:99:turn_1]",   // far out of range
		"[REQUEST_TIER:abc:turn_1]",  // non-numeric tier
		"[REQUEST_TIER::turn_1]",     // missing tier
		"[REQUEST_TIER:2:]",          // missing turn id
		"[REQUEST_TIER:2]",           // missing field entirely
		"[SEARCH_EPISODIC:]",         // empty query
		"[SEARCH_EPISODIC:   ]",      // blank query
		"[REQUEST_TIER:2:a:b]",       // extra colon in turn id
		"[request_tier:2:turn_1]",    // wrong case
		"[REQUEST_TIER 2 turn_1]",    // wrong separators
		"plain text with no markers", // nothing at all
		"[REQUEST_TIER:3:turn_1",     // unterminated
		"REQUEST_TIER:3:turn_1]",     // unopened
		"[UNKNOWN_MARKER:something]", // unknown grammar
		"[REQUEST_TIER:2:turn 1]",    // whitespace in turn id
	}
	for _, c := range cases {
		if reqs := p.Scan(c); len(reqs) != 0 {
			t.Fatalf("case %q: expected no requests, got %+v", c, reqs)
		}
	}
}

func TestScanMixedValidAndMalformed(t *testing.T) {
	p := NewParser(10)
	text := "a [REQUEST_TIER:9:turn_1] b [REQUEST_TIER:2:turn_7] c [SEARCH_EPISODIC:] d [SEARCH_EPISODIC:deploy notes]"
	reqs := p.Scan(text)
	if len(reqs) != 2 {
		t.Fatalf("len = %d: %+v", len(reqs), reqs)
	}
	if reqs[0].Kind != KindTierUpgrade || reqs[0].TurnID != "turn_7" {
		t.Fatalf("first = %+v", reqs[0])
	}
	if reqs[1].Kind != KindEpisodicSearch || reqs[1].Query != "deploy notes" {
		t.Fatalf("second = %+v", reqs[1])
	}
}

func TestScanBoundedPerPass(t *testing.T) {
	p := NewParser(2)
	text := ""
	for i := 0; i < 5; i++ {
		text += fmt.Sprintf("[REQUEST_TIER:3:turn_%d] ", i)
	}
	reqs := p.Scan(text)
	if len(reqs) != 2 {
		t.Fatalf("expected bounded to 2, got %d", len(reqs))
	}
	if reqs[0].TurnID != "turn_0" || reqs[1].TurnID != "turn_1" {
		t.Fatalf("expected first requests kept: %+v", reqs)
	}
}

func TestStrip(t *testing.T) {
	in := "Here it is. [REQUEST_TIER:3:turn_42] The answer is blue. [SEARCH_EPISODIC:favorite color]"
	out := Strip(in)
	if out != "Here it is. The answer is blue." {
		t.Fatalf("Strip = %q", out)
	}
}

func TestStripRemovesMalformedMarkerShapes(t *testing.T) {
	in := "ok [REQUEST_TIER:9:nope] done"
	if out := Strip(in); out != "ok done" {
		t.Fatalf("Strip = %q", out)
	}
}

func TestStripPreservesUnrelatedBrackets(t *testing.T) {
	in := "array[3] and [citation] stay"
	if out := Strip(in); out != in {
		t.Fatalf("Strip = %q", out)
	}
}

func TestStripPreservesLineBreaks(t *testing.T) {
	in := "line one [REQUEST_TIER:2:turn_1]\nline two"
	if out := Strip(in); out != "line one\nline two" {
		t.Fatalf("Strip = %q", out)
	}
}

func TestStripNoMarkers(t *testing.T) {
	in := "nothing to do here"
	if out := Strip(in); out != in {
		t.Fatalf("Strip = %q", out)
	}
}
