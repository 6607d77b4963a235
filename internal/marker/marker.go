// Package marker parses the control-marker grammar embedded in generated
// text. The two forms below are a load-bearing wire format shared with the
// prompting contract; any change here is a breaking change:
//
//	[REQUEST_TIER:{1|2|3}:{turn_id}]
//	[SEARCH_EPISODIC:{query text}]
package marker

import (
	"log"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags a parsed control request.
type Kind int

const (
	KindTierUpgrade Kind = iota
	KindEpisodicSearch
)

// ControlRequest is a transient parsed marker, consumed within one loop
// iteration and never persisted.
type ControlRequest struct {
	Kind   Kind
	Tier   int    // tier upgrade
	TurnID string // tier upgrade
	Query  string // episodic search
}

var (
	// candidateRegex finds anything shaped like one of our markers,
	// well-formed or not, so Strip can remove them all.
	candidateRegex = regexp.MustCompile(`\[(?:REQUEST_TIER|SEARCH_EPISODIC):[^\[\]]*\]`)
	tierRegex      = regexp.MustCompile(`^\[REQUEST_TIER:(\d+):([^:\[\]\s]+)\]$`)
	searchRegex    = regexp.MustCompile(`^\[SEARCH_EPISODIC:([^\[\]]+)\]$`)
)

// Parser scans generated text for control requests. MaxRequests bounds how
// many are honored per loop iteration to prevent runaway regeneration.
type Parser struct {
	MaxRequests int
}

func NewParser(maxRequests int) *Parser {
	if maxRequests <= 0 {
		maxRequests = 2
	}
	return &Parser{MaxRequests: maxRequests}
}

// Scan extracts well-formed control requests from free text. Malformed or
// out-of-range markers are logged and skipped, never fatal. The source text
// is not modified; see Strip.
func (p *Parser) Scan(text string) []ControlRequest {
	candidates := candidateRegex.FindAllString(text, -1)
	if len(candidates) == 0 {
		return nil
	}

	requests := make([]ControlRequest, 0, len(candidates))
	for _, raw := range candidates {
		req, ok := parseCandidate(raw)
		if !ok {
			log.Printf("[marker] ignoring malformed control marker %q", raw)
			continue
		}
		requests = append(requests, req)
	}

	if len(requests) > p.MaxRequests {
		log.Printf("[marker] honoring %d of %d control requests this pass", p.MaxRequests, len(requests))
		requests = requests[:p.MaxRequests]
	}
	return requests
}

func parseCandidate(raw string) (ControlRequest, bool) {
	if m := tierRegex.FindStringSubmatch(raw); m != nil {
		tier, err := strconv.Atoi(m[1])
		if err != nil || tier < 1 || tier > 3 {
			return ControlRequest{}, false
		}
		return ControlRequest{Kind: KindTierUpgrade, Tier: tier, TurnID: m[2]}, true
	}
	if m := searchRegex.FindStringSubmatch(raw); m != nil {
		query := strings.TrimSpace(m[1])
		if query == "" {
			return ControlRequest{}, false
		}
		return ControlRequest{Kind: KindEpisodicSearch, Query: query}, true
	}
	return ControlRequest{}, false
}

// Strip returns text with every marker-shaped fragment removed, collapsing
// the whitespace gaps left behind. The input is never mutated in place.
func Strip(text string) string {
	if !strings.Contains(text, "[") {
		return text
	}
	out := candidateRegex.ReplaceAllString(text, "")
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
