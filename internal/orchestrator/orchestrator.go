// Package orchestrator runs the per-turn conversation loop: build the
// prompt from the active window, call the generation service, honor any
// control markers it emits (tier upgrades, episodic searches), regenerate
// within a bounded number of attempts, and commit the final clean reply.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/halcyonlabs/engram/internal/archive"
	"github.com/halcyonlabs/engram/internal/config"
	"github.com/halcyonlabs/engram/internal/conversation"
	"github.com/halcyonlabs/engram/internal/llm"
	"github.com/halcyonlabs/engram/internal/marker"
	"github.com/halcyonlabs/engram/internal/window"
)

// Searcher is the slice of the episodic archive the loop needs for
// [SEARCH_EPISODIC] markers.
type Searcher interface {
	Search(sessionID, query string, topK, depth int) ([]archive.Entry, error)
}

// Orchestrator drives whole turns. A per-session lock serializes each turn
// end to end, generation call included; different sessions run in parallel.
type Orchestrator struct {
	cfg     *config.Config
	client  llm.Client
	windows *window.Manager
	parser  *marker.Parser
	search  Searcher

	mu        sync.Mutex
	turnLocks map[string]*sync.Mutex
	lastTier  map[string]int
}

func New(cfg *config.Config, client llm.Client, windows *window.Manager, search Searcher) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		client:    client,
		windows:   windows,
		parser:    marker.NewParser(cfg.Marker.MaxRequestsPerPass),
		search:    search,
		turnLocks: make(map[string]*sync.Mutex),
		lastTier:  make(map[string]int),
	}
}

// Result is the outcome of one completed turn.
type Result struct {
	Text     string
	Turn     conversation.Turn
	Attempts int
	// Degraded reports that the generation service failed and Text is the
	// committed fallback notice rather than a generated reply.
	Degraded bool
}

const degradedNotice = "I ran into a problem reaching the generation service. Your message is saved; please try again."

// Respond runs one full turn for the session: record the user input,
// generate (regenerating after control markers, bounded by MaxAttempts),
// and commit the marker-stripped reply. Generation failure still commits a
// user-visible error turn so the exchange is never lost.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, userID, userText string) (*Result, error) {
	lock := o.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s := o.windows.Session(sessionID, userID)
	s.RecordUserTurn(userText)

	tierLevel := o.lastTierFor(sessionID)
	extras := make(map[string]conversation.Turn)
	var searchNotes []string

	var resp *llm.Response
	attempts := 0
	maxAttempts := o.cfg.Generator.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		req := o.buildRequest(s, tierLevel, extras, searchNotes, userText)

		r, err := o.client.Generate(ctx, req)
		if err != nil {
			log.Printf("[orchestrator] session %s: generation failed on attempt %d: %v", sessionID, attempt, err)
			turn := s.RecordAssistantTurn(ctx, userText, window.AssistantText{Tier3: degradedNotice})
			return &Result{Text: degradedNotice, Turn: turn, Attempts: attempt, Degraded: true}, nil
		}
		resp = r

		requests := o.parser.Scan(resp.BestText())
		if len(requests) == 0 {
			break
		}
		if attempt == maxAttempts {
			log.Printf("[orchestrator] session %s: %d control requests unresolved after final attempt", sessionID, len(requests))
			break
		}
		tierLevel = o.applyRequests(s, sessionID, requests, tierLevel, extras, &searchNotes)
	}

	final := marker.Strip(resp.BestText())
	at := window.AssistantText{Tier3: final}
	if resp.Kind == llm.KindTiered {
		at.Tier1 = marker.Strip(resp.Tier1)
		at.Tier2 = marker.Strip(resp.Tier2)
	}
	turn := s.RecordAssistantTurn(ctx, userText, at)
	o.setLastTier(sessionID, tierLevel)

	return &Result{Text: final, Turn: turn, Attempts: attempts}, nil
}

// applyRequests honors one pass of parsed control requests and returns the
// render tier for the next attempt. Individual failures are logged and
// skipped so one bad request cannot stall the loop.
func (o *Orchestrator) applyRequests(s *window.Session, sessionID string, requests []marker.ControlRequest, tierLevel int, extras map[string]conversation.Turn, searchNotes *[]string) int {
	for _, req := range requests {
		switch req.Kind {
		case marker.KindTierUpgrade:
			turn, transient, err := s.Escalate(req.TurnID, req.Tier)
			if err != nil {
				log.Printf("[orchestrator] session %s: tier upgrade for %s failed: %v", sessionID, req.TurnID, err)
				continue
			}
			if transient {
				extras[turn.ID] = turn
			}
			if req.Tier > tierLevel {
				tierLevel = req.Tier
			}
		case marker.KindEpisodicSearch:
			hits, err := o.search.Search(sessionID, req.Query, o.cfg.Archive.SearchTopK, o.cfg.Archive.SearchDepth)
			if err != nil {
				log.Printf("[orchestrator] session %s: episodic search %q failed: %v", sessionID, req.Query, err)
				continue
			}
			*searchNotes = append(*searchNotes, formatSearchNote(req.Query, hits))
		}
	}
	return tierLevel
}

const systemPrompt = `You are a helpful assistant with tiered conversational memory.
Earlier turns may appear condensed. To see a specific turn in more detail,
emit [REQUEST_TIER:{1|2|3}:{turn_id}] using the id shown before that turn.
To recall older archived conversation, emit [SEARCH_EPISODIC:{query}].
Markers are removed before the user sees your reply.`

// buildRequest assembles the generation request: system contract, known
// user facts, the window rendered at the current tier (escalated turns keep
// their own, higher tier), any archived turns fetched for this pass, and
// the results of earlier episodic searches.
func (o *Orchestrator) buildRequest(s *window.Session, tierLevel int, extras map[string]conversation.Turn, searchNotes []string, userText string) llm.Request {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if facts := s.Facts(); len(facts) > 0 {
		sb.WriteString("\n\nKnown facts about the user:")
		for _, f := range facts {
			sb.WriteString("\n- " + f)
		}
	}

	var ctxLines []string
	for _, turn := range s.Turns() {
		effective := tierLevel
		if turn.RequiredTier > effective {
			effective = turn.RequiredTier
		}
		text := strings.TrimSpace(turn.Render(effective))
		if text == "" {
			continue
		}
		ctxLines = append(ctxLines, fmt.Sprintf("(%s) %s", turn.ID, text))
	}
	for id, turn := range extras {
		text := strings.TrimSpace(turn.Render(turn.RequiredTier))
		if text == "" {
			continue
		}
		ctxLines = append(ctxLines, fmt.Sprintf("(%s, archived) %s", id, text))
	}
	if len(ctxLines) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(strings.Join(ctxLines, "\n"))
	}

	for _, note := range searchNotes {
		sb.WriteString("\n\n" + note)
	}

	return llm.Request{
		SystemPrompt: sb.String(),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userText}},
		Temperature:  o.cfg.Generator.Temperature,
		MaxTokens:    o.cfg.Generator.MaxTokens,
	}
}

func formatSearchNote(query string, hits []archive.Entry) string {
	if len(hits) == 0 {
		return fmt.Sprintf("Archive search %q found nothing.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Archive search %q found:", query)
	for _, hit := range hits {
		line := strings.TrimSpace(hit.Turn.Render(conversation.TierFull))
		if line == "" {
			line = hit.ChunkSummary
		}
		sb.WriteString("\n- " + line)
	}
	return sb.String()
}

func (o *Orchestrator) turnLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.turnLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.turnLocks[sessionID] = lock
	}
	return lock
}

func (o *Orchestrator) lastTierFor(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tier, ok := o.lastTier[sessionID]; ok {
		return tier
	}
	return conversation.TierTerse
}

func (o *Orchestrator) setLastTier(sessionID string, tier int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastTier[sessionID] = tier
}
