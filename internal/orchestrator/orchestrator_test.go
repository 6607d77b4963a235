package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halcyonlabs/engram/internal/archive"
	"github.com/halcyonlabs/engram/internal/config"
	"github.com/halcyonlabs/engram/internal/conversation"
	"github.com/halcyonlabs/engram/internal/llm"
	"github.com/halcyonlabs/engram/internal/store"
	"github.com/halcyonlabs/engram/internal/window"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
}

func plain(text string) *llm.Response {
	return &llm.Response{Kind: llm.KindPlain, Text: text}
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return c.responses[len(c.responses)-1], nil
	}
	return c.responses[i], nil
}

func (c *scriptedClient) Summarize(ctx context.Context, text string) (string, error) {
	return "summary", nil
}

func (c *scriptedClient) request(i int) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeSearcher struct {
	hits    map[string][]archive.Entry
	queries []string
}

func (f *fakeSearcher) Search(sessionID, query string, topK, depth int) ([]archive.Entry, error) {
	f.queries = append(f.queries, query)
	return f.hits[query], nil
}

type fakeArchiver struct {
	turns map[string]conversation.Turn
}

func (f *fakeArchiver) ArchiveAndSummarize(ctx context.Context, sessionID string, turns []conversation.Turn) error {
	for _, turn := range turns {
		f.turns[turn.ID] = turn
	}
	return nil
}

func (f *fakeArchiver) Fetch(turnID string) (conversation.Turn, error) {
	turn, ok := f.turns[turnID]
	if !ok {
		return conversation.Turn{}, archive.ErrTurnNotFound
	}
	return turn, nil
}

type fixture struct {
	orch     *Orchestrator
	client   *scriptedClient
	searcher *fakeSearcher
	archiver *fakeArchiver
	windows  *window.Manager
}

func newFixture(t *testing.T, responses ...*llm.Response) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Archive.SearchDepth = 1

	client := &scriptedClient{responses: responses}
	searcher := &fakeSearcher{hits: make(map[string][]archive.Entry)}
	archiver := &fakeArchiver{turns: make(map[string]conversation.Turn)}
	dir := t.TempDir()
	windows := window.NewManager(cfg.Window, archiver, store.NewSessionStore(dir), store.NewFactStore(dir), nil)

	return &fixture{
		orch:     New(cfg, client, windows, searcher),
		client:   client,
		searcher: searcher,
		archiver: archiver,
		windows:  windows,
	}
}

// seedTurn plants a completed exchange directly in the window so markers
// have a real turn id to reference.
func seedTurn(f *fixture, sessionID, userText, answer string) conversation.Turn {
	s := f.windows.Session(sessionID, "u1")
	return s.RecordAssistantTurn(context.Background(), userText, window.AssistantText{
		Tier1: "terse note",
		Tier2: "Condensed summary of the exchange.",
		Tier3: answer,
	})
}

func TestPlainTurnWithoutMarkers(t *testing.T) {
	f := newFixture(t, plain("Hello there."))

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "hi")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Text != "Hello there." || res.Attempts != 1 || res.Degraded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.windows.Session("s1", "u1").Turns()) != 1 {
		t.Fatal("turn not committed")
	}
}

func TestTierUpgradeMarkerTriggersRegeneration(t *testing.T) {
	f := newFixture(t)
	seeded := seedTurn(f, "s1", "the launch date is March 12", "Noted, launch on March 12.")

	f.client.responses = []*llm.Response{
		plain(fmt.Sprintf("I need more detail. [REQUEST_TIER:3:%s]", seeded.ID)),
		plain("The launch date you mentioned is March 12."),
	}

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "when is the launch?")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if strings.Contains(res.Text, "[REQUEST_TIER") {
		t.Fatalf("marker leaked into final text: %q", res.Text)
	}

	// First prompt carried only the condensed turn; after the upgrade the
	// rebuilt prompt carries the full exchange text.
	first := f.client.request(0).SystemPrompt
	second := f.client.request(1).SystemPrompt
	if strings.Contains(first, "the launch date is March 12") {
		t.Fatalf("first prompt already at full fidelity:\n%s", first)
	}
	if !strings.Contains(second, "User: the launch date is March 12") {
		t.Fatalf("rebuilt prompt missing full-fidelity turn:\n%s", second)
	}

	// The escalation is durable on the turn itself.
	for _, turn := range f.windows.Session("s1", "u1").Turns() {
		if turn.ID == seeded.ID && turn.RequiredTier != conversation.TierFull {
			t.Fatalf("required tier = %d", turn.RequiredTier)
		}
	}
}

func TestEpisodicSearchMarkerReprompts(t *testing.T) {
	f := newFixture(t)
	f.searcher.hits["favorite color"] = []archive.Entry{{
		Turn: conversation.Turn{
			ID:           "turn_old",
			UserInput:    "my favorite color is blue",
			Tier3Text:    "Noted, your favorite color is blue.",
			RequiredTier: conversation.TierFull,
		},
		ChunkSummary: "talked about colors",
	}}
	f.client.responses = []*llm.Response{
		plain("Let me check. [SEARCH_EPISODIC:favorite color]"),
		plain("Your favorite color is blue."),
	}

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "what's my favorite color?")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Text != "Your favorite color is blue." {
		t.Fatalf("final text = %q", res.Text)
	}
	if len(f.searcher.queries) != 1 || f.searcher.queries[0] != "favorite color" {
		t.Fatalf("queries = %v", f.searcher.queries)
	}
	second := f.client.request(1).SystemPrompt
	if !strings.Contains(second, "my favorite color is blue") {
		t.Fatalf("search results missing from rebuilt prompt:\n%s", second)
	}
}

func TestSearchWithNoHitsStillInformsGenerator(t *testing.T) {
	f := newFixture(t,
		plain("[SEARCH_EPISODIC:old project name]"),
		plain("I don't have that in my archive."))

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "what was the project called?")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	second := f.client.request(1).SystemPrompt
	if !strings.Contains(second, `Archive search "old project name" found nothing.`) {
		t.Fatalf("empty-result note missing:\n%s", second)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
}

func TestArchivedTurnEscalationIsTransient(t *testing.T) {
	f := newFixture(t)
	f.archiver.turns["turn_old"] = conversation.Turn{
		ID:           "turn_old",
		UserInput:    "the wifi password is hunter2",
		Tier3Text:    "Saved.",
		RequiredTier: conversation.TierTerse,
	}
	f.client.responses = []*llm.Response{
		plain("[REQUEST_TIER:3:turn_old]"),
		plain("The wifi password you told me is hunter2."),
	}

	if _, err := f.orch.Respond(context.Background(), "s1", "u1", "what was the wifi password?"); err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	second := f.client.request(1).SystemPrompt
	if !strings.Contains(second, "turn_old, archived") || !strings.Contains(second, "hunter2") {
		t.Fatalf("archived turn missing from rebuilt prompt:\n%s", second)
	}
	// The fetched turn does not rejoin the active window.
	for _, turn := range f.windows.Session("s1", "u1").Turns() {
		if turn.ID == "turn_old" {
			t.Fatal("archived turn reinserted")
		}
	}
}

func TestUnknownTurnMarkerIsSkipped(t *testing.T) {
	f := newFixture(t,
		plain("[REQUEST_TIER:3:turn_missing] Working on it."),
		plain("Here is my answer anyway."))

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Text != "Here is my answer anyway." {
		t.Fatalf("final text = %q", res.Text)
	}
}

func TestMaxAttemptsBoundsRegeneration(t *testing.T) {
	f := newFixture(t, plain("still thinking [SEARCH_EPISODIC:anything]"))

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Attempts != config.DefaultMaxAttempts {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	if res.Text != "still thinking" {
		t.Fatalf("unresolved markers must still be stripped: %q", res.Text)
	}
	if f.client.calls() != config.DefaultMaxAttempts {
		t.Fatalf("generator calls = %d", f.client.calls())
	}
}

func TestGenerationFailureCommitsErrorTurn(t *testing.T) {
	f := newFixture(t, plain("unused"))
	f.client.errs = []error{fmt.Errorf("boom: %w", llm.ErrGeneration)}

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "hello")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	turns := f.windows.Session("s1", "u1").Turns()
	if len(turns) != 1 || turns[0].Tier3Text != degradedNotice {
		t.Fatalf("error turn not committed: %+v", turns)
	}
}

func TestTieredResponseCommitsProvidedTiers(t *testing.T) {
	f := newFixture(t, &llm.Response{
		Kind:  llm.KindTiered,
		Tier1: "short",
		Tier2: "A medium summary.",
		Tier3: "The full detailed answer.",
	})

	res, err := f.orch.Respond(context.Background(), "s1", "u1", "explain")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if res.Text != "The full detailed answer." {
		t.Fatalf("final text = %q", res.Text)
	}
	turn := f.windows.Session("s1", "u1").Turns()[0]
	if turn.Tier1Summary != "short" || turn.Tier2Summary != "A medium summary." {
		t.Fatalf("provided tiers not committed: %+v", turn)
	}
}

func TestLastKnownGoodTierPersistsAcrossTurns(t *testing.T) {
	f := newFixture(t)
	seeded := seedTurn(f, "s1", "my cat is named Miso", "Nice name.")

	f.client.responses = []*llm.Response{
		plain(fmt.Sprintf("[REQUEST_TIER:3:%s]", seeded.ID)),
		plain("Your cat is Miso."),
		plain("Second answer."),
	}

	if _, err := f.orch.Respond(context.Background(), "s1", "u1", "what's my cat's name?"); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	if _, err := f.orch.Respond(context.Background(), "s1", "u1", "thanks"); err != nil {
		t.Fatalf("second Respond: %v", err)
	}

	// The next turn starts at the escalated tier: its very first prompt
	// renders the window at full fidelity.
	third := f.client.request(2).SystemPrompt
	if !strings.Contains(third, "User: my cat is named Miso") {
		t.Fatalf("next turn did not start at last-known-good tier:\n%s", third)
	}
}

func TestConcurrentSessionsDoNotInterleaveTurns(t *testing.T) {
	f := newFixture(t, plain("ok"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i%2)
			if _, err := f.orch.Respond(context.Background(), sid, "u1", "ping"); err != nil {
				t.Errorf("Respond: %v", err)
			}
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("deadlocked")
	}

	if got := len(f.windows.Session("s0", "u1").Turns()); got != 4 {
		t.Fatalf("s0 turns = %d", got)
	}
	if got := len(f.windows.Session("s1", "u1").Turns()); got != 4 {
		t.Fatalf("s1 turns = %d", got)
	}
}
