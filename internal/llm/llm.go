package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrGeneration marks generation-service failures (network, timeout,
// malformed payload). Callers branch on it with errors.Is.
var ErrGeneration = errors.New("generation service error")

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a chat message sent to the generation service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call: ordered history plus a system prompt.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// ResponseKind tags the shape the generation service answered with.
type ResponseKind int

const (
	KindPlain ResponseKind = iota
	KindTiered
)

// Response is the tagged union of the two upstream answer shapes: a bare
// string, or a tiered object whose tier-3 text may embed control markers.
// The shape is resolved once here; the core never sees untyped payloads.
type Response struct {
	Kind  ResponseKind
	Text  string
	Tier1 string
	Tier2 string
	Tier3 string
}

// BestText returns the highest-fidelity text available.
func (r *Response) BestText() string {
	if r.Kind == KindTiered {
		return r.Tier3
	}
	return r.Text
}

// Client is the opaque generation capability: main responses plus the
// summarization used for chunk summaries and tier-2 synopses.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Summarize(ctx context.Context, text string) (string, error)
}

// resolveResponse converts raw completion content into the tagged union.
// A JSON object carrying tier fields is a tiered answer; anything else is
// plain text.
func resolveResponse(content string) *Response {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var tiered struct {
			Tier1 string `json:"tier1"`
			Tier2 string `json:"tier2"`
			Tier3 string `json:"tier3"`
		}
		if err := json.Unmarshal([]byte(trimmed), &tiered); err == nil && strings.TrimSpace(tiered.Tier3) != "" {
			return &Response{
				Kind:  KindTiered,
				Tier1: strings.TrimSpace(tiered.Tier1),
				Tier2: strings.TrimSpace(tiered.Tier2),
				Tier3: strings.TrimSpace(tiered.Tier3),
			}
		}
	}
	return &Response{Kind: KindPlain, Text: trimmed}
}
