package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/halcyonlabs/engram/internal/config"
	"github.com/halcyonlabs/engram/internal/orchestrator"
)

type fakeResponder struct {
	replies  map[string]string
	received []string
}

func (f *fakeResponder) Respond(ctx context.Context, sessionID, userID, userText string) (*orchestrator.Result, error) {
	f.received = append(f.received, userText)
	reply, ok := f.replies[userText]
	if !ok {
		reply = "I don't know."
	}
	return &orchestrator.Result{Text: reply}, nil
}

func TestChatSingleMessage(t *testing.T) {
	messageFlag = "hello"
	defer func() { messageFlag = "" }()

	responder := &fakeResponder{replies: map[string]string{"hello": "Hi!"}}
	var out bytes.Buffer
	if err := runChatWithOptions(ChatOptions{Responder: responder, Stdout: &out}); err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "Hi!" {
		t.Fatalf("output = %q", got)
	}
	if len(responder.received) != 1 || responder.received[0] != "hello" {
		t.Fatalf("received = %v", responder.received)
	}
}

func TestChatREPLSkipsBlankAndExits(t *testing.T) {
	messageFlag = ""

	responder := &fakeResponder{replies: map[string]string{"ping": "pong"}}
	stdin := strings.NewReader("ping\n\n   \nexit\nnever sent\n")
	var out bytes.Buffer
	if err := runChatWithOptions(ChatOptions{Responder: responder, Stdin: stdin, Stdout: &out}); err != nil {
		t.Fatalf("runChatWithOptions error: %v", err)
	}

	if len(responder.received) != 1 {
		t.Fatalf("received = %v", responder.received)
	}
	if !strings.Contains(out.String(), "pong") {
		t.Fatalf("output missing reply:\n%s", out.String())
	}
}

func TestBuildAppWiresEverything(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Setenv("ENGRAM_API_KEY", "test-key")
	t.Setenv("ENGRAM_BASE_URL", "http://127.0.0.1:0")
	t.Setenv("ENGRAM_DATA_DIR", t.TempDir())
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := buildApp(cfg)
	if err != nil {
		t.Fatalf("buildApp error: %v", err)
	}
	defer a.Close()

	if a.orch == nil || a.windows == nil || a.arch == nil || a.upkeep == nil {
		t.Fatalf("incomplete app: %+v", a)
	}
	stats, err := a.arch.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Entries != 0 {
		t.Fatalf("fresh archive not empty: %+v", stats)
	}
}
