package tokencount

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/registry"
)

type rawModelJSON struct {
	ID                  string `json:"id"`
	Active              bool   `json:"active"`
	ContextWindow       int    `json:"context_window"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
}

func newRegistry(t *testing.T, models []rawModelJSON) *registry.Registry {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
	}))
	t.Cleanup(srv.Close)

	reg := registry.New(srv.URL, "test-key", zerolog.Nop(), clock.NewFake(time.Unix(0, 0)))
	if err := reg.Populate(context.Background()); err != nil {
		t.Fatalf("populate: %v", err)
	}
	return reg
}

func TestCountEmptyTextRejected(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "llama3-70b", Active: true, ContextWindow: 8192}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Count("", "llama3-70b")
	if !groqerr.Is(err, groqerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCountSTTModelAlwaysZero(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "whisper-large-v3", Active: true}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := c.Count("any non empty text here", "whisper-large-v3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 tokens for stt model, got %d", n)
	}
}

func TestCountMessagesAddsAssistantPrelude(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "llama3-70b", Active: true, ContextWindow: 8192}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	withUserLast := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hello"},
	}
	withAssistantLast := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
	}

	n1, err := c.CountMessages(withUserLast, "llama3-70b")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	preludeTokens := c.encode(assistantPrelude)
	expectedBase := n1 - preludeTokens

	n2, err := c.CountMessages(withAssistantLast, "llama3-70b")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	lastFramed := c.encode(render(Message{Role: RoleAssistant, Content: "hi there"}))
	if n2 != expectedBase+lastFramed {
		t.Errorf("expected no prelude reservation when last message is assistant: got %d want %d", n2, expectedBase+lastFramed)
	}
}

func TestCountMessagesRejectsEmptyOrMalformed(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "llama3-70b", Active: true, ContextWindow: 8192}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.CountMessages(nil, "llama3-70b"); !groqerr.Is(err, groqerr.KindMessageFormat) {
		t.Errorf("expected message-format error for empty list, got %v", err)
	}
	if _, err := c.CountMessages([]Message{{Role: "narrator", Content: "x"}}, "llama3-70b"); !groqerr.Is(err, groqerr.KindMessageFormat) {
		t.Errorf("expected message-format error for bad role, got %v", err)
	}
}

func TestValidateTokenLimitExceeded(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "tiny-model", Active: true, ContextWindow: 100}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	big := ""
	for i := 0; i < 400; i++ {
		big += "token "
	}
	messages := []Message{{Role: RoleUser, Content: big}}
	maxTokens := 20

	err = c.Validate(messages, "tiny-model", &maxTokens)
	if !groqerr.Is(err, groqerr.KindTokenLimitExceeded) {
		t.Fatalf("expected token-limit-exceeded, got %v", err)
	}
}

func TestValidateCountsToolDefinitionsAgainstWindow(t *testing.T) {
	// Size the context window to exactly the message-only token count,
	// computed from a separate wide-window registry, so messages alone
	// fit precisely and any nonzero tool cost is guaranteed to exceed it.
	wideReg := newRegistry(t, []rawModelJSON{{ID: "m", Active: true, ContextWindow: 1 << 20}})
	wideCounter, err := New(wideReg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	messages := []Message{{Role: RoleUser, Content: "hi"}}
	baseline, err := wideCounter.CountMessages(messages, "m")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}

	tightReg := newRegistry(t, []rawModelJSON{{ID: "m", Active: true, ContextWindow: baseline}})
	tightCounter, err := New(tightReg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := tightCounter.Validate(messages, "m", nil); err != nil {
		t.Fatalf("expected messages alone to fit a window sized to their exact count, got %v", err)
	}

	tool := Tool{
		Name:        "search",
		Description: "search the web for a query and return a page of results",
		Parameters:  `{"type":"object","properties":{"query":{"type":"string"}}}`,
	}
	if err := tightCounter.Validate(messages, "m", nil, tool); !groqerr.Is(err, groqerr.KindTokenLimitExceeded) {
		t.Fatalf("expected tool definitions to push a tightly-sized window over budget, got %v", err)
	}
}

func TestValidatePassesWithNoContextWindow(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "whisper-large-v3", Active: true}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	messages := []Message{{Role: RoleUser, Content: "hello"}}
	if err := c.Validate(messages, "whisper-large-v3", nil); err != nil {
		t.Fatalf("expected no limit validation without a context window, got %v", err)
	}
}

func TestRecordUsageAccumulatesTotal(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "llama3-70b", Active: true, ContextWindow: 8192}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.RecordUsage(UsageRecord{Model: "llama3-70b", TokenCount: 10, MessageCount: 2})
	c.RecordUsage(UsageRecord{Model: "llama3-70b", TokenCount: 15, MessageCount: 3})

	if c.Total() != 25 {
		t.Fatalf("expected running total 25, got %d", c.Total())
	}
	hist := c.History(1)
	if len(hist) != 1 || hist[0].TokenCount != 15 {
		t.Fatalf("expected most recent record with 15 tokens, got %+v", hist)
	}
}

func TestCountToolsEmptyIsZero(t *testing.T) {
	reg := newRegistry(t, []rawModelJSON{{ID: "llama3-70b", Active: true, ContextWindow: 8192}})
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := c.CountTools(nil); n != 0 {
		t.Fatalf("expected 0 for no tools, got %d", n)
	}
	n := c.CountTools([]Tool{{Name: "search", Description: "web search", Parameters: `{"type":"object"}`}})
	if n <= 0 {
		t.Fatalf("expected positive token count for a tool definition, got %d", n)
	}
}
