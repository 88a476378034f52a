// Package tokencount deterministically estimates the token cost of a
// prompt or message sequence with the cl100k_base BPE encoding, the
// way the pack's agent.TokenCounter wires tiktoken-go, adapted to the
// canonical im_start/im_end message framing the service expects and
// to the bounded usage-history bookkeeping this client tracks.
package tokencount

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/registry"
)

const encodingName = "cl100k_base"

// assistantPrelude is the literal trailing fragment reserved when the
// last message in a sequence isn't already from the assistant.
const assistantPrelude = "<|im_start|>assistant\n"

// Message is a single chat turn. Role must be one of the enumerated
// values and Content must be non-empty.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

func validRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Tool is a function-calling tool definition, counted as part of the
// prompt's token cost when present. It marshals to the provider's
// nested {"type":"function","function":{...}} wire shape.
type Tool struct {
	Name        string
	Description string
	Parameters  string // raw JSON schema, already serialized
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

// MarshalJSON encodes Tool in the provider's nested function-tool shape.
func (t Tool) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTool{
		Type: "function",
		Function: wireFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  json.RawMessage(t.Parameters),
		},
	})
}

// UnmarshalJSON decodes a provider-shaped function tool into a flat Tool.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var w wireTool
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Name = w.Function.Name
	t.Description = w.Function.Description
	t.Parameters = string(w.Function.Parameters)
	return nil
}

// UsageRecord is one accounted dispatch.
type UsageRecord struct {
	Timestamp   time.Time
	Model       string
	TokenCount  int
	RequestID   string
	MessageCount int
}

// Counter tokenizes with a single shared cl100k_base encoder and
// tracks usage history.
type Counter struct {
	registry *registry.Registry

	mu      sync.Mutex
	encoder *tiktoken.Tiktoken

	historyMu sync.Mutex
	history   []UsageRecord
	total     int64
}

// New returns a Counter backed by the given model registry, used to
// resolve a model's kind and context window. Returns an error if the
// cl100k_base encoder cannot be constructed.
func New(reg *registry.Registry) (*Counter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load %s encoding: %w", encodingName, err)
	}
	return &Counter{registry: reg, encoder: enc}, nil
}

// Count tokenizes a single string for the given model. For an stt
// model, 0 is returned unconditionally since tokens aren't its cost
// axis. text must be non-empty.
func (c *Counter) Count(text string, model string) (int, error) {
	if text == "" {
		return 0, groqerr.Validation("text must not be empty")
	}
	kind, err := c.registry.Kind(model)
	if err != nil {
		return 0, err
	}
	if kind == registry.KindSTT {
		return 0, nil
	}
	return c.encode(text), nil
}

func (c *Counter) encode(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

func render(m Message) string {
	return fmt.Sprintf("<|im_start|>%s\n%s<|im_end|>", m.Role, m.Content)
}

// CountMessages renders each message into its canonical framed form,
// tokenizes each independently, and sums. If the last message isn't
// from the assistant, the assistant-prelude tokens are added to
// reserve space for the response.
func (c *Counter) CountMessages(messages []Message, model string) (int, error) {
	if len(messages) == 0 {
		return 0, groqerr.MessageFormat("message sequence must not be empty")
	}
	for _, m := range messages {
		if !validRole(m.Role) || m.Content == "" {
			return 0, groqerr.MessageFormat(fmt.Sprintf("malformed message: role=%q", m.Role))
		}
	}

	total := 0
	for _, m := range messages {
		total += c.encode(render(m))
	}
	if messages[len(messages)-1].Role != RoleAssistant {
		total += c.encode(assistantPrelude)
	}
	return total, nil
}

// CountTools estimates the token cost of a tool/function-definition
// list, added to the prompt's token cost when tools are present.
func (c *Counter) CountTools(tools []Tool) int {
	if len(tools) == 0 {
		return 0
	}
	total := 0
	for _, t := range tools {
		total += c.encode(t.Name)
		total += c.encode(t.Description)
		if t.Parameters != "" {
			total += c.encode(t.Parameters)
		}
		total += 8
	}
	total += 12
	return total
}

// Validate checks that the counted input tokens (messages plus any
// declared tool definitions, plus any declared maxTokens reservation)
// fit within the model's context window. If maxTokens is nil the
// registry's context window substitutes as the single limit; if the
// registry reports no window (0), validation passes unconditionally.
func (c *Counter) Validate(messages []Message, model string, maxTokens *int, tools ...Tool) error {
	window, err := c.registry.ContextWindow(model)
	if err != nil {
		return err
	}
	if window == 0 {
		return nil
	}

	counted, err := c.CountMessages(messages, model)
	if err != nil {
		return err
	}
	counted += c.CountTools(tools)

	requested := counted
	if maxTokens != nil {
		requested += *maxTokens
	}
	if requested > window {
		return groqerr.TokenLimitExceeded(model, requested, window)
	}
	return nil
}

// RecordUsage appends a UsageRecord and updates the running total.
func (c *Counter) RecordUsage(rec UsageRecord) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, rec)
	c.total += int64(rec.TokenCount)
}

// Total returns the running sum of every recorded UsageRecord's
// TokenCount.
func (c *Counter) Total() int64 {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return c.total
}

// History returns the most recent limit usage records, oldest first
// within the returned slice. No eviction is enforced in-core; the
// caller's query limit simply bounds what's returned.
func (c *Counter) History(limit int) []UsageRecord {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	start := len(c.history) - limit
	out := make([]UsageRecord, limit)
	copy(out, c.history[start:])
	return out
}
