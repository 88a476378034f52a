// Package chatapi is the thin validating adapter between the admission
// pipeline and the OpenAI-compatible chat completion endpoint: it
// checks model/messages mutual presence and per-message format, then
// runs token and rate-limit gating before dispatch.
package chatapi

import (
	"context"

	"github.com/emirhan-k/groq-go/admission"
	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/tokencount"
	"github.com/emirhan-k/groq-go/transport"
)

const completionsPath = "/chat/completions"

// Message is an alias of tokencount.Message (the same type, not a
// copy), re-exported so callers can name it through this package.
type Message = tokencount.Message

// Request is a chat completion request.
type Request struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []tokencount.Tool `json:"tools,omitempty"`
}

// Response is an OpenAI-compatible chat completion response.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is the provider-reported token accounting for one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one server-sent delta of a streaming completion.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one delta within a StreamChunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// HeaderIngester is satisfied by *ratelimit.Tracker; kept as an
// interface here so this package doesn't need to import ratelimit.
type HeaderIngester interface {
	Ingest(header map[string][]string)
}

// UsageRecorder is satisfied by *tokencount.Counter.
type UsageRecorder interface {
	RecordUsage(tokencount.UsageRecord)
}

// API is the validating adapter over the admission gate and transport.
type API struct {
	gate    *admission.Gate
	tr      *transport.Transport
	tracker HeaderIngester
	usage   UsageRecorder
}

// New returns an API bound to the given admission gate, transport, the
// tracker it feeds response headers to, and the counter it records
// successful completions to.
func New(gate *admission.Gate, tr *transport.Transport, tracker HeaderIngester, usage UsageRecorder) *API {
	return &API{gate: gate, tr: tr, tracker: tracker, usage: usage}
}

// Evaluate runs the admission check for req without dispatching
// anything, for callers (the queue worker) that need the Verdict
// before deciding whether to run Complete now.
func (a *API) Evaluate(req Request) admission.Verdict {
	return a.gate.EvaluateChat(req.Model, req.Messages, req.MaxTokens, req.Tools...)
}

// Complete sends req and returns the decoded response. The response's
// rate-limit headers are ingested whenever a response arrives, even a
// non-2xx one; usage is recorded only on success.
// Callers are expected to have already obtained a Go verdict from
// Evaluate; Complete does not re-check admission.
func (a *API) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		return nil, groqerr.Validation("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, groqerr.Validation("messages must not be empty")
	}

	var resp Response
	headers, err := a.tr.PostJSON(ctx, completionsPath, req, &resp)
	if headers != nil {
		a.tracker.Ingest(headers)
	}
	if err != nil {
		return nil, err
	}

	a.usage.RecordUsage(tokencount.UsageRecord{
		Model:        req.Model,
		TokenCount:   resp.Usage.TotalTokens,
		RequestID:    resp.ID,
		MessageCount: len(req.Messages),
	})
	return &resp, nil
}

// CompleteStream sends req with streaming enabled and returns a Stream
// of decoded chunks. The initial response's rate-limit headers are
// ingested once, up front, before the Stream is returned; streamed
// chunks carry no further headers to ingest and no usage is recorded
// for a streamed completion.
func (a *API) CompleteStream(ctx context.Context, req Request) (*Stream, error) {
	if req.Model == "" {
		return nil, groqerr.Validation("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, groqerr.Validation("messages must not be empty")
	}

	wire := wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       req.Tools,
		Stream:      true,
	}

	raw, err := a.tr.PostStream(ctx, completionsPath, wire)
	if err != nil {
		return nil, err
	}
	a.tracker.Ingest(raw.Headers())
	return &Stream{raw: raw}, nil
}

// Stream yields decoded StreamChunks from an in-flight chat completion.
type Stream struct {
	raw *transport.Stream
}

// Next decodes the next chunk, returning io.EOF once the stream ends.
func (s *Stream) Next() (*StreamChunk, error) {
	var chunk StreamChunk
	if err := s.raw.Next(&chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// Close releases the underlying connection.
func (s *Stream) Close() error { return s.raw.Close() }

// wireRequest is Request plus the stream flag Request itself never
// sets, since Stream's value is determined by which API method the
// caller used rather than by the caller directly.
type wireRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []tokencount.Tool `json:"tools,omitempty"`
	Stream      bool              `json:"stream"`
}
