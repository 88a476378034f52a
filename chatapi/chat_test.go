package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/admission"
	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/ratelimit"
	"github.com/emirhan-k/groq-go/registry"
	"github.com/emirhan-k/groq-go/tokencount"
	"github.com/emirhan-k/groq-go/transport"
)

type fakeUsageRecorder struct {
	records []tokencount.UsageRecord
}

func (f *fakeUsageRecorder) RecordUsage(r tokencount.UsageRecord) {
	f.records = append(f.records, r)
}

func setup(t *testing.T, chatHandler http.HandlerFunc) (*API, *ratelimit.Tracker, *fakeUsageRecorder) {
	t.Helper()

	modelsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "llama3-70b", "active": true, "context_window": 8192}},
		})
	}))
	t.Cleanup(modelsSrv.Close)

	fc := clock.NewFake(time.Unix(0, 0))
	reg := registry.New(modelsSrv.URL, "test-key", zerolog.Nop(), fc)
	if err := reg.Populate(context.Background()); err != nil {
		t.Fatalf("populate: %v", err)
	}
	counter, err := tokencount.New(reg)
	if err != nil {
		t.Fatalf("tokencount.New: %v", err)
	}
	tracker := ratelimit.New(zerolog.Nop(), fc)
	gate := admission.New(reg, counter, tracker)

	apiSrv := httptest.NewServer(chatHandler)
	t.Cleanup(apiSrv.Close)
	tr := transport.New(apiSrv.URL, "test-key", apiSrv.Client(), zerolog.Nop())

	usage := &fakeUsageRecorder{}
	return New(gate, tr, tracker, usage), tracker, usage
}

func TestCompleteSucceedsAndRecordsUsage(t *testing.T) {
	api, tracker, usage := setup(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit-requests", "100")
		w.Header().Set("x-ratelimit-remaining-requests", "99")
		_ = json.NewEncoder(w).Encode(Response{
			ID:      "chatcmpl-1",
			Choices: []Choice{{Message: Message{Role: "assistant", Content: "hi"}}},
			Usage:   Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
		})
	})

	resp, err := api.Complete(context.Background(), Request{
		Model:    "llama3-70b",
		Messages: []Message{{Role: tokencount.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Fatalf("expected total tokens 7, got %d", resp.Usage.TotalTokens)
	}
	if len(usage.records) != 1 || usage.records[0].TokenCount != 7 {
		t.Fatalf("expected usage recorded, got %+v", usage.records)
	}

	status := tracker.StatusSummary()
	if !status[ratelimit.QuotaRequests].Known {
		t.Fatal("expected requests quota to be known after ingesting headers")
	}
}

func TestCompleteRejectsEmptyModelOrMessages(t *testing.T) {
	api, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called for a validation failure")
	})

	if _, err := api.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatal("expected error for missing model")
	}
	if _, err := api.Complete(context.Background(), Request{Model: "llama3-70b"}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestEvaluateReflectsAdmission(t *testing.T) {
	api, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called by Evaluate")
	})

	v := api.Evaluate(Request{
		Model:    "llama3-70b",
		Messages: []Message{{Role: tokencount.RoleUser, Content: "hello"}},
	})
	if v.Tag != admission.Go {
		t.Fatalf("expected Go verdict, got %+v", v)
	}
}

func TestEvaluateCountsToolDefinitions(t *testing.T) {
	api, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called by Evaluate")
	})

	withoutTools := api.Evaluate(Request{
		Model:    "llama3-70b",
		Messages: []Message{{Role: tokencount.RoleUser, Content: "hello"}},
	})
	withTools := api.Evaluate(Request{
		Model:    "llama3-70b",
		Messages: []Message{{Role: tokencount.RoleUser, Content: "hello"}},
		Tools: []tokencount.Tool{{
			Name:        "search",
			Description: "search the web for a query and return a page of results",
			Parameters:  `{"type":"object","properties":{"query":{"type":"string"}}}`,
		}},
	})
	if withTools.CountedTokens <= withoutTools.CountedTokens {
		t.Fatalf("expected tool definitions to add to the counted tokens: without=%d with=%d",
			withoutTools.CountedTokens, withTools.CountedTokens)
	}
}

func TestCompleteStreamYieldsChunks(t *testing.T) {
	api, _, _ := setup(t, func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"a\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	})

	stream, err := api.CompleteStream(context.Background(), Request{
		Model:    "llama3-70b",
		Messages: []Message{{Role: tokencount.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Delta.Content != "a" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}
