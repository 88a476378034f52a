package groq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emirhan-k/groq-go/admission"
	"github.com/emirhan-k/groq-go/chatapi"
	"github.com/emirhan-k/groq-go/config"
	"github.com/emirhan-k/groq-go/queue"
	"github.com/emirhan-k/groq-go/tokencount"
)

// newTestServer serves both /models and the given handler for every
// other path, mimicking the provider's single base URL.
func newTestServer(t *testing.T, other http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "llama3-70b", "active": true, "context_window": 8192}},
		})
	})
	mux.HandleFunc("/chat/completions", other)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, other http.HandlerFunc) *Client {
	t.Helper()
	srv := newTestServer(t, other)

	cfg := &config.Config{
		APIKey:             "test-key",
		BaseURL:            srv.URL,
		Plan:               config.PlanFree,
		QueueCapacity:      10,
		ModelCacheInterval: 0,
		LogLevel:           "error",
		Env:                "production",
	}

	c, err := NewClient(cfg, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientPopulatesRegistryAndValidatesConfig(t *testing.T) {
	badCfg := &config.Config{}
	if _, err := NewClient(badCfg); err == nil {
		t.Fatal("expected validation error for empty config")
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called while constructing a client")
	})
	if !c.registry.IsSupported("llama3-70b") {
		t.Fatal("expected NewClient to populate the model registry before returning")
	}
}

func TestChatCompletionDirectCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit-requests", "100")
		_ = json.NewEncoder(w).Encode(chatapi.Response{
			ID:      "chatcmpl-1",
			Choices: []chatapi.Choice{{Message: chatapi.Message{Role: "assistant", Content: "hi"}}},
			Usage:   chatapi.Usage{TotalTokens: 5},
		})
	})

	resp, err := c.ChatCompletion(context.Background(), chatapi.Request{
		Model:    "llama3-70b",
		Messages: []chatapi.Message{{Role: tokencount.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	status := c.RateLimitStatus()
	if !status[0].Known {
		t.Fatal("expected rate-limit status known after a completed request")
	}
}

func TestChatCompletionBlocksOutRateLimitWaitThenSucceeds(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatapi.Response{
			ID:      "chatcmpl-3",
			Choices: []chatapi.Choice{{Message: chatapi.Message{Role: "assistant", Content: "after wait"}}},
			Usage:   chatapi.Usage{TotalTokens: 1},
		})
	})

	// Force a Wait verdict: requests quota known but exhausted, reset
	// due in a fraction of a second.
	c.tracker.Ingest(map[string][]string{
		"x-ratelimit-limit-requests":     {"1"},
		"x-ratelimit-remaining-requests": {"0"},
		"x-ratelimit-reset-requests":     {"200ms"},
	})

	req := chatapi.Request{
		Model:    "llama3-70b",
		Messages: []chatapi.Message{{Role: tokencount.RoleUser, Content: "hello"}},
	}
	if v := c.EvaluateChat(req); v.Tag != admission.Wait {
		t.Fatalf("expected a Wait verdict to set up this test, got %+v", v)
	}

	resp, err := c.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content != "after wait" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEnqueueChatCompletionDrainsAndDelivers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatapi.Response{
			ID:      "chatcmpl-2",
			Choices: []chatapi.Choice{{Message: chatapi.Message{Role: "assistant", Content: "queued"}}},
			Usage:   chatapi.Usage{TotalTokens: 3},
		})
	})

	req := chatapi.Request{
		Model:    "llama3-70b",
		Messages: []chatapi.Message{{Role: tokencount.RoleUser, Content: "hello"}},
	}
	id, resultCh, err := c.EnqueueChatCompletion(req, queue.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("EnqueueChatCompletion: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty request id")
	}

	if err := c.queue.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	result := <-resultCh
	if result.Err != nil {
		t.Fatalf("unexpected result error: %v", result.Err)
	}
	resp, ok := result.Value.(*chatapi.Response)
	if !ok || resp.Choices[0].Message.Content != "queued" {
		t.Fatalf("unexpected queued result: %+v", result)
	}
}

func TestQueueClearEmptiesPendingRequests(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called for a cleared queued request")
	})

	req := chatapi.Request{
		Model:    "llama3-70b",
		Messages: []chatapi.Message{{Role: tokencount.RoleUser, Content: "hello"}},
	}
	if _, _, err := c.EnqueueChatCompletion(req, queue.PriorityNormal, 0); err != nil {
		t.Fatalf("EnqueueChatCompletion: %v", err)
	}
	if status := c.QueueStatus(); status.QueueSizes[queue.PriorityNormal] != 1 {
		t.Fatalf("expected one queued request, got %+v", status)
	}

	c.QueueClear(nil)

	if status := c.QueueStatus(); status.QueueSizes[queue.PriorityNormal] != 0 {
		t.Fatalf("expected queue cleared, got %+v", status)
	}
}

func TestEvaluateChatRejectsEmptyModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("transport should not be called for a rejected evaluation")
	})

	v := c.EvaluateChat(chatapi.Request{Messages: []chatapi.Message{{Role: "user", Content: "hi"}}})
	if v.Tag != admission.Reject {
		t.Fatalf("expected Reject verdict for empty model, got %+v", v)
	}
}
