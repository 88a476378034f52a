// Package groq is the top-level client: it wires the registry, token
// counter, rate-limit tracker, admission gate, priority queue, and
// transport into a single Client and exposes the chat-completion and
// transcription surface, both as direct blocking calls and as
// queue-scheduled ones, following a functional-options construction
// idiom and a config -> logger -> registry -> queue -> transport
// wiring order.
package groq

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/admission"
	"github.com/emirhan-k/groq-go/chatapi"
	"github.com/emirhan-k/groq-go/config"
	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/logger"
	"github.com/emirhan-k/groq-go/queue"
	"github.com/emirhan-k/groq-go/ratelimit"
	"github.com/emirhan-k/groq-go/registry"
	"github.com/emirhan-k/groq-go/sttapi"
	"github.com/emirhan-k/groq-go/tokencount"
	"github.com/emirhan-k/groq-go/transport"
)

// Version is the module's SDK version, reported in the User-Agent.
const Version = "0.1.0"

// Client is the entry point: one per credential/base URL pair. Safe
// for concurrent use by multiple goroutines.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	registry *registry.Registry
	counter  *tokencount.Counter
	tracker  *ratelimit.Tracker
	gate     *admission.Gate
	queue    *queue.Manager

	chat *chatapi.API
	stt  *sttapi.API

	poolMetrics *transport.PoolMetrics
	clock       clock.Clock
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	poolConfig transport.PoolConfig
	startQueue bool
}

// WithHTTPClient overrides the pooled client NewClient builds internally.
// The caller owns its lifecycle; pool metrics are unavailable in this
// mode since no PoolMetrics instance backs a caller-supplied client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithTimeout overrides the pooled http.Client's own Timeout (the
// backstop behind transport's per-operation JSON/multipart
// deadlines). Ignored if WithHTTPClient is also given.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithPoolConfig overrides the default connection-pool tuning used
// when building the default pooled client.
func WithPoolConfig(cfg transport.PoolConfig) ClientOption {
	return func(o *clientOptions) { o.poolConfig = cfg }
}

// WithBackgroundQueue starts the PriorityQueueManager's background
// worker immediately, so queued requests begin draining without the
// caller needing to call Client.StartQueue explicitly.
func WithBackgroundQueue() ClientOption {
	return func(o *clientOptions) { o.startQueue = true }
}

// NewClient builds a Client from an already-loaded Config. Use
// config.Load to build cfg from the environment, or construct one
// directly for tests.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{
		timeout:    transport.DefaultTimeout,
		poolConfig: transport.DefaultPoolConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}

	log := logger.New(cfg)
	rc := clock.Real{}

	httpClient := o.httpClient
	var poolMetrics *transport.PoolMetrics
	if httpClient == nil {
		httpClient, poolMetrics = transport.NewPooledClient(o.poolConfig, o.timeout)
	}

	reg := registry.New(cfg.BaseURL, cfg.APIKey, log, rc)
	if cfg.ModelCacheInterval > 0 {
		reg.SetFetchInterval(cfg.ModelCacheInterval)
	}
	if err := reg.Populate(context.Background()); err != nil {
		return nil, fmt.Errorf("populate model registry: %w", err)
	}

	counter, err := tokencount.New(reg)
	if err != nil {
		return nil, fmt.Errorf("build token counter: %w", err)
	}

	tracker := ratelimit.New(log, rc)
	gate := admission.New(reg, counter, tracker)
	qm := queue.New(tracker, log, cfg.QueueCapacity, rc)
	tr := transport.New(cfg.BaseURL, cfg.APIKey, httpClient, log)

	c := &Client{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		counter:     counter,
		tracker:     tracker,
		gate:        gate,
		queue:       qm,
		chat:        chatapi.New(gate, tr, tracker, counter),
		stt:         sttapi.New(gate, tr, tracker, cfg.MaxAudioFileSize()),
		poolMetrics: poolMetrics,
		clock:       rc,
	}

	if o.startQueue {
		qm.Start()
	}

	return c, nil
}

// Close stops the background queue worker, if running. Safe to call
// even if the queue was never started.
func (c *Client) Close() error {
	c.queue.Stop()
	return nil
}

// StartQueue starts the PriorityQueueManager's background worker.
// Idempotent.
func (c *Client) StartQueue() { c.queue.Start() }

// StopQueue stops the background worker, letting in-flight work
// finish. Idempotent.
func (c *Client) StopQueue() { c.queue.Stop() }

// QueueStatus returns a snapshot of the queue's per-priority depths
// and lifetime counters.
func (c *Client) QueueStatus() queue.Status { return c.queue.Status() }

// QueueClear empties one priority's pending queue, or every priority
// if priority is nil. Requests already in flight are unaffected.
func (c *Client) QueueClear(priority *queue.Priority) { c.queue.Clear(priority) }

// RateLimitStatus returns the tracker's last-known quota usage per
// dimension (requests, tokens, audio-seconds).
func (c *Client) RateLimitStatus() []ratelimit.Status { return c.tracker.StatusSummary() }

// EvaluateChat runs admission for a chat request without sending it,
// for callers that want to inspect the verdict before deciding how to
// dispatch (direct call vs. Enqueue).
func (c *Client) EvaluateChat(req chatapi.Request) admission.Verdict {
	return c.chat.Evaluate(req)
}

// ChatCompletion sends a chat completion request directly: it runs
// admission first and, on a Wait verdict, sleeps out the rate-limit
// window itself rather than failing the caller, then dispatches. A
// Reject verdict returns its error without ever calling the provider.
// Callers that would rather not block a goroutine on the wait should
// use EnqueueChatCompletion instead.
func (c *Client) ChatCompletion(ctx context.Context, req chatapi.Request) (*chatapi.Response, error) {
	if err := c.awaitAdmission(ctx, func() (admission.Verdict, error) { return c.chat.Evaluate(req), nil }); err != nil {
		return nil, err
	}
	return c.chat.Complete(ctx, req)
}

// awaitAdmission loops evaluate-then-sleep until a Go verdict, a
// Reject, an evaluation error, or ctx is done. A Wait verdict's
// duration is always within the tracker's hard cap — evaluate()
// itself turns an over-cap wait into a Reject — so this never sleeps
// longer than that cap per iteration.
func (c *Client) awaitAdmission(ctx context.Context, evaluate func() (admission.Verdict, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		verdict, err := evaluate()
		if err != nil {
			return err
		}
		switch verdict.Tag {
		case admission.Go:
			return nil
		case admission.Reject:
			return verdict.Err
		default: // admission.Wait
			c.clock.Sleep(time.Duration(verdict.Wait * float64(time.Second)))
		}
	}
}

// ChatCompletionStream opens a streaming chat completion, running the
// same admission wait loop as ChatCompletion before dispatching.
// Callers must Close the returned stream.
func (c *Client) ChatCompletionStream(ctx context.Context, req chatapi.Request) (*chatapi.Stream, error) {
	if err := c.awaitAdmission(ctx, func() (admission.Verdict, error) { return c.chat.Evaluate(req), nil }); err != nil {
		return nil, err
	}
	return c.chat.CompleteStream(ctx, req)
}

// EnqueueChatCompletion schedules a chat completion through the
// priority queue instead of sending it immediately: the queue worker
// waits out any rate-limit window and retries on transient failure up
// to maxRetries times before the returned channel receives a terminal
// error. The result's Value is a *chatapi.Response on success.
func (c *Client) EnqueueChatCompletion(req chatapi.Request, priority queue.Priority, maxRetries int) (string, <-chan queue.Result, error) {
	verdict := c.chat.Evaluate(req)
	if verdict.Tag == admission.Reject {
		return "", nil, verdict.Err
	}
	fn := func(ctx context.Context) (any, error) {
		return c.chat.Complete(ctx, req)
	}
	return c.queue.Enqueue(fn, priority, verdict.CountedTokens, maxRetries)
}

// EvaluateTranscription runs admission for a transcription request
// without sending it.
func (c *Client) EvaluateTranscription(req sttapi.Request) (admission.Verdict, error) {
	return c.stt.Evaluate(req)
}

// Transcribe sends a transcription request directly, running the
// same admission wait loop as ChatCompletion before dispatching.
func (c *Client) Transcribe(ctx context.Context, req sttapi.Request) (*sttapi.Response, error) {
	if err := c.awaitAdmission(ctx, func() (admission.Verdict, error) { return c.stt.Evaluate(req) }); err != nil {
		return nil, err
	}
	return c.stt.Transcribe(ctx, req)
}

// EnqueueTranscription schedules a transcription through the
// priority queue. The result's Value is a *sttapi.Response on success.
func (c *Client) EnqueueTranscription(req sttapi.Request, priority queue.Priority, maxRetries int) (string, <-chan queue.Result, error) {
	verdict, err := c.stt.Evaluate(req)
	if err != nil {
		return "", nil, err
	}
	if verdict.Tag == admission.Reject {
		return "", nil, verdict.Err
	}
	info, statErr := fileAudioSeconds(req)
	if statErr != nil {
		return "", nil, statErr
	}
	fn := func(ctx context.Context) (any, error) {
		return c.stt.Transcribe(ctx, req)
	}
	return c.queue.EnqueueTranscription(fn, priority, info, maxRetries)
}

// fileAudioSeconds re-derives the estimated audio-seconds cost for
// queue admission bookkeeping; Evaluate already validated the file
// exists, so the stat here fails only if the file was removed since,
// in which case EnqueueTranscription returns the stat error and
// nothing is enqueued.
func fileAudioSeconds(req sttapi.Request) (int, error) {
	info, err := os.Stat(req.FilePath)
	if err != nil {
		return 0, err
	}
	return admission.EstimateAudioSeconds(info.Size()), nil
}
