// Package queue serializes deferred requests once the admission gate
// reports a wait, draining them by strict priority with a single
// background worker, using a Start/Stop-with-context idiom for the
// background loop.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/ratelimit"
)

// Priority is a strict-precedence scheduling level: Urgent drains
// entirely before High, which drains before Normal, then Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// drainOrder lists priorities from highest to lowest precedence.
var drainOrder = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a lowercase priority name to its level, defaulting
// to Normal for anything unrecognized (matching the original's
// lenient fallback rather than erroring).
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// WorkFunc is the unit of deferred work. It is expected to perform its
// own header ingestion and usage recording on a successful return —
// the queue itself only schedules and retries, it never inspects the
// payload.
type WorkFunc func(ctx context.Context) (any, error)

// Result is delivered on a request's result channel exactly once,
// either on success, on final exhaustion of retries, or on an
// admission rejection the queue cannot work around. A request removed
// by Clear before it runs receives no Result, and its channel is never
// closed.
type Result struct {
	ID    string
	Value any
	Err   error
}

// QueuedRequest is one deferred unit of work.
type QueuedRequest struct {
	ID                   string
	Fn                   WorkFunc
	Priority             Priority
	OriginalPriority     Priority
	EnqueuedAt           time.Time
	RetryCount           int
	MaxRetries           int
	TokensRequired       int
	AudioSecondsRequired int

	resultCh chan Result
}

// Stats is a point-in-time snapshot of queue activity counters.
type Stats struct {
	TotalQueued    int64
	TotalProcessed int64
	TotalFailed    int64
	TotalRetries   int64
}

// Status is a snapshot of the manager's current state.
type Status struct {
	QueueSizes map[Priority]int
	TotalQueued int
	Stats       Stats
	Running     bool
	MaxQueueSize int
}

const (
	// maxWait mirrors ratelimit's hard cap: a computed wait beyond this
	// means the admission gate would reject, not wait.
	maxWait = 300 * time.Second
	// pollIdle is how long the worker sleeps after a pass finds no item
	// pending in any priority. A head blocked on an admission wait is
	// handled by sleeping that wait instead.
	pollIdle = 100 * time.Millisecond
)

// Manager serializes and drains deferred requests across four
// strict-priority FIFO queues, backed by a shared rate-limit tracker
// for admission checks.
type Manager struct {
	tracker      *ratelimit.Tracker
	clock        clock.Clock
	log          zerolog.Logger
	maxQueueSize int

	mu      sync.Mutex
	queues  map[Priority][]*QueuedRequest
	counter int64

	statsQueued    atomic.Int64
	statsProcessed atomic.Int64
	statsFailed    atomic.Int64
	statsRetries   atomic.Int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns a Manager with the given capacity cap (total items
// across all priorities) and rate-limit tracker for admission checks.
func New(tracker *ratelimit.Tracker, log zerolog.Logger, maxQueueSize int, c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		tracker:      tracker,
		clock:        c,
		log:          log.With().Str("component", "queue").Logger(),
		maxQueueSize: maxQueueSize,
		queues: map[Priority][]*QueuedRequest{
			PriorityLow:    {},
			PriorityNormal: {},
			PriorityHigh:   {},
			PriorityUrgent: {},
		},
	}
}

func (m *Manager) nextID() string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("req_%d_%d", m.clock.Now().Unix(), n)
}

func (m *Manager) totalQueued() int {
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// Enqueue admits a unit of work into its priority queue. It does not
// itself start the background worker — call Start (or drain
// synchronously with Drain) to actually process the queue. A full
// queue returns queue-full without side effects.
func (m *Manager) Enqueue(fn WorkFunc, priority Priority, tokensRequired, maxRetries int) (string, <-chan Result, error) {
	return m.enqueue(fn, priority, tokensRequired, 0, maxRetries)
}

// EnqueueTranscription is Enqueue's audio-seconds-costed counterpart.
func (m *Manager) EnqueueTranscription(fn WorkFunc, priority Priority, audioSecondsRequired, maxRetries int) (string, <-chan Result, error) {
	return m.enqueue(fn, priority, 0, audioSecondsRequired, maxRetries)
}

func (m *Manager) enqueue(fn WorkFunc, priority Priority, tokensRequired, audioSecondsRequired, maxRetries int) (string, <-chan Result, error) {
	if fn == nil {
		return "", nil, groqerr.Validation("request function must not be nil")
	}
	if tokensRequired < 0 {
		return "", nil, groqerr.Validation("tokens required cannot be negative")
	}
	if audioSecondsRequired < 0 {
		return "", nil, groqerr.Validation("audio seconds required cannot be negative")
	}
	if maxRetries < 0 {
		return "", nil, groqerr.Validation("max retries cannot be negative")
	}

	m.mu.Lock()
	if m.totalQueued() >= m.maxQueueSize {
		size := m.totalQueued()
		m.mu.Unlock()
		return "", nil, groqerr.QueueFull(size, m.maxQueueSize)
	}

	req := &QueuedRequest{
		ID:                   m.nextID(),
		Fn:                   fn,
		Priority:             priority,
		OriginalPriority:     priority,
		EnqueuedAt:           m.clock.Now(),
		MaxRetries:           maxRetries,
		TokensRequired:       tokensRequired,
		AudioSecondsRequired: audioSecondsRequired,
		resultCh:             make(chan Result, 1),
	}
	m.queues[priority] = append(m.queues[priority], req)
	m.mu.Unlock()

	m.statsQueued.Add(1)

	return req.ID, req.resultCh, nil
}

// Start begins the background worker loop. Safe to call multiple
// times; only the first call after construction (or after Stop) has
// an effect.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)
	m.log.Info().Msg("queue worker started")
}

// Stop signals the worker to stop pulling new items and waits for any
// in-flight dispatch to finish. In-flight work is not aborted.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.runMu.Unlock()

	<-done
	m.log.Info().Msg("queue worker stopped")
}

func (m *Manager) loop(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		progressed := m.passOnce(ctx)
		if !progressed {
			m.clock.Sleep(pollIdle)
		}
	}
}

// passOnce tries to dispatch exactly one item, scanning priorities
// highest-first, and reports whether it did anything (dispatched,
// requeued-for-wait, or failed) so the caller knows whether to idle.
func (m *Manager) passOnce(ctx context.Context) bool {
	for _, p := range drainOrder {
		m.mu.Lock()
		q := m.queues[p]
		if len(q) == 0 {
			m.mu.Unlock()
			continue
		}
		req := q[0]
		m.queues[p] = q[1:]
		m.mu.Unlock()

		if !m.tracker.CanProceed(1, req.TokensRequired, req.AudioSecondsRequired) {
			wait, err := m.tracker.ComputeWait(1, req.TokensRequired, req.AudioSecondsRequired)
			if err != nil {
				m.failAsync(req, err)
				return true
			}
			m.pushFront(p, req)
			if wait > maxWait {
				wait = maxWait
			}
			m.clock.Sleep(wait)
			return true
		}

		m.dispatch(ctx, req)
		return true
	}
	return false
}

func (m *Manager) pushFront(p Priority, req *QueuedRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[p] = append([]*QueuedRequest{req}, m.queues[p]...)
}

func (m *Manager) pushBack(p Priority, req *QueuedRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[p] = append(m.queues[p], req)
}

func (m *Manager) dispatch(ctx context.Context, req *QueuedRequest) {
	value, err := req.Fn(ctx)
	if err != nil {
		m.failAsync(req, err)
		return
	}
	m.statsProcessed.Add(1)
	req.resultCh <- Result{ID: req.ID, Value: value}
	close(req.resultCh)
}

func (m *Manager) failAsync(req *QueuedRequest, cause error) {
	m.statsFailed.Add(1)

	if req.RetryCount < req.MaxRetries {
		req.RetryCount++
		req.Priority = req.OriginalPriority
		m.statsRetries.Add(1)
		m.pushBack(req.OriginalPriority, req)
		return
	}

	req.resultCh <- Result{ID: req.ID, Err: groqerr.RetryExhausted(req.RetryCount, cause)}
	close(req.resultCh)
}

// Drain synchronously processes every pending request until every
// queue is empty, blocking the caller. Per-attempt retry back-off is
// exponential (2^attempt seconds, floored at one retry) — this
// back-off applies only to the synchronous path; the background
// worker instead relies on the admission gate's own computed wait.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		m.mu.Lock()
		var req *QueuedRequest
		var from Priority
		for _, p := range drainOrder {
			if len(m.queues[p]) > 0 {
				req = m.queues[p][0]
				from = p
				m.queues[p] = m.queues[p][1:]
				break
			}
		}
		m.mu.Unlock()

		if req == nil {
			return nil
		}

		if !m.tracker.CanProceed(1, req.TokensRequired, req.AudioSecondsRequired) {
			wait, err := m.tracker.ComputeWait(1, req.TokensRequired, req.AudioSecondsRequired)
			if err != nil {
				m.failSync(req, err)
				continue
			}
			m.pushFront(from, req)
			m.clock.Sleep(wait)
			continue
		}

		value, err := req.Fn(ctx)
		if err != nil {
			m.failSync(req, err)
			continue
		}
		m.statsProcessed.Add(1)
		req.resultCh <- Result{ID: req.ID, Value: value}
		close(req.resultCh)
	}
}

func (m *Manager) failSync(req *QueuedRequest, cause error) {
	m.statsFailed.Add(1)

	if req.RetryCount < req.MaxRetries {
		req.RetryCount++
		backoff := time.Duration(1<<uint(req.RetryCount)) * time.Second
		m.clock.Sleep(backoff)
		req.Priority = req.OriginalPriority
		m.statsRetries.Add(1)
		m.pushBack(req.OriginalPriority, req)
		return
	}

	req.resultCh <- Result{ID: req.ID, Err: groqerr.RetryExhausted(req.RetryCount, cause)}
	close(req.resultCh)
}

// Status returns a snapshot of queue sizes and counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	sizes := make(map[Priority]int, len(m.queues))
	total := 0
	for p, q := range m.queues {
		sizes[p] = len(q)
		total += len(q)
	}
	m.mu.Unlock()

	m.runMu.Lock()
	running := m.running
	m.runMu.Unlock()

	return Status{
		QueueSizes:   sizes,
		TotalQueued:  total,
		MaxQueueSize: m.maxQueueSize,
		Running:      running,
		Stats: Stats{
			TotalQueued:    m.statsQueued.Load(),
			TotalProcessed: m.statsProcessed.Load(),
			TotalFailed:    m.statsFailed.Load(),
			TotalRetries:   m.statsRetries.Load(),
		},
	}
}

// Clear empties one priority's queue, or every queue if priority is nil.
func (m *Manager) Clear(priority *Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if priority == nil {
		for p := range m.queues {
			m.queues[p] = nil
		}
		return
	}
	m.queues[*priority] = nil
}
