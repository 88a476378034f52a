// Package ratelimit tracks the provider's advertised rate-limit
// headers across three independent quotas (requests, tokens, audio
// seconds) and turns them into admission decisions: a mutex-guarded
// struct with a zerolog logger, sized off small config values rather
// than an external store.
package ratelimit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/internal/groqerr"
)

// Quota names the three independent windows the provider advertises.
type Quota int

const (
	QuotaRequests Quota = iota
	QuotaTokens
	QuotaAudioSeconds

	numQuotas = 3
)

func (q Quota) String() string {
	switch q {
	case QuotaRequests:
		return "requests"
	case QuotaTokens:
		return "tokens"
	case QuotaAudioSeconds:
		return "audio-seconds"
	default:
		return "unknown"
	}
}

const (
	// maxWait is the hard cap on a computed wait. Beyond this the
	// caller gets rate-limit-exceeded instead of a long blocking sleep.
	maxWait = 300 * time.Second
	// defaultWait is used when a window is exhausted but carries no
	// reset timestamp yet (no response header observed for it).
	defaultWait = 60 * time.Second

	refreshThresholdRequests = 30 * time.Second
	refreshThresholdTokens   = 60 * time.Second
	// staleAfter is the "last ingestion older than this" refresh trigger.
	staleAfter = 10 * time.Minute
)

// quotaWindow is one (limit, remaining, resetAt) triple for a quota. A
// limit of 0 means "never observed" / "unknown", which is treated as
// permissive: it does not gate admission.
type quotaWindow struct {
	limit     int
	remaining int
	resetAt   time.Time
}

// resetIfDue lazily rolls the window over once its reset time passes,
// restoring remaining to limit and clearing resetAt. Must be called
// with the tracker lock held.
func (w *quotaWindow) resetIfDue(now time.Time) {
	if !w.resetAt.IsZero() && !now.Before(w.resetAt) {
		w.remaining = w.limit
		w.resetAt = time.Time{}
	}
}

// Tracker maintains the live rate-limit state for a single model (or
// endpoint), derived from the x-ratelimit-* response headers.
type Tracker struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu           sync.Mutex
	windows      [numQuotas]quotaWindow
	everIngested bool
	lastIngestAt time.Time

	onLimitChange func(q Quota, old, cur int)
}

// New returns a Tracker with no observed limits yet; every quota is
// treated as open until the first response headers arrive.
func New(logger zerolog.Logger, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{clock: c, logger: logger}
}

// limitChange records a single quota's limit changing value during one
// Ingest call, so the notification can fire after the lock is released.
type limitChange struct {
	quota    Quota
	old, cur int
}

// OnLimitChange registers a callback invoked whenever Ingest observes a
// requests or tokens limit different from the one currently recorded.
// The first observation of a limit (recorded value 0) and changes to
// the audio-seconds limit do not invoke it. The callback runs after
// Ingest's critical section has been released.
func (t *Tracker) OnLimitChange(cb func(q Quota, old, cur int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLimitChange = cb
}

// Ingest reads the provider's rate-limit headers and updates the
// tracked windows. Header lookups are case-insensitive, matching
// http.Header's own canonicalization.
func (t *Tracker) Ingest(header map[string][]string) {
	h := httpHeader(header)
	now := t.clock.Now()

	t.mu.Lock()
	var changes []limitChange
	changes = append(changes, t.ingestOne(QuotaRequests, h, "x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", "x-ratelimit-reset-requests", now)...)
	changes = append(changes, t.ingestOne(QuotaTokens, h, "x-ratelimit-limit-tokens", "x-ratelimit-remaining-tokens", "x-ratelimit-reset-tokens", now)...)
	// Audio-seconds window state is still tracked, but OnLimitChange is
	// scoped to the requests/tokens quotas only, so its changes aren't
	// collected for notification.
	t.ingestOne(QuotaAudioSeconds, h, "x-ratelimit-limit-audio-seconds", "x-ratelimit-remaining-audio-seconds", "x-ratelimit-reset-audio-seconds", now)

	t.everIngested = true
	t.lastIngestAt = now
	cb := t.onLimitChange
	t.mu.Unlock()

	if cb != nil {
		for _, c := range changes {
			cb(c.quota, c.old, c.cur)
		}
	}
}

func (t *Tracker) ingestOne(q Quota, h map[string]string, limitKey, remainingKey, resetKey string, now time.Time) []limitChange {
	w := &t.windows[q]
	var changes []limitChange

	if v, ok := h[limitKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			if w.limit != 0 && w.limit != n {
				changes = append(changes, limitChange{quota: q, old: w.limit, cur: n})
			}
			w.limit = n
		}
	}
	if v, ok := h[remainingKey]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			w.remaining = n
		}
	}
	if v, ok := h[resetKey]; ok {
		if d, err := parseDuration(v); err == nil {
			w.resetAt = now.Add(d)
		}
	}
	return changes
}

// parseDuration parses the provider's "<number><unit>" reset strings,
// unit one of ms, s, m, h (e.g. "2m59.56s" is NOT supported — the
// provider emits a single unit per value).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	units := []string{"ms", "s", "m", "h"}
	for _, u := range units {
		if strings.HasSuffix(s, u) {
			numPart := strings.TrimSuffix(s, u)
			f, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				continue
			}
			switch u {
			case "ms":
				return time.Duration(f * float64(time.Millisecond)), nil
			case "s":
				return time.Duration(f * float64(time.Second)), nil
			case "m":
				return time.Duration(f * float64(time.Minute)), nil
			case "h":
				return time.Duration(f * float64(time.Hour)), nil
			}
		}
	}
	return 0, groqerr.Validation("unrecognized duration %q", s)
}

func httpHeader(header map[string][]string) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}

// CanProceed reports whether every window with a known limit (limit >
// 0) has remaining headroom for the requested amounts, rolling any due
// resets forward first. A window whose limit is still 0 (never
// observed) is permissive. Negative requested amounts are a
// precondition violation the caller must not make; CanProceed treats
// them as always satisfiable rather than panicking.
func (t *Tracker) CanProceed(requests, tokenCost, audioCost int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for i := range t.windows {
		t.windows[i].resetIfDue(now)
	}

	if w := &t.windows[QuotaRequests]; w.limit > 0 && w.remaining < requests {
		return false
	}
	if w := &t.windows[QuotaTokens]; w.limit > 0 && w.remaining < tokenCost {
		return false
	}
	if w := &t.windows[QuotaAudioSeconds]; w.limit > 0 && w.remaining < audioCost {
		return false
	}
	return true
}

// WaitIfNeeded blocks until all quotas have headroom for the given
// cost, or returns a rate-limit-exceeded error if the required wait
// would exceed the hard cap. The tracker lock is never held across the
// sleep: the wait duration is computed under lock, the lock released,
// then the clock is told to sleep.
func (t *Tracker) WaitIfNeeded(requests, tokenCost, audioCost int) error {
	wait, err := t.computeWait(requests, tokenCost, audioCost)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}
	t.logger.Debug().Dur("wait", wait).Msg("waiting for rate limit window to reset")
	t.clock.Sleep(wait)

	// Re-apply lazy reset now that time has passed, per the "after
	// wait_if_needed returns, windows whose deadline passed show
	// remaining == limit" guarantee.
	t.mu.Lock()
	now := t.clock.Now()
	for i := range t.windows {
		t.windows[i].resetIfDue(now)
	}
	t.mu.Unlock()
	return nil
}

// ComputeWait exposes the wait computation without sleeping, for
// callers (like the queue worker) that manage their own suspension
// point instead of blocking inline.
func (t *Tracker) ComputeWait(requests, tokenCost, audioCost int) (time.Duration, error) {
	return t.computeWait(requests, tokenCost, audioCost)
}

func (t *Tracker) computeWait(requests, tokenCost, audioCost int) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for i := range t.windows {
		t.windows[i].resetIfDue(now)
	}

	var wait time.Duration
	check := func(w *quotaWindow, cost int) {
		if w.limit <= 0 || w.remaining >= cost {
			return
		}
		var d time.Duration
		if !w.resetAt.IsZero() && w.resetAt.After(now) {
			d = w.resetAt.Sub(now)
		} else {
			d = defaultWait
		}
		if d > wait {
			wait = d
		}
	}
	check(&t.windows[QuotaRequests], requests)
	check(&t.windows[QuotaTokens], tokenCost)
	check(&t.windows[QuotaAudioSeconds], audioCost)

	if wait > maxWait {
		return 0, groqerr.RateLimitExceeded(wait.Seconds())
	}
	return wait, nil
}

// NeedsRefresh reports true when (a) no header has ever been
// ingested, (b) the requests or tokens window's reset is within its
// threshold (30s, 60s respectively), or (c) the last ingestion is
// older than 10 minutes.
func (t *Tracker) NeedsRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.everIngested {
		return true
	}
	now := t.clock.Now()

	if w := &t.windows[QuotaRequests]; !w.resetAt.IsZero() && w.resetAt.Sub(now) <= refreshThresholdRequests {
		return true
	}
	if w := &t.windows[QuotaTokens]; !w.resetAt.IsZero() && w.resetAt.Sub(now) <= refreshThresholdTokens {
		return true
	}
	if now.Sub(t.lastIngestAt) > staleAfter {
		return true
	}
	return false
}

// Status is a point-in-time snapshot of one quota window.
type Status struct {
	Quota     Quota
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Known is false when limit has never been observed (limit == 0).
	Known bool
}

// StatusSummary returns a snapshot of all three quotas.
func (t *Tracker) StatusSummary() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	out := make([]Status, numQuotas)
	for i := range t.windows {
		t.windows[i].resetIfDue(now)
		w := t.windows[i]
		out[i] = Status{
			Quota:     Quota(i),
			Limit:     w.limit,
			Remaining: w.remaining,
			ResetAt:   w.resetAt,
			Known:     w.limit > 0,
		}
	}
	return out
}
