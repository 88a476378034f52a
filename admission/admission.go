// Package admission composes the registry, token counter, and rate
// limit tracker into a single per-request verdict: go, wait, or
// reject. It is a pure composition layer — it holds read-only
// references to the other three and never blocks or mutates their
// state itself; the caller (typically the queue worker) decides what
// to do with a Wait(Δ) verdict.
package admission

import (
	"github.com/emirhan-k/groq-go/internal/groqerr"
	"github.com/emirhan-k/groq-go/ratelimit"
	"github.com/emirhan-k/groq-go/registry"
	"github.com/emirhan-k/groq-go/tokencount"
)

// VerdictTag is the three-way admission outcome.
type VerdictTag int

const (
	// Go means the request may be sent now.
	Go VerdictTag = iota
	// Wait means the caller should pause for Wait seconds before retrying.
	Wait
	// Reject means the request cannot proceed; Err names why.
	Reject
)

// Verdict is the AdmissionGate's result for one evaluation.
type Verdict struct {
	Tag VerdictTag

	// Wait is set when Tag == Wait: how long to pause before retrying.
	Wait float64 // seconds

	// Err is set when Tag == Reject: the underlying *groqerr.Error.
	Err error

	// CountedTokens is the input token count, useful to the caller for
	// logging/metrics even on a Go verdict. Always 0 for transcription.
	CountedTokens int
}

const (
	// audioSecondsPerMB is the fixed estimate ratio for transcription
	// admission when no exact duration is known yet.
	audioSecondsPerMB = 45.0
	minAudioSeconds   = 1
	maxAudioSeconds   = 3600
)

// EstimateAudioSeconds converts a file size in bytes to an estimated
// audio-seconds cost, clamped to [1, 3600].
func EstimateAudioSeconds(fileSizeBytes int64) int {
	mb := float64(fileSizeBytes) / (1024 * 1024)
	est := int(mb * audioSecondsPerMB)
	if est < minAudioSeconds {
		est = minAudioSeconds
	}
	if est > maxAudioSeconds {
		est = maxAudioSeconds
	}
	return est
}

// Gate evaluates admission decisions for chat and transcription
// requests against a shared registry, counter, and tracker.
type Gate struct {
	registry *registry.Registry
	counter  *tokencount.Counter
	tracker  *ratelimit.Tracker
}

// New returns a Gate composed over the given components.
func New(reg *registry.Registry, counter *tokencount.Counter, tracker *ratelimit.Tracker) *Gate {
	return &Gate{registry: reg, counter: counter, tracker: tracker}
}

// EvaluateChat runs the admission algorithm for a chat completion:
// registry existence/kind check, token accounting (messages plus any
// tool definitions) against the context window, then a quota check.
// Never blocks.
func (g *Gate) EvaluateChat(model string, messages []tokencount.Message, maxTokens *int, tools ...tokencount.Tool) Verdict {
	d, err := g.registry.Info(model)
	if err != nil {
		return Verdict{Tag: Reject, Err: err}
	}
	if d.Kind != registry.KindChat {
		return Verdict{Tag: Reject, Err: groqerr.InvalidModel(model, "model is not a chat model")}
	}

	if err := g.counter.Validate(messages, model, maxTokens, tools...); err != nil {
		return Verdict{Tag: Reject, Err: err}
	}

	counted, err := g.counter.CountMessages(messages, model)
	if err != nil {
		return Verdict{Tag: Reject, Err: err}
	}
	counted += g.counter.CountTools(tools)

	return g.decide(1, counted, 0, counted)
}

// EvaluateTranscription runs the admission algorithm for a
// transcription request: registry existence/kind check, then a quota
// check against an audio-seconds estimate. Token accounting is
// skipped entirely. Never blocks.
func (g *Gate) EvaluateTranscription(model string, fileSizeBytes int64) Verdict {
	d, err := g.registry.Info(model)
	if err != nil {
		return Verdict{Tag: Reject, Err: err}
	}
	if d.Kind != registry.KindSTT {
		return Verdict{Tag: Reject, Err: groqerr.InvalidModel(model, "model is not a transcription model")}
	}

	audioSeconds := EstimateAudioSeconds(fileSizeBytes)
	return g.decide(1, 0, audioSeconds, 0)
}

func (g *Gate) decide(requests, tokenCost, audioCost, countedTokens int) Verdict {
	if g.tracker.CanProceed(requests, tokenCost, audioCost) {
		return Verdict{Tag: Go, CountedTokens: countedTokens}
	}

	wait, err := g.tracker.ComputeWait(requests, tokenCost, audioCost)
	if err != nil {
		if e, ok := err.(*groqerr.Error); ok {
			return Verdict{Tag: Reject, Err: e, Wait: e.WaitFor}
		}
		return Verdict{Tag: Reject, Err: err}
	}
	return Verdict{Tag: Wait, Wait: wait.Seconds(), CountedTokens: countedTokens}
}
