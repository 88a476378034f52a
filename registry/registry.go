// Package registry maintains the lazily-refreshed catalog of models
// the service exposes, classifying each as chat or stt and surfacing
// its numeric limits, using a periodic fetch-and-swap idiom.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/emirhan-k/groq-go/internal/clock"
	"github.com/emirhan-k/groq-go/internal/groqerr"
)

// Kind classifies a model's intended use.
type Kind string

const (
	KindChat Kind = "chat"
	KindSTT  Kind = "stt"
)

// DefaultFetchInterval is how long a populated catalog is considered
// fresh before Populate re-fetches it.
const DefaultFetchInterval = time.Hour

// Descriptor is the queryable shape of one model entry. ContextWindow
// and MaxCompletionTokens are 0 when absent (typical for stt models).
type Descriptor struct {
	ID                  string
	Kind                Kind
	ContextWindow       int
	MaxCompletionTokens int
	OwnedBy             string
	Active              bool
}

// rawModel is the wire shape of one entry in the catalog endpoint's
// data array.
type rawModel struct {
	ID                  string `json:"id"`
	OwnedBy             string `json:"owned_by"`
	Created             int64  `json:"created"`
	Active              bool   `json:"active"`
	ContextWindow       int    `json:"context_window"`
	MaxCompletionTokens int    `json:"max_completion_tokens"`
}

type catalogResponse struct {
	Object string     `json:"object"`
	Data   []rawModel `json:"data"`
}

// table is the atomically swap-replaced descriptor set.
type table struct {
	byID map[string]Descriptor
}

// Registry classifies models and exposes their limits, re-fetching the
// catalog from the service no more often than fetchInterval.
type Registry struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	clock    clock.Clock
	log      zerolog.Logger
	interval time.Duration

	current atomic.Pointer[table]

	mu           sync.Mutex
	lastPopulate time.Time
}

// New returns a Registry with an empty descriptor table; call Populate
// to fetch the initial catalog.
func New(baseURL, apiKey string, log zerolog.Logger, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	r := &Registry{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		clock:    c,
		log:      log.With().Str("component", "registry").Logger(),
		interval: DefaultFetchInterval,
	}
	r.current.Store(&table{byID: map[string]Descriptor{}})
	return r
}

// SetFetchInterval overrides the default one-hour cache interval.
func (r *Registry) SetFetchInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
}

// Populate fetches the catalog and atomically replaces the descriptor
// table. A call within fetchInterval of the last successful populate
// is a no-op. On fetch/decode error the prior table is left in place.
func (r *Registry) Populate(ctx context.Context) error {
	r.mu.Lock()
	if !r.lastPopulate.IsZero() && r.clock.Now().Sub(r.lastPopulate) < r.interval {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	models, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	next := &table{byID: make(map[string]Descriptor, len(models))}
	for _, m := range models {
		if !m.Active {
			continue
		}
		kind := KindChat
		if strings.Contains(strings.ToLower(m.ID), "whisper") {
			kind = KindSTT
		}
		next.byID[m.ID] = Descriptor{
			ID:                  m.ID,
			Kind:                kind,
			ContextWindow:       m.ContextWindow,
			MaxCompletionTokens: m.MaxCompletionTokens,
			OwnedBy:             m.OwnedBy,
			Active:              m.Active,
		}
	}

	r.current.Store(next)

	r.mu.Lock()
	r.lastPopulate = r.clock.Now()
	r.mu.Unlock()

	r.log.Info().Int("models", len(next.byID)).Msg("model registry populated")
	return nil
}

// ForceRefresh clears the cache stamp so the next Populate call
// re-fetches regardless of fetchInterval.
func (r *Registry) ForceRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPopulate = time.Time{}
}

func (r *Registry) fetch(ctx context.Context) ([]rawModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/models", nil)
	if err != nil {
		return nil, groqerr.Network(err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, groqerr.Network(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, groqerr.API(resp.StatusCode, fmt.Sprintf("model catalog fetch failed: %s", string(body)))
	}

	var listResp catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, groqerr.InvalidResponse(resp.StatusCode, "invalid model catalog response")
	}
	return listResp.Data, nil
}

func (r *Registry) lookup(id string) (Descriptor, bool) {
	t := r.current.Load()
	d, ok := t.byID[id]
	return d, ok
}

// Info returns the full descriptor for id, or invalid-model if unknown.
func (r *Registry) Info(id string) (Descriptor, error) {
	if id == "" {
		return Descriptor{}, groqerr.Validation("model id must not be empty")
	}
	d, ok := r.lookup(id)
	if !ok {
		return Descriptor{}, groqerr.InvalidModel(id, fmt.Sprintf("unknown model %q", id))
	}
	return d, nil
}

// Kind returns the classified kind for id.
func (r *Registry) Kind(id string) (Kind, error) {
	d, err := r.Info(id)
	if err != nil {
		return "", err
	}
	return d.Kind, nil
}

// IsSupported reports whether id names a currently active model.
func (r *Registry) IsSupported(id string) bool {
	if id == "" {
		return false
	}
	_, ok := r.lookup(id)
	return ok
}

// List returns every active model id, optionally filtered by kind
// (pass "" for no filter).
func (r *Registry) List(kind Kind) []string {
	t := r.current.Load()
	out := make([]string, 0, len(t.byID))
	for id, d := range t.byID {
		if kind != "" && d.Kind != kind {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ContextWindow returns the model's context window, or invalid-model
// if unknown. 0 means no limit (typical for stt models).
func (r *Registry) ContextWindow(id string) (int, error) {
	d, err := r.Info(id)
	if err != nil {
		return 0, err
	}
	return d.ContextWindow, nil
}

// MaxCompletionTokens returns the model's max completion tokens, or
// invalid-model if unknown.
func (r *Registry) MaxCompletionTokens(id string) (int, error) {
	d, err := r.Info(id)
	if err != nil {
		return 0, err
	}
	return d.MaxCompletionTokens, nil
}
