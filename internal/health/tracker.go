// Package health tracks per-(provider, model) upstream outcomes.
//
// The tracker is purely in-memory and observational: it never blocks or
// rejects a request. Availability flips to false when the success rate drops
// below 0.5 with more than three errors; an explicit Reset restores it.
package health

import (
	"sync"
	"time"
)

// ProviderHealth holds counters for one (provider, model) pair.
type ProviderHealth struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	SuccessCount   uint64 `json:"success_count"`
	ErrorCount     uint64 `json:"error_count"`
	TotalLatencyMs uint64 `json:"total_latency_ms"`
	LastErrorTime  int64  `json:"last_error_time,omitempty"` // unix seconds, 0 = never
	Available      bool   `json:"available"`
}

// AverageLatencyMs is the mean latency across successful requests.
func (h *ProviderHealth) AverageLatencyMs() uint64 {
	if h.SuccessCount == 0 {
		return 0
	}
	return h.TotalLatencyMs / h.SuccessCount
}

// SuccessRate is successes over total outcomes (1.0 for the empty case).
func (h *ProviderHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.ErrorCount
	if total == 0 {
		return 1.0
	}
	return float64(h.SuccessCount) / float64(total)
}

// Tracker maintains the health map. Reads share a lock; updates are
// exclusive and touch a single key at a time.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*ProviderHealth
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]*ProviderHealth)}
}

func key(provider, model string) string {
	return provider + ":" + model
}

func (t *Tracker) entry(provider, model string) *ProviderHealth {
	k := key(provider, model)
	h, ok := t.entries[k]
	if !ok {
		h = &ProviderHealth{Provider: provider, Model: model, Available: true}
		t.entries[k] = h
	}
	return h
}

// RecordSuccess adds one successful outcome and its latency.
// A success always restores availability.
func (t *Tracker) RecordSuccess(provider, model string, latencyMs uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(provider, model)
	h.SuccessCount++
	h.TotalLatencyMs += latencyMs
	h.Available = true
}

// RecordError adds one failed outcome and re-evaluates availability.
func (t *Tracker) RecordError(provider, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.entry(provider, model)
	h.ErrorCount++
	h.LastErrorTime = time.Now().Unix()

	if h.SuccessRate() < 0.5 && h.ErrorCount > 3 {
		h.Available = false
	}
}

// Get returns a copy of the entry for (provider, model), if present.
func (t *Tracker) Get(provider, model string) (ProviderHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.entries[key(provider, model)]
	if !ok {
		return ProviderHealth{}, false
	}
	return *h, true
}

// Snapshot returns copies of all entries.
func (t *Tracker) Snapshot() []ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(t.entries))
	for _, h := range t.entries {
		out = append(out, *h)
	}
	return out
}

// Reset restores availability and clears the error state for one entry.
// Intended for operator intervention after an upstream incident.
func (t *Tracker) Reset(provider, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.entries[key(provider, model)]
	if !ok {
		return
	}
	h.Available = true
	h.ErrorCount = 0
	h.LastErrorTime = 0
}
