package safety

import (
	"sync"
	"time"

	"github.com/lelandg/Heimdallr/internal/action"
)

// Record is one executed action in the history log.
type Record struct {
	Kind          action.Kind `json:"action_type"`
	TargetService string      `json:"target_service"`
	Timestamp     time.Time   `json:"timestamp"`
	Success       bool        `json:"success"`
}

const defaultHistoryCap = 10000

// History is an append-only, bounded log of executed actions used for rate
// and cooldown queries. Writes are serialized; a query never observes a
// partially recorded entry. Queries are pure functions of the retained
// entries and the clock.
type History struct {
	mu      sync.Mutex
	entries []Record
	max     int
	now     func() time.Time
}

// NewHistory creates a history bounded at capacity entries; the oldest entry
// is evicted past the cap. A capacity <= 0 selects the default of 10000.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{
		entries: make([]Record, 0, 64),
		max:     capacity,
		now:     time.Now,
	}
}

// Record appends an entry. It never fails.
func (h *History) Record(kind action.Kind, service string, success bool) {
	h.RecordAt(kind, service, success, h.now())
}

// RecordAt appends an entry with an explicit timestamp.
func (h *History) RecordAt(kind action.Kind, service string, success bool, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, Record{
		Kind:          kind,
		TargetService: service,
		Timestamp:     at,
		Success:       success,
	})
	if len(h.entries) > h.max {
		h.entries = h.entries[1:]
	}
}

// CountRecent counts entries for (service, kind) within the trailing window.
func (h *History) CountRecent(service string, kind action.Kind, window time.Duration) int {
	return len(h.RecentEntries(service, kind, window))
}

// RecentEntries returns the entries for (service, kind) within the trailing
// window, oldest first.
func (h *History) RecentEntries(service string, kind action.Kind, window time.Duration) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-window)
	var out []Record
	for _, e := range h.entries {
		if e.TargetService != service || e.Kind != kind {
			continue
		}
		if !e.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Totals returns the number of entries and the number of failures within the
// trailing window across all services and kinds.
func (h *History) Totals(window time.Duration) (actions, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-window)
	for _, e := range h.entries {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		actions++
		if !e.Success {
			failures++
		}
	}
	return actions, failures
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
