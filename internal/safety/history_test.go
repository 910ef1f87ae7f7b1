package safety

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelandg/Heimdallr/internal/action"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestHistoryCountRecent(t *testing.T) {
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	h := NewHistory(0)
	h.now = clock.Now

	h.RecordAt(action.KindRestartService, "web-1", true, base.Add(-90*time.Minute))
	h.RecordAt(action.KindRestartService, "web-1", true, base.Add(-30*time.Minute))
	h.RecordAt(action.KindRestartService, "web-1", false, base.Add(-5*time.Minute))
	h.RecordAt(action.KindRedeploy, "web-1", true, base.Add(-5*time.Minute))
	h.RecordAt(action.KindRestartService, "web-2", true, base.Add(-5*time.Minute))

	tests := []struct {
		name    string
		service string
		kind    action.Kind
		window  time.Duration
		want    int
	}{
		{"within hour", "web-1", action.KindRestartService, time.Hour, 2},
		{"short window", "web-1", action.KindRestartService, 10 * time.Minute, 1},
		{"other kind", "web-1", action.KindRedeploy, time.Hour, 1},
		{"other service", "web-2", action.KindRestartService, time.Hour, 1},
		{"unknown service", "web-3", action.KindRestartService, time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.CountRecent(tt.service, tt.kind, tt.window))
		})
	}
}

func TestHistoryRecentEntriesOrder(t *testing.T) {
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	h := NewHistory(0)
	h.now = clock.Now

	h.RecordAt(action.KindRedeploy, "api", true, base.Add(-20*time.Minute))
	h.RecordAt(action.KindRedeploy, "api", false, base.Add(-10*time.Minute))

	entries := h.RecentEntries("api", action.KindRedeploy, time.Hour)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	assert.True(t, entries[0].Success)
	assert.False(t, entries[1].Success)
}

func TestHistoryEvictsOldest(t *testing.T) {
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	h := NewHistory(3)
	h.now = clock.Now

	for i := 0; i < 5; i++ {
		h.RecordAt(action.KindNotify, fmt.Sprintf("svc-%d", i), true, base)
	}

	require.Equal(t, 3, h.Len())
	assert.Equal(t, 0, h.CountRecent("svc-0", action.KindNotify, time.Hour))
	assert.Equal(t, 0, h.CountRecent("svc-1", action.KindNotify, time.Hour))
	assert.Equal(t, 1, h.CountRecent("svc-4", action.KindNotify, time.Hour))
}

func TestHistoryTotals(t *testing.T) {
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	h := NewHistory(0)
	h.now = clock.Now

	h.RecordAt(action.KindRestartService, "web-1", true, base.Add(-10*time.Minute))
	h.RecordAt(action.KindRedeploy, "api", false, base.Add(-20*time.Minute))
	h.RecordAt(action.KindNotify, "api", true, base.Add(-2*time.Hour))

	actions, failures := h.Totals(time.Hour)
	assert.Equal(t, 2, actions)
	assert.Equal(t, 1, failures)
}

func TestHistoryWindowExcludesBoundary(t *testing.T) {
	base := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	h := NewHistory(0)
	h.now = clock.Now

	// Entry exactly at the cutoff is outside the window.
	h.RecordAt(action.KindRestartService, "web-1", true, base.Add(-time.Hour))
	assert.Equal(t, 0, h.CountRecent("web-1", action.KindRestartService, time.Hour))

	clock.Advance(-time.Minute)
	assert.Equal(t, 1, h.CountRecent("web-1", action.KindRestartService, time.Hour))
}
