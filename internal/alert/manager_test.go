package alert

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/monitor"
)

var alertBase = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

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

func newTestManager() (*Manager, *fakeClock) {
	clock := newFakeClock(alertBase)
	m := NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = clock.Now
	return m, clock
}

func detectedError(severity collector.Severity, fingerprint string) *collector.DetectedError {
	return &collector.DetectedError{
		Message:     "FATAL: out of memory in worker",
		Severity:    severity,
		SourceApp:   "shop",
		LogGroup:    "/aws/amplify/shop",
		LogStream:   "backend/1",
		ErrorType:   "memory",
		Fingerprint: fingerprint,
		Timestamp:   alertBase.Add(-time.Minute),
		Count:       2,
	}
}

func unhealthyChange(serviceID string) monitor.HealthChange {
	return monitor.HealthChange{
		ServiceID:   serviceID,
		ServiceName: "worker",
		ServiceType: "ec2",
		OldState:    monitor.StateHealthy,
		NewState:    monitor.StateUnhealthy,
		Timestamp:   alertBase,
		Message:     "Instance stopped",
	}
}

func TestProcessErrorCreatesAlert(t *testing.T) {
	m, _ := newTestManager()

	var created []*Alert
	m.OnAlert(func(a *Alert) { created = append(created, a) })

	a := m.ProcessError(detectedError(collector.SeverityCritical, "fp-1"))
	require.NotNil(t, a)

	assert.True(t, strings.HasPrefix(a.ID, "ALT-"))
	assert.Len(t, a.ID, len("ALT-")+12)
	assert.Equal(t, "CRITICAL: memory in shop", a.Title)
	assert.Equal(t, PriorityP1, a.Priority)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Equal(t, "error", a.SourceType)
	assert.Equal(t, "shop", a.SourceService)
	assert.Equal(t, "fp-1", a.Fingerprint)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, "memory", a.Metadata["error_type"])
	assert.Equal(t, "/aws/amplify/shop", a.Metadata["log_group"])

	require.Len(t, created, 1)
	assert.Equal(t, a.ID, created[0].ID)
}

func TestProcessErrorSeverityPriorities(t *testing.T) {
	tests := []struct {
		severity collector.Severity
		want     Priority
	}{
		{collector.SeverityCritical, PriorityP1},
		{collector.SeverityError, PriorityP2},
		{collector.SeverityWarning, PriorityP3},
		{collector.SeverityInfo, PriorityP4},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			m, _ := newTestManager()
			a := m.ProcessError(detectedError(tt.severity, "fp-"+string(tt.severity)))
			require.NotNil(t, a)
			assert.Equal(t, tt.want, a.Priority)
		})
	}
}

func TestProcessErrorDeduplicates(t *testing.T) {
	m, clock := newTestManager()

	var created int
	m.OnAlert(func(a *Alert) { created++ })

	first := m.ProcessError(detectedError(collector.SeverityError, "fp-1"))
	clock.Advance(time.Minute)
	second := m.ProcessError(detectedError(collector.SeverityError, "fp-1"))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 4, second.Count)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, 1, created)
}

func TestProcessErrorSuppression(t *testing.T) {
	m, _ := newTestManager()

	m.Suppress("SHOP")
	assert.Nil(t, m.ProcessError(detectedError(collector.SeverityError, "fp-1")))

	m.Unsuppress("shop")
	assert.NotNil(t, m.ProcessError(detectedError(collector.SeverityError, "fp-1")))
}

func TestProcessErrorTruncatesMessage(t *testing.T) {
	m, _ := newTestManager()

	e := detectedError(collector.SeverityError, "fp-long")
	e.Message = strings.Repeat("x", 600)
	a := m.ProcessError(e)

	require.NotNil(t, a)
	assert.Len(t, a.Message, 500)
}

func TestProcessHealthChangeLifecycle(t *testing.T) {
	m, _ := newTestManager()

	a := m.ProcessHealthChange(unhealthyChange("ec2:i-0abc"))
	require.NotNil(t, a)
	assert.Equal(t, PriorityP1, a.Priority)
	assert.Equal(t, "health:ec2:i-0abc", a.Fingerprint)
	assert.Equal(t, "Health: worker healthy -> unhealthy", a.Title)
	assert.Equal(t, "health_change", a.SourceType)

	// A follow-up transition on the same service updates the open alert.
	degraded := unhealthyChange("ec2:i-0abc")
	degraded.OldState = monitor.StateUnhealthy
	degraded.NewState = monitor.StateDegraded
	degraded.Message = "Status check impaired"
	updated := m.ProcessHealthChange(degraded)
	require.NotNil(t, updated)
	assert.Equal(t, a.ID, updated.ID)
	assert.Equal(t, "Status check impaired", updated.Message)
	assert.Equal(t, "degraded", updated.Metadata["new_state"])

	// Recovery resolves the alert instead of raising a new one.
	recovered := unhealthyChange("ec2:i-0abc")
	recovered.OldState = monitor.StateDegraded
	recovered.NewState = monitor.StateHealthy
	assert.Nil(t, m.ProcessHealthChange(recovered))

	assert.Empty(t, m.OpenAlerts(""))
	history := m.RecentHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, StatusResolved, history[0].Status)
	assert.Equal(t, "auto", history[0].ResolvedBy)
	assert.Equal(t, "Service recovered: healthy", history[0].Message)
}

func TestPriorityForTransition(t *testing.T) {
	tests := []struct {
		name     string
		old, new monitor.HealthState
		want     Priority
	}{
		{"to unhealthy", monitor.StateHealthy, monitor.StateUnhealthy, PriorityP1},
		{"to degraded", monitor.StateHealthy, monitor.StateDegraded, PriorityP2},
		{"recovery", monitor.StateUnhealthy, monitor.StateHealthy, PriorityP3},
		{"benign", monitor.StateUnknown, monitor.StateHealthy, PriorityP4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := monitor.HealthChange{OldState: tt.old, NewState: tt.new}
			assert.Equal(t, tt.want, priorityForTransition(change))
		})
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	m, _ := newTestManager()

	a := m.ProcessError(detectedError(collector.SeverityError, "fp-1"))
	require.NotNil(t, a)

	require.True(t, m.Acknowledge(a.ID, ""))
	got := m.Get(a.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusAcknowledged, got.Status)
	assert.Equal(t, "operator", got.AcknowledgedBy)
	require.NotNil(t, got.AcknowledgedAt)

	// Acknowledged alerts still count as open.
	assert.Len(t, m.OpenAlerts(""), 1)

	require.True(t, m.Resolve("fp-1", "alice", "fixed"))
	assert.Nil(t, m.Get(a.ID))
	assert.Empty(t, m.OpenAlerts(""))

	history := m.RecentHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].ResolvedBy)
	assert.Equal(t, "fixed", history[0].Message)

	assert.False(t, m.Acknowledge("missing", ""))
	assert.False(t, m.Resolve("missing", "", ""))
}

func TestEscalationFiresOncePerRule(t *testing.T) {
	m, clock := newTestManager()

	type fired struct {
		id     string
		action string
	}
	var escalations []fired
	m.OnEscalation(func(a *Alert, action string) {
		escalations = append(escalations, fired{a.ID, action})
	})

	a := m.ProcessError(detectedError(collector.SeverityCritical, "fp-1"))
	require.NotNil(t, a)

	// Under the 5 minute threshold nothing fires.
	clock.Advance(4 * time.Minute)
	m.checkEscalations()
	assert.Empty(t, escalations)

	clock.Advance(2 * time.Minute)
	m.checkEscalations()
	require.Len(t, escalations, 1)
	assert.Equal(t, a.ID, escalations[0].id)
	assert.Equal(t, "page", escalations[0].action)

	// Repeated sweeps do not re-fire the same rule.
	clock.Advance(10 * time.Minute)
	m.checkEscalations()
	assert.Len(t, escalations, 1)
}

func TestEscalationSkipsAcknowledged(t *testing.T) {
	m, clock := newTestManager()

	var count int
	m.OnEscalation(func(a *Alert, action string) { count++ })

	a := m.ProcessError(detectedError(collector.SeverityCritical, "fp-1"))
	require.True(t, m.Acknowledge(a.ID, "alice"))

	clock.Advance(10 * time.Minute)
	m.checkEscalations()
	assert.Zero(t, count)
}

func TestOpenAlertsSortedAndFiltered(t *testing.T) {
	m, clock := newTestManager()

	m.ProcessError(detectedError(collector.SeverityWarning, "fp-warn"))
	clock.Advance(time.Minute)
	m.ProcessError(detectedError(collector.SeverityCritical, "fp-crit"))
	clock.Advance(time.Minute)
	m.ProcessError(detectedError(collector.SeverityError, "fp-err"))

	open := m.OpenAlerts("")
	require.Len(t, open, 3)
	assert.Equal(t, PriorityP1, open[0].Priority)
	assert.Equal(t, PriorityP2, open[1].Priority)
	assert.Equal(t, PriorityP3, open[2].Priority)

	p1 := m.OpenAlerts(PriorityP1)
	require.Len(t, p1, 1)
	assert.Equal(t, "fp-crit", p1[0].Fingerprint)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager()

	m.ProcessError(detectedError(collector.SeverityCritical, "fp-1"))
	a := m.ProcessError(detectedError(collector.SeverityError, "fp-2"))
	m.Acknowledge(a.ID, "alice")
	m.Suppress("legacy")

	s := m.Stats()
	assert.Equal(t, 2, s.TotalOpen)
	assert.Equal(t, 1, s.ByPriority[PriorityP1])
	assert.Equal(t, 1, s.ByPriority[PriorityP2])
	assert.Equal(t, 1, s.ByStatus[StatusOpen])
	assert.Equal(t, 1, s.ByStatus[StatusAcknowledged])
	assert.Equal(t, 1, s.SuppressedPatterns)
	assert.Zero(t, s.HistorySize)
}

func TestClearOldAlerts(t *testing.T) {
	m, clock := newTestManager()

	m.ProcessError(detectedError(collector.SeverityError, "fp-old"))
	acked := m.ProcessError(detectedError(collector.SeverityError, "fp-acked"))
	m.Acknowledge(acked.ID, "alice")

	clock.Advance(25 * time.Hour)
	m.ProcessError(detectedError(collector.SeverityError, "fp-new"))

	resolved := m.ClearOldAlerts(24 * time.Hour)
	assert.Equal(t, 1, resolved)

	// The acknowledged alert and the fresh one survive.
	assert.Len(t, m.OpenAlerts(""), 2)
	history := m.RecentHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, "fp-old", history[0].Fingerprint)
	assert.Equal(t, "auto_cleanup", history[0].ResolvedBy)
}

func TestAlertCallbackPanicIsContained(t *testing.T) {
	m, _ := newTestManager()
	m.OnAlert(func(a *Alert) { panic("boom") })

	assert.NotPanics(t, func() {
		m.ProcessError(detectedError(collector.SeverityError, "fp-1"))
	})
}

func TestManagerStartStop(t *testing.T) {
	m, _ := newTestManager()
	m.sweep = 10 * time.Millisecond

	m.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	// Stop after stop is a no-op.
	m.Stop()
}
