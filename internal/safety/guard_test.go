package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelandg/Heimdallr/internal/action"
)

// Tuesday noon UTC, outside the default maintenance window.
var guardBase = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	events []string
}

func (s *recordingSink) LogSafetyViolation(checkType, actionType, service, reason string) {
	s.events = append(s.events, checkType)
}

func newTestGuard(t *testing.T, settings action.Settings) (*Guard, *fakeClock, *recordingSink) {
	t.Helper()
	clock := newFakeClock(guardBase)
	history := NewHistory(0)
	history.now = clock.Now
	breaker := NewCircuitBreaker(0, 0)
	breaker.now = clock.Now
	sink := &recordingSink{}
	g := NewGuard(settings, history, breaker, NewCalendar(), sink, nil)
	g.now = clock.Now
	return g, clock, sink
}

func TestCheckAllowsLowRiskByDefault(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	assert.Equal(t, ResultAllowed, g.Check(action.KindNotify, "web-1", action.RiskLow))
	assert.Equal(t, ResultAllowed, g.Check(action.KindRestartService, "web-1", action.RiskMedium))
}

func TestCheckRateLimit(t *testing.T) {
	settings := action.DefaultSettings()
	g, clock, _ := newTestGuard(t, settings)

	for i := 0; i < settings.MaxRestartsPerHour; i++ {
		g.RecordOutcome(action.KindRestartService, "web-1", true)
		clock.Advance(12 * time.Minute)
	}

	result := g.Check(action.KindRestartService, "web-1", action.RiskMedium)
	assert.Equal(t, ResultBlockedRateLimit, result)

	// A different service or kind is unaffected.
	assert.Equal(t, ResultAllowed, g.Check(action.KindRestartService, "web-2", action.RiskMedium))
}

func TestCheckCooldown(t *testing.T) {
	settings := action.DefaultSettings()
	g, clock, _ := newTestGuard(t, settings)

	g.RecordOutcome(action.KindRestartService, "web-1", true)

	result := g.Check(action.KindRestartService, "web-1", action.RiskMedium)
	assert.Equal(t, ResultBlockedCooldown, result)

	clock.Advance(time.Duration(settings.CooldownMinutes+1) * time.Minute)
	result = g.Check(action.KindRestartService, "web-1", action.RiskMedium)
	assert.Equal(t, ResultAllowed, result, "cooldown should clear once the window elapses")
}

func TestCheckCooldownOnlyCoversRateLimitedKinds(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.RecordOutcome(action.KindClearCache, "web-1", true)
	assert.Equal(t, ResultAllowed, g.Check(action.KindClearCache, "web-1", action.RiskLow))
}

func TestCheckCircuitOpen(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	for i := 0; i < 3; i++ {
		g.RecordOutcome(action.KindRestartService, "web-1", false)
	}

	result := g.Check(action.KindNotify, "web-1", action.RiskLow)
	assert.Equal(t, ResultBlockedCircuitOpen, result, "open circuit blocks every kind for the service")
}

func TestCheckChangeFreeze(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.AddFreeze(Freeze{
		Name:         "release-freeze",
		Start:        guardBase.Add(-time.Hour),
		End:          guardBase.Add(time.Hour),
		AllowedKinds: []action.Kind{action.KindNotify},
	})

	assert.Equal(t, ResultBlockedChangeFreeze, g.Check(action.KindRedeploy, "web-1", action.RiskHigh))
	assert.NotEqual(t, ResultBlockedChangeFreeze, g.Check(action.KindNotify, "web-1", action.RiskLow))
}

func TestCheckFreezeDefaultAllowedKinds(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.AddFreeze(Freeze{
		Name:  "holiday",
		Start: guardBase.Add(-time.Hour),
		End:   guardBase.Add(time.Hour),
	})

	assert.Equal(t, ResultAllowed, g.Check(action.KindNotify, "web-1", action.RiskLow))
	assert.Equal(t, ResultAllowed, g.Check(action.KindEscalate, "web-1", action.RiskLow))
	assert.Equal(t, ResultBlockedChangeFreeze, g.Check(action.KindRestartService, "web-1", action.RiskMedium))
}

func TestCheckExpiredFreezeDoesNotBlock(t *testing.T) {
	g, clock, _ := newTestGuard(t, action.DefaultSettings())

	g.AddFreeze(Freeze{
		Name:  "short",
		Start: guardBase,
		End:   guardBase.Add(10 * time.Minute),
	})
	clock.Advance(time.Hour)

	assert.Equal(t, ResultAllowed, g.Check(action.KindRestartService, "web-1", action.RiskMedium))
}

func TestCheckHighRiskOutsideMaintenanceWindow(t *testing.T) {
	g, _, sink := newTestGuard(t, action.Settings{
		AllowRestart:       true,
		MaxRestartsPerHour: 3,
		CooldownMinutes:    10,
	})

	result := g.Check(action.KindRestartInstance, "web-1", action.RiskHigh)
	assert.Equal(t, ResultRequiresApproval, result)

	violations := g.Violations(10)
	require.Len(t, violations, 1)
	assert.Equal(t, ResultBlockedHighRisk, violations[0].CheckType)
	assert.True(t, violations[0].CanOverride)
	assert.Equal(t, []string{string(ResultBlockedHighRisk)}, sink.events)
}

func TestCheckHighRiskInsideMaintenanceWindow(t *testing.T) {
	g, clock, _ := newTestGuard(t, action.Settings{
		AllowRestart:       true,
		MaxRestartsPerHour: 3,
		CooldownMinutes:    10,
	})

	// Tuesday 03:00 UTC falls inside the default Mon-Fri 02:00-05:00 window.
	clock.Advance(-9 * time.Hour)

	assert.True(t, g.InMaintenanceWindow())
	result := g.Check(action.KindRestartInstance, "web-1", action.RiskHigh)
	assert.Equal(t, ResultAllowed, result)
}

func TestCheckApprovalList(t *testing.T) {
	settings := action.DefaultSettings()
	g, clock, sink := newTestGuard(t, settings)

	// Inside the maintenance window so the high-risk gate passes.
	clock.Advance(-9 * time.Hour)

	result := g.Check(action.KindRedeploy, "web-1", action.RiskHigh)
	assert.Equal(t, ResultRequiresApproval, result)
	assert.Empty(t, g.Violations(10), "approval-listed kinds do not record violations")
	assert.Empty(t, sink.events)
}

func TestCheckEvaluationOrder(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	// Both the circuit and a freeze would block; the circuit is reported
	// because it is evaluated first.
	for i := 0; i < 3; i++ {
		g.RecordOutcome(action.KindRestartService, "web-1", false)
	}
	g.AddFreeze(Freeze{
		Name:  "freeze",
		Start: guardBase.Add(-time.Hour),
		End:   guardBase.Add(time.Hour),
	})

	assert.Equal(t, ResultBlockedCircuitOpen, g.Check(action.KindRestartService, "web-1", action.RiskMedium))
}

func TestCheckPlanCollectsHardBlocks(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.RecordOutcome(action.KindRestartService, "web-1", true)

	plan := &action.Plan{
		PlanID: "plan-test",
		Actions: []action.Recommendation{
			{Kind: action.KindNotify, TargetService: "web-1", Risk: action.RiskLow},
			{Kind: action.KindRestartService, TargetService: "web-1", Risk: action.RiskMedium},
		},
	}

	violations := g.CheckPlan(plan)
	require.Len(t, violations, 1)
	assert.Equal(t, ResultBlockedCooldown, violations[0].CheckType)
	assert.Equal(t, action.KindRestartService, violations[0].Kind)
}

func TestRecordOutcomeFeedsBreaker(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.RecordOutcome(action.KindRedeploy, "api", false)
	g.RecordOutcome(action.KindRedeploy, "api", false)
	assert.False(t, g.breaker.IsOpen("api"))

	g.RecordOutcome(action.KindRedeploy, "api", true)
	assert.Equal(t, 0, g.breaker.Failures("api"), "success resets the failure streak")
}

func TestViolationLogBounded(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())
	g.maxViolations = 3

	for i := 0; i < 3; i++ {
		g.RecordOutcome(action.KindRestartService, "web-1", false)
	}
	for i := 0; i < 5; i++ {
		g.Check(action.KindNotify, "web-1", action.RiskLow)
	}

	violations := g.Violations(0)
	assert.Len(t, violations, 3)
}

func TestViolationsNewestFirst(t *testing.T) {
	g, clock, _ := newTestGuard(t, action.DefaultSettings())

	g.RecordOutcome(action.KindRestartService, "web-1", true)
	g.Check(action.KindRestartService, "web-1", action.RiskMedium) // cooldown violation
	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		g.RecordOutcome(action.KindRestartService, "api", false)
	}
	g.Check(action.KindNotify, "api", action.RiskLow) // circuit violation

	violations := g.Violations(2)
	require.Len(t, violations, 2)
	assert.Equal(t, ResultBlockedCircuitOpen, violations[0].CheckType)
	assert.Equal(t, ResultBlockedCooldown, violations[1].CheckType)
}

func TestGuardStats(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.RecordOutcome(action.KindRestartService, "web-1", true)
	g.RecordOutcome(action.KindRedeploy, "api", false)
	g.RecordOutcome(action.KindRedeploy, "api", false)
	g.RecordOutcome(action.KindRedeploy, "api", false)
	g.AddFreeze(Freeze{
		Name:  "freeze",
		Start: guardBase.Add(-time.Hour),
		End:   guardBase.Add(time.Hour),
	})
	g.Check(action.KindRestartService, "api", action.RiskMedium) // circuit violation

	stats := g.Stats()
	assert.Equal(t, 4, stats.ActionsLastHour)
	assert.Equal(t, 3, stats.FailuresLastHour)
	assert.Equal(t, 1, stats.OpenCircuits)
	assert.Equal(t, 1, stats.ActiveFreezes)
	assert.Equal(t, 1, stats.ViolationsRecorded)
	assert.False(t, stats.InMaintenanceWindow)
}

func TestMaintenanceWindowContains(t *testing.T) {
	w := MaintenanceWindow{
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 2,
		EndHour:   5,
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday inside", time.Date(2025, 3, 4, 3, 30, 0, 0, time.UTC), true},
		{"weekday start boundary", time.Date(2025, 3, 4, 2, 0, 0, 0, time.UTC), true},
		{"weekday end boundary", time.Date(2025, 3, 4, 5, 0, 0, 0, time.UTC), true},
		{"weekday before", time.Date(2025, 3, 4, 1, 59, 0, 0, time.UTC), false},
		{"weekday after", time.Date(2025, 3, 4, 5, 1, 0, 0, time.UTC), false},
		{"saturday inside hours", time.Date(2025, 3, 8, 3, 0, 0, 0, time.UTC), false},
		{"sunday inside hours", time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.contains(tt.at))
		})
	}
}

func TestRemoveFreeze(t *testing.T) {
	g, _, _ := newTestGuard(t, action.DefaultSettings())

	g.AddFreeze(Freeze{Name: "a", Start: guardBase, End: guardBase.Add(time.Hour)})
	g.AddFreeze(Freeze{Name: "b", Start: guardBase, End: guardBase.Add(time.Hour)})

	assert.True(t, g.RemoveFreeze("a"))
	assert.False(t, g.RemoveFreeze("a"))
	require.Len(t, g.Freezes(), 1)
	assert.Equal(t, "b", g.Freezes()[0].Name)
}
