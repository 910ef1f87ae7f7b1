// Package safety gates automated remediation behind layered checks: per
// service circuit breakers, change freeze calendars, hourly rate caps,
// cooldown windows, maintenance-window gating for high-risk actions, and
// approval routing. The SafetyGuard composes the individual trackers into a
// single decision per candidate action.
package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/action"
)

var (
	safetyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_safety_checks_total",
		Help: "Total number of safety checks by result",
	}, []string{"result"})

	safetyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_safety_violations_total",
		Help: "Total number of recorded safety violations by reason",
	}, []string{"reason"})
)

// CheckResult is the outcome of a safety check.
type CheckResult string

const (
	ResultAllowed             CheckResult = "allowed"
	ResultRequiresApproval    CheckResult = "requires_approval"
	ResultBlockedRateLimit    CheckResult = "blocked_rate_limit"
	ResultBlockedCooldown     CheckResult = "blocked_cooldown"
	ResultBlockedChangeFreeze CheckResult = "blocked_change_freeze"
	ResultBlockedHighRisk     CheckResult = "blocked_high_risk"
	ResultBlockedCircuitOpen  CheckResult = "blocked_circuit_open"
)

// Violation records a safety check that denied an action.
type Violation struct {
	CheckType     CheckResult `json:"check_type"`
	Kind          action.Kind `json:"action_type"`
	TargetService string      `json:"target_service"`
	Reason        string      `json:"reason"`
	Timestamp     time.Time   `json:"timestamp"`
	CanOverride   bool        `json:"can_override"`
}

// MaintenanceWindow is a recurring weekly window during which high-risk
// actions may run without approval. Times are clock times in UTC, inclusive
// of both bounds.
type MaintenanceWindow struct {
	Days        []time.Weekday `json:"days"`
	StartHour   int            `json:"start_hour"`
	StartMinute int            `json:"start_minute"`
	EndHour     int            `json:"end_hour"`
	EndMinute   int            `json:"end_minute"`
}

func (w *MaintenanceWindow) contains(t time.Time) bool {
	t = t.UTC()
	dayMatch := false
	for _, d := range w.Days {
		if t.Weekday() == d {
			dayMatch = true
			break
		}
	}
	if !dayMatch {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= w.StartHour*60+w.StartMinute && minutes <= w.EndHour*60+w.EndMinute
}

// DefaultMaintenanceWindows returns the default schedule: weekdays 02:00 to
// 05:00 UTC.
func DefaultMaintenanceWindows() []MaintenanceWindow {
	return []MaintenanceWindow{{
		Days:        []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:   2,
		EndHour:     5,
	}}
}

// AuditSink receives safety violation events. The guard does not depend on
// how the sink stores them.
type AuditSink interface {
	LogSafetyViolation(checkType, actionType, service, reason string)
}

// Stats is a point-in-time snapshot of guard activity.
type Stats struct {
	ActionsLastHour     int  `json:"actions_last_hour"`
	FailuresLastHour    int  `json:"failures_last_hour"`
	OpenCircuits        int  `json:"open_circuits"`
	ActiveFreezes       int  `json:"active_freezes"`
	ViolationsRecorded  int  `json:"violations_recorded"`
	InMaintenanceWindow bool `json:"in_maintenance_window"`
}

const defaultViolationCap = 500

// Guard composes the history, circuit breaker, freeze calendar and
// maintenance windows into one gating decision per action. All guard state
// sits behind a single mutex; the executor goroutine and API goroutines may
// call it concurrently.
type Guard struct {
	mu            sync.Mutex
	settings      action.Settings
	history       *History
	breaker       *CircuitBreaker
	calendar      *Calendar
	windows       []MaintenanceWindow
	violations    []Violation
	maxViolations int
	audit         AuditSink
	logger        *slog.Logger
	now           func() time.Time
}

// NewGuard creates a guard over the given trackers. Nil trackers are created
// with defaults; a nil audit sink disables audit emission.
func NewGuard(settings action.Settings, history *History, breaker *CircuitBreaker, calendar *Calendar, audit AuditSink, logger *slog.Logger) *Guard {
	if history == nil {
		history = NewHistory(0)
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0)
	}
	if calendar == nil {
		calendar = NewCalendar()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		settings:      settings,
		history:       history,
		breaker:       breaker,
		calendar:      calendar,
		windows:       DefaultMaintenanceWindows(),
		maxViolations: defaultViolationCap,
		audit:         audit,
		logger:        logger,
		now:           time.Now,
	}
}

// Check decides whether an action may execute. The first blocking condition
// wins; the order determines which reason is reported and lets cheap checks
// short-circuit expensive ones. Every blocked outcome is recorded as a
// violation; a high-risk action outside the maintenance window records a
// violation but returns RequiresApproval so an operator can still push it
// through.
func (g *Guard) Check(kind action.Kind, service string, risk action.Risk) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := g.checkLocked(kind, service, risk)
	safetyChecks.WithLabelValues(string(result)).Inc()
	return result
}

func (g *Guard) checkLocked(kind action.Kind, service string, risk action.Risk) CheckResult {
	if g.breaker.IsOpen(service) {
		g.recordViolation(ResultBlockedCircuitOpen, kind, service,
			fmt.Sprintf("circuit breaker open for %s", service), false)
		return ResultBlockedCircuitOpen
	}

	if freeze, ok := g.calendar.ActiveFreeze(g.now()); ok {
		if !freeze.Allows(kind) {
			g.recordViolation(ResultBlockedChangeFreeze, kind, service,
				fmt.Sprintf("change freeze active: %s", freeze.Name), false)
			return ResultBlockedChangeFreeze
		}
	}

	if !g.withinRateLimit(kind, service) {
		g.recordViolation(ResultBlockedRateLimit, kind, service,
			fmt.Sprintf("rate limit exceeded for %s on %s", kind, service), false)
		return ResultBlockedRateLimit
	}

	if !g.outsideCooldown(kind, service) {
		g.recordViolation(ResultBlockedCooldown, kind, service,
			fmt.Sprintf("cooldown active for %s", service), false)
		return ResultBlockedCooldown
	}

	if risk == action.RiskHigh || risk == action.RiskCritical {
		if !g.inMaintenanceWindowLocked() {
			g.recordViolation(ResultBlockedHighRisk, kind, service,
				fmt.Sprintf("high-risk action %s requires maintenance window", kind), true)
			return ResultRequiresApproval
		}
	}

	if g.settings.ApprovalListed(kind) {
		return ResultRequiresApproval
	}

	return ResultAllowed
}

// rateLimited reports whether a kind is subject to the hourly cap and
// cooldown window.
func rateLimited(kind action.Kind) bool {
	switch kind {
	case action.KindRestartService, action.KindRestartInstance, action.KindRedeploy:
		return true
	}
	return false
}

func (g *Guard) withinRateLimit(kind action.Kind, service string) bool {
	if !rateLimited(kind) {
		return true
	}
	count := g.history.CountRecent(service, kind, time.Hour)
	return count < g.settings.MaxRestartsPerHour
}

func (g *Guard) outsideCooldown(kind action.Kind, service string) bool {
	if !rateLimited(kind) {
		return true
	}
	return g.history.CountRecent(service, kind, g.settings.CooldownWindow()) == 0
}

// CheckPlan runs the safety check over every action in a plan and returns
// the hard-block violations. Allowed and RequiresApproval outcomes pass.
func (g *Guard) CheckPlan(plan *action.Plan) []Violation {
	var violations []Violation
	for i := range plan.Actions {
		a := &plan.Actions[i]
		result := g.Check(a.Kind, a.TargetService, a.Risk)
		if result == ResultAllowed || result == ResultRequiresApproval {
			continue
		}
		violations = append(violations, Violation{
			CheckType:     result,
			Kind:          a.Kind,
			TargetService: a.TargetService,
			Reason:        fmt.Sprintf("safety check failed: %s", result),
			Timestamp:     g.now(),
		})
	}
	return violations
}

// RecordOutcome records an attempted action in the history and feeds the
// circuit breaker. It must be called exactly once per actually-attempted
// action; actions the guard itself skipped are not recorded.
func (g *Guard) RecordOutcome(kind action.Kind, service string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.history.Record(kind, service, success)
	if success {
		g.breaker.RecordSuccess(service)
	} else {
		g.breaker.RecordFailure(service)
	}

	g.logger.Info("Recorded action outcome",
		"action", string(kind),
		"service", service,
		"success", success)
}

func (g *Guard) recordViolation(checkType CheckResult, kind action.Kind, service, reason string, canOverride bool) {
	v := Violation{
		CheckType:     checkType,
		Kind:          kind,
		TargetService: service,
		Reason:        reason,
		Timestamp:     g.now(),
		CanOverride:   canOverride,
	}
	g.violations = append(g.violations, v)
	if len(g.violations) > g.maxViolations {
		g.violations = g.violations[1:]
	}

	safetyViolations.WithLabelValues(string(checkType)).Inc()
	if g.audit != nil {
		g.audit.LogSafetyViolation(string(checkType), string(kind), service, reason)
	}
	g.logger.Warn("Safety violation", "reason", reason, "action", string(kind), "service", service)
}

// AddFreeze registers a change freeze.
func (g *Guard) AddFreeze(f Freeze) {
	g.calendar.Add(f)
	g.logger.Info("Change freeze added", "name", f.Name, "start", f.Start, "end", f.End)
}

// RemoveFreeze removes a change freeze by name.
func (g *Guard) RemoveFreeze(name string) bool {
	removed := g.calendar.Remove(name)
	if removed {
		g.logger.Info("Change freeze removed", "name", name)
	}
	return removed
}

// Freezes returns a snapshot of the configured freezes.
func (g *Guard) Freezes() []Freeze {
	return g.calendar.List()
}

// ResetCircuit manually closes the circuit breaker for a service.
func (g *Guard) ResetCircuit(service string) {
	g.breaker.Reset(service)
	g.logger.Info("Circuit breaker manually reset", "service", service)
}

// Violations returns the most recent violations, newest first, up to limit.
func (g *Guard) Violations(limit int) []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 || limit > len(g.violations) {
		limit = len(g.violations)
	}
	out := make([]Violation, 0, limit)
	for i := len(g.violations) - 1; i >= len(g.violations)-limit; i-- {
		out = append(out, g.violations[i])
	}
	return out
}

// InMaintenanceWindow reports whether the current time falls inside a
// configured maintenance window.
func (g *Guard) InMaintenanceWindow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inMaintenanceWindowLocked()
}

func (g *Guard) inMaintenanceWindowLocked() bool {
	t := g.now()
	for i := range g.windows {
		if g.windows[i].contains(t) {
			return true
		}
	}
	return false
}

// SetMaintenanceWindows replaces the maintenance window schedule.
func (g *Guard) SetMaintenanceWindows(windows []MaintenanceWindow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows = windows
}

// Stats returns a snapshot of guard activity.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	actions, failures := g.history.Totals(time.Hour)
	return Stats{
		ActionsLastHour:     actions,
		FailuresLastHour:    failures,
		OpenCircuits:        g.breaker.OpenCount(),
		ActiveFreezes:       g.calendar.ActiveCount(g.now()),
		ViolationsRecorded:  len(g.violations),
		InMaintenanceWindow: g.inMaintenanceWindowLocked(),
	}
}
