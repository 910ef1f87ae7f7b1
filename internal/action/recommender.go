package action

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/analysis"
	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/monitor"
)

var plansCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heimdallr_action_plans_total",
	Help: "Action plans created, by trigger.",
}, []string{"trigger"})

const recommenderHistoryCap = 1000

// executionRecord is the recommender's own note of a recorded execution,
// consulted by the static pre-filter. The authoritative log lives in the
// safety history; this one only backs rate and cooldown counts for plans
// the recommender itself produced.
type executionRecord struct {
	kind      Kind
	service   string
	success   bool
	timestamp time.Time
}

// Recommender turns diagnoses and health transitions into action plans. It
// applies the operator settings as a static pre-filter (allow flags, restart
// rate, cooldown) so plans it emits are already plausible; the full safety
// gate still runs at execution time.
type Recommender struct {
	mu         sync.Mutex
	settings   Settings
	onApproval func(*Plan)
	history    []executionRecord
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecommender creates a recommender with the given operator settings.
func NewRecommender(settings Settings, logger *slog.Logger) *Recommender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recommender{
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// OnApprovalNeeded registers a callback invoked whenever a freshly built plan
// contains an action that requires approval. The plan is still returned to
// the caller; the callback exists so approval requests can be raised without
// polling. Register before the first Recommend call.
func (r *Recommender) OnApprovalNeeded(fn func(*Plan)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onApproval = fn
}

// mapRecommendedAction translates an analysis suggestion into an executable
// kind. Advisory suggestions (check dependencies, fix configuration,
// investigate) become notifications; anything unrecognized is notified too
// rather than acted on.
func mapRecommendedAction(a analysis.RecommendedAction) Kind {
	switch a {
	case analysis.ActionRestartService:
		return KindRestartService
	case analysis.ActionRedeploy:
		return KindRedeploy
	case analysis.ActionScaleUp:
		return KindScaleUp
	case analysis.ActionEscalate:
		return KindEscalate
	case analysis.ActionIgnore:
		return KindNoAction
	default:
		return KindNotify
	}
}

// RecommendForAnalysis builds a plan from a diagnosis. The primary action is
// the mapped analysis suggestion, downgraded to escalate (critical errors) or
// notify when the settings pre-filter blocks it. An unhealthy service adds a
// leading notification; a critical error adds a trailing escalation.
func (r *Recommender) RecommendForAnalysis(result *analysis.Result, health *monitor.ServiceHealth) *Plan {
	service := result.SourceService

	primary := mapRecommendedAction(result.RecommendedAction)
	if !r.isActionAllowed(primary, service) {
		if result.Severity == collector.SeverityCritical {
			primary = KindEscalate
		} else {
			primary = KindNotify
		}
		r.logger.Info("primary action blocked by settings, downgraded",
			"service", service,
			"requested", result.RecommendedAction,
			"action", primary)
	}

	var actions []Recommendation
	if health != nil && health.State == monitor.StateUnhealthy {
		actions = append(actions, r.build(KindNotify, service, 1.0,
			"Service is unhealthy, notifying operators", nil))
	}

	rationale := result.ActionRationale
	if rationale == "" {
		rationale = result.RootCause
	}
	actions = append(actions, r.build(primary, service, result.Confidence, rationale,
		map[string]interface{}{
			"error_fingerprint": result.ErrorFingerprint,
			"error_category":    string(result.Category),
		}))

	if result.Severity == collector.SeverityCritical && primary != KindEscalate {
		actions = append(actions, r.build(KindEscalate, service, 1.0,
			"Critical error requires immediate attention", nil))
	}

	plan := &Plan{
		PlanID:        "plan-" + shortFingerprint(result.ErrorFingerprint),
		TriggerSource: result.ErrorFingerprint,
		Actions:       actions,
		CreatedAt:     r.now(),
	}
	plansCreated.WithLabelValues("analysis").Inc()
	r.finish(plan)
	return plan
}

// RecommendForHealthTransition builds a plan from a health state transition.
// Unhealthy services get a restart (or an escalation when restarts are
// blocked) plus a notification; degraded services and recoveries get a
// notification; any other transition is a no-op plan.
func (r *Recommender) RecommendForHealthTransition(health monitor.ServiceHealth, previous monitor.HealthState) *Plan {
	service := health.ServiceName

	var actions []Recommendation
	switch {
	case health.State == monitor.StateUnhealthy:
		kind := KindRestartService
		if !r.isActionAllowed(kind, service) {
			kind = KindEscalate
		}
		actions = append(actions,
			r.build(kind, service, 0.8, "Service unhealthy: "+health.Message, nil),
			r.build(KindNotify, service, 1.0, "Notifying operators of unhealthy service", nil))
	case health.State == monitor.StateDegraded:
		actions = append(actions,
			r.build(KindNotify, service, 0.9, "Service degraded: "+health.Message, nil))
	case health.State == monitor.StateHealthy &&
		(previous == monitor.StateUnhealthy || previous == monitor.StateDegraded):
		actions = append(actions,
			r.build(KindNotify, service, 1.0, "Service recovered: "+health.Message, nil))
	default:
		actions = append(actions,
			r.build(KindNoAction, service, 1.0, "No action required", nil))
	}

	plan := &Plan{
		PlanID:        "plan-" + health.ServiceID,
		TriggerSource: health.ServiceID,
		Actions:       actions,
		CreatedAt:     r.now(),
	}
	plansCreated.WithLabelValues("health").Inc()
	r.finish(plan)
	return plan
}

// build assembles one recommendation with catalog attributes filled in.
func (r *Recommender) build(kind Kind, service string, confidence float64, rationale string, params map[string]interface{}) Recommendation {
	return Recommendation{
		Kind:                     kind,
		TargetService:            service,
		Risk:                     RiskFor(kind),
		Confidence:               confidence,
		Rationale:                rationale,
		RequiresApproval:         r.requiresApproval(kind),
		EstimatedDowntimeSeconds: DowntimeFor(kind),
		Parameters:               params,
		CreatedAt:                r.now(),
	}
}

// finish logs the plan and raises the approval callback when needed.
func (r *Recommender) finish(plan *Plan) {
	needsApproval := plan.RequiresApproval()
	r.logger.Info("action plan created",
		"plan_id", plan.PlanID,
		"trigger", plan.TriggerSource,
		"actions", len(plan.Actions),
		"max_risk", plan.MaxRisk(),
		"requires_approval", needsApproval)
	if !needsApproval {
		return
	}

	r.mu.Lock()
	fn := r.onApproval
	r.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("approval callback panicked", "plan_id", plan.PlanID, "panic", p)
		}
	}()
	fn(plan)
}

// isActionAllowed is the static settings pre-filter. Restarts honor the allow
// flag plus the per-service rate and cooldown limits; redeploys honor their
// allow flag; everything else passes. Only restarts the recommender itself
// recorded count here.
func (r *Recommender) isActionAllowed(kind Kind, service string) bool {
	switch kind {
	case KindRestartService:
		if !r.settings.AllowRestart {
			return false
		}
	case KindRedeploy:
		if !r.settings.AllowRedeploy {
			return false
		}
	}
	if kind != KindRestartService && kind != KindRestartInstance {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countRecentLocked(service, kind, time.Hour) >= r.settings.MaxRestartsPerHour {
		return false
	}
	return r.countRecentLocked(service, kind, r.settings.CooldownWindow()) == 0
}

// requiresApproval merges the configured approval list with the kinds that
// always need sign-off.
func (r *Recommender) requiresApproval(kind Kind) bool {
	return r.settings.ApprovalListed(kind) || DefaultRequiresApproval(kind)
}

// ApprovePlan marks the plan approved. An empty approver records "operator".
func (r *Recommender) ApprovePlan(plan *Plan, approvedBy string) {
	if approvedBy == "" {
		approvedBy = "operator"
	}
	plan.Approved = true
	plan.ApprovedBy = approvedBy
	r.logger.Info("action plan approved", "plan_id", plan.PlanID, "approved_by", approvedBy)
}

// RecordExecution stamps the plan with its outcome and adds the actions that
// actually change infrastructure to the pre-filter history. Notifications,
// escalations, and no-ops are not rate limited and are not recorded.
func (r *Recommender) RecordExecution(plan *Plan, success bool, result string) {
	plan.Executed = true
	plan.ExecutionResult = result

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.Kind == KindNotify || a.Kind == KindEscalate || a.Kind == KindNoAction {
			continue
		}
		r.history = append(r.history, executionRecord{
			kind:      a.Kind,
			service:   a.TargetService,
			success:   success,
			timestamp: r.now(),
		})
		if len(r.history) > recommenderHistoryCap {
			r.history = r.history[len(r.history)-recommenderHistoryCap:]
		}
	}
}

// Stats returns per-kind counts of recorded executions within the trailing
// window.
func (r *Recommender) Stats(window time.Duration) map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-window)
	out := make(map[Kind]int)
	for _, e := range r.history {
		if e.timestamp.Before(cutoff) {
			continue
		}
		out[e.kind]++
	}
	return out
}

func (r *Recommender) countRecentLocked(service string, kind Kind, window time.Duration) int {
	cutoff := r.now().Add(-window)
	n := 0
	for _, e := range r.history {
		if e.service == service && e.kind == kind && e.timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
