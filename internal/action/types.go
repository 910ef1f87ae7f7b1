// Package action defines the remediation action vocabulary and the
// recommendation/execution pipeline built on top of it: a closed catalog of
// action kinds with risk and downtime attributes, the recommender that turns
// analysis results and health transitions into ordered plans, and the
// executor that runs plans against the cloud provider.
package action

import (
	"fmt"
	"time"
)

// Kind identifies a remediation action. The set is closed; parsing an
// unknown string fails explicitly.
type Kind string

const (
	KindRestartService  Kind = "restart_service"
	KindRestartInstance Kind = "restart_instance"
	KindRedeploy        Kind = "redeploy"
	KindScaleUp         Kind = "scale_up"
	KindScaleDown       Kind = "scale_down"
	KindClearCache      Kind = "clear_cache"
	KindRotateLogs      Kind = "rotate_logs"
	KindNotify          Kind = "notify"
	KindEscalate        Kind = "escalate"
	KindNoAction        Kind = "no_action"
)

// Risk classifies the blast radius of an action.
type Risk string

const (
	RiskLow      Risk = "low"      // safe, no service impact
	RiskMedium   Risk = "medium"   // brief service impact possible
	RiskHigh     Risk = "high"     // service disruption likely
	RiskCritical Risk = "critical" // major impact, requires approval
)

var riskOrder = map[Risk]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Catalog tables. Kinds absent from a table default to the zero attribute
// (low risk, no downtime, no approval).
var (
	kindRisks = map[Kind]Risk{
		KindNotify:          RiskLow,
		KindRotateLogs:      RiskLow,
		KindClearCache:      RiskLow,
		KindScaleUp:         RiskMedium,
		KindScaleDown:       RiskMedium,
		KindRestartService:  RiskMedium,
		KindRestartInstance: RiskHigh,
		KindRedeploy:        RiskHigh,
		KindEscalate:        RiskLow,
		KindNoAction:        RiskLow,
	}

	kindDowntime = map[Kind]int{
		KindNotify:          0,
		KindRotateLogs:      0,
		KindClearCache:      5,
		KindScaleUp:         60,
		KindScaleDown:       60,
		KindRestartService:  30,
		KindRestartInstance: 120,
		KindRedeploy:        300,
		KindEscalate:        0,
		KindNoAction:        0,
	}

	// Kinds that always need a human sign-off regardless of settings.
	kindNeedsApproval = map[Kind]bool{
		KindRedeploy:        true,
		KindRestartInstance: true,
	}
)

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kindRisks[k]; !ok {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// RiskFor returns the catalog risk tier for a kind.
func RiskFor(k Kind) Risk {
	if r, ok := kindRisks[k]; ok {
		return r
	}
	return RiskLow
}

// DowntimeFor returns the estimated downtime in seconds for a kind.
func DowntimeFor(k Kind) int {
	return kindDowntime[k]
}

// DefaultRequiresApproval reports whether a kind needs approval independent
// of configured settings.
func DefaultRequiresApproval(k Kind) bool {
	return kindNeedsApproval[k]
}

// Settings holds the operator-configured limits for automated actions.
type Settings struct {
	AllowRestart       bool     `json:"allow_restart"`
	AllowRedeploy      bool     `json:"allow_redeploy"`
	MaxRestartsPerHour int      `json:"max_restarts_per_hour"`
	CooldownMinutes    int      `json:"cooldown_minutes"`
	RequireApprovalFor []string `json:"require_approval_for"`
}

// DefaultSettings returns the conservative defaults: restarts allowed,
// redeploys gated, three restarts per hour with a ten minute cooldown.
func DefaultSettings() Settings {
	return Settings{
		AllowRestart:       true,
		AllowRedeploy:      false,
		MaxRestartsPerHour: 3,
		CooldownMinutes:    10,
		RequireApprovalFor: []string{"redeploy", "terminate"},
	}
}

// ApprovalListed reports whether the kind appears in the configured
// approval-required list. Entries that match no known kind are legal and
// simply never match.
func (s Settings) ApprovalListed(k Kind) bool {
	for _, v := range s.RequireApprovalFor {
		if v == string(k) {
			return true
		}
	}
	return false
}

// CooldownWindow returns the configured cooldown as a duration.
func (s Settings) CooldownWindow() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// Recommendation is a single proposed remediation action. Immutable after
// creation except for plan-level approval bookkeeping.
type Recommendation struct {
	Kind                     Kind                   `json:"action_type"`
	TargetService            string                 `json:"target_service"`
	Risk                     Risk                   `json:"risk_level"`
	Confidence               float64                `json:"confidence"`
	Rationale                string                 `json:"rationale"`
	RequiresApproval         bool                   `json:"requires_approval"`
	EstimatedDowntimeSeconds int                    `json:"estimated_downtime_s"`
	Prerequisites            []string               `json:"prerequisites,omitempty"`
	Parameters               map[string]interface{} `json:"parameters,omitempty"`
	CreatedAt                time.Time              `json:"created_at"`
}

// IsSafeToAutoExecute reports whether the action may run without a human in
// the loop: no approval needed, at most medium risk, and confident enough.
func (r *Recommendation) IsSafeToAutoExecute() bool {
	return !r.RequiresApproval &&
		(r.Risk == RiskLow || r.Risk == RiskMedium) &&
		r.Confidence >= 0.7
}

// Plan is an ordered, approvable bundle of recommendations produced by one
// trigger. The recommender owns it until it is handed to the executor, which
// stamps Executed and ExecutionResult on completion.
type Plan struct {
	PlanID          string           `json:"plan_id"`
	TriggerSource   string           `json:"trigger_source"`
	Actions         []Recommendation `json:"actions"`
	CreatedAt       time.Time        `json:"created_at"`
	Approved        bool             `json:"approved"`
	ApprovedBy      string           `json:"approved_by,omitempty"`
	Executed        bool             `json:"executed"`
	ExecutionResult string           `json:"execution_result,omitempty"`
}

// TotalEstimatedDowntime sums the estimated downtime of all actions.
func (p *Plan) TotalEstimatedDowntime() int {
	total := 0
	for i := range p.Actions {
		total += p.Actions[i].EstimatedDowntimeSeconds
	}
	return total
}

// MaxRisk returns the highest risk tier among the plan's actions, or low for
// an empty plan.
func (p *Plan) MaxRisk() Risk {
	max := RiskLow
	for i := range p.Actions {
		if riskOrder[p.Actions[i].Risk] > riskOrder[max] {
			max = p.Actions[i].Risk
		}
	}
	return max
}

// RequiresApproval reports whether any action in the plan needs approval.
func (p *Plan) RequiresApproval() bool {
	for i := range p.Actions {
		if p.Actions[i].RequiresApproval {
			return true
		}
	}
	return false
}

// ExecutionStatus tracks an action or plan through its lifecycle.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailed     ExecutionStatus = "failed"
	StatusSkipped    ExecutionStatus = "skipped"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// ExecutionResult records the outcome of one action.
type ExecutionResult struct {
	Kind          Kind                   `json:"action_type"`
	TargetService string                 `json:"target_service"`
	Status        ExecutionStatus        `json:"status"`
	Message       string                 `json:"message,omitempty"`
	StartedAt     time.Time              `json:"started_at,omitempty"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// DurationMS returns the execution duration in milliseconds, or 0 when the
// result has not completed.
func (r *ExecutionResult) DurationMS() int64 {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}

// PlanExecutionResult aggregates the per-action results of one plan run.
type PlanExecutionResult struct {
	PlanID            string            `json:"plan_id"`
	OverallStatus     ExecutionStatus   `json:"overall_status"`
	ActionResults     []ExecutionResult `json:"action_results"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
	RollbackPerformed bool              `json:"rollback_performed"`
	RollbackResult    string            `json:"rollback_result,omitempty"`
}

// SuccessCount counts actions that completed successfully.
func (p *PlanExecutionResult) SuccessCount() int {
	n := 0
	for i := range p.ActionResults {
		if p.ActionResults[i].Status == StatusSuccess {
			n++
		}
	}
	return n
}

// FailureCount counts actions that failed.
func (p *PlanExecutionResult) FailureCount() int {
	n := 0
	for i := range p.ActionResults {
		if p.ActionResults[i].Status == StatusFailed {
			n++
		}
	}
	return n
}
