package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/cloud"
)

var actionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heimdallr_actions_executed_total",
	Help: "Actions executed, by kind and final status.",
}, []string{"action", "status"})

const (
	executorHistoryCap     = 100
	defaultRecoveryTimeout = 5 * time.Minute
	defaultRecoveryPoll    = 10 * time.Second
)

// CloudProvider is the slice of the cloud client the executor needs.
type CloudProvider interface {
	RebootInstance(ctx context.Context, instanceID string) (bool, error)
	StartDeployment(ctx context.Context, appID, branch string) (string, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*cloud.InstanceStatus, error)
}

// ExecuteOptions controls one plan run.
type ExecuteOptions struct {
	// DryRun simulates every action without touching the provider.
	DryRun bool
	// StopOnFailure halts the plan at the first failed action; actions after
	// the failure are absent from the results.
	StopOnFailure bool
}

// DefaultExecuteOptions stops on the first failure.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{StopOnFailure: true}
}

// ExecutorStats summarizes retained plan executions.
type ExecutorStats struct {
	TotalExecutions int `json:"total_executions"`
	Successful      int `json:"successful"`
	Failed          int `json:"failed"`
	Partial         int `json:"partial"`
}

// Executor runs action plans against the cloud provider. Actions execute
// sequentially in plan order. A pre-execution hook can veto individual
// actions; a post-execution hook observes each result. Hook panics are
// contained and never abort a plan.
type Executor struct {
	mu       sync.Mutex
	provider CloudProvider
	preHook  func(*Recommendation) bool
	postHook func(*ExecutionResult)
	history  []PlanExecutionResult

	recoveryTimeout time.Duration
	recoveryPoll    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewExecutor creates an executor backed by the given provider.
func NewExecutor(provider CloudProvider, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider:        provider,
		recoveryTimeout: defaultRecoveryTimeout,
		recoveryPoll:    defaultRecoveryPoll,
		logger:          logger,
		now:             time.Now,
	}
}

// OnPreExecution registers a hook consulted before each action. Returning
// false skips the action; a panic is logged and the action proceeds.
func (e *Executor) OnPreExecution(fn func(*Recommendation) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preHook = fn
}

// OnPostExecution registers a hook observing each executed action's result.
// Hook panics are logged and swallowed.
func (e *Executor) OnPostExecution(fn func(*ExecutionResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postHook = fn
}

// ExecutePlan runs the plan's actions in order and returns the aggregated
// result. The plan is stamped executed with the overall status. Skipped
// actions do not fail a plan; any failed action does.
func (e *Executor) ExecutePlan(ctx context.Context, plan *Plan, opts ExecuteOptions) *PlanExecutionResult {
	result := &PlanExecutionResult{
		PlanID:        plan.PlanID,
		OverallStatus: StatusRunning,
		StartedAt:     e.now(),
	}

	e.logger.Info("executing action plan",
		"plan_id", plan.PlanID,
		"actions", len(plan.Actions),
		"dry_run", opts.DryRun)

	for i := range plan.Actions {
		rec := &plan.Actions[i]

		if !e.preCheck(rec) {
			e.logger.Info("action skipped by pre-execution hook",
				"action", rec.Kind, "service", rec.TargetService)
			result.ActionResults = append(result.ActionResults, ExecutionResult{
				Kind:          rec.Kind,
				TargetService: rec.TargetService,
				Status:        StatusSkipped,
				Message:       "Skipped by pre-execution callback",
			})
			continue
		}

		result.ActionResults = append(result.ActionResults, e.executeAction(ctx, rec, opts.DryRun))
		actionResult := &result.ActionResults[len(result.ActionResults)-1]
		e.postDispatch(actionResult)

		if actionResult.Status == StatusFailed && opts.StopOnFailure {
			e.logger.Warn("action failed, stopping plan execution",
				"plan_id", plan.PlanID, "action", rec.Kind, "message", actionResult.Message)
			result.OverallStatus = StatusFailed
			break
		}
	}

	result.CompletedAt = e.now()
	if result.OverallStatus != StatusFailed {
		if result.FailureCount() > 0 {
			result.OverallStatus = StatusFailed
		} else {
			result.OverallStatus = StatusSuccess
		}
	}

	plan.Executed = true
	plan.ExecutionResult = string(result.OverallStatus)

	e.mu.Lock()
	e.history = append(e.history, *result)
	if len(e.history) > executorHistoryCap {
		e.history = e.history[1:]
	}
	e.mu.Unlock()

	e.logger.Info("action plan completed",
		"plan_id", plan.PlanID,
		"status", result.OverallStatus,
		"succeeded", result.SuccessCount(),
		"actions", len(plan.Actions))
	return result
}

// ExecuteSingleAction runs one action outside a plan, with catalog risk and
// full confidence. Hooks do not apply and nothing is recorded in the plan
// history.
func (e *Executor) ExecuteSingleAction(ctx context.Context, kind Kind, service string, params map[string]interface{}, dryRun bool) ExecutionResult {
	rec := &Recommendation{
		Kind:          kind,
		TargetService: service,
		Risk:          RiskFor(kind),
		Confidence:    1.0,
		Rationale:     "Manual execution",
		Parameters:    params,
		CreatedAt:     e.now(),
	}
	return e.executeAction(ctx, rec, dryRun)
}

func (e *Executor) preCheck(rec *Recommendation) bool {
	e.mu.Lock()
	hook := e.preHook
	e.mu.Unlock()
	if hook == nil {
		return true
	}

	proceed := true
	func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("pre-execution hook panicked",
					"action", rec.Kind, "service", rec.TargetService, "panic", p)
			}
		}()
		proceed = hook(rec)
	}()
	return proceed
}

func (e *Executor) postDispatch(res *ExecutionResult) {
	e.mu.Lock()
	hook := e.postHook
	e.mu.Unlock()
	if hook == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("post-execution hook panicked", "action", res.Kind, "panic", p)
		}
	}()
	hook(res)
}

// executeAction dispatches one action and always returns a completed result.
func (e *Executor) executeAction(ctx context.Context, rec *Recommendation, dryRun bool) ExecutionResult {
	result := ExecutionResult{
		Kind:          rec.Kind,
		TargetService: rec.TargetService,
		Status:        StatusRunning,
		StartedAt:     e.now(),
		Details:       map[string]interface{}{},
	}

	e.logger.Info("executing action", "action", rec.Kind, "service", rec.TargetService, "dry_run", dryRun)

	switch {
	case dryRun:
		result.Status = StatusSuccess
		result.Message = "Dry run - no changes made"
		result.Details["dry_run"] = true
	case rec.Kind == KindRestartService:
		e.restartService(ctx, rec, &result)
	case rec.Kind == KindRestartInstance:
		e.restartInstance(ctx, rec, &result)
	case rec.Kind == KindRedeploy:
		e.redeploy(ctx, rec, &result)
	case rec.Kind == KindNotify:
		// Delivery is the notifier's job.
		result.Status = StatusSuccess
		result.Message = "Notification queued"
	case rec.Kind == KindEscalate:
		result.Status = StatusSuccess
		result.Message = "Escalation queued"
	case rec.Kind == KindNoAction:
		result.Status = StatusSkipped
		result.Message = "No action required"
	default:
		result.Status = StatusSkipped
		result.Message = fmt.Sprintf("Action type %s not implemented", rec.Kind)
	}

	result.CompletedAt = e.now()
	actionsExecuted.WithLabelValues(string(rec.Kind), string(result.Status)).Inc()
	return result
}

// restartService restarts an Amplify-hosted service by redeploying it, or an
// EC2-hosted one by rebooting the instance.
func (e *Executor) restartService(ctx context.Context, rec *Recommendation, result *ExecutionResult) {
	if strings.Contains(strings.ToLower(rec.TargetService), "amplify") ||
		paramString(rec.Parameters, "service_type") == "amplify" {
		appID := paramString(rec.Parameters, "app_id")
		if appID == "" {
			result.Status = StatusFailed
			result.Message = "No app_id provided for Amplify restart"
			return
		}
		branch := paramString(rec.Parameters, "branch")
		if branch == "" {
			branch = "main"
		}

		jobID, err := e.provider.StartDeployment(ctx, appID, branch)
		if err != nil {
			result.Status = StatusFailed
			result.Message = fmt.Sprintf("Failed to start Amplify deployment: %v", err)
			return
		}
		if jobID == "" {
			result.Status = StatusFailed
			result.Message = "Failed to start Amplify deployment"
			return
		}
		result.Status = StatusSuccess
		result.Message = fmt.Sprintf("Deployment started: job %s", jobID)
		result.Details["job_id"] = jobID
		return
	}

	instanceID := paramString(rec.Parameters, "instance_id")
	if instanceID == "" {
		result.Status = StatusFailed
		result.Message = "No instance_id provided for EC2 restart"
		return
	}
	ok, err := e.provider.RebootInstance(ctx, instanceID)
	if err != nil || !ok {
		result.Status = StatusFailed
		result.Message = fmt.Sprintf("Failed to reboot instance %s", instanceID)
		if err != nil {
			result.Message = fmt.Sprintf("Failed to reboot instance %s: %v", instanceID, err)
		}
		return
	}
	result.Status = StatusSuccess
	result.Message = fmt.Sprintf("Instance %s reboot initiated", instanceID)
}

// restartInstance reboots an EC2 instance and optionally waits for it to
// report healthy again.
func (e *Executor) restartInstance(ctx context.Context, rec *Recommendation, result *ExecutionResult) {
	instanceID := paramString(rec.Parameters, "instance_id")
	if instanceID == "" {
		result.Status = StatusFailed
		result.Message = "No instance_id provided"
		return
	}

	ok, err := e.provider.RebootInstance(ctx, instanceID)
	if err != nil || !ok {
		result.Status = StatusFailed
		result.Message = fmt.Sprintf("Failed to reboot instance %s", instanceID)
		if err != nil {
			result.Message = fmt.Sprintf("Failed to reboot instance %s: %v", instanceID, err)
		}
		return
	}

	result.Status = StatusSuccess
	result.Message = fmt.Sprintf("Instance %s reboot initiated", instanceID)
	result.Details["instance_id"] = instanceID

	if wait, _ := rec.Parameters["wait_for_recovery"].(bool); wait {
		e.waitForInstanceRecovery(ctx, instanceID, result)
	}
}

// redeploy triggers an Amplify deployment on the configured branch.
func (e *Executor) redeploy(ctx context.Context, rec *Recommendation, result *ExecutionResult) {
	appID := paramString(rec.Parameters, "app_id")
	if appID == "" {
		result.Status = StatusFailed
		result.Message = "No app_id provided for redeployment"
		return
	}
	branch := paramString(rec.Parameters, "branch")
	if branch == "" {
		branch = "main"
	}

	jobID, err := e.provider.StartDeployment(ctx, appID, branch)
	if err != nil || jobID == "" {
		result.Status = StatusFailed
		result.Message = fmt.Sprintf("Failed to start deployment for %s/%s", appID, branch)
		if err != nil {
			result.Message = fmt.Sprintf("Failed to start deployment for %s/%s: %v", appID, branch, err)
		}
		return
	}
	result.Status = StatusSuccess
	result.Message = fmt.Sprintf("Deployment started on %s: job %s", branch, jobID)
	result.Details["job_id"] = jobID
	result.Details["branch"] = branch
}

// waitForInstanceRecovery polls instance status until it is healthy, the
// timeout passes, or the context is cancelled. The reboot already succeeded;
// this only annotates the result with recovery details.
func (e *Executor) waitForInstanceRecovery(ctx context.Context, instanceID string, result *ExecutionResult) {
	e.logger.Info("waiting for instance recovery", "instance_id", instanceID)
	start := e.now()

	for {
		elapsed := e.now().Sub(start)
		if elapsed > e.recoveryTimeout {
			result.Details["recovery_timeout"] = true
			e.logger.Warn("instance recovery timed out", "instance_id", instanceID)
			return
		}

		status, err := e.provider.GetInstanceStatus(ctx, instanceID)
		if err == nil && status != nil && status.IsHealthy() {
			result.Details["recovery_time_s"] = int(elapsed.Seconds())
			e.logger.Info("instance recovered",
				"instance_id", instanceID, "elapsed_s", int(elapsed.Seconds()))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.recoveryPoll):
		}
	}
}

// RecentExecutions returns up to limit retained plan results, newest first.
// A non-positive limit returns all retained results.
func (e *Executor) RecentExecutions(limit int) []PlanExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PlanExecutionResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Stats summarizes the retained plan executions.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ExecutorStats{TotalExecutions: len(e.history)}
	for i := range e.history {
		switch e.history[i].OverallStatus {
		case StatusSuccess:
			s.Successful++
		case StatusFailed:
			s.Failed++
		default:
			s.Partial++
		}
	}
	return s
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
