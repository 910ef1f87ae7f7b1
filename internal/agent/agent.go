// Package agent wires the monitoring pipeline together: log collection and
// health polling feed triage, triage feeds the recommender, and the safety
// guard gates everything the executor does. The agent owns the background
// loops and the callbacks between components; the components themselves stay
// ignorant of each other.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lelandg/Heimdallr/internal/action"
	"github.com/lelandg/Heimdallr/internal/alert"
	"github.com/lelandg/Heimdallr/internal/analysis"
	"github.com/lelandg/Heimdallr/internal/approval"
	"github.com/lelandg/Heimdallr/internal/cloud"
	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/config"
	"github.com/lelandg/Heimdallr/internal/monitor"
	"github.com/lelandg/Heimdallr/internal/notify"
	"github.com/lelandg/Heimdallr/internal/safety"
	"github.com/lelandg/Heimdallr/pkg/audit"
)

const (
	stopGrace       = 10 * time.Second
	pipelineTimeout = 2 * time.Minute
)

// ErrPlanBlocked is returned when an approved plan fails the safety re-check
// at execution time.
var ErrPlanBlocked = errors.New("plan blocked by safety guard")

// ErrPlanInFlight is returned when a plan for the same service is already
// executing.
var ErrPlanInFlight = errors.New("a plan for this service is already executing")

// disabledLLM stands in when no completion client is configured; every triage
// falls back to the analyzer's heuristic classification.
type disabledLLM struct{}

func (disabledLLM) Complete(context.Context, analysis.CompletionRequest) (*analysis.LLMResponse, error) {
	return nil, errors.New("llm disabled")
}

func (disabledLLM) AnalysisModel() string { return "" }

// CloudAPI is the full cloud surface the agent hands to its components.
// *cloud.Client satisfies it.
type CloudAPI interface {
	RebootInstance(ctx context.Context, instanceID string) (bool, error)
	StartDeployment(ctx context.Context, appID, branch string) (string, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*cloud.InstanceStatus, error)
	GetAppStatus(ctx context.Context, appID string) (*cloud.AppStatus, error)
	FetchErrorLogs(ctx context.Context, logGroup string, lookback time.Duration, limit int) ([]cloud.LogEvent, error)
	SendEmail(ctx context.Context, from string, to []string, subject, body string) error
	TestConnection(ctx context.Context) map[string]bool
}

// Deps are the externally owned collaborators. Cloud is required; a nil LLM
// client disables model calls (triage falls back to heuristics), a nil
// approval store gets an in-memory one, and a nil audit logger gets a
// memory-only trail.
type Deps struct {
	Cloud     CloudAPI
	LLM       analysis.CompletionClient
	Approvals approval.Store
	Audit     *audit.Logger
	Logger    *slog.Logger
}

// Stats is the aggregated agent snapshot served by the status API.
type Stats struct {
	Running   bool                 `json:"running"`
	UptimeS   float64              `json:"uptime_s"`
	Monitor   monitor.Stats        `json:"monitor"`
	Collector collector.Stats      `json:"collector"`
	Alerts    alert.Stats          `json:"alerts"`
	Safety    safety.Stats         `json:"safety"`
	Executor  action.ExecutorStats `json:"executor"`
	Audit     audit.Stats          `json:"audit"`
}

// Agent is the composition root. The component fields are initialized by New
// and must be treated as read-only afterwards.
type Agent struct {
	Guard       *safety.Guard
	Recommender *action.Recommender
	Executor    *action.Executor
	Analyzer    *analysis.Analyzer
	Monitor     *monitor.Monitor
	Collector   *collector.Collector
	Alerts      *alert.Manager
	Notifier    *notify.Notifier
	Approvals   approval.Store
	Audit       *audit.Logger

	cfg    *config.Config
	cloud  CloudAPI
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	inFlight  map[string]bool
	planIDs   map[string]string

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds all components from the configuration and wires the callbacks
// between them. No goroutines start until Start.
func New(cfg *config.Config, deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditLog := deps.Audit
	if auditLog == nil {
		auditLog = audit.NewLogger(logger)
	}
	approvals := deps.Approvals
	if approvals == nil {
		approvals = approval.NewMemoryStore(0, logger)
	}

	settings := cfg.Actions.Settings()

	a := &Agent{
		Approvals: approvals,
		Audit:     auditLog,
		cfg:       cfg,
		cloud:     deps.Cloud,
		logger:    logger.With("component", "agent"),
		inFlight:  make(map[string]bool),
		planIDs:   make(map[string]string),
		now:       time.Now,
	}

	llm := deps.LLM
	if llm == nil {
		llm = disabledLLM{}
	}

	a.Guard = safety.NewGuard(settings, nil, nil, nil, auditLog, logger)
	a.Recommender = action.NewRecommender(settings, logger)
	a.Executor = action.NewExecutor(deps.Cloud, logger)
	a.Analyzer = analysis.NewAnalyzer(llm, logger)
	a.Alerts = alert.NewManager(logger)
	a.Notifier = notify.NewNotifier(notify.Config{
		EmailEnabled:      cfg.Notifications.EmailEnabled,
		EmailFrom:         cfg.Notifications.EmailFrom,
		EmailRecipients:   cfg.Notifications.EmailRecipients,
		SlackEnabled:      cfg.Notifications.SlackEnabled,
		SlackWebhookURL:   cfg.Notifications.SlackWebhookURL,
		DiscordEnabled:    cfg.Notifications.DiscordEnabled,
		DiscordWebhookURL: cfg.Notifications.DiscordWebhookURL,
	}, deps.Cloud, logger)

	a.Monitor = monitor.NewMonitor(monitor.Config{
		CheckInterval: cfg.Monitoring.HealthCheckInterval(),
		AmplifyApps:   amplifyTargets(cfg),
		EC2Instances:  ec2Targets(cfg),
	}, deps.Cloud, logger)

	a.Collector = collector.NewCollector(collector.Config{
		PollInterval:  cfg.Monitoring.LogPollInterval(),
		ErrorLookback: cfg.Monitoring.ErrorLookback(),
		DedupWindow:   cfg.Monitoring.DedupWindow(),
		Apps:          appTargets(cfg),
	}, deps.Cloud, logger)

	// Callback wiring. The guard is the executor's pre-execution gate; the
	// post-execution hook feeds the audit trail and the guard's bookkeeping.
	a.Executor.OnPreExecution(a.preExecutionCheck)
	a.Executor.OnPostExecution(a.postExecutionRecord)
	a.Recommender.OnApprovalNeeded(a.onApprovalNeeded)
	a.Collector.OnError(a.onErrorDetected)
	a.Monitor.OnHealthChange(a.onHealthChange)
	a.Alerts.OnAlert(a.onAlertCreated)
	a.Alerts.OnEscalation(a.onAlertEscalation)

	return a
}

func amplifyTargets(cfg *config.Config) []monitor.AmplifyTarget {
	out := make([]monitor.AmplifyTarget, 0, len(cfg.Monitoring.AmplifyApps))
	for _, app := range cfg.Monitoring.AmplifyApps {
		out = append(out, monitor.AmplifyTarget{Name: app.Name, AppID: app.AppID})
	}
	return out
}

func ec2Targets(cfg *config.Config) []monitor.EC2Target {
	out := make([]monitor.EC2Target, 0, len(cfg.Monitoring.EC2Instances))
	for _, inst := range cfg.Monitoring.EC2Instances {
		out = append(out, monitor.EC2Target{Name: inst.Name, InstanceID: inst.InstanceID})
	}
	return out
}

func appTargets(cfg *config.Config) []collector.AppTarget {
	out := make([]collector.AppTarget, 0, len(cfg.Monitoring.AmplifyApps))
	for _, app := range cfg.Monitoring.AmplifyApps {
		out = append(out, collector.AppTarget{Name: app.Name, AppID: app.AppID, LogGroup: app.LogGroup})
	}
	return out
}

// Start probes the cloud connection and launches the background loops. It
// fails only when no AWS service is reachable at all.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.startedAt = a.now()
	a.ctx, a.cancel = context.WithCancel(ctx)
	ctx = a.ctx
	a.mu.Unlock()

	probe, cancel := context.WithTimeout(ctx, 30*time.Second)
	results := a.cloud.TestConnection(probe)
	cancel()

	reachable := false
	for service, ok := range results {
		a.logger.Info("AWS connectivity", "service", service, "connected", ok)
		reachable = reachable || ok
	}
	if !reachable {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		a.cancel()
		return fmt.Errorf("no AWS services reachable in %s, check credentials", a.cfg.AWS.Region)
	}

	a.Collector.Start(ctx)
	a.Monitor.Start(ctx)
	a.Alerts.Start(ctx)

	a.logger.Info("agent started",
		"amplify_apps", len(a.cfg.Monitoring.AmplifyApps),
		"ec2_instances", len(a.cfg.Monitoring.EC2Instances),
		"log_poll_interval", a.cfg.Monitoring.LogPollInterval(),
		"health_check_interval", a.cfg.Monitoring.HealthCheckInterval())
	return nil
}

// Stop cancels the background loops and waits for them within a bounded
// grace period. In-flight plan executions finish on their own; Stop never
// blocks past the grace period.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		a.Collector.Stop()
		a.Monitor.Stop()
		a.Alerts.Stop()
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("agent stopped")
	case <-time.After(stopGrace):
		a.logger.Warn("agent stop grace period expired, abandoning background work")
	}
}

// Running reports whether the background loops are active.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// StartedAt returns when the agent started, zero if it never did.
func (a *Agent) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// onErrorDetected is the collector callback: audit, alert, and hand off to
// the analysis pipeline without blocking the poll loop.
func (a *Agent) onErrorDetected(detected collector.DetectedError) {
	a.logger.Info("error detected",
		"service", detected.SourceApp,
		"error_type", detected.ErrorType,
		"severity", detected.Severity,
		"fingerprint", detected.Fingerprint)

	a.Audit.LogErrorDetected(detected.SourceApp, detected.ErrorType, detected.Message, detected.Fingerprint)

	if a.Alerts.ProcessError(&detected) == nil {
		// suppressed or duplicate
		return
	}

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.analyzeAndRespond(ctx, detected)
	}()
}

// analyzeAndRespond runs triage and, when the plan survives the safety gate,
// executes it.
func (a *Agent) analyzeAndRespond(ctx context.Context, detected collector.DetectedError) {
	ctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()

	result := a.Analyzer.QuickTriage(ctx, detected)
	a.logger.Info("triage complete",
		"service", result.SourceService,
		"category", result.Category,
		"recommended_action", result.RecommendedAction,
		"confidence", result.Confidence)

	a.Audit.LogErrorAnalyzed(result.SourceService, result.ErrorFingerprint,
		result.ModelUsed, result.RootCause, string(result.RecommendedAction))

	health := a.lookupHealth(detected)
	plan := a.Recommender.RecommendForAnalysis(result, health)
	if len(plan.Actions) == 0 {
		return
	}
	a.resolveTargets(plan)
	a.Audit.LogActionPlanned(plan, "agent")
	a.maybeExecute(ctx, plan)
}

// onHealthChange is the monitor callback: alert, notify, and run the
// transition through the recommender.
func (a *Agent) onHealthChange(change monitor.HealthChange) {
	a.logger.Info("health change",
		"service", change.ServiceName,
		"old_state", change.OldState,
		"new_state", change.NewState)

	a.Alerts.ProcessHealthChange(change)

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		nctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
		defer cancel()
		a.Notifier.NotifyHealthChange(nctx, change)
	}()

	health, ok := a.Monitor.Health(change.ServiceID)
	if !ok {
		health = monitor.ServiceHealth{
			ServiceID:   change.ServiceID,
			ServiceName: change.ServiceName,
			ServiceType: change.ServiceType,
			State:       change.NewState,
			Message:     change.Message,
		}
	}

	plan := a.Recommender.RecommendForHealthTransition(health, change.OldState)
	if onlyNoAction(plan) {
		return
	}
	a.resolveTargets(plan)
	a.Audit.LogActionPlanned(plan, "agent")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ectx, cancel := context.WithTimeout(ctx, pipelineTimeout)
		defer cancel()
		a.maybeExecute(ectx, plan)
	}()
}

func onlyNoAction(plan *action.Plan) bool {
	for i := range plan.Actions {
		if plan.Actions[i].Kind != action.KindNoAction {
			return false
		}
	}
	return true
}

// maybeExecute runs a plan when it is not approval-gated and at least one
// action both clears the guard and is safe to auto-execute. Per-action
// gating during the run happens through the executor's pre-execution hook.
func (a *Agent) maybeExecute(ctx context.Context, plan *action.Plan) {
	if plan.RequiresApproval() {
		a.logger.Info("plan parked pending approval", "plan_id", plan.PlanID)
		return
	}

	runnable := false
	for i := range plan.Actions {
		rec := &plan.Actions[i]
		result := a.Guard.Check(rec.Kind, rec.TargetService, rec.Risk)
		if result == safety.ResultAllowed && rec.IsSafeToAutoExecute() {
			runnable = true
			break
		}
		if result != safety.ResultAllowed {
			a.logger.Warn("action blocked by safety guard",
				"plan_id", plan.PlanID, "action", rec.Kind, "result", result)
		}
	}
	if !runnable {
		return
	}

	service := planService(plan)
	if !a.acquire(service, plan.PlanID) {
		a.logger.Warn("dropping plan, another plan is executing for service",
			"plan_id", plan.PlanID, "service", service)
		a.Audit.LogActionRejected(plan.PlanID, "agent", service,
			"another plan is already executing for this service")
		return
	}
	defer a.release(service)

	result := a.Executor.ExecutePlan(ctx, plan, action.DefaultExecuteOptions())
	a.Recommender.RecordExecution(plan,
		result.OverallStatus == action.StatusSuccess, string(result.OverallStatus))
}

// RunApprovedPlan approves a pending plan, re-checks it against the safety
// guard, and executes it. The re-check is deliberate: cooldowns or rate
// limits may have tripped while the plan sat in the approval queue.
func (a *Agent) RunApprovedPlan(ctx context.Context, planID, approvedBy string) (*action.PlanExecutionResult, error) {
	plan, err := a.Approvals.Approve(ctx, planID, approvedBy)
	if err != nil {
		return nil, err
	}

	if violations := a.Guard.CheckPlan(plan); len(violations) > 0 {
		reasons := make([]string, 0, len(violations))
		for _, v := range violations {
			reasons = append(reasons, string(v.CheckType))
		}
		reason := strings.Join(reasons, ", ")
		a.Audit.LogActionRejected(planID, approvedBy, planService(plan), reason)
		return nil, fmt.Errorf("%w: %s", ErrPlanBlocked, reason)
	}

	a.Recommender.ApprovePlan(plan, approvedBy)
	a.Audit.LogActionApproved(planID, approvedBy, planService(plan))

	// Approval overrides the per-action requires-approval flags; the guard
	// hook still vetoes hard blocks during the run.
	for i := range plan.Actions {
		plan.Actions[i].RequiresApproval = false
	}
	a.resolveTargets(plan)

	service := planService(plan)
	if !a.acquire(service, plan.PlanID) {
		return nil, ErrPlanInFlight
	}
	defer a.release(service)

	result := a.Executor.ExecutePlan(ctx, plan, action.DefaultExecuteOptions())
	a.Recommender.RecordExecution(plan,
		result.OverallStatus == action.StatusSuccess, string(result.OverallStatus))

	if err := a.Approvals.Remove(ctx, planID); err != nil && !errors.Is(err, approval.ErrNotFound) {
		a.logger.Warn("failed to remove executed plan from approval store",
			"plan_id", planID, "error", err)
	}
	return result, nil
}

// ExecuteAction runs one manually requested action through the same safety
// gate and dispatch as planned actions. When the guard denies it, the zero
// result and the guard's verdict are returned.
func (a *Agent) ExecuteAction(ctx context.Context, kind action.Kind, service string, params map[string]interface{}, dryRun bool) (action.ExecutionResult, safety.CheckResult) {
	check := a.Guard.Check(kind, service, action.RiskFor(kind))
	if check != safety.ResultAllowed {
		return action.ExecutionResult{}, check
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	a.fillTargetParams(kind, service, params)

	result := a.Executor.ExecuteSingleAction(ctx, kind, service, params, dryRun)

	// Single actions bypass the plan hooks, so bookkeeping happens here.
	if !dryRun && (result.Status == action.StatusSuccess || result.Status == action.StatusFailed) {
		a.Guard.RecordOutcome(kind, service, result.Status == action.StatusSuccess)
	}
	a.Audit.LogActionExecuted(result, "", nil, nil)
	return result, safety.ResultAllowed
}

// preExecutionCheck is the executor hook: only guard-allowed actions run.
func (a *Agent) preExecutionCheck(rec *action.Recommendation) bool {
	return a.Guard.Check(rec.Kind, rec.TargetService, rec.Risk) == safety.ResultAllowed
}

// postExecutionRecord is the executor hook: audit every result and feed the
// guard's history and circuit breaker for actually-attempted actions.
// Skipped actions are not outcomes and must not trip the breaker.
func (a *Agent) postExecutionRecord(result *action.ExecutionResult) {
	a.Audit.LogActionExecuted(*result, a.planIDFor(result.TargetService), nil, nil)

	switch result.Status {
	case action.StatusSuccess, action.StatusFailed:
		a.Guard.RecordOutcome(result.Kind, result.TargetService, result.Status == action.StatusSuccess)
	}
}

// onApprovalNeeded parks the plan in the approval store and tells operators.
func (a *Agent) onApprovalNeeded(plan *action.Plan) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Approvals.Put(ctx, plan); err != nil {
		a.logger.Error("failed to store plan for approval", "plan_id", plan.PlanID, "error", err)
	}

	a.Notifier.Send(ctx, notify.Notification{
		Title:    "Approval required: " + plan.PlanID,
		Message:  fmt.Sprintf("Plan %s for %s needs approval (%d actions, max risk %s)", plan.PlanID, planService(plan), len(plan.Actions), plan.MaxRisk()),
		Priority: notify.PriorityHigh,
		Service:  planService(plan),
	})
}

func (a *Agent) onAlertCreated(al *alert.Alert) {
	a.Audit.LogAlert(al.ID, al.SourceService, false, "")

	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		nctx, cancel := context.WithTimeout(ctx, pipelineTimeout)
		defer cancel()
		a.Notifier.NotifyAlert(nctx, al)
	}()
}

func (a *Agent) onAlertEscalation(al *alert.Alert, escalation string) {
	a.logger.Warn("alert escalated", "alert_id", al.ID, "action", escalation)
	a.Audit.LogAlertEscalated(al.ID, al.SourceService, escalation)
}

// lookupHealth finds the monitored service the error came from, matching by
// configured app name first and log group second.
func (a *Agent) lookupHealth(detected collector.DetectedError) *monitor.ServiceHealth {
	for _, app := range a.cfg.Monitoring.AmplifyApps {
		if app.Name == detected.SourceApp || app.LogGroup == detected.LogGroup {
			if h, ok := a.Monitor.Health("amplify:" + app.AppID); ok {
				return &h
			}
			return nil
		}
	}
	for _, inst := range a.cfg.Monitoring.EC2Instances {
		if inst.Name == detected.SourceApp {
			if h, ok := a.Monitor.Health("ec2:" + inst.InstanceID); ok {
				return &h
			}
			return nil
		}
	}
	return nil
}

// resolveTargets enriches infrastructure actions with the cloud identifiers
// the executor dispatch needs, resolved from the monitoring configuration.
func (a *Agent) resolveTargets(plan *action.Plan) {
	for i := range plan.Actions {
		rec := &plan.Actions[i]
		switch rec.Kind {
		case action.KindRestartService, action.KindRestartInstance, action.KindRedeploy:
			if rec.Parameters == nil {
				rec.Parameters = map[string]interface{}{}
			}
			a.fillTargetParams(rec.Kind, rec.TargetService, rec.Parameters)
		}
	}
}

// fillTargetParams adds instance_id/app_id for a service name, leaving
// already-present parameters alone.
func (a *Agent) fillTargetParams(kind action.Kind, service string, params map[string]interface{}) {
	if _, ok := params["instance_id"]; ok {
		return
	}
	if _, ok := params["app_id"]; ok {
		return
	}

	name := service
	if rest, found := strings.CutPrefix(service, "amplify:"); found {
		name = rest
	} else if rest, found := strings.CutPrefix(service, "ec2:"); found {
		name = rest
	}

	for _, app := range a.cfg.Monitoring.AmplifyApps {
		if app.Name == name || app.AppID == name {
			params["app_id"] = app.AppID
			params["service_type"] = "amplify"
			return
		}
	}
	for _, inst := range a.cfg.Monitoring.EC2Instances {
		if inst.Name == name || inst.InstanceID == name {
			params["instance_id"] = inst.InstanceID
			params["service_type"] = "ec2"
			return
		}
		for _, svc := range inst.Services {
			if svc == name {
				params["instance_id"] = inst.InstanceID
				params["service_type"] = "ec2"
				return
			}
		}
	}
}

// planService returns the primary target service of a plan.
func planService(plan *action.Plan) string {
	for i := range plan.Actions {
		if s := plan.Actions[i].TargetService; s != "" {
			return s
		}
	}
	return plan.TriggerSource
}

// acquire takes the single-flight slot for a service. One plan per service
// executes at a time; concurrent triggers are dropped by the caller.
func (a *Agent) acquire(service, planID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[service] {
		return false
	}
	a.inFlight[service] = true
	a.planIDs[service] = planID
	return true
}

func (a *Agent) release(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, service)
	delete(a.planIDs, service)
}

func (a *Agent) planIDFor(service string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.planIDs[service]
}

// Stats aggregates every component's snapshot.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	running := a.running
	startedAt := a.startedAt
	a.mu.Unlock()

	s := Stats{
		Running:   running,
		Monitor:   a.Monitor.Stats(),
		Collector: a.Collector.Stats(),
		Alerts:    a.Alerts.Stats(),
		Safety:    a.Guard.Stats(),
		Executor:  a.Executor.Stats(),
		Audit:     a.Audit.Stats(),
	}
	if running && !startedAt.IsZero() {
		s.UptimeS = a.now().Sub(startedAt).Seconds()
	}
	return s
}
