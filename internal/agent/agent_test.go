package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelandg/Heimdallr/internal/action"
	"github.com/lelandg/Heimdallr/internal/analysis"
	"github.com/lelandg/Heimdallr/internal/cloud"
	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/config"
	"github.com/lelandg/Heimdallr/internal/safety"
	"github.com/lelandg/Heimdallr/pkg/audit"
	"github.com/lelandg/Heimdallr/pkg/logging"
)

type fakeCloud struct {
	reboots     atomic.Int64
	deployments atomic.Int64
	rebootOK    bool
	connected   bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{rebootOK: true, connected: true}
}

func (f *fakeCloud) RebootInstance(_ context.Context, _ string) (bool, error) {
	f.reboots.Add(1)
	if !f.rebootOK {
		return false, errors.New("reboot refused")
	}
	return true, nil
}

func (f *fakeCloud) StartDeployment(_ context.Context, _, _ string) (string, error) {
	f.deployments.Add(1)
	return "job-1", nil
}

func (f *fakeCloud) GetInstanceStatus(_ context.Context, instanceID string) (*cloud.InstanceStatus, error) {
	return &cloud.InstanceStatus{InstanceID: instanceID, State: "running", StatusCheck: "ok"}, nil
}

func (f *fakeCloud) GetAppStatus(_ context.Context, appID string) (*cloud.AppStatus, error) {
	return &cloud.AppStatus{AppID: appID, Status: "SUCCEED"}, nil
}

func (f *fakeCloud) FetchErrorLogs(_ context.Context, _ string, _ time.Duration, _ int) ([]cloud.LogEvent, error) {
	return nil, nil
}

func (f *fakeCloud) SendEmail(_ context.Context, _ string, _ []string, _, _ string) error {
	return nil
}

func (f *fakeCloud) TestConnection(_ context.Context) map[string]bool {
	return map[string]bool{"ec2": f.connected, "amplify": f.connected}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Monitoring.EC2Instances = []config.EC2Instance{
		{InstanceID: "i-0abc", Name: "api-server", Services: []string{"api"}},
	}
	cfg.Monitoring.AmplifyApps = []config.AmplifyApp{
		{AppID: "d1web", Name: "web-frontend", LogGroup: "/aws/amplify/d1web"},
	}
	cfg.Notifications.EmailEnabled = false
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, cloudAPI CloudAPI) *Agent {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return New(cfg, Deps{
		Cloud:  cloudAPI,
		Audit:  audit.NewLogger(logging.Discard()),
		Logger: logging.Discard(),
	})
}

func notifyPlan(id, service string) *action.Plan {
	return &action.Plan{
		PlanID:        id,
		TriggerSource: service,
		Actions: []action.Recommendation{{
			Kind:          action.KindNotify,
			TargetService: service,
			Risk:          action.RiskLow,
			Confidence:    1.0,
			CreatedAt:     time.Now(),
		}},
		CreatedAt: time.Now(),
	}
}

func TestRunApprovedPlanExecutesAndClearsStore(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())
	ctx := context.Background()

	plan := notifyPlan("plan-1", "api-server")
	require.NoError(t, a.Approvals.Put(ctx, plan))

	result, err := a.RunApprovedPlan(ctx, "plan-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, action.StatusSuccess, result.OverallStatus)
	require.Len(t, result.ActionResults, 1)
	assert.Equal(t, action.StatusSuccess, result.ActionResults[0].Status)

	_, err = a.Approvals.Get(ctx, "plan-1")
	assert.Error(t, err, "executed plan should be removed from the approval store")
}

func TestRunApprovedPlanReChecksSafetyGuard(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())
	ctx := context.Background()

	plan := notifyPlan("plan-2", "api-server")
	plan.Actions[0].Kind = action.KindRestartService
	plan.Actions[0].Risk = action.RiskMedium
	require.NoError(t, a.Approvals.Put(ctx, plan))

	// A restart recorded moments ago puts the service in cooldown; the
	// approval-time re-check must catch it.
	a.Guard.RecordOutcome(action.KindRestartService, "api-server", true)

	_, err := a.RunApprovedPlan(ctx, "plan-2", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanBlocked)
	assert.Contains(t, err.Error(), "blocked_cooldown")
}

func TestRunApprovedPlanSingleFlight(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())
	ctx := context.Background()

	plan := notifyPlan("plan-3", "api-server")
	require.NoError(t, a.Approvals.Put(ctx, plan))
	require.True(t, a.acquire("api-server", "other-plan"))
	defer a.release("api-server")

	_, err := a.RunApprovedPlan(ctx, "plan-3", "alice")
	assert.ErrorIs(t, err, ErrPlanInFlight)
}

func TestExecuteActionBlockedByGuard(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())
	ctx := context.Background()

	a.Guard.RecordOutcome(action.KindRestartService, "api-server", true)

	_, check := a.ExecuteAction(ctx, action.KindRestartService, "api-server", nil, false)
	assert.Equal(t, safety.ResultBlockedCooldown, check)
}

func TestExecuteActionResolvesTargetAndRecordsOutcome(t *testing.T) {
	fc := newFakeCloud()
	a := newTestAgent(t, nil, fc)
	ctx := context.Background()

	result, check := a.ExecuteAction(ctx, action.KindRestartService, "api-server", nil, false)
	require.Equal(t, safety.ResultAllowed, check)
	assert.Equal(t, action.StatusSuccess, result.Status)
	assert.Equal(t, int64(1), fc.reboots.Load(), "ec2 target resolves to a reboot")

	stats := a.Guard.Stats()
	assert.Equal(t, 1, stats.ActionsLastHour, "attempted action lands in the guard history")
}

func TestExecuteActionDryRunTouchesNothing(t *testing.T) {
	fc := newFakeCloud()
	a := newTestAgent(t, nil, fc)

	result, check := a.ExecuteAction(context.Background(), action.KindRestartInstance, "api-server", nil, true)
	require.Equal(t, safety.ResultAllowed, check)
	assert.Equal(t, action.StatusSuccess, result.Status)
	assert.Equal(t, int64(0), fc.reboots.Load())
	assert.Equal(t, 0, a.Guard.Stats().ActionsLastHour, "dry runs are not outcomes")
}

func TestResolveTargetsFillsCloudIdentifiers(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())

	plan := &action.Plan{
		PlanID: "plan-4",
		Actions: []action.Recommendation{
			{Kind: action.KindRestartInstance, TargetService: "api-server"},
			{Kind: action.KindRedeploy, TargetService: "web-frontend"},
			{Kind: action.KindNotify, TargetService: "web-frontend"},
		},
	}
	a.resolveTargets(plan)

	assert.Equal(t, "i-0abc", plan.Actions[0].Parameters["instance_id"])
	assert.Equal(t, "d1web", plan.Actions[1].Parameters["app_id"])
	assert.Nil(t, plan.Actions[2].Parameters, "notify actions need no target enrichment")
}

func TestApprovalNeededParksPlanInStore(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())

	plan := notifyPlan("plan-5", "web-frontend")
	plan.Actions[0].Kind = action.KindRedeploy
	plan.Actions[0].RequiresApproval = true
	a.onApprovalNeeded(plan)

	pending, err := a.Approvals.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "plan-5", pending[0].PlanID)
}

func TestMaybeExecuteDropsApprovalGatedPlans(t *testing.T) {
	fc := newFakeCloud()
	a := newTestAgent(t, nil, fc)

	plan := notifyPlan("plan-6", "api-server")
	plan.Actions[0].Kind = action.KindRestartInstance
	plan.Actions[0].RequiresApproval = true
	a.maybeExecute(context.Background(), plan)

	assert.False(t, plan.Executed)
	assert.Equal(t, int64(0), fc.reboots.Load())
}

func TestMaybeExecuteRunsSafePlans(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())

	plan := notifyPlan("plan-7", "api-server")
	a.maybeExecute(context.Background(), plan)

	assert.True(t, plan.Executed)
	assert.Equal(t, string(action.StatusSuccess), plan.ExecutionResult)
}

func TestErrorPipelineAuditsAndAlerts(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())
	a.ctx = context.Background()

	a.onErrorDetected(collector.DetectedError{
		Message:     "FATAL: out of memory",
		Severity:    collector.SeverityCritical,
		SourceApp:   "web-frontend",
		LogGroup:    "/aws/amplify/d1web",
		ErrorType:   "FATAL",
		Fingerprint: "abcdef123456",
		Timestamp:   time.Now(),
		Count:       1,
	})
	a.wg.Wait()

	events := a.Audit.Search(audit.Filter{Type: audit.EventErrorDetected})
	require.Len(t, events, 1)
	assert.Equal(t, "web-frontend", events[0].TargetService)

	analyzed := a.Audit.Search(audit.Filter{Type: audit.EventErrorAnalyzed})
	assert.Len(t, analyzed, 1, "triage runs even without an LLM, via heuristics")

	planned := a.Audit.Search(audit.Filter{Type: audit.EventActionPlanned})
	assert.NotEmpty(t, planned)

	open := a.Alerts.OpenAlerts("")
	require.Len(t, open, 1)
	assert.Equal(t, "web-frontend", open[0].SourceService)
}

func TestStartFailsWhenNoCloudServiceReachable(t *testing.T) {
	fc := newFakeCloud()
	fc.connected = false
	a := newTestAgent(t, nil, fc)

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no AWS services reachable")
	assert.False(t, a.Running())
}

func TestStartStopLifecycle(t *testing.T) {
	a := newTestAgent(t, nil, newFakeCloud())

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Running())
	stats := a.Stats()
	assert.True(t, stats.Running)

	a.Stop()
	assert.False(t, a.Running())
}

var _ analysis.CompletionClient = disabledLLM{}
