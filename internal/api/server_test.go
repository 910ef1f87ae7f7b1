package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelandg/Heimdallr/internal/action"
	"github.com/lelandg/Heimdallr/internal/agent"
	"github.com/lelandg/Heimdallr/internal/alert"
	"github.com/lelandg/Heimdallr/internal/approval"
	"github.com/lelandg/Heimdallr/internal/config"
	"github.com/lelandg/Heimdallr/internal/monitor"
	"github.com/lelandg/Heimdallr/internal/safety"
	"github.com/lelandg/Heimdallr/pkg/audit"
	"github.com/lelandg/Heimdallr/pkg/logging"
)

type fakeRunner struct {
	execResult action.ExecutionResult
	execCheck  safety.CheckResult
	execCalls  int
	runResult  *action.PlanExecutionResult
	runErr     error
	stats      agent.Stats
}

func (f *fakeRunner) RunApprovedPlan(_ context.Context, planID, _ string) (*action.PlanExecutionResult, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runResult != nil {
		return f.runResult, nil
	}
	return &action.PlanExecutionResult{PlanID: planID, OverallStatus: action.StatusSuccess}, nil
}

func (f *fakeRunner) ExecuteAction(_ context.Context, kind action.Kind, service string, _ map[string]interface{}, _ bool) (action.ExecutionResult, safety.CheckResult) {
	f.execCalls++
	if f.execCheck != "" && f.execCheck != safety.ResultAllowed {
		return action.ExecutionResult{}, f.execCheck
	}
	if f.execResult.Kind == "" {
		return action.ExecutionResult{Kind: kind, TargetService: service, Status: action.StatusSuccess}, safety.ResultAllowed
	}
	return f.execResult, safety.ResultAllowed
}

func (f *fakeRunner) Stats() agent.Stats { return f.stats }

func newTestServer(t *testing.T, cfg config.APIConfig, runner *fakeRunner) (*Server, Deps) {
	t.Helper()
	logger := logging.Discard()
	if runner == nil {
		runner = &fakeRunner{}
	}
	deps := Deps{
		Runner:    runner,
		Monitor:   monitor.NewMonitor(monitor.Config{CheckInterval: time.Minute}, nil, logger),
		Alerts:    alert.NewManager(logger),
		Guard:     safety.NewGuard(action.DefaultSettings(), nil, nil, nil, nil, logger),
		Executor:  action.NewExecutor(nil, logger),
		Approvals: approval.NewMemoryStore(0, logger),
		Audit:     audit.NewLogger(logger),
		Version:   "test",
	}
	return NewServer(cfg, deps, logger), deps
}

func doRequest(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func TestAuthOpenWithoutKeys(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)
	rr := doRequest(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthEnforcement(t *testing.T) {
	cfg := config.APIConfig{APIKeys: []string{"sekrit"}, AllowAnonymousRead: true}
	s, _ := newTestServer(t, cfg, nil)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"anonymous read allowed", http.MethodGet, "/health", nil, http.StatusOK},
		{"anonymous write rejected", http.MethodPost, "/freezes", nil, http.StatusUnauthorized},
		{"wrong key rejected", http.MethodPost, "/freezes", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header accepted", http.MethodGet, "/stats", map[string]string{"X-API-Key": "sekrit"}, http.StatusOK},
		{"bearer token accepted", http.MethodGet, "/stats", map[string]string{"Authorization": "Bearer sekrit"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(s, tt.method, tt.path, nil, tt.headers)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAuthNoAnonymousRead(t *testing.T) {
	cfg := config.APIConfig{APIKeys: []string{"sekrit"}, AllowAnonymousRead: false}
	s, _ := newTestServer(t, cfg, nil)

	rr := doRequest(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestExecuteActionValidation(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rr := doRequest(s, http.MethodPost, "/actions/execute",
		map[string]interface{}{"action": "detonate", "service": "web"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(s, http.MethodPost, "/actions/execute",
		map[string]interface{}{"action": "notify"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExecuteActionSuccess(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(t, config.APIConfig{}, runner)

	rr := doRequest(s, http.MethodPost, "/actions/execute",
		map[string]interface{}{"action": "restart_service", "service": "web-1", "dry_run": true}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["executed"])
	assert.Equal(t, 1, runner.execCalls)
}

func TestExecuteActionBlockedReturnsReason(t *testing.T) {
	runner := &fakeRunner{execCheck: safety.ResultBlockedRateLimit}
	s, _ := newTestServer(t, config.APIConfig{}, runner)

	rr := doRequest(s, http.MethodPost, "/actions/execute",
		map[string]interface{}{"action": "restart_service", "service": "web-1"}, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["executed"])
	assert.Equal(t, "blocked_rate_limit", resp["reason"])
}

func TestExecuteActionRequiresApprovalIsAccepted(t *testing.T) {
	runner := &fakeRunner{execCheck: safety.ResultRequiresApproval}
	s, _ := newTestServer(t, config.APIConfig{}, runner)

	rr := doRequest(s, http.MethodPost, "/actions/execute",
		map[string]interface{}{"action": "redeploy", "service": "web-1"}, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestFreezeLifecycle(t *testing.T) {
	s, deps := newTestServer(t, config.APIConfig{}, nil)

	body := map[string]interface{}{
		"name":            "holiday-freeze",
		"start":           time.Now().Format(time.RFC3339),
		"end":             time.Now().Add(48 * time.Hour).Format(time.RFC3339),
		"allowed_actions": []string{"notify"},
	}
	rr := doRequest(s, http.MethodPost, "/freezes", body, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	freezes := deps.Guard.Freezes()
	require.Len(t, freezes, 1)
	assert.Equal(t, "holiday-freeze", freezes[0].Name)

	rr = doRequest(s, http.MethodGet, "/freezes", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(s, http.MethodDelete, "/freezes/holiday-freeze", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, deps.Guard.Freezes())

	rr = doRequest(s, http.MethodDelete, "/freezes/holiday-freeze", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFreezeValidation(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rr := doRequest(s, http.MethodPost, "/freezes", map[string]interface{}{
		"name":  "backwards",
		"start": time.Now().Add(time.Hour).Format(time.RFC3339),
		"end":   time.Now().Format(time.RFC3339),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(s, http.MethodPost, "/freezes", map[string]interface{}{
		"name":            "bad-kind",
		"start":           time.Now().Format(time.RFC3339),
		"end":             time.Now().Add(time.Hour).Format(time.RFC3339),
		"allowed_actions": []string{"self_destruct"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestViolationsEndpoint(t *testing.T) {
	s, deps := newTestServer(t, config.APIConfig{}, nil)

	// trip the cooldown so a violation is recorded
	deps.Guard.RecordOutcome(action.KindRestartService, "web-1", true)
	deps.Guard.Check(action.KindRestartService, "web-1", action.RiskMedium)

	rr := doRequest(s, http.MethodGet, "/violations", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var violations []safety.Violation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &violations))
	require.Len(t, violations, 1)
	assert.Equal(t, safety.ResultBlockedCooldown, violations[0].CheckType)
}

func TestApprovalEndpoints(t *testing.T) {
	s, deps := newTestServer(t, config.APIConfig{}, nil)
	ctx := context.Background()

	plan := &action.Plan{
		PlanID:        "plan-9",
		TriggerSource: "web-1",
		Actions: []action.Recommendation{{
			Kind: action.KindRedeploy, TargetService: "web-1", RequiresApproval: true,
		}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, deps.Approvals.Put(ctx, plan))

	rr := doRequest(s, http.MethodGet, "/approvals", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var pending []action.Plan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "plan-9", pending[0].PlanID)

	rr = doRequest(s, http.MethodPost, "/approvals/plan-9/approve",
		map[string]string{"by": "alice"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestApproveUnknownPlan(t *testing.T) {
	runner := &fakeRunner{runErr: approval.ErrNotFound}
	s, _ := newTestServer(t, config.APIConfig{}, runner)

	rr := doRequest(s, http.MethodPost, "/approvals/missing/approve", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestApproveBlockedPlanConflicts(t *testing.T) {
	runner := &fakeRunner{runErr: agent.ErrPlanBlocked}
	s, _ := newTestServer(t, config.APIConfig{}, runner)

	rr := doRequest(s, http.MethodPost, "/approvals/plan-1/approve", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAlertEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rr := doRequest(s, http.MethodGet, "/alerts", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(s, http.MethodPost, "/alerts/ALT-missing/acknowledge",
		map[string]string{"by": "bob"}, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s, deps := newTestServer(t, config.APIConfig{}, nil)

	deps.Audit.LogErrorDetected("web-1", "FATAL", "boom", "fp1")

	rr := doRequest(s, http.MethodGet, "/audit?type=error_detected", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "web-1", events[0].TargetService)

	rr = doRequest(s, http.MethodGet, "/audit/report?hours=1", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServiceEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, nil)

	rr := doRequest(s, http.MethodGet, "/health/services", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(s, http.MethodGet, "/health/services/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
