package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("restart_service")
	require.NoError(t, err)
	assert.Equal(t, KindRestartService, k)

	_, err = ParseKind("terminate")
	assert.Error(t, err)
}

func TestCatalogAttributes(t *testing.T) {
	assert.Equal(t, RiskHigh, RiskFor(KindRedeploy))
	assert.Equal(t, RiskMedium, RiskFor(KindRestartService))
	assert.Equal(t, RiskLow, RiskFor(Kind("bogus")))

	assert.Equal(t, 300, DowntimeFor(KindRedeploy))
	assert.Equal(t, 0, DowntimeFor(KindNotify))
	assert.Equal(t, 0, DowntimeFor(Kind("bogus")))

	assert.True(t, DefaultRequiresApproval(KindRedeploy))
	assert.True(t, DefaultRequiresApproval(KindRestartInstance))
	assert.False(t, DefaultRequiresApproval(KindRestartService))
}

func TestSettingsApprovalListed(t *testing.T) {
	s := DefaultSettings()
	assert.True(t, s.ApprovalListed(KindRedeploy))
	assert.False(t, s.ApprovalListed(KindRestartService))

	// Unknown entries in the configured list are legal noise.
	s.RequireApprovalFor = []string{"terminate"}
	assert.False(t, s.ApprovalListed(KindRedeploy))
}

func TestIsSafeToAutoExecute(t *testing.T) {
	tests := []struct {
		name string
		rec  Recommendation
		want bool
	}{
		{"safe low risk", Recommendation{Risk: RiskLow, Confidence: 0.9}, true},
		{"safe medium risk", Recommendation{Risk: RiskMedium, Confidence: 0.7}, true},
		{"high risk", Recommendation{Risk: RiskHigh, Confidence: 0.9}, false},
		{"needs approval", Recommendation{Risk: RiskLow, Confidence: 0.9, RequiresApproval: true}, false},
		{"low confidence", Recommendation{Risk: RiskLow, Confidence: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.IsSafeToAutoExecute())
		})
	}
}

func TestPlanAggregates(t *testing.T) {
	plan := &Plan{
		PlanID: "plan-1",
		Actions: []Recommendation{
			{Kind: KindNotify, Risk: RiskLow, EstimatedDowntimeSeconds: 0},
			{Kind: KindRestartService, Risk: RiskMedium, EstimatedDowntimeSeconds: 30},
			{Kind: KindRedeploy, Risk: RiskHigh, EstimatedDowntimeSeconds: 300, RequiresApproval: true},
		},
	}

	assert.Equal(t, 330, plan.TotalEstimatedDowntime())
	assert.Equal(t, RiskHigh, plan.MaxRisk())
	assert.True(t, plan.RequiresApproval())

	empty := &Plan{}
	assert.Equal(t, RiskLow, empty.MaxRisk())
	assert.False(t, empty.RequiresApproval())
}

func TestExecutionResultDurationMS(t *testing.T) {
	start := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	r := ExecutionResult{StartedAt: start, CompletedAt: start.Add(1500 * time.Millisecond)}
	assert.Equal(t, int64(1500), r.DurationMS())

	assert.Equal(t, int64(0), (&ExecutionResult{StartedAt: start}).DurationMS())
}

func TestPlanExecutionResultCounts(t *testing.T) {
	res := &PlanExecutionResult{
		ActionResults: []ExecutionResult{
			{Status: StatusSuccess},
			{Status: StatusFailed},
			{Status: StatusSkipped},
			{Status: StatusSuccess},
		},
	}
	assert.Equal(t, 2, res.SuccessCount())
	assert.Equal(t, 1, res.FailureCount())
}
