// Package analysis turns detected errors into structured diagnoses. The
// analyzer asks an LLM for classification, root cause, and a recommended
// action, and degrades to keyword heuristics when no model is reachable, so
// a diagnosis is always produced.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/collector"
)

var analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heimdallr_error_analyses_total",
	Help: "Error analyses performed, by mode and outcome.",
}, []string{"mode", "outcome"})

// Category classifies the root area of an error.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryApplication    Category = "application"
	CategoryConfiguration  Category = "configuration"
	CategoryDependency     Category = "dependency"
	CategoryPerformance    Category = "performance"
	CategorySecurity       Category = "security"
	CategoryData           Category = "data"
	CategoryUnknown        Category = "unknown"
)

var categoryOrder = []Category{
	CategoryInfrastructure,
	CategoryApplication,
	CategoryConfiguration,
	CategoryDependency,
	CategoryPerformance,
	CategorySecurity,
	CategoryData,
	CategoryUnknown,
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(s))
	for _, known := range categoryOrder {
		if c == known {
			return c, true
		}
	}
	return CategoryUnknown, false
}

// RecommendedAction is the remediation the analysis suggests.
type RecommendedAction string

const (
	ActionRestartService    RecommendedAction = "restart_service"
	ActionRedeploy          RecommendedAction = "redeploy"
	ActionScaleUp           RecommendedAction = "scale_up"
	ActionCheckDependencies RecommendedAction = "check_dependencies"
	ActionFixConfiguration  RecommendedAction = "fix_configuration"
	ActionInvestigate       RecommendedAction = "investigate"
	ActionEscalate          RecommendedAction = "escalate"
	ActionIgnore            RecommendedAction = "ignore"
)

var knownActions = map[RecommendedAction]bool{
	ActionRestartService:    true,
	ActionRedeploy:          true,
	ActionScaleUp:           true,
	ActionCheckDependencies: true,
	ActionFixConfiguration:  true,
	ActionInvestigate:       true,
	ActionEscalate:          true,
	ActionIgnore:            true,
}

// ParseRecommendedAction validates an action string.
func ParseRecommendedAction(s string) (RecommendedAction, bool) {
	a := RecommendedAction(strings.ToLower(s))
	if knownActions[a] {
		return a, true
	}
	return ActionInvestigate, false
}

// Result is a structured diagnosis of one detected error.
type Result struct {
	ErrorFingerprint      string             `json:"error_fingerprint"`
	ErrorMessage          string             `json:"error_message"`
	SourceService         string             `json:"source_service"`
	Category              Category           `json:"category"`
	Severity              collector.Severity `json:"severity"`
	Confidence            float64            `json:"confidence"`
	RootCause             string             `json:"root_cause"`
	Impact                string             `json:"impact"`
	RecommendedAction     RecommendedAction  `json:"recommended_action"`
	ActionRationale       string             `json:"action_rationale"`
	RemediationSteps      []string           `json:"remediation_steps,omitempty"`
	PreventionSuggestions []string           `json:"prevention_suggestions,omitempty"`
	AnalyzedAt            time.Time          `json:"analyzed_at"`
	ModelUsed             string             `json:"model_used"`
	AnalysisTokens        int                `json:"analysis_tokens,omitempty"`
	AnalysisLatencyMS     int64              `json:"analysis_latency_ms,omitempty"`
}

// Oracle is the diagnosis surface consumed by the recommender. Both methods
// are total: when every model fails the result is a low-confidence heuristic
// diagnosis, never nil.
type Oracle interface {
	Analyze(ctx context.Context, detected collector.DetectedError, extraContext string) *Result
	QuickTriage(ctx context.Context, detected collector.DetectedError) *Result
}

const analysisSystemPrompt = `You are an expert DevOps engineer analyzing errors from AWS services.

Given error information, you will provide structured analysis in JSON format.

IMPORTANT: Your response MUST be valid JSON matching this exact structure:
{
    "category": "<infrastructure|application|configuration|dependency|performance|security|data|unknown>",
    "severity": "<critical|error|warning|info>",
    "confidence": <0.0-1.0>,
    "root_cause": "<brief root cause explanation>",
    "impact": "<impact on users/service>",
    "recommended_action": "<restart_service|redeploy|scale_up|check_dependencies|fix_configuration|investigate|escalate|ignore>",
    "action_rationale": "<why this action is recommended>",
    "remediation_steps": ["step 1", "step 2", ...],
    "prevention_suggestions": ["suggestion 1", "suggestion 2", ...]
}

Guidelines:
- Be concise but thorough
- Focus on actionable insights
- Consider the service context when making recommendations
- Only recommend restart/redeploy if likely to help
- Escalate when human judgment is needed
- Include specific steps, not generic advice`

const triageSystemPrompt = `You are a DevOps triage assistant. Quickly assess errors.

Respond with ONLY a single line in this format:
SEVERITY | CATEGORY | ACTION | BRIEF_REASON

Where:
- SEVERITY: critical, error, warning, or info
- CATEGORY: infrastructure, application, configuration, dependency, performance, security, data, or unknown
- ACTION: restart_service, redeploy, check_dependencies, investigate, escalate, or ignore
- BRIEF_REASON: One sentence explanation

Example: error | dependency | check_dependencies | Database connection timeout suggests downstream service issue`

var jsonBlockPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Analyzer is the LLM-backed Oracle implementation.
type Analyzer struct {
	llm    CompletionClient
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer builds an analyzer over a completion client.
func NewAnalyzer(llm CompletionClient, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		llm:    llm,
		logger: logger,
		now:    time.Now,
	}
}

// Analyze performs a full diagnosis of one error using the analysis model.
// extraContext carries recent changes or related errors when available.
func (a *Analyzer) Analyze(ctx context.Context, detected collector.DetectedError, extraContext string) *Result {
	request := buildAnalysisRequest(detected, extraContext)

	resp, err := a.llm.Complete(ctx, CompletionRequest{
		Messages:     []Message{{Role: "user", Content: request}},
		SystemPrompt: analysisSystemPrompt,
		Model:        a.llm.AnalysisModel(),
		Temperature:  0.2,
	})
	if err != nil {
		a.logger.Error("Error analysis failed", "fingerprint", detected.Fingerprint, "error", err)
		analysesTotal.WithLabelValues("analysis", "fallback").Inc()
		return a.fallbackResult(detected, err.Error())
	}
	return a.parseAnalysisResponse(resp, detected)
}

// QuickTriage performs a fast single-line assessment with the primary model.
func (a *Analyzer) QuickTriage(ctx context.Context, detected collector.DetectedError) *Result {
	request := fmt.Sprintf(`Quick triage:
Service: %s
Error type: %s
Message: %s
`, detected.SourceApp, detected.ErrorType, truncate(detected.Message, 300))

	resp, err := a.llm.Complete(ctx, CompletionRequest{
		Messages:     []Message{{Role: "user", Content: request}},
		SystemPrompt: triageSystemPrompt,
		MaxTokens:    150,
		Temperature:  0.1,
	})
	if err != nil {
		a.logger.Error("Quick triage failed", "fingerprint", detected.Fingerprint, "error", err)
		analysesTotal.WithLabelValues("triage", "fallback").Inc()
		return a.fallbackResult(detected, err.Error())
	}
	return a.parseTriageResponse(resp, detected)
}

// AnalyzeBatch diagnoses a batch of errors, using quick triage unless the
// deeper analysis model is requested.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, errs []collector.DetectedError, useAnalysisModel bool) []*Result {
	results := make([]*Result, 0, len(errs))
	for _, detected := range errs {
		if useAnalysisModel {
			results = append(results, a.Analyze(ctx, detected, ""))
		} else {
			results = append(results, a.QuickTriage(ctx, detected))
		}
	}
	return results
}

func buildAnalysisRequest(detected collector.DetectedError, extraContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Analyze this error:

Service: %s
Log Group: %s
Timestamp: %s
Error Type: %s
Detected Severity: %s
Occurrence Count: %d

Error Message:
%s
`, detected.SourceApp, detected.LogGroup, detected.Timestamp.Format(time.RFC3339),
		detected.ErrorType, detected.Severity, detected.Count, detected.Message)

	if len(detected.ContextLines) > 0 {
		fmt.Fprintf(&b, "\nContext (surrounding log lines):\n%s\n", strings.Join(detected.ContextLines, "\n"))
	}
	if extraContext != "" {
		fmt.Fprintf(&b, "\nAdditional Context:\n%s\n", extraContext)
	}
	b.WriteString("\nProvide your analysis as JSON matching the specified structure.")
	return b.String()
}

func (a *Analyzer) parseAnalysisResponse(resp *LLMResponse, detected collector.DetectedError) *Result {
	match := jsonBlockPattern.FindString(resp.Content)
	if match == "" {
		a.logger.Warn("No JSON found in analysis response", "model", resp.Model)
		analysesTotal.WithLabelValues("analysis", "freeform").Inc()
		return a.parseFreeformResponse(resp, detected)
	}

	var payload struct {
		Category              string   `json:"category"`
		Severity              string   `json:"severity"`
		Confidence            *float64 `json:"confidence"`
		RootCause             string   `json:"root_cause"`
		Impact                string   `json:"impact"`
		RecommendedAction     string   `json:"recommended_action"`
		ActionRationale       string   `json:"action_rationale"`
		RemediationSteps      []string `json:"remediation_steps"`
		PreventionSuggestions []string `json:"prevention_suggestions"`
	}
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		a.logger.Warn("Failed to parse analysis response", "error", err)
		analysesTotal.WithLabelValues("analysis", "freeform").Inc()
		return a.parseFreeformResponse(resp, detected)
	}

	category, okCat := ParseCategory(orDefault(payload.Category, "unknown"))
	severity, okSev := parseSeverity(orDefault(payload.Severity, string(detected.Severity)))
	action, okAct := ParseRecommendedAction(orDefault(payload.RecommendedAction, "investigate"))
	if !okCat || !okSev || !okAct {
		a.logger.Warn("Analysis response uses unknown values",
			"category", payload.Category, "severity", payload.Severity, "action", payload.RecommendedAction)
		analysesTotal.WithLabelValues("analysis", "freeform").Inc()
		return a.parseFreeformResponse(resp, detected)
	}

	confidence := 0.7
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}

	analysesTotal.WithLabelValues("analysis", "parsed").Inc()
	return &Result{
		ErrorFingerprint:      detected.Fingerprint,
		ErrorMessage:          detected.Message,
		SourceService:         detected.SourceApp,
		Category:              category,
		Severity:              severity,
		Confidence:            confidence,
		RootCause:             orDefault(payload.RootCause, "Unable to determine"),
		Impact:                orDefault(payload.Impact, "Unknown impact"),
		RecommendedAction:     action,
		ActionRationale:       payload.ActionRationale,
		RemediationSteps:      payload.RemediationSteps,
		PreventionSuggestions: payload.PreventionSuggestions,
		AnalyzedAt:            a.now(),
		ModelUsed:             resp.Model,
		AnalysisTokens:        resp.TokensUsed,
		AnalysisLatencyMS:     resp.LatencyMS,
	}
}

// parseFreeformResponse salvages what it can from a non-JSON answer.
func (a *Analyzer) parseFreeformResponse(resp *LLMResponse, detected collector.DetectedError) *Result {
	content := resp.Content
	lower := strings.ToLower(content)

	category := CategoryUnknown
	for _, c := range categoryOrder {
		if strings.Contains(lower, string(c)) {
			category = c
			break
		}
	}

	action := ActionInvestigate
	keywords := []struct {
		keyword string
		action  RecommendedAction
	}{
		{"restart", ActionRestartService},
		{"redeploy", ActionRedeploy},
		{"scale", ActionScaleUp},
		{"dependency", ActionCheckDependencies},
		{"config", ActionFixConfiguration},
		{"escalate", ActionEscalate},
		{"ignore", ActionIgnore},
	}
	for _, k := range keywords {
		if strings.Contains(lower, k.keyword) {
			action = k.action
			break
		}
	}

	rootCause := "Analysis inconclusive"
	if content != "" {
		rootCause = truncate(content, 200)
	}

	return &Result{
		ErrorFingerprint:  detected.Fingerprint,
		ErrorMessage:      detected.Message,
		SourceService:     detected.SourceApp,
		Category:          category,
		Severity:          detected.Severity,
		Confidence:        0.5,
		RootCause:         rootCause,
		Impact:            "See full analysis",
		RecommendedAction: action,
		ActionRationale:   truncate(content, 100),
		AnalyzedAt:        a.now(),
		ModelUsed:         resp.Model,
		AnalysisTokens:    resp.TokensUsed,
		AnalysisLatencyMS: resp.LatencyMS,
	}
}

// parseTriageResponse parses the "SEVERITY | CATEGORY | ACTION | REASON"
// line format. Unknown fields fall back to the detected severity and
// investigate.
func (a *Analyzer) parseTriageResponse(resp *LLMResponse, detected collector.DetectedError) *Result {
	parts := strings.Split(strings.TrimSpace(resp.Content), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	severity := detected.Severity
	category := CategoryUnknown
	action := ActionInvestigate
	rationale := strings.TrimSpace(resp.Content)

	if len(parts) >= 4 {
		if s, ok := parseSeverity(parts[0]); ok {
			severity = s
		}
		if c, ok := ParseCategory(parts[1]); ok {
			category = c
		}
		if act, ok := ParseRecommendedAction(parts[2]); ok {
			action = act
		}
		rationale = parts[3]
	}

	analysesTotal.WithLabelValues("triage", "parsed").Inc()
	return &Result{
		ErrorFingerprint:  detected.Fingerprint,
		ErrorMessage:      detected.Message,
		SourceService:     detected.SourceApp,
		Category:          category,
		Severity:          severity,
		Confidence:        0.7,
		RootCause:         rationale,
		Impact:            "Quick triage - see full analysis for details",
		RecommendedAction: action,
		ActionRationale:   rationale,
		AnalyzedAt:        a.now(),
		ModelUsed:         resp.Model,
		AnalysisTokens:    resp.TokensUsed,
		AnalysisLatencyMS: resp.LatencyMS,
	}
}

// fallbackResult classifies with keyword heuristics when no model answered.
func (a *Analyzer) fallbackResult(detected collector.DetectedError, reason string) *Result {
	category := heuristicCategory(detected)
	return &Result{
		ErrorFingerprint:  detected.Fingerprint,
		ErrorMessage:      detected.Message,
		SourceService:     detected.SourceApp,
		Category:          category,
		Severity:          detected.Severity,
		Confidence:        0.3,
		RootCause:         fmt.Sprintf("LLM analysis failed: %s", reason),
		Impact:            "Unable to assess - manual review required",
		RecommendedAction: heuristicAction(detected, category),
		ActionRationale:   "Heuristic-based recommendation",
		RemediationSteps:  []string{"Review error logs manually", "Check service health"},
		AnalyzedAt:        a.now(),
		ModelUsed:         "fallback",
	}
}

func heuristicCategory(detected collector.DetectedError) Category {
	errorType := strings.ToLower(detected.ErrorType)
	message := strings.ToLower(detected.Message)

	if containsAny(errorType, "timeout", "connection", "network") {
		return CategoryDependency
	}
	if containsAny(errorType, "memory", "oom", "cpu") {
		return CategoryInfrastructure
	}
	if containsAny(message, "config", "environment", "variable") {
		return CategoryConfiguration
	}
	if containsAny(message, "auth", "permission", "denied", "forbidden") {
		return CategorySecurity
	}
	if containsAny(errorType, "exception", "error", "traceback") {
		return CategoryApplication
	}
	return CategoryUnknown
}

func heuristicAction(detected collector.DetectedError, category Category) RecommendedAction {
	if detected.Severity == collector.SeverityCritical {
		return ActionEscalate
	}
	switch category {
	case CategoryDependency:
		return ActionCheckDependencies
	case CategoryConfiguration:
		return ActionFixConfiguration
	case CategoryInfrastructure, CategoryPerformance:
		return ActionRestartService
	case CategorySecurity:
		return ActionEscalate
	}
	return ActionInvestigate
}

func parseSeverity(s string) (collector.Severity, bool) {
	sev := collector.Severity(strings.ToLower(s))
	switch sev {
	case collector.SeverityCritical, collector.SeverityError, collector.SeverityWarning, collector.SeverityInfo:
		return sev, true
	}
	return "", false
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
