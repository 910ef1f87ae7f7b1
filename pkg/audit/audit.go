// Package audit records every automated decision and action the agent takes,
// keeping a searchable in-memory trail and streaming events to optional
// durable backends (JSONL file, Postgres) for compliance review.
package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lelandg/Heimdallr/internal/action"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventActionPlanned    EventType = "action_planned"
	EventActionApproved   EventType = "action_approved"
	EventActionRejected   EventType = "action_rejected"
	EventActionExecuted   EventType = "action_executed"
	EventActionFailed     EventType = "action_failed"
	EventActionRolledBack EventType = "action_rolled_back"
	EventSafetyViolation  EventType = "safety_violation"
	EventConfigChanged    EventType = "config_changed"
	EventAlertCreated     EventType = "alert_created"
	EventAlertEscalated   EventType = "alert_escalated"
	EventAlertResolved    EventType = "alert_resolved"
	EventErrorDetected    EventType = "error_detected"
	EventErrorAnalyzed    EventType = "error_analyzed"
)

// Event is a single audit trail entry. CorrelationID links related events,
// such as every event belonging to one action plan.
type Event struct {
	EventID       string                 `json:"event_id"`
	Type          EventType              `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         string                 `json:"actor"`
	TargetService string                 `json:"target_service"`
	Description   string                 `json:"description"`
	Details       map[string]interface{} `json:"details,omitempty"`
	BeforeState   map[string]interface{} `json:"before_state,omitempty"`
	AfterState    map[string]interface{} `json:"after_state,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// Backend persists audit events beyond the in-memory ring. Append errors are
// logged by the Logger, never propagated to callers.
type Backend interface {
	Name() string
	Append(event Event) error
	Close() error
}

// Filter selects events for Search. Zero values match everything.
type Filter struct {
	Type          EventType
	TargetService string
	Actor         string
	CorrelationID string
	Start         time.Time
	End           time.Time
	Limit         int
}

const (
	ringCap            = 1000
	defaultSearchLimit = 100
	maxDetailMessage   = 500
)

// Logger is the audit trail. Events are cached in a bounded ring for queries
// and forwarded to each configured backend.
type Logger struct {
	mu       sync.Mutex
	events   []Event
	seq      int
	total    int
	backends []Backend

	logger *slog.Logger
	now    func() time.Time
}

// Stats summarizes logger state.
type Stats struct {
	CachedEvents int      `json:"cached_events"`
	TotalLogged  int      `json:"total_logged"`
	Backends     []string `json:"backends"`
}

// NewLogger creates an audit Logger writing to the given backends.
func NewLogger(logger *slog.Logger, backends ...Backend) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		backends: backends,
		logger:   logger,
		now:      time.Now,
	}
}

// Close closes all backends.
func (l *Logger) Close() error {
	var firstErr error
	for _, b := range l.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s backend: %w", b.Name(), err)
		}
	}
	return firstErr
}

func (l *Logger) log(eventType EventType, actor, service, description string, details map[string]interface{}, opts ...func(*Event)) Event {
	l.mu.Lock()
	l.seq++
	event := Event{
		EventID:       fmt.Sprintf("AUD-%s-%06d", l.now().UTC().Format("20060102150405"), l.seq),
		Type:          eventType,
		Timestamp:     l.now().UTC(),
		Actor:         actor,
		TargetService: service,
		Description:   description,
		Details:       details,
	}
	for _, opt := range opts {
		opt(&event)
	}
	l.events = append(l.events, event)
	if len(l.events) > ringCap {
		l.events = l.events[len(l.events)-ringCap:]
	}
	l.total++
	backends := l.backends
	l.mu.Unlock()

	for _, b := range backends {
		if err := b.Append(event); err != nil {
			l.logger.Error("audit backend append failed",
				slog.String("backend", b.Name()),
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()))
		}
	}
	l.logger.Info("audit event",
		slog.String("type", string(eventType)),
		slog.String("description", description))
	return event
}

func withCorrelation(id string) func(*Event) {
	return func(e *Event) { e.CorrelationID = id }
}

// LogActionPlanned records one event per action in the plan and returns the
// correlation ID (the plan ID) for tracking related events.
func (l *Logger) LogActionPlanned(plan *action.Plan, actor string) string {
	if actor == "" {
		actor = "system"
	}
	for _, a := range plan.Actions {
		l.log(EventActionPlanned, actor, a.TargetService,
			fmt.Sprintf("Action planned: %s", a.Kind),
			map[string]interface{}{
				"action_type":       string(a.Kind),
				"risk_level":        string(a.Risk),
				"confidence":        a.Confidence,
				"rationale":         a.Rationale,
				"requires_approval": a.RequiresApproval,
			},
			withCorrelation(plan.PlanID))
	}
	return plan.PlanID
}

// LogActionApproved records an operator approving a plan.
func (l *Logger) LogActionApproved(planID, approvedBy, targetService string) {
	l.log(EventActionApproved, fmt.Sprintf("operator:%s", approvedBy), targetService,
		fmt.Sprintf("Action plan approved by %s", approvedBy),
		map[string]interface{}{"plan_id": planID},
		withCorrelation(planID))
}

// LogActionRejected records an operator rejecting a plan.
func (l *Logger) LogActionRejected(planID, rejectedBy, targetService, reason string) {
	l.log(EventActionRejected, fmt.Sprintf("operator:%s", rejectedBy), targetService,
		fmt.Sprintf("Action plan rejected: %s", reason),
		map[string]interface{}{"plan_id": planID, "reason": reason},
		withCorrelation(planID))
}

// LogActionExecuted records an execution outcome, choosing the executed or
// failed event type from the result status.
func (l *Logger) LogActionExecuted(result action.ExecutionResult, planID string, beforeState, afterState map[string]interface{}) {
	eventType := EventActionExecuted
	if result.Status != action.StatusSuccess {
		eventType = EventActionFailed
	}
	l.log(eventType, "system", result.TargetService,
		fmt.Sprintf("Action %s: %s", result.Kind, result.Status),
		map[string]interface{}{
			"action_type":       string(result.Kind),
			"status":            string(result.Status),
			"message":           result.Message,
			"duration_ms":       result.DurationMS(),
			"execution_details": result.Details,
		},
		withCorrelation(planID),
		func(e *Event) {
			e.BeforeState = beforeState
			e.AfterState = afterState
		})
}

// LogSafetyViolation records a blocked action. The signature matches the
// safety guard's audit sink.
func (l *Logger) LogSafetyViolation(checkType, actionType, service, reason string) {
	l.log(EventSafetyViolation, "safety_guard", service,
		fmt.Sprintf("Safety violation: %s", checkType),
		map[string]interface{}{
			"action_type":    actionType,
			"violation_type": checkType,
			"reason":         reason,
		})
}

// LogConfigChanged records a runtime configuration change.
func (l *Logger) LogConfigChanged(changedBy, section string, before, after map[string]interface{}) {
	actor := "system"
	if changedBy != "" {
		actor = fmt.Sprintf("operator:%s", changedBy)
	}
	l.log(EventConfigChanged, actor, "",
		fmt.Sprintf("Configuration changed: %s", section),
		map[string]interface{}{"section": section},
		func(e *Event) {
			e.BeforeState = before
			e.AfterState = after
		})
}

// LogErrorDetected records a detected error and returns its correlation ID
// (the error fingerprint).
func (l *Logger) LogErrorDetected(service, errorType, message, fingerprint string) string {
	if len(message) > maxDetailMessage {
		message = message[:maxDetailMessage]
	}
	l.log(EventErrorDetected, "log_collector", service,
		fmt.Sprintf("Error detected: %s", errorType),
		map[string]interface{}{
			"error_type":  errorType,
			"message":     message,
			"fingerprint": fingerprint,
		},
		withCorrelation(fingerprint))
	return fingerprint
}

// LogErrorAnalyzed records the outcome of an LLM error analysis.
func (l *Logger) LogErrorAnalyzed(service, fingerprint, model, rootCause, recommendedAction string) {
	l.log(EventErrorAnalyzed, fmt.Sprintf("llm:%s", model), service,
		fmt.Sprintf("Error analyzed: %s", recommendedAction),
		map[string]interface{}{
			"fingerprint":        fingerprint,
			"root_cause":         rootCause,
			"recommended_action": recommendedAction,
			"model":              model,
		},
		withCorrelation(fingerprint))
}

// LogAlert records alert creation or resolution.
func (l *Logger) LogAlert(alertID, service string, resolved bool, resolvedBy string) {
	eventType := EventAlertCreated
	verb := "created"
	actor := "system"
	if resolved {
		eventType = EventAlertResolved
		verb = "resolved"
		if resolvedBy != "" {
			actor = fmt.Sprintf("operator:%s", resolvedBy)
		}
	}
	l.log(eventType, actor, service,
		fmt.Sprintf("Alert %s: %s", verb, alertID),
		map[string]interface{}{"alert_id": alertID},
		withCorrelation(alertID))
}

// LogAlertEscalated records an unacknowledged alert passing an escalation
// threshold.
func (l *Logger) LogAlertEscalated(alertID, service, escalation string) {
	l.log(EventAlertEscalated, "system", service,
		fmt.Sprintf("Alert escalated: %s", alertID),
		map[string]interface{}{"alert_id": alertID, "escalation": escalation},
		withCorrelation(alertID))
}

// Search returns events matching the filter, newest first. A zero Limit
// defaults to 100.
func (l *Logger) Search(filter Filter) []Event {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var results []Event
	for i := len(l.events) - 1; i >= 0 && len(results) < limit; i-- {
		e := l.events[i]
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.TargetService != "" && e.TargetService != filter.TargetService {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		if !filter.Start.IsZero() && e.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && e.Timestamp.After(filter.End) {
			continue
		}
		results = append(results, e)
	}
	return results
}

// EventsByCorrelation returns all cached events sharing a correlation ID,
// oldest first.
func (l *Logger) EventsByCorrelation(correlationID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []Event
	for _, e := range l.events {
		if e.CorrelationID == correlationID {
			results = append(results, e)
		}
	}
	return results
}

// Stats returns logger counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.backends))
	for _, b := range l.backends {
		names = append(names, b.Name())
	}
	return Stats{
		CachedEvents: len(l.events),
		TotalLogged:  l.total,
		Backends:     names,
	}
}
