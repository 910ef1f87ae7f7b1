package audit

import "time"

// ViolationSummary is one safety violation row in a compliance report.
type ViolationSummary struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Reason    string    `json:"reason"`
}

// FailureSummary is one failed action row in a compliance report.
type FailureSummary struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
}

// Report aggregates audit activity over a period.
type Report struct {
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TotalEvents       int                `json:"total_events"`
	EventsByType      map[EventType]int  `json:"events_by_type"`
	EventsByService   map[string]int     `json:"events_by_service"`
	EventsByActor     map[string]int     `json:"events_by_actor"`
	ActionSuccessRate float64            `json:"action_success_rate"`
	SafetyViolations  []ViolationSummary `json:"safety_violations"`
	FailedActions     []FailureSummary   `json:"failed_actions"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// ComplianceReport aggregates cached events within [start, end]. The success
// rate covers executed versus failed actions and is zero when no actions ran.
func (l *Logger) ComplianceReport(start, end time.Time) Report {
	events := l.Search(Filter{Start: start, End: end, Limit: ringCap})

	report := Report{
		PeriodStart:      start,
		PeriodEnd:        end,
		TotalEvents:      len(events),
		EventsByType:     make(map[EventType]int),
		EventsByService:  make(map[string]int),
		EventsByActor:    make(map[string]int),
		SafetyViolations: []ViolationSummary{},
		FailedActions:    []FailureSummary{},
		GeneratedAt:      l.now().UTC(),
	}

	for _, e := range events {
		report.EventsByType[e.Type]++
		report.EventsByService[e.TargetService]++
		report.EventsByActor[e.Actor]++

		switch e.Type {
		case EventSafetyViolation:
			reason, _ := e.Details["reason"].(string)
			report.SafetyViolations = append(report.SafetyViolations, ViolationSummary{
				Timestamp: e.Timestamp,
				Service:   e.TargetService,
				Reason:    reason,
			})
		case EventActionFailed:
			actionType, _ := e.Details["action_type"].(string)
			message, _ := e.Details["message"].(string)
			report.FailedActions = append(report.FailedActions, FailureSummary{
				Timestamp: e.Timestamp,
				Service:   e.TargetService,
				Action:    actionType,
				Message:   message,
			})
		}
	}

	executed := report.EventsByType[EventActionExecuted]
	failed := report.EventsByType[EventActionFailed]
	if executed+failed > 0 {
		report.ActionSuccessRate = float64(executed) / float64(executed+failed)
	}
	return report
}
