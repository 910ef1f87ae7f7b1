// Package alert tracks operational alerts raised from detected errors and
// health transitions: deduplication by fingerprint, lifecycle (open,
// acknowledged, resolved), time-based escalation, and suppression.
package alert

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/monitor"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
)

// Priority ranks how urgently an alert needs attention.
type Priority string

const (
	PriorityP1 Priority = "P1" // critical, immediate action
	PriorityP2 Priority = "P2" // high, action within the hour
	PriorityP3 Priority = "P3" // medium, action within a day
	PriorityP4 Priority = "P4" // informational
)

var priorityRank = map[Priority]int{
	PriorityP1: 0,
	PriorityP2: 1,
	PriorityP3: 2,
	PriorityP4: 3,
}

// Alert is one deduplicated condition requiring operator attention.
type Alert struct {
	ID              string                 `json:"alert_id"`
	Title           string                 `json:"title"`
	Message         string                 `json:"message"`
	Priority        Priority               `json:"priority"`
	Status          Status                 `json:"status"`
	SourceType      string                 `json:"source_type"`
	SourceService   string                 `json:"source_service"`
	Fingerprint     string                 `json:"fingerprint,omitempty"`
	Count           int                    `json:"occurrence_count"`
	EscalationLevel int                    `json:"escalation_level,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string                 `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Active reports whether the alert still needs attention.
func (a *Alert) Active() bool {
	return a.Status == StatusOpen || a.Status == StatusAcknowledged
}

func newAlertID() string {
	return "ALT-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

const maxAlertMessage = 500

// fromError builds a fresh alert for a detected error.
func fromError(e *collector.DetectedError, now time.Time) *Alert {
	msg := e.Message
	if len(msg) > maxAlertMessage {
		msg = msg[:maxAlertMessage]
	}
	return &Alert{
		ID:            newAlertID(),
		Title:         strings.ToUpper(string(e.Severity)) + ": " + e.ErrorType + " in " + e.SourceApp,
		Message:       msg,
		Priority:      priorityForSeverity(e.Severity),
		Status:        StatusOpen,
		SourceType:    "error",
		SourceService: e.SourceApp,
		Fingerprint:   e.Fingerprint,
		Count:         e.Count,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata: map[string]interface{}{
			"error_type":      e.ErrorType,
			"log_group":       e.LogGroup,
			"log_stream":      e.LogStream,
			"error_timestamp": e.Timestamp.Format(time.RFC3339),
		},
	}
}

// fromHealthChange builds a fresh alert for a health transition.
func fromHealthChange(change monitor.HealthChange, now time.Time) *Alert {
	return &Alert{
		ID:            newAlertID(),
		Title:         "Health: " + change.ServiceName + " " + string(change.OldState) + " -> " + string(change.NewState),
		Message:       change.Message,
		Priority:      priorityForTransition(change),
		Status:        StatusOpen,
		SourceType:    "health_change",
		SourceService: change.ServiceName,
		Fingerprint:   healthFingerprint(change.ServiceID),
		Count:         1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata: map[string]interface{}{
			"service_id":   change.ServiceID,
			"service_type": change.ServiceType,
			"old_state":    string(change.OldState),
			"new_state":    string(change.NewState),
		},
	}
}

func priorityForSeverity(s collector.Severity) Priority {
	switch s {
	case collector.SeverityCritical:
		return PriorityP1
	case collector.SeverityError:
		return PriorityP2
	case collector.SeverityWarning:
		return PriorityP3
	case collector.SeverityInfo:
		return PriorityP4
	default:
		return PriorityP3
	}
}

func priorityForTransition(change monitor.HealthChange) Priority {
	switch {
	case change.NewState == monitor.StateUnhealthy:
		return PriorityP1
	case change.NewState == monitor.StateDegraded:
		return PriorityP2
	case change.OldState == monitor.StateUnhealthy || change.OldState == monitor.StateDegraded:
		return PriorityP3 // recovery
	default:
		return PriorityP4
	}
}

func healthFingerprint(serviceID string) string {
	return "health:" + serviceID
}

// EscalationRule escalates an unacknowledged alert of a given priority once
// its age crosses the threshold.
type EscalationRule struct {
	Name     string        `json:"name"`
	Priority Priority      `json:"priority"`
	After    time.Duration `json:"after"`
	Action   string        `json:"action"` // "notify" or "page"
}

// DefaultEscalationRules escalate P1 after 5 minutes (page), P2 after 30
// minutes, and P3 after 2 hours.
func DefaultEscalationRules() []EscalationRule {
	return []EscalationRule{
		{Name: "P1 unack 5min", Priority: PriorityP1, After: 5 * time.Minute, Action: "page"},
		{Name: "P2 unack 30min", Priority: PriorityP2, After: 30 * time.Minute, Action: "notify"},
		{Name: "P3 unack 2hr", Priority: PriorityP3, After: 2 * time.Hour, Action: "notify"},
	}
}

// Stats is a point-in-time summary of the alert manager.
type Stats struct {
	TotalOpen          int              `json:"total_open"`
	ByPriority         map[Priority]int `json:"by_priority"`
	ByStatus           map[Status]int   `json:"by_status"`
	HistorySize        int              `json:"history_size"`
	SuppressedPatterns int              `json:"suppressed_patterns"`
}
