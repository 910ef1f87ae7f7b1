package monitor

import (
	"time"
)

// HealthState is the overall health of a monitored service.
type HealthState string

const (
	StateHealthy   HealthState = "healthy"
	StateDegraded  HealthState = "degraded"
	StateUnhealthy HealthState = "unhealthy"
	StateUnknown   HealthState = "unknown"
)

// ServiceHealth is the current health of one monitored service. ServiceID is
// "<type>:<cloud id>", e.g. "amplify:d1abc" or "ec2:i-0123".
type ServiceHealth struct {
	ServiceID       string                 `json:"service_id"`
	ServiceName     string                 `json:"service_name"`
	ServiceType     string                 `json:"service_type"`
	State           HealthState            `json:"state"`
	Message         string                 `json:"message,omitempty"`
	LastCheck       time.Time              `json:"last_check"`
	LastStateChange *time.Time             `json:"last_state_change,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// IsHealthy reports whether the service is in the healthy state.
func (h ServiceHealth) IsHealthy() bool {
	return h.State == StateHealthy
}

// HealthChange records a transition between health states.
type HealthChange struct {
	ServiceID   string      `json:"service_id"`
	ServiceName string      `json:"service_name"`
	ServiceType string      `json:"service_type"`
	OldState    HealthState `json:"old_state"`
	NewState    HealthState `json:"new_state"`
	Timestamp   time.Time   `json:"timestamp"`
	Message     string      `json:"message,omitempty"`
}

// AmplifyTarget is a monitored Amplify app.
type AmplifyTarget struct {
	Name  string `json:"name"`
	AppID string `json:"app_id"`
}

// EC2Target is a monitored EC2 instance.
type EC2Target struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
}

// Config holds the monitor settings.
type Config struct {
	CheckInterval time.Duration
	AmplifyApps   []AmplifyTarget
	EC2Instances  []EC2Target
}

// Stats summarizes monitor state for the status API.
type Stats struct {
	Running        bool                `json:"running"`
	TotalServices  int                 `json:"total_services"`
	HealthStates   map[HealthState]int `json:"health_states"`
	RecentChanges  int                 `json:"recent_changes"`
	CheckIntervalS float64             `json:"check_interval_s"`
}
