// Package cloud wraps the AWS control-plane calls the agent depends on:
// CloudWatch Logs retrieval, EC2 instance status and reboot, Amplify app
// status and deployment jobs, and SES delivery. All outbound calls go
// through a shared circuit breaker and rate limiter.
package cloud

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested AWS resource does not exist.
var ErrNotFound = errors.New("resource not found")

// LogEvent is a single log line fetched from CloudWatch.
type LogEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	LogStream     string    `json:"log_stream,omitempty"`
	IngestionTime time.Time `json:"ingestion_time,omitempty"`
}

// InstanceStatus describes the current state of an EC2 instance.
type InstanceStatus struct {
	InstanceID       string    `json:"instance_id"`
	Name             string    `json:"name,omitempty"`
	State            string    `json:"state"`
	StatusCheck      string    `json:"status_check"`
	LaunchTime       time.Time `json:"launch_time,omitempty"`
	InstanceType     string    `json:"instance_type,omitempty"`
	AvailabilityZone string    `json:"availability_zone,omitempty"`
}

// IsHealthy reports whether the instance is running and passing both status
// checks.
func (s *InstanceStatus) IsHealthy() bool {
	return s.State == "running" && s.StatusCheck == "ok"
}

// AppStatus describes the deployment state of an Amplify app.
type AppStatus struct {
	AppID          string    `json:"app_id"`
	Name           string    `json:"name,omitempty"`
	Status         string    `json:"status"`
	LastDeployTime time.Time `json:"last_deploy_time,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Domain         string    `json:"domain,omitempty"`
}

// IsHealthy reports whether the latest deployment succeeded or is serving.
func (s *AppStatus) IsHealthy() bool {
	return s.Status == "RUNNING" || s.Status == "SUCCEED"
}
