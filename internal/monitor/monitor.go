// Package monitor runs periodic health checks against EC2 instances and
// Amplify apps, tracks state transitions, and notifies a callback when a
// service changes health state.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/lelandg/Heimdallr/internal/cloud"
)

var (
	serviceHealthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "heimdallr_service_healthy",
		Help: "Whether a monitored service is currently healthy (1) or not (0).",
	}, []string{"service_id", "service_type"})

	healthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_health_transitions_total",
		Help: "Health state transitions observed, by new state.",
	}, []string{"new_state"})
)

const maxHistory = 100

// Concurrent health checks per sweep.
const checkConcurrency = 4

// StatusProvider is the slice of the cloud client the monitor reads from.
type StatusProvider interface {
	GetAppStatus(ctx context.Context, appID string) (*cloud.AppStatus, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*cloud.InstanceStatus, error)
}

// Monitor checks the configured services on an interval and records health
// transitions.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	provider StatusProvider
	onChange func(HealthChange)
	health   map[string]ServiceHealth
	history  []HealthChange
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor builds a monitor over the given status provider. A zero check
// interval falls back to 60s.
func NewMonitor(cfg Config, provider StatusProvider, logger *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		provider: provider,
		health:   make(map[string]ServiceHealth),
		logger:   logger,
		now:      time.Now,
	}
}

// OnHealthChange registers the callback invoked on every state transition.
// Register before Start.
func (m *Monitor) OnHealthChange(fn func(HealthChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start performs an initial check of every service, then launches the
// periodic loop. The loop runs until Stop is called or the context is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Service monitor already running")
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.checkAll(ctx)
	go m.monitorLoop(ctx)
	m.logger.Info("Service monitor started",
		"amplify_apps", len(m.cfg.AmplifyApps),
		"ec2_instances", len(m.cfg.EC2Instances),
		"check_interval", m.cfg.CheckInterval)
}

// Stop halts the monitoring loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("Service monitor stopped")
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)

	for _, app := range m.cfg.AmplifyApps {
		g.Go(func() error {
			m.CheckAmplifyApp(ctx, app)
			return nil
		})
	}
	for _, inst := range m.cfg.EC2Instances {
		g.Go(func() error {
			m.CheckEC2Instance(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()
}

// CheckAmplifyApp checks one Amplify app and records the result. A failed
// status call maps to the unknown state rather than an error so a transient
// API problem shows up as a health transition.
func (m *Monitor) CheckAmplifyApp(ctx context.Context, app AmplifyTarget) ServiceHealth {
	serviceID := "amplify:" + app.AppID

	var health ServiceHealth
	status, err := m.provider.GetAppStatus(ctx, app.AppID)
	if err != nil {
		health = ServiceHealth{
			ServiceID:   serviceID,
			ServiceName: app.Name,
			ServiceType: "amplify",
			State:       StateUnknown,
			Message:     fmt.Sprintf("Check failed: %v", err),
		}
	} else {
		state, message := amplifyHealth(status)
		health = ServiceHealth{
			ServiceID:   serviceID,
			ServiceName: app.Name,
			ServiceType: "amplify",
			State:       state,
			Message:     message,
			Details: map[string]interface{}{
				"app_id": app.AppID,
				"status": status.Status,
				"branch": status.Branch,
				"domain": status.Domain,
			},
		}
		if !status.LastDeployTime.IsZero() {
			health.Details["last_deploy"] = status.LastDeployTime.Format(time.RFC3339)
		}
	}
	health.LastCheck = m.now()
	m.updateHealth(&health)
	return health
}

// CheckEC2Instance checks one EC2 instance and records the result.
func (m *Monitor) CheckEC2Instance(ctx context.Context, inst EC2Target) ServiceHealth {
	serviceID := "ec2:" + inst.InstanceID

	var health ServiceHealth
	status, err := m.provider.GetInstanceStatus(ctx, inst.InstanceID)
	if err != nil {
		health = ServiceHealth{
			ServiceID:   serviceID,
			ServiceName: inst.Name,
			ServiceType: "ec2",
			State:       StateUnknown,
			Message:     fmt.Sprintf("Check failed: %v", err),
		}
	} else {
		state, message := ec2Health(status)
		health = ServiceHealth{
			ServiceID:   serviceID,
			ServiceName: inst.Name,
			ServiceType: "ec2",
			State:       state,
			Message:     message,
			Details: map[string]interface{}{
				"instance_id":       inst.InstanceID,
				"state":             status.State,
				"status_check":      status.StatusCheck,
				"instance_type":     status.InstanceType,
				"availability_zone": status.AvailabilityZone,
			},
		}
		if !status.LaunchTime.IsZero() {
			health.Details["launch_time"] = status.LaunchTime.Format(time.RFC3339)
		}
	}
	health.LastCheck = m.now()
	m.updateHealth(&health)
	return health
}

func amplifyHealth(status *cloud.AppStatus) (HealthState, string) {
	switch status.Status {
	case "SUCCEED", "RUNNING":
		return StateHealthy, fmt.Sprintf("Deployment successful on %s", status.Branch)
	case "PENDING":
		return StateDegraded, fmt.Sprintf("Deployment pending on %s", status.Branch)
	case "FAILED":
		return StateUnhealthy, fmt.Sprintf("Deployment failed on %s", status.Branch)
	default:
		return StateUnknown, fmt.Sprintf("Unknown status: %s", status.Status)
	}
}

func ec2Health(status *cloud.InstanceStatus) (HealthState, string) {
	switch {
	case status.IsHealthy():
		return StateHealthy, "Instance running, status checks passing"
	case status.State == "running" && status.StatusCheck != "ok":
		return StateDegraded, fmt.Sprintf("Instance running but status check: %s", status.StatusCheck)
	case status.State == "stopped" || status.State == "stopping":
		return StateUnhealthy, fmt.Sprintf("Instance %s", status.State)
	case status.State == "pending" || status.State == "shutting-down":
		return StateDegraded, fmt.Sprintf("Instance %s", status.State)
	default:
		return StateUnknown, fmt.Sprintf("Unknown state: %s", status.State)
	}
}

// updateHealth stores the new health and emits a HealthChange when the state
// moved. When the state is unchanged the previous transition timestamp is
// preserved.
func (m *Monitor) updateHealth(health *ServiceHealth) {
	m.mu.Lock()
	old, exists := m.health[health.ServiceID]

	var change *HealthChange
	if exists && old.State != health.State {
		ts := m.now()
		health.LastStateChange = &ts
		change = &HealthChange{
			ServiceID:   health.ServiceID,
			ServiceName: health.ServiceName,
			ServiceType: health.ServiceType,
			OldState:    old.State,
			NewState:    health.State,
			Timestamp:   ts,
			Message:     health.Message,
		}
		m.history = append(m.history, *change)
		if len(m.history) > maxHistory {
			m.history = m.history[1:]
		}
	} else if exists {
		health.LastStateChange = old.LastStateChange
	}

	m.health[health.ServiceID] = *health
	cb := m.onChange
	m.mu.Unlock()

	healthy := 0.0
	if health.IsHealthy() {
		healthy = 1
	}
	serviceHealthGauge.WithLabelValues(health.ServiceID, health.ServiceType).Set(healthy)

	if change == nil {
		return
	}
	healthTransitions.WithLabelValues(string(change.NewState)).Inc()
	m.logger.Info("Health change",
		"service", change.ServiceName,
		"from", change.OldState, "to", change.NewState,
		"message", change.Message)
	if cb != nil {
		m.dispatch(cb, *change)
	}
}

func (m *Monitor) dispatch(cb func(HealthChange), change HealthChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health change callback panicked", "panic", r)
		}
	}()
	cb(change)
}

// Health returns the current health for a service ID.
func (m *Monitor) Health(serviceID string) (ServiceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[serviceID]
	return h, ok
}

// AllHealth returns a snapshot of every monitored service's health.
func (m *Monitor) AllHealth() map[string]ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ServiceHealth, len(m.health))
	for id, h := range m.health {
		out[id] = h
	}
	return out
}

// UnhealthyServices returns the services currently degraded or unhealthy,
// ordered by service ID.
func (m *Monitor) UnhealthyServices() []ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ServiceHealth
	for _, h := range m.health {
		if h.State == StateUnhealthy || h.State == StateDegraded {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// RecentChanges returns up to limit health transitions, newest first.
func (m *Monitor) RecentChanges(limit int) []HealthChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]HealthChange, 0, limit)
	for i := len(m.history) - 1; i >= len(m.history)-limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// ForceCheck runs an immediate check of one service (by "amplify:<id>" or
// "ec2:<id>") or of every service when serviceID is empty, and returns the
// refreshed health entries.
func (m *Monitor) ForceCheck(ctx context.Context, serviceID string) []ServiceHealth {
	if serviceID == "" {
		m.checkAll(ctx)
		all := m.AllHealth()
		out := make([]ServiceHealth, 0, len(all))
		for _, h := range all {
			out = append(out, h)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
		return out
	}

	var out []ServiceHealth
	switch {
	case strings.HasPrefix(serviceID, "amplify:"):
		appID := strings.TrimPrefix(serviceID, "amplify:")
		for _, app := range m.cfg.AmplifyApps {
			if app.AppID == appID {
				out = append(out, m.CheckAmplifyApp(ctx, app))
			}
		}
	case strings.HasPrefix(serviceID, "ec2:"):
		instanceID := strings.TrimPrefix(serviceID, "ec2:")
		for _, inst := range m.cfg.EC2Instances {
			if inst.InstanceID == instanceID {
				out = append(out, m.CheckEC2Instance(ctx, inst))
			}
		}
	}
	return out
}

// Stats reports monitor state for the status API.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := map[HealthState]int{
		StateHealthy:   0,
		StateDegraded:  0,
		StateUnhealthy: 0,
		StateUnknown:   0,
	}
	for _, h := range m.health {
		states[h.State]++
	}
	return Stats{
		Running:        m.running,
		TotalServices:  len(m.health),
		HealthStates:   states,
		RecentChanges:  len(m.history),
		CheckIntervalS: m.cfg.CheckInterval.Seconds(),
	}
}
