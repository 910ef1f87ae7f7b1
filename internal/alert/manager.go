package alert

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lelandg/Heimdallr/internal/collector"
	"github.com/lelandg/Heimdallr/internal/monitor"
)

var (
	alertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_alerts_created_total",
		Help: "Alerts created, by priority and source.",
	}, []string{"priority", "source"})

	alertsEscalated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdallr_alerts_escalated_total",
		Help: "Alert escalations fired, by priority.",
	}, []string{"priority"})
)

const (
	alertHistoryCap      = 500
	defaultSweepInterval = time.Minute
)

// Manager owns the alert table: deduplication, lifecycle transitions, the
// escalation sweep, and suppression. All accessors return copies; the only
// way to mutate an alert is through the manager.
type Manager struct {
	mu         sync.Mutex
	onAlert    func(*Alert)
	onEscalate func(*Alert, string)
	alerts     map[string]*Alert
	history    []*Alert
	rules      []EscalationRule
	suppressed map[string]struct{}
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	sweep      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates an alert manager with the default escalation rules.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		alerts:     make(map[string]*Alert),
		rules:      DefaultEscalationRules(),
		suppressed: make(map[string]struct{}),
		sweep:      defaultSweepInterval,
		logger:     logger,
		now:        time.Now,
	}
}

// OnAlert registers a callback invoked for each newly created alert.
// Register before Start.
func (m *Manager) OnAlert(fn func(*Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// OnEscalation registers a callback invoked when an alert crosses an
// escalation threshold, with the rule's action ("notify" or "page").
func (m *Manager) OnEscalation(fn func(*Alert, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEscalate = fn
}

// SetEscalationRules replaces the escalation rules.
func (m *Manager) SetEscalationRules(rules []EscalationRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]EscalationRule(nil), rules...)
}

// Start launches the escalation sweep loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("alert manager already running")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	m.logger.Info("alert manager started", "sweep_interval", m.sweep)
	go m.sweepLoop(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
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
	m.logger.Info("alert manager stopped")
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	m.checkEscalations()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkEscalations()
		}
	}
}

// escalation pairs an alert snapshot with the rule that fired for dispatch
// outside the lock.
type escalation struct {
	alert *Alert
	rule  EscalationRule
}

func (m *Manager) checkEscalations() {
	m.mu.Lock()
	now := m.now()
	var fired []escalation
	for _, a := range m.alerts {
		if a.Status != StatusOpen {
			continue
		}
		age := now.Sub(a.CreatedAt)

		var matched []EscalationRule
		for _, rule := range m.rules {
			if rule.Priority == a.Priority && age >= rule.After {
				matched = append(matched, rule)
			}
		}
		// Each rule fires once per alert; the level records how many have.
		for i := a.EscalationLevel; i < len(matched); i++ {
			fired = append(fired, escalation{alert: snapshot(a), rule: matched[i]})
		}
		if len(matched) > a.EscalationLevel {
			a.EscalationLevel = len(matched)
		}
	}
	m.mu.Unlock()

	for _, esc := range fired {
		alertsEscalated.WithLabelValues(string(esc.alert.Priority)).Inc()
		m.logger.Warn("escalating alert",
			"alert_id", esc.alert.ID,
			"rule", esc.rule.Name,
			"action", esc.rule.Action)
		m.dispatchEscalation(esc.alert, esc.rule.Action)
	}
}

// ProcessError creates or updates the alert for a detected error. Returns a
// snapshot of the alert, or nil when the source service is suppressed.
func (m *Manager) ProcessError(e *collector.DetectedError) *Alert {
	m.mu.Lock()
	if m.isSuppressedLocked(e.SourceApp) {
		m.mu.Unlock()
		m.logger.Debug("suppressed error alert", "app", e.SourceApp)
		return nil
	}

	if existing, ok := m.alerts[e.Fingerprint]; ok {
		existing.Count += e.Count
		existing.UpdatedAt = m.now()
		out := snapshot(existing)
		m.mu.Unlock()
		m.logger.Debug("updated alert", "alert_id", out.ID, "occurrences", out.Count)
		return out
	}

	a := fromError(e, m.now())
	m.alerts[a.Fingerprint] = a
	out := snapshot(a)
	m.mu.Unlock()

	alertsCreated.WithLabelValues(string(out.Priority), out.SourceType).Inc()
	m.logger.Info("new alert", "alert_id", out.ID, "title", out.Title, "priority", out.Priority)
	m.dispatchAlert(out)
	return out
}

// ProcessHealthChange creates or updates the alert for a health transition.
// Transitions into degraded or unhealthy raise alerts; a recovery resolves
// the service's existing alert instead and returns nil.
func (m *Manager) ProcessHealthChange(change monitor.HealthChange) *Alert {
	fingerprint := healthFingerprint(change.ServiceID)

	if change.NewState != monitor.StateDegraded && change.NewState != monitor.StateUnhealthy {
		m.Resolve(fingerprint, "auto", "Service recovered: "+string(change.NewState))
		return nil
	}

	m.mu.Lock()
	if m.isSuppressedLocked(change.ServiceName) {
		m.mu.Unlock()
		m.logger.Debug("suppressed health alert", "service", change.ServiceName)
		return nil
	}

	if existing, ok := m.alerts[fingerprint]; ok {
		existing.Message = change.Message
		existing.UpdatedAt = m.now()
		existing.Metadata["old_state"] = string(change.OldState)
		existing.Metadata["new_state"] = string(change.NewState)
		out := snapshot(existing)
		m.mu.Unlock()
		return out
	}

	a := fromHealthChange(change, m.now())
	m.alerts[fingerprint] = a
	out := snapshot(a)
	m.mu.Unlock()

	alertsCreated.WithLabelValues(string(out.Priority), out.SourceType).Inc()
	m.logger.Info("new health alert", "alert_id", out.ID, "title", out.Title, "priority", out.Priority)
	m.dispatchAlert(out)
	return out
}

// Acknowledge marks an alert acknowledged by ID or fingerprint. An empty
// actor records "operator".
func (m *Manager) Acknowledge(idOrFingerprint, by string) bool {
	if by == "" {
		by = "operator"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(idOrFingerprint)
	if a == nil {
		return false
	}
	now := m.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	a.UpdatedAt = now

	m.logger.Info("alert acknowledged", "alert_id", a.ID, "by", by)
	return true
}

// Resolve closes an alert by ID or fingerprint and moves it to the bounded
// history. An empty actor records "operator".
func (m *Manager) Resolve(idOrFingerprint, by, message string) bool {
	if by == "" {
		by = "operator"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(idOrFingerprint)
	if a == nil {
		return false
	}
	now := m.now()
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.UpdatedAt = now
	if message != "" {
		a.Message = message
	}

	delete(m.alerts, a.Fingerprint)
	m.history = append(m.history, a)
	if len(m.history) > alertHistoryCap {
		m.history = m.history[1:]
	}

	m.logger.Info("alert resolved", "alert_id", a.ID, "by", by)
	return true
}

// Suppress drops future alerts for services whose name contains the pattern
// (case-insensitive).
func (m *Manager) Suppress(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed[strings.ToLower(pattern)] = struct{}{}
	m.logger.Info("suppressing alerts", "pattern", pattern)
}

// Unsuppress removes a suppression pattern.
func (m *Manager) Unsuppress(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suppressed, strings.ToLower(pattern))
	m.logger.Info("unsuppressed alerts", "pattern", pattern)
}

// OpenAlerts returns active alerts (open or acknowledged), highest priority
// first, oldest first within a priority. Pass a priority to filter.
func (m *Manager) OpenAlerts(priority Priority) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if !a.Active() {
			continue
		}
		if priority != "" && a.Priority != priority {
			continue
		}
		out = append(out, *snapshot(a))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := priorityRank[out[i].Priority], priorityRank[out[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns the alert with the given ID or fingerprint, or nil.
func (m *Manager) Get(idOrFingerprint string) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findLocked(idOrFingerprint); a != nil {
		return snapshot(a)
	}
	return nil
}

// RecentHistory returns up to limit resolved alerts, newest first. A
// non-positive limit returns all retained history.
func (m *Manager) RecentHistory(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, *snapshot(m.history[i]))
	}
	return out
}

// Stats summarizes active alerts and history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalOpen:          len(m.alerts),
		ByPriority:         map[Priority]int{PriorityP1: 0, PriorityP2: 0, PriorityP3: 0, PriorityP4: 0},
		ByStatus:           map[Status]int{StatusOpen: 0, StatusAcknowledged: 0, StatusResolved: 0, StatusSuppressed: 0},
		HistorySize:        len(m.history),
		SuppressedPatterns: len(m.suppressed),
	}
	for _, a := range m.alerts {
		s.ByPriority[a.Priority]++
		s.ByStatus[a.Status]++
	}
	return s
}

// ClearOldAlerts auto-resolves open alerts older than the given age and
// returns how many were resolved.
func (m *Manager) ClearOldAlerts(olderThan time.Duration) int {
	m.mu.Lock()
	cutoff := m.now().Add(-olderThan)
	var stale []string
	for _, a := range m.alerts {
		if a.Status == StatusOpen && a.CreatedAt.Before(cutoff) {
			stale = append(stale, a.Fingerprint)
		}
	}
	m.mu.Unlock()

	for _, fp := range stale {
		m.Resolve(fp, "auto_cleanup", "Auto-resolved due to age")
	}
	if len(stale) > 0 {
		m.logger.Info("auto-resolved old alerts", "count", len(stale))
	}
	return len(stale)
}

func (m *Manager) findLocked(idOrFingerprint string) *Alert {
	if a, ok := m.alerts[idOrFingerprint]; ok {
		return a
	}
	for _, a := range m.alerts {
		if a.ID == idOrFingerprint {
			return a
		}
	}
	return nil
}

func (m *Manager) isSuppressedLocked(service string) bool {
	lower := strings.ToLower(service)
	for pattern := range m.suppressed {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (m *Manager) dispatchAlert(a *Alert) {
	m.mu.Lock()
	fn := m.onAlert
	m.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("alert callback panicked", "alert_id", a.ID, "panic", p)
		}
	}()
	fn(a)
}

func (m *Manager) dispatchEscalation(a *Alert, action string) {
	m.mu.Lock()
	fn := m.onEscalate
	m.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("escalation callback panicked", "alert_id", a.ID, "panic", p)
		}
	}()
	fn(a, action)
}

// snapshot copies an alert, including its metadata map.
func snapshot(a *Alert) *Alert {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
