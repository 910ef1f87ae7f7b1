package safety

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var circuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "heimdallr_circuit_open",
	Help: "Whether the remediation circuit breaker is open for a service (0=closed, 1=open)",
}, []string{"service"})

const (
	defaultCircuitThreshold  = 3
	defaultCircuitResetAfter = 30 * time.Minute
)

// CircuitBreaker counts consecutive remediation failures per service and
// blocks further attempts once the threshold is reached. An open circuit
// closes again when the reset window elapses without new failures; the reset
// happens lazily at query time, there is no half-open probing state and no
// background timer.
type CircuitBreaker struct {
	mu          sync.Mutex
	failures    map[string]int
	lastFailure map[string]time.Time
	threshold   int
	resetAfter  time.Duration
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker. Zero values select the defaults of 3
// consecutive failures and a 30 minute reset window.
func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultCircuitThreshold
	}
	if resetAfter <= 0 {
		resetAfter = defaultCircuitResetAfter
	}
	return &CircuitBreaker{
		failures:    make(map[string]int),
		lastFailure: make(map[string]time.Time),
		threshold:   threshold,
		resetAfter:  resetAfter,
		now:         time.Now,
	}
}

// RecordFailure increments the consecutive-failure counter for a service and
// stamps the failure time. Reaching the threshold opens the circuit.
func (cb *CircuitBreaker) RecordFailure(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures[service]++
	cb.lastFailure[service] = cb.now()
	if cb.failures[service] >= cb.threshold {
		circuitOpen.WithLabelValues(service).Set(1)
	}
}

// RecordSuccess resets the counter to zero, closing the circuit if it was
// open.
func (cb *CircuitBreaker) RecordSuccess(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.failures[service]; ok {
		cb.failures[service] = 0
		circuitOpen.WithLabelValues(service).Set(0)
	}
}

// IsOpen reports whether the circuit is open for a service. When the reset
// window has elapsed since the last failure the counter is reset and the
// circuit reports closed.
func (cb *CircuitBreaker) IsOpen(service string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	count, ok := cb.failures[service]
	if !ok || count < cb.threshold {
		return false
	}

	if last, ok := cb.lastFailure[service]; ok {
		if cb.now().Sub(last) > cb.resetAfter {
			cb.failures[service] = 0
			circuitOpen.WithLabelValues(service).Set(0)
			return false
		}
	}
	return true
}

// Reset forces the counter to zero. Operator override.
func (cb *CircuitBreaker) Reset(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.failures[service]; ok {
		cb.failures[service] = 0
		circuitOpen.WithLabelValues(service).Set(0)
	}
}

// Failures returns the current consecutive-failure count for a service.
func (cb *CircuitBreaker) Failures(service string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures[service]
}

// OpenCount returns the number of services whose circuit is currently open,
// applying the same reset window IsOpen uses so a stats snapshot never counts
// a circuit the next gating query would report closed.
func (cb *CircuitBreaker) OpenCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := cb.now().Add(-cb.resetAfter)
	n := 0
	for service, count := range cb.failures {
		if count < cb.threshold {
			continue
		}
		if last, ok := cb.lastFailure[service]; ok && last.Before(cutoff) {
			continue
		}
		n++
	}
	return n
}
