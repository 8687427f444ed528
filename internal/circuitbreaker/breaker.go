// Package circuitbreaker pauses the indexer after repeated RPC failures or when a freshly
// computed record moves implausibly far from the last good one.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// ErrOpen is returned by Allow while the circuit is open
var ErrOpen = errors.New("circuit breaker open: indexing paused")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no new invocations allowed
	StateHalfOpen              // Testing if the RPC has recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures of metrics invocations.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time
	reason   string

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Last record that passed Check, used as the comparison baseline
	lastGood *model.DailyMetric

	failures         int
	successCount     int
	successThreshold int

	onTripCallback func(reason string, last *model.DailyMetric)

	now func() time.Time
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Consecutive failed invocations before the circuit opens
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	// Maximum relative price move between consecutive good records (0.5 for 50%). Zero disables.
	MaxPriceChange float64 `json:"max_price_change,omitempty"`

	// Maximum plausible APY in percent. Zero disables.
	MaxAPY float64 `json:"max_apy,omitempty"`
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 1
	}
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful invocations needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, last *model.DailyMetric)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether an invocation may run. An open circuit moves to half-open once the
// reset delay has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) < cb.resetDelay {
		return ErrOpen
	}

	cb.state = StateHalfOpen
	cb.successCount = 0
	logrus.Info("Circuit breaker half-open: testing recovery")
	return nil
}

// RecordFailure counts a failed invocation. A failure while half-open reopens the circuit.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("failure while half-open: %v", err))
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.thresholds.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("%d consecutive failures, last: %v", cb.failures, err))
	}
}

// Check evaluates a saved record against the last good one. A record that passes counts as a
// success; one that fails trips the circuit.
func (cb *CircuitBreaker) Check(m *model.DailyMetric) error {
	if m == nil {
		return errors.New("no record provided to circuit breaker")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if limit := cb.thresholds.MaxAPY; limit > 0 && m.CurrentAPY.GreaterThan(decimal.NewFromFloat(limit)) {
		reason := fmt.Sprintf("APY exceeds maximum threshold: %s > %v", m.CurrentAPY.StringFixed(2), limit)
		cb.trip(reason)
		return errors.New(reason)
	}

	if limit := cb.thresholds.MaxPriceChange; limit > 0 && cb.lastGood != nil && cb.lastGood.Price.IsPositive() {
		change := m.Price.Sub(cb.lastGood.Price).Abs().Div(cb.lastGood.Price).InexactFloat64()
		if change > limit {
			reason := fmt.Sprintf("price change too drastic: %.2f%% (threshold: %.2f%%)", change*100, limit*100)
			cb.trip(reason)
			return errors.New(reason)
		}
	}

	cb.lastGood = m.Clone()
	cb.recordSuccess()
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reason returns why the circuit last tripped
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// ConsecutiveFailures returns the current failure streak
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// LastGood returns a copy of the most recent record that passed Check
func (cb *CircuitBreaker) LastGood() *model.DailyMetric {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastGood.Clone()
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.reason = ""
	logrus.Info("Circuit breaker manually reset to closed state")
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: indexing has recovered")
		}
	}
}

// trip must be called with the lock held
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.reason = reason
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason, cb.lastGood.Clone())
	}
}
