// Package resilience provides the circuit breaker guarding upstream API calls.
//
// The breaker follows the classic three-state model: Closed while the
// upstream is healthy, Open after a run of consecutive failures, HalfOpen
// after the cooldown to probe with a single call. It never blocks waiting;
// an open circuit fails fast with ErrCircuitOpen.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned when the breaker short-circuits a call before
// it reaches the network.
var ErrCircuitOpen = errors.New("circuit breaker open")

var circuitTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alexa_circuit_transitions_total",
	Help: "Total circuit breaker state transitions",
}, []string{"from", "to"})

// State is a circuit breaker state.
type State int32

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota

	// StateOpen fails fast until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

// String implements fmt.Stringer.
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

// Config holds breaker configuration.
type Config struct {
	// Name identifies the breaker in logs and stats.
	Name string

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Defaults to 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe is
	// admitted. Defaults to 30s.
	Cooldown time.Duration
}

// Stats describes the current breaker state.
type Stats struct {
	State            State
	ConsecutiveFails int
	OpenedAt         time.Time
}

// Breaker is a three-state circuit breaker consumed through Call.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	logger           zerolog.Logger

	state atomic.Int32

	mu               sync.Mutex
	consecutiveFails int
	probeInFlight    bool
	openedAt         time.Time
}

// New creates a breaker with the given configuration.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		logger:           logger.With().Str("component", "circuit-breaker").Str("breaker", cfg.Name).Logger(),
	}
	if b.failureThreshold <= 0 {
		b.failureThreshold = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	b.state.Store(int32(StateClosed))
	return b
}

// Call runs fn through the breaker. An open circuit returns ErrCircuitOpen
// without invoking fn. In half-open state a single probe is admitted: its
// success closes the circuit, its failure re-opens it.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}

	result, err := fn()

	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}

	return result, err
}

// allow decides whether a call may proceed in the current state.
func (b *Breaker) allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true

	case StateHalfOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true

	default:
		return true
	}
}

// recordSuccess resets the failure run; a successful half-open probe closes
// the circuit.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.transitionLocked(StateClosed)
	}
}

// recordFailure counts the failure; reaching the threshold (or failing the
// half-open probe) opens the circuit.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state. Caller must hold b.mu.
func (b *Breaker) transitionLocked(newState State) {
	oldState := State(b.state.Load())
	if oldState == newState {
		return
	}

	switch newState {
	case StateClosed:
		b.consecutiveFails = 0
		b.probeInFlight = false
	case StateOpen:
		b.openedAt = time.Now()
		b.probeInFlight = false
	case StateHalfOpen:
		b.probeInFlight = false
	}

	b.state.Store(int32(newState))
	circuitTransitionsTotal.WithLabelValues(oldState.String(), newState.String()).Inc()

	event := b.logger.Info()
	if newState == StateOpen {
		event = b.logger.Warn()
	}
	event.
		Str("from", oldState.String()).
		Str("to", newState.String()).
		Int("consecutive_fails", b.consecutiveFails).
		Msg("Circuit breaker state changed")
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Stats returns the current breaker state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            State(b.state.Load()),
		ConsecutiveFails: b.consecutiveFails,
		OpenedAt:         b.openedAt,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.consecutiveFails = 0
}
