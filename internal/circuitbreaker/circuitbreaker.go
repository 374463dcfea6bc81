// Package circuitbreaker fails fast on a push gateway that keeps erroring at
// the transport level, then lets a single probe through after a cool-down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  probe succeeded
//	HalfOpen -> Open:    probe failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// ErrCircuitOpen is returned instead of calling a gateway whose breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange, when set, is called with the lock held after every
	// transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for the push gateway.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker counts consecutive transport failures of one gateway.
// An open breaker becomes half-open on its own once retryAt passes; the
// state is evaluated lazily whenever it is read.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state     State
	streak    int
	retryAt   time.Time
	probes    int
	changedAt time.Time
	failedAt  time.Time

	counts struct {
		requests, failures, successes, rejected int64
	}
}

// New creates a breaker in the closed state.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	cb := &CircuitBreaker{config: cfg, logger: logger, now: time.Now}
	cb.changedAt = cb.now()
	return cb
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a gateway call may proceed. While half-open at most
// HalfOpenMaxRequests probes are admitted until one of them reports back.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++
	admit := true
	switch cb.current() {
	case StateOpen:
		admit = false
	case StateHalfOpen:
		admit = cb.probes < cb.config.HalfOpenMaxRequests
		if admit {
			cb.probes++
		}
	}
	if !admit {
		cb.counts.rejected++
	}
	return admit
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(true) }

// RecordFailure extends the failure streak, opening the breaker when it
// reaches MaxFailures or when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() { cb.record(false) }

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.current()
	if ok {
		cb.counts.successes++
		cb.streak = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed, "gateway recovered")
		}
		return
	}

	cb.counts.failures++
	cb.streak++
	cb.failedAt = cb.now()

	switch {
	case state == StateHalfOpen:
		cb.trip("probe failed")
	case state == StateClosed && cb.streak >= cb.config.MaxFailures:
		cb.trip("failure threshold reached")
	}
}

// trip opens the breaker and schedules the next probe.
func (cb *CircuitBreaker) trip(reason string) {
	cb.retryAt = cb.failedAt.Add(cb.config.RecoveryTimeout)
	cb.setState(StateOpen, reason)
}

// current promotes an expired open breaker to half-open. cb.mu must be held.
func (cb *CircuitBreaker) current() State {
	if cb.state == StateOpen && !cb.now().Before(cb.retryAt) {
		cb.setState(StateHalfOpen, "recovery timeout elapsed")
	}
	return cb.state
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.current().String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.counts.requests,
		TotalFailures:   cb.counts.failures,
		TotalSuccesses:  cb.counts.successes,
		TotalRejected:   cb.counts.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.failedAt.IsZero() {
		s.LastFailure = cb.failedAt.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.streak = 0
	cb.setState(StateClosed, "manual reset")
}

// setState must be called with cb.mu held. Every transition clears the
// probe budget.
func (cb *CircuitBreaker) setState(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probes = 0
	cb.changedAt = cb.now()

	fields := []zap.Field{
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	}
	if to == StateOpen {
		cb.logger.Warn("push gateway breaker opened", append(fields, zap.Int("failures", cb.streak))...)
	} else {
		cb.logger.Info("push gateway breaker state changed", fields...)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.current(), cb.streak, cb.config.MaxFailures)
}
