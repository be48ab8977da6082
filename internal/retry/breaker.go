package retry

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState is the state of a CircuitBreaker
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Requests pass through
	BreakerOpen                         // Remote considered down, fail fast
	BreakerHalfOpen                     // Probing whether the remote recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while a breaker refuses requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker
type BreakerConfig struct {
	FailureThreshold int           // Consecutive transient failures before opening (default: 5)
	SuccessThreshold int           // Half-open successes before closing (default: 2)
	OpenTimeout      time.Duration // How long to stay open before probing (default: 30s)
}

// DefaultBreakerConfig returns the default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreaker stops hammering a remote API that keeps failing.
// One breaker is shared by every request to the same remote.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named remote
func NewCircuitBreaker(name string, cfg BreakerConfig, log logrus.FieldLogger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		log:   log.WithField("breaker", name),
		now:   time.Now,
	}
}

// Allow returns ErrCircuitOpen if the breaker is open and its timeout has not elapsed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cfg.OpenTimeout {
			cb.transition(BreakerHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records a transient failure
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// a failed probe reopens immediately
		cb.transition(BreakerOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns the state with the current failure and success counters
func (cb *CircuitBreaker) GetMetrics() (state BreakerState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// transition must be called with cb.mu held
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	if to == BreakerClosed {
		cb.failures = 0
	}
	cb.log.WithFields(logrus.Fields{
		"from":     from.String(),
		"to":       to.String(),
		"failures": cb.failures,
	}).Info("circuit breaker state transition")
}
