// Package retry evaluates a bounded retry policy around a single remote call.
//
// Remote clients supply a pure request function and a Classifier; Do decides
// whether a failed attempt is retried, waited on, or returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy holds retry configuration for remote calls
type Policy struct {
	MaxAttempts       int           // Total attempts including the first (default: 3)
	InitialBackoff    time.Duration // Wait before the second attempt (default: 0)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 10s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	RateLimitWait     time.Duration // Wait after a rate-limited attempt (default: 1s)
	Timeout           time.Duration // Per-attempt timeout, 0 = none (default: 0)
}

// DefaultPolicy returns the default retry policy: three attempts, no backoff
// between transient failures, one second after a rate limit response.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    0,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		RateLimitWait:     1 * time.Second,
	}
}

// Validate checks if the policy has usable values
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", p.MaxAttempts)
	}
	if p.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts too large (got %d, max 10)", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.RateLimitWait < 0 || p.Timeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %.2f)", p.BackoffMultiplier)
	}
	return nil
}

// Class is the classification of a failed attempt
type Class int

const (
	Permanent   Class = iota // Not retried, returned as-is
	Transient                // Retried after the current backoff
	RateLimited              // Retried after RateLimitWait
)

func (c Class) String() string {
	switch c {
	case Permanent:
		return "PERMANENT"
	case Transient:
		return "TRANSIENT"
	case RateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// Classifier maps an attempt error to a Class
type Classifier func(error) Class

// ErrExhausted wraps the last error once every attempt has failed transiently
var ErrExhausted = errors.New("retry attempts exhausted")

// Retrier applies a Policy with a Classifier and an optional CircuitBreaker
type Retrier struct {
	policy   Policy
	classify Classifier
	breaker  *CircuitBreaker
	log      logrus.FieldLogger
	sleep    func(context.Context, time.Duration) error
}

// Option configures a Retrier
type Option func(*Retrier)

// WithCircuitBreaker fails fast while the breaker is open
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(r *Retrier) { r.breaker = cb }
}

// WithLogger sets the logger used for retry messages
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Retrier) { r.log = log }
}

// New creates a Retrier. An invalid policy falls back to DefaultPolicy.
func New(policy Policy, classify Classifier, opts ...Option) *Retrier {
	if err := policy.Validate(); err != nil {
		policy = DefaultPolicy()
	}
	r := &Retrier{
		policy:   policy,
		classify: classify,
		log:      logrus.StandardLogger(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do executes fn under the retrier's policy.
//
// A Permanent failure is returned unwrapped on the attempt it happens.
// When every attempt fails transiently the returned error wraps both
// ErrExhausted and the last attempt's error. Intermediate failures are
// logged at debug level only.
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := r.policy.InitialBackoff

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if r.breaker != nil {
			if err := r.breaker.Allow(); err != nil {
				state, failures, _ := r.breaker.GetMetrics()
				r.log.WithFields(logrus.Fields{
					"operation": operation,
					"state":     state.String(),
					"failures":  failures,
				}).Warn("request blocked by circuit breaker")
				return zero, fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		result, err := fn(attemptCtx)
		cancel()

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			if attempt > 1 {
				r.log.WithField("operation", operation).Debugf("succeeded after %d attempts", attempt)
			}
			return result, nil
		}

		lastErr = err
		class := r.classify(err)

		// Permanent failures say nothing about the remote's health
		if class == Permanent {
			return zero, err
		}
		if r.breaker != nil {
			r.breaker.RecordFailure()
		}

		if attempt == r.policy.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		wait := backoff
		if class == RateLimited {
			wait = r.policy.RateLimitWait
		}
		r.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"of":        r.policy.MaxAttempts,
			"class":     class.String(),
			"wait":      wait,
		}).Debugf("attempt failed, retrying: %v", err)

		if err := r.sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s failed: context canceled during backoff: %w", operation, err)
		}
		if class == Transient {
			backoff = nextBackoff(backoff, r.policy)
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", operation, ErrExhausted, r.policy.MaxAttempts, lastErr)
}

func nextBackoff(current time.Duration, p Policy) time.Duration {
	next := time.Duration(float64(current) * p.BackoffMultiplier)
	if next > p.MaxBackoff {
		next = p.MaxBackoff
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
