package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BackoffKind selects how the wait before the next attempt is computed.
type BackoffKind int

const (
	// BackoffExponential multiplies the wait after every attempt.
	BackoffExponential BackoffKind = iota
	// BackoffFixed waits RetryPolicy.FixedDelay between attempts.
	BackoffFixed
)

func (k BackoffKind) String() string {
	if k == BackoffFixed {
		return "fixed"
	}
	return "exponential"
}

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
	Backoff       BackoffKind
}

type ErrorClassifier func(err error) ErrorClassification

// RetryObserver is told about every retry before the executor waits.
type RetryObserver func(operation string, kind BackoffKind, wait time.Duration)

// Executor runs calls through a per-operation circuit breaker and a retry
// loop. Operations sharing a name share a breaker.
type Executor struct {
	cfg      Config
	sleep    func(context.Context, time.Duration) error
	observer RetryObserver

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		sleep:    sleepContext,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Fork returns an executor with the same policy and observer but breakers
// of its own, so failures recorded by one caller never trip another.
func (e *Executor) Fork() *Executor {
	return &Executor{
		cfg:      e.cfg,
		sleep:    e.sleep,
		observer: e.observer,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// WithRetryObserver registers fn for retry notifications.
func (e *Executor) WithRetryObserver(fn RetryObserver) *Executor {
	e.observer = fn
	return e
}

// Execute returns nil on success or the error of the last attempt as is.
func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = defaultClassifier
	}

	if !e.cfg.Breaker.Enabled {
		return e.retry(ctx, op, fn, classifier)
	}
	_, err := e.circuitBreaker(op, classifier).Execute(func() (any, error) {
		return nil, e.retry(ctx, op, fn, classifier)
	})
	return err
}

// schedule tracks the exponential wait across attempts. Fixed waits do not
// advance it, so a rate limit after a dropped connection starts at the base.
type schedule struct {
	policy RetryPolicy
	next   time.Duration
}

func (s *schedule) wait(kind BackoffKind) time.Duration {
	if kind == BackoffFixed {
		return min(s.policy.FixedDelay, s.policy.MaxBackoff)
	}
	if s.next == 0 {
		s.next = s.policy.InitialBackoff
	}
	current := min(s.next, s.policy.MaxBackoff)
	s.next = min(time.Duration(float64(s.next)*s.policy.Multiplier), s.policy.MaxBackoff)
	return current
}

func (e *Executor) retry(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	sched := schedule{policy: e.cfg.Retry}
	maxAttempts := e.cfg.Retry.MaxAttempts

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		class := classifier(err)
		if !class.Retryable || attempt == maxAttempts {
			return err
		}

		wait := sched.wait(class.Backoff)
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", class.Backoff.String(),
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		if e.observer != nil {
			e.observer(operation, class.Backoff, wait)
		}
		if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
	return err
}

func (e *Executor) circuitBreaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[operation]; ok {
		return breaker
	}

	policy := e.cfg.Breaker
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        operation,
		MaxRequests: policy.HalfOpenMaxCalls,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < policy.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= policy.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[operation] = breaker
	return breaker
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
