// Package retry provides bounded exponential-backoff retry for ledger RPCs.
//
// The executor does not guess whether a failure is transient: an error is
// retried only when it is tagged retryable, either because it implements
// Retryable() bool returning true or because it was wrapped with Transient.
// Everything else propagates after the first attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/giftescrow/internal/metrics"
)

// Policy bounds the retry loop. Attempt 0 runs immediately; retry n waits
// BaseDelay * 2^(n-1) before running, so MaxRetries=3, BaseDelay=1s waits
// 1s, 2s, 4s for a total of four calls.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultPolicy returns the ledger RPC policy: 3 retries starting at 1s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second}
}

// Delay returns the wait before the retry that follows a failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay << uint(attempt)
}

// Attempt is the record of one call inside Do. It only lives for the
// duration of the call and is handed to observers.
type Attempt struct {
	Number int           // 0-based
	Delay  time.Duration // wait before this attempt ran
	Err    error         // nil on success
}

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }

// Transient wraps err so that Do will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps an error that must not be retried even if something
// it wraps claims otherwise.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether err is tagged retryable. The outermost tag wins.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type options struct {
	sleep     SleepFunc
	observers []func(Attempt)
	operation string
}

// Option customises a single Do call.
type Option func(*options)

// WithSleep replaces the timer-based wait (tests use a recording sleeper).
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// WithObserver registers a callback invoked after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

// WithOperation names the operation for the retry metrics.
func WithOperation(name string) Option {
	return func(o *options) { o.operation = name }
}

// Do runs op until it succeeds, fails permanently, the context is cancelled,
// or the policy is exhausted. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: sleepContext, operation: "unknown"}
	for _, opt := range opts {
		opt(&o)
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	var (
		zero  T
		delay time.Duration
	)
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		for _, fn := range o.observers {
			fn(Attempt{Number: attempt, Delay: delay, Err: err})
		}
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			metrics.RetryOutcomesTotal.WithLabelValues(o.operation, "permanent").Inc()
			return zero, err
		}
		if attempt >= p.MaxRetries {
			metrics.RetryOutcomesTotal.WithLabelValues(o.operation, "exhausted").Inc()
			return zero, err
		}

		delay = p.Delay(attempt)
		metrics.RetryAttemptsTotal.WithLabelValues(o.operation).Inc()
		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}
