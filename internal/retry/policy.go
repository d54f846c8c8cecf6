// Package retry defines the retry policy applied at the event consumption
// boundary and by the durable scheduler, plus the dead-letter contract for
// work that cannot complete.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds how a failing handler is retried.
type Policy struct {
	// MaxAttempts includes the first try. Zero means retry until the context ends.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used by consumers that do not configure their own.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Unbounded returns a copy of p that never gives up. Compensations use it.
func (p Policy) Unbounded() Policy {
	p.MaxAttempts = 0
	return p
}

func (p Policy) backoff() goretry.Backoff {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Millisecond
	}
	b := goretry.NewExponential(initial)
	if p.MaxBackoff > 0 {
		b = goretry.WithCappedDuration(p.MaxBackoff, b)
	}
	if p.MaxAttempts > 0 {
		b = goretry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}
	return b
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the policy
// or ctx ends. It reports how many attempts were made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
	return attempts, err
}

// Delay is the wait before the attempt following attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Millisecond
	}
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether n attempts use up the policy.
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or anything it wraps, declares itself
// permanent. Everything else is treated as transient.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }
