// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy is three attempts starting at 500ms.
var DefaultPolicy = Policy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// BackOff returns the schedule for p: doubling from Base, capped at Max,
// without jitter, stopping after Attempts-1 retries.
func (p Policy) BackOff() backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = backoff.DefaultInitialInterval
	}
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = backoff.DefaultMaxInterval
	}
	exp.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(exp, uint64(attempts-1))
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// used up, or ctx is done. A permanent error is returned unwrapped; when ctx
// ends the wait, the last failure is joined with ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoNotify(ctx, p, fn, nil)
}

// DoNotify is Do with notify called before each wait.
func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify backoff.Notify) error {
	var last error
	err := backoff.RetryNotify(func() error {
		last = fn(ctx)
		return last
	}, backoff.WithContext(p.BackOff(), ctx), notify)

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && last != nil && !errors.Is(last, ctxErr) {
		return errors.Join(last, ctxErr)
	}
	return err
}
