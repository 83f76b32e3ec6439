// Package retry runs an operation under a bounded exponential backoff
// schedule. It is shared by connection setup and by individual requests
// on a degraded MCP connection.
//
// The schedule is deterministic: the delay before attempt n (n >= 2) is
// min(InitialBackoff * Multiplier^(n-2), MaxBackoff). Callers that want
// jitter add it themselves. The package never logs; progress is reported
// through an optional [WithNotify] callback.
package retry

import (
	"context"
	"math"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Policy controls how many times an operation is attempted and how long
// to wait between attempts. The zero value is not useful; start from
// [DefaultPolicy].
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64 `yaml:"multiplier"`
}

// DefaultPolicy returns 4 attempts with a 500ms, 1s, 2s schedule capped
// at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Validate reports whether the policy can produce a schedule.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&p.InitialBackoff, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxBackoff, validation.Min(p.InitialBackoff)),
		validation.Field(&p.Multiplier, validation.Required, validation.Min(1.0)),
	)
}

// WithDefaults returns p with zero-value fields replaced by the
// corresponding [DefaultPolicy] values.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Delay returns the wait before the given 1-based attempt. The first
// attempt never waits.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-2))
	if d >= float64(p.MaxBackoff) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// NotifyFunc observes a failed attempt. It receives the attempt number
// that just failed, the delay before the next attempt, and the error.
type NotifyFunc func(attempt int, next time.Duration, err error)

// Option configures a single [Do] call.
type Option func(*options)

type options struct {
	notify  NotifyFunc
	retryIf func(error) bool
}

// WithNotify registers a callback invoked after every failed attempt
// that will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// WithRetryIf limits retries to errors for which fn returns true. Any
// other error is returned immediately, unchanged.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// Do runs op until it succeeds or the policy's attempts are exhausted.
// On exhaustion it returns op's last error as-is, not a wrapper. If ctx
// is cancelled while waiting between attempts, ctx.Err() is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if !sleepCtx(ctx, p.Delay(attempt)) {
				return zero, ctx.Err()
			}
		}

		var v T
		v, err = op(ctx)
		if err == nil {
			return v, nil
		}
		if o.retryIf != nil && !o.retryIf(err) {
			return zero, err
		}
		if attempt < attempts && o.notify != nil {
			o.notify(attempt, p.Delay(attempt+1), err)
		}
	}
	return zero, err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
