// Package retry runs an operation until it succeeds, its error is classified
// permanent, or the attempt budget is spent.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Action is the classification of one failed attempt.
type Action int

const (
	Stop  Action = iota // permanent, abort immediately
	Retry               // transient, wait the current backoff
	After               // rate limited, wait the longer rate-limit backoff
)

// Classify maps an operation error to an Action.
type Classify func(err error) Action

// Policy bounds the attempts and the waits between them. Backoff doubles
// after every wait; MaxBackoff caps the growth (zero means uncapped).
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

// Do runs op up to p.MaxAttempts times. A Stop classification returns the
// error wrapped in *PermanentError without further attempts; exhausting the
// budget returns the last error wrapped. Waits respect ctx.
func Do[T any](ctx context.Context, p Policy, classify Classify, op func() (T, error)) (T, error) {
	var zero T
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}
		if attempt >= p.MaxAttempts {
			return zero, fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, err)
		}

		if action == After {
			backoff = p.RateLimitBackoff
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry interrupted: %w", ctx.Err())
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, classify Classify, op func() error) error {
	_, err := Do(ctx, p, classify, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// PermanentError marks an error the classifier ruled out of retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
