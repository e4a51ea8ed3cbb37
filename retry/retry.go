// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package retry implements the bounded exponential backoff described by
// spec's retry_config: an initial delay, a 2x multiplier up to a max
// delay, stopping once the elapsed time exceeds a ceiling.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when a Policy's max elapsed time is reached
// before the action reports success.
var ErrExhausted = errors.New("retry: max elapsed time exhausted")

// Policy is a bounded exponential backoff spec.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
}

// DefaultPolicy is used when a caller's RetryConfig is left at its zero value.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		MaxElapsed:   2 * time.Minute,
	}
}

// Retryable is the classifier Do calls on each failed attempt to decide
// whether action's error should be retried (true) or is terminal (false).
type Retryable func(err error) bool

// Do invokes action until it returns a nil error, action's error is judged
// non-retryable by retryable, or the policy's MaxElapsed is exceeded. It
// returns the last error, wrapped in ErrExhausted on timeout.
func Do(ctx context.Context, p Policy, retryable Retryable, action func(ctx context.Context) error) error {
	start := time.Now()
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	for attempt := 0; ; attempt++ {
		err := action(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if elapsed := time.Since(start); p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
			return errors.Join(ErrExhausted, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
