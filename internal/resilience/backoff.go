package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff produces jittered exponential delays: base·2ⁿ capped at Max, with
// full jitter so a fleet of retrying workers does not synchronise.
type Backoff struct {
	// Base is the first delay. Default 200ms.
	Base time.Duration

	// Max caps the delay growth. Default 5s.
	Max time.Duration

	// rand is overridable in tests for deterministic delays.
	rand func() float64
}

// Delay returns the delay before retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	d := base << uint(attempt)
	if d <= 0 || d > max { // shift overflow guards too
		d = max
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(d))
}

// Sleep blocks for the attempt's jittered delay or until ctx is cancelled,
// returning ctx.Err() in the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn up to attempts times, sleeping a jittered exponential delay
// between failures. The last error is returned when every attempt fails;
// context cancellation aborts immediately.
func Retry(ctx context.Context, attempts int, b Backoff, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = fn(); last == nil {
			return nil
		}
		if i < attempts-1 {
			if err := b.Sleep(ctx, i); err != nil {
				return err
			}
		}
	}
	return last
}
