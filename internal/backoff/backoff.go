// Package backoff provides exponential backoff with jitter for retrying
// startup work such as database connections.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes the delay before each retry.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// DefaultPolicy waits 200ms, doubling up to 5s, with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, float64(max(attempt-1, 0)))
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Retry calls fn until it succeeds, attempts calls have failed, or ctx is
// done. It returns the last error from fn, or ctx.Err() when cancelled
// while waiting. onRetry, when set, observes each failure that will be
// retried.
func Retry(ctx context.Context, p Policy, attempts int, fn func(context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts = max(attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
