package platform

import (
	"context"
	"math/rand"
	"time"
)

// Delay is a jittered pause applied before each listing request. The platform
// revokes credentials that hit it at machine speed, so a zero delay is only
// acceptable in tests.
type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Wait sleeps for a random duration within [Min, Max], honoring ctx.
func (d Delay) Wait(ctx context.Context) error {
	dur := d.Min
	if span := d.Max - d.Min; span > 0 {
		dur += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if dur <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff retries an operation with a fixed, optionally jittered interval.
type Backoff struct {
	Attempts int
	Interval time.Duration
	Jitter   time.Duration
}

// Do runs fn up to Attempts times, sleeping between failures. The last error
// is returned when all attempts fail.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		pause := b.Interval
		if b.Jitter > 0 {
			pause += time.Duration(rand.Int63n(int64(b.Jitter) + 1))
		}
		if pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}
