package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. The fiscal queue uses
// the default policy to space retries of failed submissions; the event bus
// uses a tighter one for in-process consume retries.
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.10 for ±10%
}

// Default is the schedule for fiscal job retries:
// 30s, 120s, 480s, 1920s, then capped at 7200s.
func Default() Policy {
	return Policy{
		Base:   30 * time.Second,
		Factor: 4,
		Cap:    2 * time.Hour,
		Jitter: 0.10,
	}
}

// Delay returns the pre-jitter delay before the next attempt, where attempt
// is the number of attempts already made (1 for the first failure).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

// JitteredDelay spreads Delay by ±Jitter so that jobs failing in the same
// pass do not retry in lockstep.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if p.Jitter <= 0 {
		return delay
	}

	spread := float64(delay) * p.Jitter
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(delay) + offset)
}

// Retry runs fn up to maxAttempts times, sleeping the policy's jittered
// delay between attempts. Used for short in-process retries only; durable
// retries go through the fiscal job queue instead.
func Retry(ctx context.Context, p Policy, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if attempt == maxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
		}

		select {
		case <-time.After(p.JitteredDelay(attempt)):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
