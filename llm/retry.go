// ABOUTME: Retry policy with exponential backoff and full jitter for retryable provider errors.
// ABOUTME: Honors server-supplied Retry-After delays and stops on context cancellation.
package llm

import (
	"context"
	"log"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls resubmission of retryable provider failures.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy retries twice with 1s base delay and full jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// CalculateDelay returns the wait before the given attempt (0-based).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffMultiplier
	}
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter && delay > 0 {
		delay = float64(rand.Int64N(int64(delay) + 1))
	}
	return time.Duration(delay)
}

// Do runs fn, resubmitting on retryable errors until MaxRetries is
// exhausted or the context is done. A server-supplied Retry-After wins
// over the computed backoff.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.CalculateDelay(attempt - 1)
			if pe, ok := AsProviderError(lastErr); ok && pe.RetryAfter != nil && *pe.RetryAfter > delay {
				delay = *pe.RetryAfter
			}
			log.Printf("component=llm.retry action=backoff attempt=%d delay=%s err=%v", attempt, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
