package app

import (
	"context"
	"time"
)

// backoffDelay doubles base for every attempt after the first and caps the result at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << minInt(attempt-1, 20)
	if max > 0 && (delay > max || delay <= 0) {
		return max
	}
	return delay
}

// retryDelay is the inbox retry schedule: 2^attempt seconds, capped at five minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		delay = 300
	}
	return time.Duration(delay) * time.Second
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
