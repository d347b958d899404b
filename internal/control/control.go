package control

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Polling restart schedule: 2s doubling up to a 30s cap.
const (
	DefaultRestartBase = 2 * time.Second
	DefaultRestartCap  = 30 * time.Second
)

// RestartBackoff returns the schedule between polling-loop restarts. It never
// stops on its own.
func RestartBackoff(base, max time.Duration) retry.Backoff {
	if base <= 0 {
		base = DefaultRestartBase
	}
	if max <= 0 {
		max = DefaultRestartCap
	}
	return retry.WithCappedDuration(max, retry.NewExponential(base))
}

// AttemptBackoff returns the same-candidate retry schedule: the n-th retry
// waits base*2^(n-1) give or take jitter, and the schedule stops after
// attempts-1 retries.
func AttemptBackoff(base, jitter time.Duration, attempts int) retry.Backoff {
	if base <= 0 {
		base = time.Second
	}
	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	b := retry.NewExponential(base)
	if jitter > 0 {
		b = retry.WithJitter(jitter, b)
	}
	return retry.WithMaxRetries(uint64(retries), b)
}
