package worker

import (
	"time"
)

// Backoff returns the delay before retry attempt k: base * 2^(k-1).
// The schedule is deterministic so operators can predict when a job runs
// again from its attempt count alone.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	return base << uint(attempt-1)
}
