package infra

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the exponential reconnect delay for the
// given attempt: base * 2^attempt, capped. Negative attempts get the
// base delay.
func CalculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	// 2^30 seconds already exceeds any sane cap; stop shifting there.
	if attempt > 30 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
