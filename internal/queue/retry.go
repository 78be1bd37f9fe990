package queue

import "time"

// rateLimitBackoff returns base * 2^(retries-1), capped at max.
func rateLimitBackoff(base, max time.Duration, retries int) time.Duration {
	d := base
	for i := 1; i < retries; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// linearBackoff returns base * attempts.
func linearBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(attempts)
}
