package socket

import "time"

// backoffDelay returns base * 2^attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
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
