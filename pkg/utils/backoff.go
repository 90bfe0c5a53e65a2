package utils

import (
	"math/rand"
	"time"
)

// CalculateExponentialBackoffWithJitter returns the delay before retry
// number attempt (1-based): exponential in the attempt with ±12.5% jitter
// so synchronized explorer clients spread their retries out. The result
// never exceeds max.
func CalculateExponentialBackoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}

	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 { // shift overflow
		delay = max
	}

	// A span of zero would panic Int63n; millisecond-scale bases keep it
	// positive in practice.
	if span := int64(delay / 4); span > 0 {
		delay += time.Duration(rand.Int63n(span)) - delay/8
	}
	if delay > max {
		delay = max
	}
	return delay
}
