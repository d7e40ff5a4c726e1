package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// NextRetryDelay computes base·factor^retries plus uniform jitter in
// [0, jitter). The result for retries=n always lands inside
// [base·factor^n, base·factor^n + jitter].
func NextRetryDelay(base time.Duration, factor float64, jitter time.Duration, retries int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	delay := time.Duration(float64(base) * math.Pow(factor, float64(retries)))
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter)))
	}
	return delay
}
