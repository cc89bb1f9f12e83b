package coordinator

import (
	"math/rand"
	"time"
)

// backoff returns the delay before retrying a stage that has already
// failed attempt times. Exponential doubling from base, capped at max,
// with up to 25% random jitter added so simultaneous retries fan out.
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
