package payout

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 2 * time.Minute
	// jitterPct spreads retries so a failing provider is not hammered
	// in lockstep by every worker.
	jitterPct = 0.2
)

// backoff returns the delay before the next attempt. attempt is the
// 1-based number of the attempt that just failed: 2s, 4s, 8s... capped
// at 2min, with +-20% jitter.
func backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	factor := 1 - jitterPct + 2*jitterPct*rng.Float64()
	return time.Duration(float64(d) * factor)
}
