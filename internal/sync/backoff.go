package sync

import (
	"math/rand"
	"time"
)

// jitterWindow is the full-jitter range added to every computed delay.
const jitterWindow = time.Second

// nextBackoff computes the delay before the next attempt of an item that
// has failed `attempts` times:
//
//	delay = min(max, base * 2^(attempts-1)) + random(0, 1s)
func nextBackoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := max
	// Shifting past 62 bits would overflow; anything that far along is
	// capped regardless.
	if shift := uint(attempts - 1); shift < 62 {
		d := base << shift
		if d > 0 && d < max {
			delay = d
		}
	}

	return delay + time.Duration(rand.Int63n(int64(jitterWindow)))
}
