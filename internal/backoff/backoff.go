package backoff

import (
	"math"
	"time"
)

// Policy capped exponential backoff: Base * 2^attempt, never above Max
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay wait before retry number attempt (0-based). Non-decreasing in attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		next := d * 2
		if next < d {
			// overflow; only reachable uncapped
			return time.Duration(math.MaxInt64)
		}
		d = next
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
