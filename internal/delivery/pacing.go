package delivery

import (
	"math/rand"
	"time"

	"broadcast-fleet/internal/models"
)

// baseDelay computes the per-contact delay for a broadcast. Auto mode
// scales with the total contact count; adaptive and manual clamp the
// caller's base to a floor.
func baseDelay(mode string, baseSeconds, totalContacts int) time.Duration {
	base := time.Duration(baseSeconds) * time.Second
	switch mode {
	case models.DelayAdaptive:
		if base < 3*time.Second {
			return 3 * time.Second
		}
		return base
	case models.DelayManual:
		if base < 2*time.Second {
			return 2 * time.Second
		}
		return base
	default: // auto
		switch {
		case totalContacts < 25:
			return 3 * time.Second
		case totalContacts < 75:
			return 5 * time.Second
		case totalContacts < 150:
			return 8 * time.Second
		default:
			return 12 * time.Second
		}
	}
}

// withJitter applies ±30% when randomization is on.
func withJitter(d time.Duration, randomize bool, rng *rand.Rand) time.Duration {
	if !randomize || d <= 0 {
		return d
	}
	factor := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(d) * factor)
}

// retryBackoff is the exponential job-retry delay: initial, 2x, 4x,
// capped at max.
func retryBackoff(initial, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return initial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
