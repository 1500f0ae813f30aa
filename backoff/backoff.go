// Package backoff computes capped exponential backoff with jitter for the
// reconnect loop.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy holds the backoff parameters. The zero value is not usable; start
// from Default and override fields as needed.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`
	// Max caps the computed delay.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential multiplier applied per attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomisation fraction (0.0 to 1.0) added on top.
	Jitter float64 `yaml:"jitter"`
}

// Default returns the policy used when the config leaves backoff unset:
// 250ms initial, 15s cap, factor 2, 10% jitter.
func Default() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     15 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Duration returns the delay before the given retry attempt. Attempts are
// numbered from 1.
func (p Policy) Duration(attempt int) time.Duration {
	return p.durationWithRand(attempt, rand.Float64())
}

// durationWithRand is the pure computation, split out so tests can pin the
// random value. randomValue must be in [0.0, 1.0).
func (p Policy) durationWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}
