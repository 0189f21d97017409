// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the shape of an exponential backoff curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay regardless of attempt number.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Delay returns the backoff duration for the given attempt. Attempts start
// at 1.
func Delay(p Policy, attempt int) time.Duration {
	return DelayWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a caller-supplied random value in
// [0.0, 1.0), which makes tests deterministic.
func DelayWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total).Round(time.Millisecond)
}

// Resubmit is the curve used when resubmitting a sandbox task after a read
// timeout. Short initial delay so retry notices arrive quickly, capped well
// under the stream's global timeout.
func Resubmit() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
