package backoff

import (
	"context"
	"time"
)

// Sleep blocks for the policy's delay at the given attempt, returning early
// with ctx.Err() if the context is cancelled first.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	duration := Delay(p, attempt)
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
