package engine

import (
	"context"
	"time"
)

// WaitForBackoff pauses the calling goroutine for delay, returning early with
// the context error if ctx is cancelled first. Other runs are unaffected:
// only the goroutine driving this run waits.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
