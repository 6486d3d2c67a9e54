package device

import (
	"context"
	"time"
)

// DefaultInterval is the poll period of gaze and gesture adapters (~30 Hz).
const DefaultInterval = 33 * time.Millisecond

// Step is one poll iteration. It gets a context that expires after one
// interval and must not block past it.
type Step func(ctx context.Context)

// Poll calls step every interval until ctx is done. A slow step delays the
// next tick instead of queueing extra ones.
func Poll(ctx context.Context, interval time.Duration, step Step) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stepCtx, cancel := context.WithTimeout(ctx, interval)
			step(stepCtx)
			cancel()
		}
	}
}
