// Package progress reports how many bytes of a delivery are still queued.
package progress

import (
	"context"
	"time"
)

const DefaultInterval = 100 * time.Millisecond

// Sampler returns the number of bytes still queued for sending.
type Sampler func() uint64

// Emit publishes one sample. Returning an error stops the reporter.
type Emit func(outstanding uint64) error

// Run samples every interval and emits each value until it emits 0, ctx is
// done, or emit fails. It blocks until then.
func Run(ctx context.Context, interval time.Duration, sample Sampler, emit Emit) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		outstanding := sample()
		if err := emit(outstanding); err != nil {
			return
		}
		if outstanding == 0 {
			return
		}
	}
}
