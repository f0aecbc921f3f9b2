package kernel

import (
	"context"
	"time"
)

// DefaultCleanupInterval is how often the sweeper looks for expired sessions.
const DefaultCleanupInterval = 30 * time.Second

// StartCleanupLoop starts a background goroutine that periodically closes
// sessions whose deadline has passed. Returns a stop function that should be
// called to stop the loop.
func (r *Router) StartCleanupLoop(interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				r.runCleanupCycle()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runCleanupCycle performs a single sweep with panic recovery.
func (r *Router) runCleanupCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Error("cleanup_panic_recovered", "error", rec)
			}
		}
	}()

	swept := r.SweepExpired(context.Background(), r.now())

	if r.logger != nil {
		r.logger.Debug("cleanup_cycle_completed",
			"sessions_expired", swept,
			"sessions_active", r.table.Len(),
		)
	}
}
