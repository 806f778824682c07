// Package monitor polls CrateDB system tables for recovery progress, shard
// write activity and large translogs.
//
// INVARIANTS:
// - Every wait goes through the injected clockwork.Clock
// - Watch loops return nil when their context is cancelled
// - A failed poll inside a watch loop is logged and the loop continues
package monitor

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// sleep waits d on clock. It returns false when ctx ends first.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

func orRealClock(clock clockwork.Clock) clockwork.Clock {
	if clock == nil {
		return clockwork.NewRealClock()
	}
	return clock
}
