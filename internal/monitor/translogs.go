package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

// TranslogOptions configures the large-translog monitor.
type TranslogOptions struct {
	MinMB    float64
	Interval time.Duration
	// Table is a bare table name or schema.table.
	Table string
	Node  string
	Count int
}

// DefaultTranslogOptions mirrors the large-translogs flag defaults.
func DefaultTranslogOptions() TranslogOptions {
	return TranslogOptions{MinMB: 500, Interval: 60 * time.Second, Count: 50}
}

// ThresholdLabel renders the size threshold as "500MB" or "1.5GB".
func (o TranslogOptions) ThresholdLabel() string {
	if o.MinMB < 1000 {
		return fmt.Sprintf("%.0fMB", o.MinMB)
	}
	return fmt.Sprintf("%.1fGB", o.MinMB/1000)
}

// TranslogReport is one large-translog observation.
type TranslogReport struct {
	At     time.Time
	Shards []model.TranslogShard
}

// Primaries counts primary copies in the report.
func (r TranslogReport) Primaries() int {
	n := 0
	for _, s := range r.Shards {
		if s.IsPrimary {
			n++
		}
	}
	return n
}

// Replicas counts replica copies in the report.
func (r TranslogReport) Replicas() int {
	return len(r.Shards) - r.Primaries()
}

// AvgMB is the mean uncommitted translog size.
func (r TranslogReport) AvgMB() float64 {
	if len(r.Shards) == 0 {
		return 0
	}
	var total float64
	for _, s := range r.Shards {
		total += s.UncommittedMB()
	}
	return total / float64(len(r.Shards))
}

// TranslogMonitor lists shards whose translog does not flush.
type TranslogMonitor struct {
	insp  *cratedb.Inspector
	clock clockwork.Clock
	opts  TranslogOptions
}

// NewTranslogMonitor returns a monitor. A nil clock uses the real clock.
func NewTranslogMonitor(insp *cratedb.Inspector, clock clockwork.Clock, opts TranslogOptions) *TranslogMonitor {
	return &TranslogMonitor{insp: insp, clock: orRealClock(clock), opts: opts}
}

// Poll lists shards at or above the threshold, largest first.
func (m *TranslogMonitor) Poll(ctx context.Context) (TranslogReport, error) {
	schema, table := "", m.opts.Table
	if i := strings.Index(table, "."); i > 0 {
		schema, table = table[:i], table[i+1:]
	}
	shards, err := m.insp.LargeTranslogShards(ctx, cratedb.TranslogFilter{
		MinMB: m.opts.MinMB,
		Table: table,
		Node:  m.opts.Node,
		Limit: m.opts.Count,
	})
	if err != nil {
		return TranslogReport{}, err
	}
	if schema != "" {
		kept := shards[:0]
		for _, s := range shards {
			if s.SchemaName == schema {
				kept = append(kept, s)
			}
		}
		shards = kept
	}
	return TranslogReport{At: m.clock.Now(), Shards: shards}, nil
}

// Watch polls every Interval until ctx is cancelled.
func (m *TranslogMonitor) Watch(ctx context.Context, fn func(TranslogReport)) error {
	log := logging.FromContext(ctx)
	for {
		report, err := m.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Warn("large translog poll failed", "error", err)
		default:
			fn(report)
		}
		if !sleep(ctx, m.clock, m.opts.Interval) {
			return nil
		}
	}
}
