package monitor

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

// ActivityOptions configures active-shards observation.
type ActivityOptions struct {
	Count              int
	Interval           time.Duration
	MinCheckpointDelta int64
	Table              string
	Node               string
	ExcludeSystem      bool
	MinRate            float64
	ShowReplicas       bool
}

// DefaultActivityOptions mirrors the active-shards flag defaults.
func DefaultActivityOptions() ActivityOptions {
	return ActivityOptions{
		Count:              10,
		Interval:           30 * time.Second,
		MinCheckpointDelta: 1000,
		ShowReplicas:       true,
	}
}

// ShardActivity is the checkpoint progress of one shard copy between two
// snapshots.
type ShardActivity struct {
	First   model.ShardSnapshot
	Second  model.ShardSnapshot
	Delta   int64
	Elapsed time.Duration
}

// Rate is checkpoint progress per second.
func (a ShardActivity) Rate() float64 {
	if a.Elapsed <= 0 {
		return 0
	}
	return float64(a.Delta) / a.Elapsed.Seconds()
}

// SnapshotKey identifies a shard copy across snapshots.
func SnapshotKey(s model.ShardSnapshot) string {
	kind := "R"
	if s.IsPrimary {
		kind = "P"
	}
	key := s.SchemaName + "." + s.TableName + ":" + strconv.Itoa(s.ShardID) + ":" + s.NodeName + ":" + kind
	if s.PartitionIdent != "" {
		key += ":" + s.PartitionIdent
	}
	return key
}

func isSystemShard(s model.ShardSnapshot) bool {
	switch {
	case s.SchemaName == "gc", strings.HasPrefix(s.SchemaName, "gc."):
		return true
	case s.SchemaName == "sys", s.SchemaName == "information_schema", s.SchemaName == "pg_catalog":
		return true
	case strings.HasSuffix(s.TableName, "_events"), strings.HasSuffix(s.TableName, "_log"):
		return true
	}
	return false
}

// FilterSnapshots applies the table, node and system-table filters. The
// table filter matches either the bare name or schema.table.
func FilterSnapshots(snaps []model.ShardSnapshot, opts ActivityOptions) []model.ShardSnapshot {
	out := snaps[:0:0]
	for _, s := range snaps {
		if opts.Table != "" && s.TableName != opts.Table && s.SchemaName+"."+s.TableName != opts.Table {
			continue
		}
		if opts.Node != "" && s.NodeName != opts.Node {
			continue
		}
		if opts.ExcludeSystem && isSystemShard(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// CompareSnapshots returns shard copies present in both snapshots whose
// local checkpoint advanced by at least minDelta, most active first.
func CompareSnapshots(first, second []model.ShardSnapshot, minDelta int64) []ShardActivity {
	before := make(map[string]model.ShardSnapshot, len(first))
	for _, s := range first {
		before[SnapshotKey(s)] = s
	}
	var out []ShardActivity
	for _, s := range second {
		prev, ok := before[SnapshotKey(s)]
		if !ok {
			continue
		}
		delta := s.LocalCheckpoint - prev.LocalCheckpoint
		if delta < minDelta {
			continue
		}
		out = append(out, ShardActivity{First: prev, Second: s, Delta: delta, Elapsed: s.TakenAt.Sub(prev.TakenAt)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Delta > out[j].Delta })
	return out
}

// ActivityReport is the result of one observation window.
type ActivityReport struct {
	FirstCount  int
	SecondCount int
	Overlap     int
	// Matched counts activities after the rate and replica filters, before
	// the Count limit.
	Matched    int
	Activities []ShardActivity
}

// ActivityMonitor finds the shards receiving the most writes.
type ActivityMonitor struct {
	insp  *cratedb.Inspector
	clock clockwork.Clock
	opts  ActivityOptions
}

// NewActivityMonitor returns a monitor. A nil clock uses the real clock.
func NewActivityMonitor(insp *cratedb.Inspector, clock clockwork.Clock, opts ActivityOptions) *ActivityMonitor {
	return &ActivityMonitor{insp: insp, clock: orRealClock(clock), opts: opts}
}

func (m *ActivityMonitor) snapshot(ctx context.Context) ([]model.ShardSnapshot, error) {
	snaps, err := m.insp.ShardSnapshots(ctx, m.clock.Now())
	if err != nil {
		return nil, err
	}
	return FilterSnapshots(snaps, m.opts), nil
}

// Observe takes two snapshots Interval apart and ranks shard activity.
// An empty first snapshot ends the observation early.
func (m *ActivityMonitor) Observe(ctx context.Context) (ActivityReport, error) {
	var report ActivityReport
	first, err := m.snapshot(ctx)
	if err != nil {
		return report, err
	}
	report.FirstCount = len(first)
	if len(first) == 0 {
		return report, nil
	}
	if !sleep(ctx, m.clock, m.opts.Interval) {
		return report, ctx.Err()
	}
	second, err := m.snapshot(ctx)
	if err != nil {
		return report, err
	}
	report.SecondCount = len(second)
	report.Overlap = overlap(first, second)

	for _, a := range CompareSnapshots(first, second, m.opts.MinCheckpointDelta) {
		if !m.opts.ShowReplicas && !a.Second.IsPrimary {
			continue
		}
		if m.opts.MinRate > 0 && a.Rate() < m.opts.MinRate {
			continue
		}
		report.Activities = append(report.Activities, a)
	}
	report.Matched = len(report.Activities)
	if m.opts.Count > 0 && len(report.Activities) > m.opts.Count {
		report.Activities = report.Activities[:m.opts.Count]
	}
	return report, nil
}

func overlap(first, second []model.ShardSnapshot) int {
	keys := make(map[string]struct{}, len(first))
	for _, s := range first {
		keys[SnapshotKey(s)] = struct{}{}
	}
	n := 0
	for _, s := range second {
		if _, ok := keys[SnapshotKey(s)]; ok {
			n++
		}
	}
	return n
}

// Watch repeats Observe, pausing Interval between windows, until ctx is
// cancelled.
func (m *ActivityMonitor) Watch(ctx context.Context, fn func(ActivityReport)) error {
	log := logging.FromContext(ctx)
	for {
		report, err := m.Observe(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Warn("active shard observation failed", "error", err)
		default:
			fn(report)
		}
		if !sleep(ctx, m.clock, m.opts.Interval) {
			return nil
		}
	}
}
