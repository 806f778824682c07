package monitor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/model"
	"github.com/cratedb/xmover/internal/monitor"
)

func snap(schema, table string, id int, node string, primary bool, local int64, at time.Time) model.ShardSnapshot {
	return model.ShardSnapshot{
		ShardInfo:       model.ShardInfo{SchemaName: schema, TableName: table, ShardID: id, NodeName: node, IsPrimary: primary},
		LocalCheckpoint: local,
		TakenAt:         at,
	}
}

func TestCompareSnapshots(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * time.Second)
	first := []model.ShardSnapshot{
		snap("doc", "events", 0, "crate-1", true, 1000, t0),
		snap("doc", "events", 0, "crate-2", false, 1000, t0),
		snap("doc", "logs", 1, "crate-1", true, 50, t0),
	}
	second := []model.ShardSnapshot{
		snap("doc", "events", 0, "crate-1", true, 7000, t1),
		snap("doc", "events", 0, "crate-2", false, 2500, t1),
		snap("doc", "logs", 1, "crate-1", true, 60, t1),
		snap("doc", "metrics", 2, "crate-3", true, 90000, t1),
	}

	got := monitor.CompareSnapshots(first, second, 1000)
	require.Len(t, got, 2)
	assert.Equal(t, int64(6000), got[0].Delta)
	assert.True(t, got[0].Second.IsPrimary)
	assert.InDelta(t, 200.0, got[0].Rate(), 0.001)
	assert.Equal(t, int64(1500), got[1].Delta)
	assert.Equal(t, "crate-2", got[1].Second.NodeName)
}

func TestFilterSnapshots(t *testing.T) {
	now := time.Now()
	snaps := []model.ShardSnapshot{
		snap("doc", "events", 0, "crate-1", true, 0, now),
		snap("app", "events", 0, "crate-2", true, 0, now),
		snap("gc", "jobs_log", 0, "crate-1", true, 0, now),
		snap("doc", "audit_events", 0, "crate-1", true, 0, now),
	}

	assert.Len(t, monitor.FilterSnapshots(snaps, monitor.ActivityOptions{Table: "events"}), 2)
	assert.Len(t, monitor.FilterSnapshots(snaps, monitor.ActivityOptions{Table: "app.events"}), 1)
	assert.Len(t, monitor.FilterSnapshots(snaps, monitor.ActivityOptions{Node: "crate-1"}), 3)
	assert.Len(t, monitor.FilterSnapshots(snaps, monitor.ActivityOptions{ExcludeSystem: true}), 2)
}

func TestActivityMonitor_Observe(t *testing.T) {
	var round atomic.Int64
	fake := cratedbtest.NewFake().OnFunc("seq_no_stats['local_checkpoint']", func(string, []any) (*cratedb.Result, error) {
		if round.Add(1) == 1 {
			return result(
				cratedbtest.Row("doc", "events", 0, true, "crate-1", nil, 0, 1000, 900, 0),
				cratedbtest.Row("doc", "events", 0, false, "crate-2", nil, 0, 1000, 900, 0),
			), nil
		}
		return result(
			cratedbtest.Row("doc", "events", 0, true, "crate-1", nil, 0, 4000, 3900, 0),
			cratedbtest.Row("doc", "events", 0, false, "crate-2", nil, 0, 3000, 2900, 0),
		), nil
	})
	clock := clockwork.NewFakeClock()
	opts := monitor.DefaultActivityOptions()
	opts.Interval = 10 * time.Second
	opts.ShowReplicas = false
	m := monitor.NewActivityMonitor(cratedb.NewInspector(fake), clock, opts)

	ctx := context.Background()
	type outcome struct {
		report monitor.ActivityReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.Observe(ctx)
		done <- outcome{r, err}
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, 2, out.report.FirstCount)
	assert.Equal(t, 2, out.report.Overlap)
	require.Len(t, out.report.Activities, 1, "replicas are hidden")
	a := out.report.Activities[0]
	assert.Equal(t, int64(3000), a.Delta)
	assert.Equal(t, 10*time.Second, a.Elapsed)
	assert.InDelta(t, 300.0, a.Rate(), 0.001)
}

func TestActivityMonitor_EmptyFirstSnapshot(t *testing.T) {
	m := monitor.NewActivityMonitor(cratedb.NewInspector(cratedbtest.NewFake()), clockwork.NewFakeClock(), monitor.DefaultActivityOptions())
	report, err := m.Observe(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FirstCount)
	assert.Empty(t, report.Activities)
}
