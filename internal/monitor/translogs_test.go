package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/monitor"
)

const mb = 1024 * 1024

func translogCluster() *cratedbtest.Fake {
	return cratedbtest.NewFake().On("AS translog_uncommitted_bytes",
		cratedbtest.Row("doc", "events", "", nil, 0, true, "crate-1", 1200*mb, 1300*mb, 5*gb),
		cratedbtest.Row("app", "events", "", nil, 1, false, "crate-2", 800*mb, 900*mb, 5*gb),
	)
}

func TestTranslogMonitor_Poll(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	fake := translogCluster()
	m := monitor.NewTranslogMonitor(cratedb.NewInspector(fake), clock, monitor.DefaultTranslogOptions())

	report, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Shards, 2)
	assert.Equal(t, clock.Now(), report.At)
	assert.Equal(t, 1, report.Primaries())
	assert.Equal(t, 1, report.Replicas())
	assert.InDelta(t, 1000.0, report.AvgMB(), 0.001)

	calls := fake.Executed("AS translog_uncommitted_bytes")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{int64(500 * mb), 50}, calls[0].Args)
}

func TestTranslogMonitor_SchemaQualifiedTable(t *testing.T) {
	fake := translogCluster()
	opts := monitor.DefaultTranslogOptions()
	opts.Table = "app.events"
	m := monitor.NewTranslogMonitor(cratedb.NewInspector(fake), clockwork.NewFakeClock(), opts)

	report, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Shards, 1)
	assert.Equal(t, "app", report.Shards[0].SchemaName)

	calls := fake.Executed("AS translog_uncommitted_bytes")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "events")
}

func TestTranslogOptions_ThresholdLabel(t *testing.T) {
	assert.Equal(t, "500MB", monitor.TranslogOptions{MinMB: 500}.ThresholdLabel())
	assert.Equal(t, "1.5GB", monitor.TranslogOptions{MinMB: 1500}.ThresholdLabel())
}

func TestTranslogMonitor_WatchStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	opts := monitor.DefaultTranslogOptions()
	opts.Interval = time.Minute
	m := monitor.NewTranslogMonitor(cratedb.NewInspector(translogCluster()), clock, opts)

	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan monitor.TranslogReport, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.Watch(ctx, func(r monitor.TranslogReport) { reports <- r })
	}()

	<-reports
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	<-reports
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()
	assert.NoError(t, <-done)
}
