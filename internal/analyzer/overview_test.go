package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/model"
)

func TestOverview(t *testing.T) {
	a := skewedCluster()
	o := a.Overview()

	assert.Equal(t, 4, o.Nodes)
	assert.Equal(t, 3, o.Zones)
	assert.Equal(t, 8, o.TotalShards)
	assert.Equal(t, 4, o.PrimaryShards)
	assert.Equal(t, 4, o.ReplicaShards)
	assert.InDelta(t, 86.0, o.TotalSizeGB, 0.001)
	assert.Equal(t, 5, o.ZoneDistribution["a"])

	require.Len(t, o.NodeHealth, 4)
	a2 := o.NodeHealth[1]
	assert.Equal(t, "a2", a2.Name)
	assert.Equal(t, 3, a2.Shards)
	assert.InDelta(t, 33.0, a2.SizeGB, 0.001)
	assert.InDelta(t, 30.0, a2.DiskUsagePercent, 0.001)
	assert.InDelta(t, 50.0, a2.HeapUsagePercent, 0.001)
	assert.InDelta(t, 550.0, a2.Remaining.ToLowGB, 0.001)
}

func TestShardSizeOverview(t *testing.T) {
	a := New(nil, []model.ShardInfo{
		shard("t", 0, true, "n1", "a", 0.2),
		shard("t", 1, true, "n1", "a", 0.5),
		shard("t", 2, true, "n1", "a", 60),
	}, model.DefaultWatermarkConfig())

	o := a.ShardSizeOverview()
	assert.Equal(t, 3, o.TotalShards)
	assert.Equal(t, 1, o.LargeShards)
	assert.Equal(t, 2, o.Bucket(BucketTiny).Count)
	assert.InDelta(t, 0.35, o.Bucket(BucketTiny).AvgSizeGB(), 1e-9)
	assert.InDelta(t, 60.0, o.Bucket(BucketHuge).MaxSizeGB, 1e-9)
	assert.Zero(t, o.Bucket(BucketMedium).Count)

	require.Len(t, o.Warnings, 2)
	assert.Equal(t, SeverityCritical, o.Warnings[0].Severity)
	assert.Contains(t, o.Warnings[0].Message, "1 large shards")
	assert.Equal(t, SeverityWarning, o.Warnings[1].Severity)
	assert.Contains(t, o.Warnings[1].Message, "66.7% of shards are very small")
}

func TestShardSizeOverview_Healthy(t *testing.T) {
	o := skewedCluster().ShardSizeOverview()
	assert.Empty(t, o.Warnings)
	assert.Equal(t, 4, o.Bucket(BucketLarge).Count)
	assert.Equal(t, 4, o.Bucket(BucketMedium).Count)
}

func partitioned(table, values string, sizeGB float64, primary bool) model.ShardInfo {
	s := shard(table, 0, primary, "n1", "a", sizeGB)
	s.PartitionIdent = "ident-" + values
	s.PartitionValues = values
	return s
}

func TestTableSizeBreakdown(t *testing.T) {
	a := New(nil, []model.ShardInfo{
		shard("big", 0, true, "n1", "a", 70),
		shard("big", 0, false, "n2", "a", 70),
		partitioned("metrics", "(day=1)", 2, true),
		partitioned("metrics", "(day=2)", 0.01, true),
		partitioned("metrics", "NULL", 3, true),
	}, model.DefaultWatermarkConfig())

	largest := a.TableSizeBreakdown(Largest, 2)
	require.Len(t, largest, 2)
	assert.Equal(t, "big", largest[0].Name())
	assert.Equal(t, NoPartition, largest[0].Partition)
	assert.Equal(t, 2, largest[0].Shards())
	assert.InDelta(t, 70.0, largest[0].AvgSizeGB(), 1e-9)
	assert.Equal(t, NoPartition, largest[1].Partition, "NULL partition values count as unpartitioned")

	smallest, skipped := a.SmallestNonZero(1)
	assert.Equal(t, 1, skipped)
	require.Len(t, smallest, 1)
	assert.Equal(t, "(day=1)", smallest[0].Partition)

	groups := a.LargeShardGroups()
	require.Len(t, groups, 1)
	assert.InDelta(t, 140.0, groups[0].TotalSizeGB, 1e-9)

	tiny := a.SmallestShardGroups(1)
	require.Len(t, tiny, 1)
	assert.Equal(t, "(day=2)", tiny[0].Partition)
}

func TestSchemaBreakdown(t *testing.T) {
	other := shard("cpu", 0, true, "n1", "a", 1)
	other.SchemaName = "Metrics"
	a := New(nil, []model.ShardInfo{
		shard("big", 0, true, "n1", "a", 1),
		partitioned("events", "(day=1)", 1, true),
		partitioned("events", "(day=2)", 1, true),
		other,
	}, model.DefaultWatermarkConfig())

	got := a.SchemaBreakdown()
	require.Len(t, got, 2)
	assert.Equal(t, SchemaStats{Schema: "doc", Tables: 1, PartitionedTables: 1, Partitions: 2}, got[0])
	assert.Equal(t, SchemaStats{Schema: "Metrics", Tables: 1}, got[1])
}
