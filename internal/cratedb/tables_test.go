package cratedb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/model"
)

func TestInspector_TableShardStats(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("WITH columns AS",
			cratedbtest.Row("doc", "events", "04732", 120.0, 30.0, 28.5, 31.5, 4, 4, 8, 1000000, 12, "day", "_id"),
			cratedbtest.Row("doc", "users", nil, 1.0, 0.5, 0.5, 0.5, 1, 1, 2, 100, 3, nil, "_id"),
		)

	stats, err := cratedb.NewInspector(fake).TableShardStats(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "doc.events[04732]", stats[0].Identifier())
	assert.InDelta(t, 31.5, stats[0].MaxShardSizeGB, 1e-9)
	assert.Equal(t, 8, stats[0].TotalShards)
	assert.Equal(t, int64(1000000), stats[0].TotalDocuments)
	assert.Equal(t, "day", stats[0].PartitionedBy)
	assert.Equal(t, "doc.users", stats[1].Identifier())
	assert.Empty(t, stats[1].PartitionedBy)

	calls := fake.Executed("WITH columns AS")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Stmt, "WHERE s.table_schema = ?")
	assert.Equal(t, []any{"doc"}, calls[0].Args)
}

func TestInspector_TableShardStatsAllSchemas(t *testing.T) {
	fake := cratedbtest.NewFake()
	_, err := cratedb.NewInspector(fake).TableShardStats(context.Background(), "")
	require.NoError(t, err)
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Stmt, "WHERE s.table_schema")
	assert.Empty(t, calls[0].Args)
}

func TestInspector_ClusterCapacity(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("FROM sys.nodes", cratedbtest.Row(3, 48, 384.0, 96.0)).
		On("FROM sys.cluster", cratedbtest.Row("40mb", 4, 1500)).
		On("AS total_shards", cratedbtest.Row(3000)).
		On("shard_count DESC", cratedbtest.Row("crate-1", 1100))

	c, err := cratedb.NewInspector(fake).ClusterCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ClusterCapacity{
		TotalNodes:            3,
		TotalCPUCores:         48,
		TotalMemoryGB:         384,
		TotalHeapGB:           96,
		MaxShardsPerNode:      1500,
		ActualMaxShardsOnNode: 1100,
		TotalShards:           3000,
	}, c)
}

func TestInspector_ClusterCapacityFallbacks(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("FROM sys.nodes", cratedbtest.Row(4, 16, 64.0, 16.0)).
		OnError("FROM sys.cluster", errors.New("permission denied")).
		On("AS total_shards", cratedbtest.Row(2000)).
		OnError("shard_count DESC", errors.New("timeout"))

	c, err := cratedb.NewInspector(fake).ClusterCapacity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000, c.MaxShardsPerNode)
	assert.Equal(t, 500, c.ActualMaxShardsOnNode)
}

func TestInspector_ClusterCapacityFailsWithoutNodes(t *testing.T) {
	fake := cratedbtest.NewFake().OnError("FROM sys.nodes", errors.New("boom"))
	_, err := cratedb.NewInspector(fake).ClusterCapacity(context.Background())
	assert.ErrorContains(t, err, "failed to read node resources")
}

func TestInspector_ProblematicReplicas(t *testing.T) {
	fake := cratedbtest.NewFake().
		On(`s."primary" = FALSE`,
			cratedbtest.Row("doc", "events", "04732", "(day=1)", 2, "crate-2", 900*1024*1024),
		)

	shards, err := cratedb.NewInspector(fake).ProblematicReplicas(context.Background(), 512)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, "crate-2", shards[0].NodeName)
	assert.Equal(t, 2, shards[0].ShardID)
	assert.InDelta(t, 900.0, shards[0].UncommittedMB(), 1e-9)
	assert.Equal(t, []any{512.0}, fake.Calls()[0].Args)
}

func TestInspector_TranslogSummaries(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("problematic_replica_shards",
			cratedbtest.Row("doc", "events", "04732", "(day=1)", 2, 812.5, 6, 6, 120.0, 119.0),
			cratedbtest.Row("doc", "users", nil, nil, 1, 600.0, 3, 3, 1.0, 1.0),
		)

	tables, err := cratedb.NewInspector(fake).TranslogSummaries(context.Background(), 512)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	ev := tables[0]
	assert.True(t, ev.IsPartitioned())
	assert.Equal(t, 2, ev.ProblematicReplicas)
	assert.InDelta(t, 812.5, ev.MaxTranslogMB, 1e-9)
	assert.Equal(t, 6, ev.TotalPrimaryShards)
	assert.InDelta(t, 119.0, ev.TotalReplicaSizeGB, 1e-9)
	assert.False(t, tables[1].IsPartitioned())

	assert.Equal(t, []any{512.0, 512.0, 512.0}, fake.Calls()[0].Args)
}

func TestInspector_FlushThresholds(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("information_schema.table_partitions",
			cratedbtest.Row("doc", "events", "(day=1)", 1073741824),
		).
		On("information_schema.tables",
			cratedbtest.Row("doc", "events", 536870912),
			cratedbtest.Row("doc", "users", 268435456),
		)

	got, err := cratedb.NewInspector(fake).FlushThresholds(context.Background(), []cratedb.TableRef{
		{Schema: "doc", Table: "events"},
		{Schema: "doc", Table: "users"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		model.PartitionKey("doc", "events", ""):        536870912,
		model.PartitionKey("doc", "users", ""):         268435456,
		model.PartitionKey("doc", "events", "(day=1)"): 1073741824,
	}, got)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Stmt, "(table_schema = ? AND table_name = ?) OR (table_schema = ? AND table_name = ?)")
	assert.Equal(t, []any{model.DefaultFlushThresholdBytes, "doc", "events", "doc", "users"}, calls[0].Args)

	empty, err := cratedb.NewInspector(cratedbtest.NewFake()).FlushThresholds(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParseReplicaCount(t *testing.T) {
	tests := []struct {
		in   string
		want model.ReplicaCount
	}{
		{"1", model.ReplicaCount{Value: 1, Known: true}},
		{" 2 ", model.ReplicaCount{Value: 2, Known: true}},
		{"0-1", model.ReplicaCount{Value: 0, Known: true}},
		{"0-all", model.ReplicaCount{Value: 0, Known: true}},
		{"", model.ReplicaCount{}},
		{"many", model.ReplicaCount{}},
		{"-1", model.ReplicaCount{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, cratedb.ParseReplicaCount(tt.in))
		})
	}
}

func TestInspector_ReplicaCount(t *testing.T) {
	ctx := context.Background()

	fake := cratedbtest.NewFake().
		On("information_schema.table_partitions", cratedbtest.Row("0-1")).
		On("information_schema.tables", cratedbtest.Row("2"))
	insp := cratedb.NewInspector(fake)

	assert.Equal(t, model.ReplicaCount{Value: 2, Known: true}, insp.ReplicaCount(ctx, "doc", "users", ""))
	assert.Equal(t, model.ReplicaCount{Value: 2, Known: true}, insp.ReplicaCount(ctx, "doc", "users", "NULL"))
	assert.Equal(t, model.ReplicaCount{Value: 0, Known: true}, insp.ReplicaCount(ctx, "doc", "events", "04732"))
	assert.Equal(t, []any{"doc", "events", "04732"}, fake.Executed("table_partitions")[0].Args)

	nullRow := cratedb.NewInspector(cratedbtest.NewFake().On("number_of_replicas", cratedbtest.Row(nil)))
	assert.False(t, nullRow.ReplicaCount(ctx, "doc", "t", "").Known)

	failing := cratedb.NewInspector(cratedbtest.NewFake().OnError("number_of_replicas", errors.New("boom")))
	rc := failing.ReplicaCount(ctx, "doc", "t", "")
	assert.False(t, rc.Known)
	assert.Equal(t, "unknown", rc.String())
}

func TestRetentionLeaseSQL(t *testing.T) {
	stmt, args := cratedb.RetentionLeaseSQL("doc", "events", "")
	assert.NotContains(t, stmt, "partition_ident")
	assert.Equal(t, []any{"events", "doc"}, args)

	stmt, args = cratedb.RetentionLeaseSQL("doc", "events", "04732")
	assert.Contains(t, stmt, "AND partition_ident = ?")
	assert.Equal(t, []any{"events", "doc", "04732"}, args)
}

func TestInspector_MaxRetentionLeases(t *testing.T) {
	ctx := context.Background()
	fake := cratedbtest.NewFake().On("retention_leases",
		cratedbtest.Row(1, 0),
		cratedbtest.Row(3, 1),
		cratedbtest.Row(nil, 2),
	)
	n, err := cratedb.NewInspector(fake).MaxRetentionLeases(ctx, "doc", "events", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	failing := cratedbtest.NewFake().OnError("retention_leases", errors.New("boom"))
	n, err = cratedb.NewInspector(failing).MaxRetentionLeases(ctx, "doc", "events", "")
	assert.Error(t, err)
	assert.Equal(t, -1, n)
}

func TestInspector_ShardAvailability(t *testing.T) {
	fake := cratedbtest.NewFake().On("started_copies",
		cratedbtest.Row("doc", "events", nil, nil, 0, 2, 2),
		cratedbtest.Row("doc", "events", nil, nil, 1, 0, 2),
	)
	got, err := cratedb.NewInspector(fake).ShardAvailability(context.Background(), "doc", "events")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[1].Started)
	assert.Equal(t, 2, got[1].Total)

	call := fake.Calls()[0]
	assert.Contains(t, call.Stmt, "AND s.schema_name = ? AND s.table_name = ?")
	assert.Equal(t, []any{"doc", "events"}, call.Args)
}

func TestInspector_CountRows(t *testing.T) {
	fake := cratedbtest.NewFake().On(`SELECT COUNT(*) FROM "doc"."events"`, cratedbtest.Row(42))
	n, err := cratedb.NewInspector(fake).CountRows(context.Background(), "doc", "events")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = cratedb.NewInspector(fake).CountRows(context.Background(), "doc", `ev"ents`)
	assert.ErrorContains(t, err, "invalid identifier")
}
