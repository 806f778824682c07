package maintenance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/maintenance"
	"github.com/cratedb/xmover/internal/model"
)

const mb = int64(1024 * 1024)

func translogShard(table, ident, values string, id int, node string, uncommittedMB int64) model.TranslogShard {
	return model.TranslogShard{
		ShardInfo: model.ShardInfo{
			SchemaName:      "doc",
			TableName:       table,
			PartitionIdent:  ident,
			PartitionValues: values,
			ShardID:         id,
			NodeName:        node,
			RoutingState:    model.RoutingStarted,
		},
		TranslogUncommitted: uncommittedMB * mb,
	}
}

func TestApplyAdaptiveThresholds(t *testing.T) {
	shards := []model.TranslogShard{
		translogShard("events", "", "", 0, "crate-1", 1200),
		translogShard("events", "", "", 1, "crate-2", 700),
		translogShard("logs", "04732", "(day=1)", 3, "crate-3", 600),
		translogShard("users", "", "", 0, "crate-2", 600),
	}
	tables := []*model.TranslogTable{
		model.NewTranslogTable("doc", "events", "", ""),
		model.NewTranslogTable("doc", "logs", "04732", "(day=1)"),
		model.NewTranslogTable("doc", "users", "", ""),
		model.NewTranslogTable("doc", "other", "", ""),
	}
	thresholds := map[string]int64{
		"doc.events":       1024 * mb,
		"doc.logs":         2048 * mb,
		"doc.logs.(day=1)": 256 * mb,
	}

	report := maintenance.ApplyAdaptiveThresholds(512, shards, tables, thresholds)

	require.Len(t, report.Shards, 3)
	assert.Equal(t, 0, report.Shards[0].ShardID)
	assert.InDelta(t, 1024.0, report.Shards[0].ConfigMB, 0.001)
	assert.InDelta(t, 1126.4, report.Shards[0].ThresholdMB, 0.001)

	// the partition setting wins over the table setting
	assert.InDelta(t, 256.0, report.Shards[1].ConfigMB, 0.001)
	assert.InDelta(t, 281.6, report.Shards[1].ThresholdMB, 0.001)

	// no configured value: sizeMB for both
	assert.InDelta(t, 512.0, report.Shards[2].ConfigMB, 0.001)
	assert.InDelta(t, 512.0, report.Shards[2].ThresholdMB, 0.001)

	require.Len(t, report.Tables, 3)
	assert.Equal(t, "doc.events", report.Tables[0].DisplayName())
	assert.Equal(t, 1, report.Tables[0].ProblematicReplicas)
	assert.InDelta(t, 1200.0, report.Tables[0].MaxTranslogMB, 0.001)
	assert.InDelta(t, 1126.4, report.Tables[0].AdaptiveThresholdMB, 0.001)
	assert.Equal(t, "doc.logs PARTITION (day=1)", report.Tables[1].DisplayName())
	assert.Equal(t, "doc.users", report.Tables[2].DisplayName())
	assert.Equal(t, "crate-2", report.Tables[2].Replicas[0].NodeName)

	groups := report.ThresholdGroups()
	require.Len(t, groups, 3)
	assert.Equal(t, "doc.events", groups[0].Key)
	assert.Equal(t, "doc.logs.(day=1)", groups[1].Key)
}

func TestApplyAdaptiveThresholds_NothingAboveThreshold(t *testing.T) {
	shards := []model.TranslogShard{translogShard("events", "", "", 0, "crate-1", 550)}
	tables := []*model.TranslogTable{model.NewTranslogTable("doc", "events", "", "")}
	thresholds := map[string]int64{"doc.events": model.DefaultFlushThresholdBytes}

	report := maintenance.ApplyAdaptiveThresholds(512, shards, tables, thresholds)
	assert.True(t, report.Empty())
	assert.Empty(t, report.Tables)
}

func TestAnalyze(t *testing.T) {
	fake := cratedbtest.NewFake().
		On("AS translog_uncommitted_bytes",
			cratedbtest.Row("doc", "events", nil, nil, 0, "crate-2", 700*mb)).
		On("AS problematic_replica_shards",
			cratedbtest.Row("doc", "events", nil, nil, 1, 700.0, 4, 4, 120.0, 118.0)).
		On("SELECT number_of_replicas", cratedbtest.Row("0-1")).
		On("FROM information_schema.tables",
			cratedbtest.Row("doc", "events", model.DefaultFlushThresholdBytes))

	report, err := maintenance.Analyze(context.Background(), cratedb.NewInspector(fake), 512)
	require.NoError(t, err)
	require.Len(t, report.Shards, 1)
	require.Len(t, report.Tables, 1)

	table := report.Tables[0]
	assert.Equal(t, model.ReplicaCount{Value: 0, Known: true}, table.CurrentReplicas)
	assert.InDelta(t, 563.2, table.AdaptiveThresholdMB, 0.001)
	assert.Equal(t, 4, table.TotalPrimaryShards)
	assert.Len(t, fake.Executed("information_schema.table_partitions"), 1)
}

func TestAnalyze_NoProblematicReplicas(t *testing.T) {
	fake := cratedbtest.NewFake()
	report, err := maintenance.Analyze(context.Background(), cratedb.NewInspector(fake), 512)
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Empty(t, fake.Executed("problematic_replica_shards"))
}
