package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeInfo_Percentages(t *testing.T) {
	n := NodeInfo{HeapUsed: 512, HeapMax: 1024, FSTotal: 1000, FSUsed: 250, FSAvailable: 2 * bytesPerGB}
	assert.InDelta(t, 50.0, n.HeapUsagePercent(), 0.001)
	assert.InDelta(t, 25.0, n.DiskUsagePercent(), 0.001)
	assert.InDelta(t, 2.0, n.AvailableSpaceGB(), 0.001)

	zero := NodeInfo{}
	assert.Equal(t, 0.0, zero.HeapUsagePercent())
	assert.Equal(t, 0.0, zero.DiskUsagePercent())
}

func TestShardInfo_Identifiers(t *testing.T) {
	tests := []struct {
		name     string
		shard    ShardInfo
		full     string
		uniqueID string
	}{
		{
			name:     "doc schema is omitted",
			shard:    ShardInfo{SchemaName: "doc", TableName: "events", ShardID: 3, IsPrimary: true},
			full:     "events",
			uniqueID: "events:shard_3:P",
		},
		{
			name:     "custom schema with partition values",
			shard:    ShardInfo{SchemaName: "metrics", TableName: "cpu", ShardID: 0, PartitionIdent: "04732cpp6o", PartitionValues: "(day=1700000000000)"},
			full:     "metrics.cpu[(day=1700000000000)]",
			uniqueID: "metrics.cpu[(day=1700000000000)]:shard_0:R",
		},
		{
			name:     "partition ident fallback",
			shard:    ShardInfo{SchemaName: "metrics", TableName: "cpu", ShardID: 1, PartitionIdent: "04732cpp6o"},
			full:     "metrics.cpu[04732cpp6o]",
			uniqueID: "metrics.cpu[04732cpp6o]:shard_1:R",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.full, tt.shard.FullTableIdentifier())
			assert.Equal(t, tt.uniqueID, tt.shard.UniqueShardKey())
		})
	}
}

func TestShardInfo_ShardType(t *testing.T) {
	assert.Equal(t, ShardTypePrimary, ShardInfo{IsPrimary: true}.ShardType())
	assert.Equal(t, ShardTypeReplica, ShardInfo{}.ShardType())
}

func TestRecoveryInfo_Progress(t *testing.T) {
	r := RecoveryInfo{FilesPercent: 40, BytesPercent: 55, MaxSeqNo: 50, PrimaryMaxSeqNo: 200}
	assert.Equal(t, 55.0, r.OverallProgress())
	assert.InDelta(t, 25.0, r.SeqNoProgress(), 0.001)
	assert.False(t, r.IsCompleted())

	r.PrimaryMaxSeqNo = 0
	assert.Equal(t, 100.0, r.SeqNoProgress())

	r.MaxSeqNo, r.PrimaryMaxSeqNo = 300, 200
	assert.Equal(t, 100.0, r.SeqNoProgress())

	done := RecoveryInfo{Stage: "DONE", FilesPercent: 100, BytesPercent: 100}
	assert.True(t, done.IsCompleted())
}

func TestClusterHealth_Status(t *testing.T) {
	assert.Equal(t, "GREEN", ClusterHealth{Green: 4}.Status())
	assert.Equal(t, "YELLOW", ClusterHealth{Green: 3, Yellow: 1}.Status())
	assert.Equal(t, "RED", ClusterHealth{Yellow: 1, Red: 1}.Status())
}

func TestTranslogTable_DisplayAndKey(t *testing.T) {
	tbl := NewTranslogTable("doc", "events", "", "")
	assert.Equal(t, "doc.events", tbl.DisplayName())
	assert.Equal(t, "doc.events", tbl.Key())
	assert.Equal(t, 1, tbl.TotalPrimaryShards)
	assert.InDelta(t, 563.2, tbl.AdaptiveThresholdMB, 0.001)

	part := NewTranslogTable("doc", "events", "04732", "(day=1)")
	assert.Equal(t, "doc.events PARTITION (day=1)", part.DisplayName())
	assert.Equal(t, "doc.events.(day=1)", part.Key())

	nullPart := NewTranslogTable("doc", "events", "", "NULL")
	assert.False(t, nullPart.IsPartitioned())
	assert.Equal(t, "doc.events", nullPart.Key())
}

func TestReplicaCount_String(t *testing.T) {
	assert.Equal(t, "unknown", ReplicaCount{}.String())
	assert.Equal(t, "2", ReplicaCount{Value: 2, Known: true}.String())
}
