package model

import (
	"fmt"
	"strings"
)

// Adaptive threshold defaults: CrateDB's translog.flush_threshold_size is
// 512MB, and a replica is flagged at 110% of it.
const (
	DefaultFlushThresholdBytes = 536870912
	DefaultFlushThresholdMB    = 512.0
	AdaptiveThresholdFactor    = 1.1
	DefaultAdaptiveThresholdMB = DefaultFlushThresholdMB * AdaptiveThresholdFactor
	FallbackAdaptiveMB         = 563.0
)

// ReplicaCount is a table's number_of_replicas; Known is false when the
// setting could not be read.
type ReplicaCount struct {
	Value int
	Known bool
}

// String renders the count or "unknown".
func (r ReplicaCount) String() string {
	if !r.Known {
		return "unknown"
	}
	return fmt.Sprintf("%d", r.Value)
}

// ProblematicReplica is a replica shard with an oversized uncommitted translog.
type ProblematicReplica struct {
	ShardID       int     `json:"shard_id"`
	NodeName      string  `json:"node_name"`
	TranslogMB    float64 `json:"translog_mb"`
	ThresholdMB   float64 `json:"threshold_mb"`
	ConfigFlushMB float64 `json:"config_flush_mb"`
}

// TranslogTable aggregates problematic replicas per table or partition.
type TranslogTable struct {
	SchemaName             string               `json:"schema_name"`
	TableName              string               `json:"table_name"`
	PartitionIdent         string               `json:"partition_ident,omitempty"`
	PartitionValues        string               `json:"partition_values,omitempty"`
	Replicas               []ProblematicReplica `json:"replicas"`
	CurrentReplicas        ReplicaCount         `json:"-"`
	ProblematicReplicas    int                  `json:"problematic_replica_shards"`
	MaxTranslogMB          float64              `json:"max_translog_mb"`
	TotalPrimaryShards     int                  `json:"total_primary_shards"`
	TotalReplicaShards     int                  `json:"total_replica_shards"`
	TotalPrimarySizeGB     float64              `json:"total_primary_size_gb"`
	TotalReplicaSizeGB     float64              `json:"total_replica_size_gb"`
	AdaptiveThresholdMB    float64              `json:"adaptive_threshold_mb"`
	FlushThresholdConfigMB float64              `json:"flush_threshold_config_mb"`
}

// NewTranslogTable returns a table with the documented defaults applied.
func NewTranslogTable(schema, table, partitionIdent, partitionValues string) *TranslogTable {
	return &TranslogTable{
		SchemaName:             schema,
		TableName:              table,
		PartitionIdent:         partitionIdent,
		PartitionValues:        partitionValues,
		TotalPrimaryShards:     1,
		AdaptiveThresholdMB:    DefaultAdaptiveThresholdMB,
		FlushThresholdConfigMB: DefaultFlushThresholdMB,
	}
}

// IsPartitioned reports whether the entry is a single partition.
func (t *TranslogTable) IsPartitioned() bool {
	return t.PartitionValues != "" && t.PartitionValues != "NULL"
}

// DisplayName renders schema.table with an optional PARTITION clause.
func (t *TranslogTable) DisplayName() string {
	name := t.SchemaName + "." + t.TableName
	if t.IsPartitioned() {
		name += " PARTITION " + t.PartitionValues
	}
	return name
}

// Key identifies the table or partition; used for adaptive threshold lookups.
func (t *TranslogTable) Key() string {
	return PartitionKey(t.SchemaName, t.TableName, t.PartitionValues)
}

// PartitionKey builds the schema.table.partition_values lookup key.
func PartitionKey(schema, table, partitionValues string) string {
	if partitionValues == "" || strings.EqualFold(partitionValues, "NULL") {
		return schema + "." + table
	}
	return schema + "." + table + "." + partitionValues
}
