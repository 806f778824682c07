// Package model defines the CrateDB row shapes xmover works with.
// All values are read-only snapshots of system tables; CrateDB owns the state.
package model

import (
	"fmt"
	"time"
)

const bytesPerGB = 1024 * 1024 * 1024

// ShardType is the role of a shard copy.
type ShardType string

const (
	ShardTypePrimary ShardType = "PRIMARY"
	ShardTypeReplica ShardType = "REPLICA"
)

// RoutingState mirrors sys.shards.routing_state.
type RoutingState string

const (
	RoutingStarted      RoutingState = "STARTED"
	RoutingInitializing RoutingState = "INITIALIZING"
	RoutingRelocating   RoutingState = "RELOCATING"
	RoutingUnassigned   RoutingState = "UNASSIGNED"
)

// UnknownZone is reported for nodes without a zone attribute.
const UnknownZone = "unknown"

// NodeInfo is one row of sys.nodes with the fields xmover needs.
type NodeInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Zone        string `json:"zone"`
	HeapUsed    int64  `json:"heap_used"`
	HeapMax     int64  `json:"heap_max"`
	FSTotal     int64  `json:"fs_total"`
	FSUsed      int64  `json:"fs_used"`
	FSAvailable int64  `json:"fs_available"`
	IsMaster    bool   `json:"is_master,omitempty"`
}

// HeapUsagePercent returns heap usage, or 0 when heap_max is unknown.
func (n NodeInfo) HeapUsagePercent() float64 {
	if n.HeapMax <= 0 {
		return 0
	}
	return float64(n.HeapUsed) / float64(n.HeapMax) * 100
}

// DiskUsagePercent returns filesystem usage, or 0 when fs_total is unknown.
func (n NodeInfo) DiskUsagePercent() float64 {
	if n.FSTotal <= 0 {
		return 0
	}
	return float64(n.FSUsed) / float64(n.FSTotal) * 100
}

// AvailableSpaceGB returns free filesystem space in GiB.
func (n NodeInfo) AvailableSpaceGB() float64 {
	return float64(n.FSAvailable) / bytesPerGB
}

// ShardInfo is one shard copy joined with its node and partition.
type ShardInfo struct {
	TableName       string       `json:"table_name"`
	SchemaName      string       `json:"schema_name"`
	ShardID         int          `json:"shard_id"`
	NodeID          string       `json:"node_id"`
	NodeName        string       `json:"node_name"`
	Zone            string       `json:"zone"`
	IsPrimary       bool         `json:"is_primary"`
	SizeBytes       int64        `json:"size_bytes"`
	SizeGB          float64      `json:"size_gb"`
	NumDocs         int64        `json:"num_docs"`
	State           string       `json:"state"`
	RoutingState    RoutingState `json:"routing_state"`
	PartitionIdent  string       `json:"partition_ident,omitempty"`
	PartitionValues string       `json:"partition_values,omitempty"`
}

// ShardType returns PRIMARY or REPLICA.
func (s ShardInfo) ShardType() ShardType {
	if s.IsPrimary {
		return ShardTypePrimary
	}
	return ShardTypeReplica
}

// TableIdentifier is schema.table, or just table for the doc schema.
func (s ShardInfo) TableIdentifier() string {
	return TableIdentifier(s.SchemaName, s.TableName)
}

// PartitionLabel prefers the human readable partition values over the ident.
func (s ShardInfo) PartitionLabel() string {
	if s.PartitionValues != "" {
		return s.PartitionValues
	}
	return s.PartitionIdent
}

// FullTableIdentifier includes the partition in brackets when present.
func (s ShardInfo) FullTableIdentifier() string {
	base := s.TableIdentifier()
	if p := s.PartitionLabel(); p != "" {
		return fmt.Sprintf("%s[%s]", base, p)
	}
	return base
}

// UniqueShardKey identifies one shard copy across snapshots.
func (s ShardInfo) UniqueShardKey() string {
	role := "R"
	if s.IsPrimary {
		role = "P"
	}
	return fmt.Sprintf("%s:shard_%d:%s", s.FullTableIdentifier(), s.ShardID, role)
}

// CopyKey identifies the logical shard regardless of which copy this is.
func (s ShardInfo) CopyKey() string {
	return fmt.Sprintf("%s.%s[%s]#%d", s.SchemaName, s.TableName, s.PartitionIdent, s.ShardID)
}

// TableIdentifier renders schema.table, omitting the default doc schema.
func TableIdentifier(schema, table string) string {
	if schema == "" || schema == "doc" {
		return table
	}
	return schema + "." + table
}

// WatermarkConfig holds the cluster disk allocation watermarks as reported
// by sys.cluster. Values are raw settings, e.g. "85%" or "0.85".
type WatermarkConfig struct {
	Low                     string `json:"low"`
	High                    string `json:"high"`
	FloodStage              string `json:"flood_stage"`
	EnableForSingleDataNode string `json:"enable_for_single_data_node,omitempty"`
	ThresholdEnabled        bool   `json:"threshold_enabled"`
}

// DefaultWatermarkConfig mirrors the CrateDB defaults.
func DefaultWatermarkConfig() WatermarkConfig {
	return WatermarkConfig{Low: "85%", High: "90%", FloodStage: "95%", ThresholdEnabled: true}
}

// IsZero reports whether no watermark was configured at all.
func (w WatermarkConfig) IsZero() bool {
	return w.Low == "" && w.High == "" && w.FloodStage == ""
}

// RecoverySettings holds the cluster settings that bound recovery throughput.
type RecoverySettings struct {
	MaxBytesPerSec           int64 `json:"max_bytes_per_sec"`
	NodeConcurrentRecoveries int   `json:"node_concurrent_recoveries"`
	MaxShardsPerNode         int   `json:"max_shards_per_node"`
}

// DefaultRecoverySettings mirrors the CrateDB defaults.
func DefaultRecoverySettings() RecoverySettings {
	return RecoverySettings{
		MaxBytesPerSec:           20 * 1024 * 1024,
		NodeConcurrentRecoveries: 2,
		MaxShardsPerNode:         1000,
	}
}

// ClusterHealth aggregates sys.health.
type ClusterHealth struct {
	Overall               string `json:"overall,omitempty"`
	Green                 int    `json:"green"`
	Yellow                int    `json:"yellow"`
	Red                   int    `json:"red"`
	MissingShards         int64  `json:"missing_shards"`
	UnderreplicatedShards int64  `json:"underreplicated_shards"`
	TotalTables           int    `json:"total_tables"`
	TotalPartitions       int    `json:"total_partitions"`
}

// Status returns the worst health present. The reported overall health
// wins when CrateDB returned one.
func (h ClusterHealth) Status() string {
	if h.Overall != "" {
		return h.Overall
	}
	switch {
	case h.Red > 0:
		return "RED"
	case h.Yellow > 0:
		return "YELLOW"
	default:
		return "GREEN"
	}
}

// ZoneSummary counts shard copies in one zone.
type ZoneSummary struct {
	Primary     int     `json:"primary"`
	Replica     int     `json:"replica"`
	TotalSizeGB float64 `json:"total_size_gb"`
}

// Total returns primaries plus replicas.
func (z ZoneSummary) Total() int { return z.Primary + z.Replica }

// NodeSummary counts shard copies on one node.
type NodeSummary struct {
	Zone        string  `json:"zone"`
	Primary     int     `json:"primary"`
	Replica     int     `json:"replica"`
	TotalSizeGB float64 `json:"total_size_gb"`
}

// Total returns primaries plus replicas.
func (n NodeSummary) Total() int { return n.Primary + n.Replica }

// DistributionSummary groups shard counts and sizes by zone and node.
type DistributionSummary struct {
	ByZone      map[string]*ZoneSummary `json:"by_zone"`
	ByNode      map[string]*NodeSummary `json:"by_node"`
	Primaries   int                     `json:"primaries"`
	Replicas    int                     `json:"replicas"`
	TotalSizeGB float64                 `json:"total_size_gb"`
}

// NewDistributionSummary returns an empty summary.
func NewDistributionSummary() *DistributionSummary {
	return &DistributionSummary{
		ByZone: make(map[string]*ZoneSummary),
		ByNode: make(map[string]*NodeSummary),
	}
}

// AllocationInfo is a sys.allocations row for a shard that is not STARTED.
type AllocationInfo struct {
	SchemaName     string `json:"schema_name"`
	TableName      string `json:"table_name"`
	PartitionIdent string `json:"partition_ident,omitempty"`
	ShardID        int    `json:"shard_id"`
	NodeID         string `json:"node_id"`
	IsPrimary      bool   `json:"is_primary"`
	CurrentState   string `json:"current_state"`
	Explanation    string `json:"explanation,omitempty"`
}

// RecoveryInfo describes one shard copy that is recovering or relocating.
type RecoveryInfo struct {
	SchemaName       string       `json:"schema_name"`
	TableName        string       `json:"table_name"`
	PartitionIdent   string       `json:"partition_ident,omitempty"`
	PartitionValues  string       `json:"partition_values,omitempty"`
	ShardID          int          `json:"shard_id"`
	NodeName         string       `json:"node_name"`
	NodeID           string       `json:"node_id"`
	IsPrimary        bool         `json:"is_primary"`
	RecoveryType     string       `json:"recovery_type"`
	Stage            string       `json:"stage"`
	FilesPercent     float64      `json:"files_percent"`
	BytesPercent     float64      `json:"bytes_percent"`
	TotalTimeMs      int64        `json:"total_time_ms"`
	SizeBytes        int64        `json:"size_bytes"`
	RecoveredBytes   int64        `json:"recovered_bytes"`
	RoutingState     RoutingState `json:"routing_state"`
	SourceNodeName   string       `json:"source_node_name,omitempty"`
	TranslogSize     int64        `json:"translog_size_bytes"`
	TranslogUncommit int64        `json:"translog_uncommitted_bytes"`
	MaxSeqNo         int64        `json:"max_seq_no"`
	PrimaryMaxSeqNo  int64        `json:"primary_max_seq_no"`
}

// Key identifies the recovering copy across polls.
func (r RecoveryInfo) Key() string {
	return fmt.Sprintf("%s.%s[%s]#%d@%s", r.SchemaName, r.TableName, r.PartitionIdent, r.ShardID, r.NodeName)
}

// TableIdentifier is schema.table with the doc schema omitted.
func (r RecoveryInfo) TableIdentifier() string {
	return TableIdentifier(r.SchemaName, r.TableName)
}

// ShardType returns PRIMARY or REPLICA.
func (r RecoveryInfo) ShardType() ShardType {
	if r.IsPrimary {
		return ShardTypePrimary
	}
	return ShardTypeReplica
}

// OverallProgress is the better of file and byte progress.
func (r RecoveryInfo) OverallProgress() float64 {
	if r.FilesPercent > r.BytesPercent {
		return r.FilesPercent
	}
	return r.BytesPercent
}

// SeqNoProgress compares the replica's max_seq_no with the primary's.
func (r RecoveryInfo) SeqNoProgress() float64 {
	if r.PrimaryMaxSeqNo <= 0 {
		return 100
	}
	p := float64(r.MaxSeqNo) / float64(r.PrimaryMaxSeqNo) * 100
	if p > 100 {
		return 100
	}
	return p
}

// SizeGB returns the shard size in GiB.
func (r RecoveryInfo) SizeGB() float64 {
	return float64(r.SizeBytes) / bytesPerGB
}

// IsCompleted reports a finished recovery.
func (r RecoveryInfo) IsCompleted() bool {
	return r.Stage == "DONE" && r.FilesPercent >= 100 && r.BytesPercent >= 100
}

// ShardSnapshot captures checkpoint progress of one started shard copy.
type ShardSnapshot struct {
	ShardInfo
	LocalCheckpoint     int64     `json:"local_checkpoint"`
	GlobalCheckpoint    int64     `json:"global_checkpoint"`
	TranslogUncommitted int64     `json:"translog_uncommitted_bytes"`
	TranslogSize        int64     `json:"translog_size_bytes"`
	TakenAt             time.Time `json:"taken_at"`
}

// CheckpointDelta is how far the local checkpoint is ahead of the global one.
func (s ShardSnapshot) CheckpointDelta() int64 {
	return s.LocalCheckpoint - s.GlobalCheckpoint
}

// TranslogShard is a shard with a large uncommitted translog.
type TranslogShard struct {
	ShardInfo
	TranslogUncommitted int64 `json:"translog_uncommitted_bytes"`
	TranslogSize        int64 `json:"translog_size_bytes"`
}

// UncommittedMB returns the uncommitted translog in MiB.
func (t TranslogShard) UncommittedMB() float64 {
	return float64(t.TranslogUncommitted) / (1024 * 1024)
}

// NodeShard is a shard on a node, annotated with its retention lease count.
type NodeShard struct {
	SchemaName     string  `json:"schema_name"`
	TableName      string  `json:"table_name"`
	PartitionIdent string  `json:"partition_ident,omitempty"`
	ShardID        int     `json:"shard_id"`
	IsPrimary      bool    `json:"is_primary"`
	SizeGB         float64 `json:"size_gb"`
	LeaseCount     int     `json:"lease_count"`
	Zone           string  `json:"zone"`
}

// HasReplicas reports whether more than one retention lease exists, which
// means at least one other copy tracks this primary.
func (s NodeShard) HasReplicas() bool {
	return s.LeaseCount > 1
}

// TableShardStats aggregates the shards of one table or partition together
// with its schema facts.
type TableShardStats struct {
	SchemaName         string  `json:"table_schema"`
	TableName          string  `json:"table_name"`
	PartitionIdent     string  `json:"partition_ident,omitempty"`
	TotalPrimarySizeGB float64 `json:"total_primary_size_gb"`
	AvgShardSizeGB     float64 `json:"avg_shard_size_gb"`
	MinShardSizeGB     float64 `json:"min_shard_size_gb"`
	MaxShardSizeGB     float64 `json:"max_shard_size_gb"`
	PrimaryShards      int     `json:"num_shards_primary"`
	ReplicaShards      int     `json:"num_shards_replica"`
	TotalShards        int     `json:"num_shards_total"`
	TotalDocuments     int64   `json:"total_documents"`
	Columns            int     `json:"num_columns"`
	PartitionedBy      string  `json:"partitioned_by,omitempty"`
	ClusteredBy        string  `json:"clustered_by,omitempty"`
}

// Identifier renders schema.table with the partition ident in brackets.
func (t TableShardStats) Identifier() string {
	base := t.SchemaName + "." + t.TableName
	if t.PartitionIdent != "" {
		return base + "[" + t.PartitionIdent + "]"
	}
	return base
}

// ClusterCapacity is the cluster-wide resource picture used by shard sizing
// rules.
type ClusterCapacity struct {
	TotalNodes            int     `json:"total_nodes"`
	TotalCPUCores         int     `json:"total_cpu_cores"`
	TotalMemoryGB         float64 `json:"total_memory_gb"`
	TotalHeapGB           float64 `json:"total_heap_gb"`
	MaxShardsPerNode      int     `json:"max_shards_per_node"`
	ActualMaxShardsOnNode int     `json:"actual_max_shards_per_node"`
	TotalShards           int     `json:"total_shards"`
}
