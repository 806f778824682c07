package cratedb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cratedb/xmover/internal/model"
)

const bytesPerGB = 1024 * 1024 * 1024

// partitionJoin attaches human readable partition values such as
// (day=1700000000000) to sys.shards rows aliased as s.
const partitionJoin = `
LEFT JOIN information_schema.table_partitions p
    ON s.table_name = p.table_name
    AND s.schema_name = p.table_schema
    AND s.partition_ident = p.partition_ident`

const partitionValuesExpr = `translate(p.values::text, ':{}', '=()')`

const nodeNameExpr = `COALESCE(s.node['name'], 'unknown-' || COALESCE(s.node['id'], 'corrupted'))`

// ShardFilter narrows Shards. Zero sizes mean no bound.
type ShardFilter struct {
	Table     string
	Schema    string
	Node      string
	MinSizeGB float64
	MaxSizeGB float64
	// ForAnalysis includes every shard regardless of state. Otherwise only
	// STARTED shards with fully recovered files are returned, which are
	// the only ones safe to move.
	ForAnalysis bool
}

func (f ShardFilter) where() (string, []any) {
	var conds []string
	var args []any
	if !f.ForAnalysis {
		conds = append(conds, "s.routing_state = 'STARTED'", "s.recovery['files']['percent'] = 100.0")
	}
	if f.Table != "" {
		conds = append(conds, "s.table_name = ?")
		args = append(args, f.Table)
	}
	if f.Schema != "" {
		conds = append(conds, "s.schema_name = ?")
		args = append(args, f.Schema)
	}
	if f.Node != "" {
		conds = append(conds, nodeNameExpr+" = ?")
		args = append(args, f.Node)
	}
	if f.MinSizeGB > 0 {
		conds = append(conds, "s.size >= ?")
		args = append(args, int64(f.MinSizeGB*bytesPerGB))
	}
	if f.MaxSizeGB > 0 {
		conds = append(conds, "s.size <= ?")
		args = append(args, int64(f.MaxSizeGB*bytesPerGB))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

const shardsSQL = `
SELECT
    s.table_name,
    s.schema_name,
    s.id AS shard_id,
    s.partition_ident,
    ` + partitionValuesExpr + ` AS partition_values,
    COALESCE(s.node['id'], 'corrupted') AS node_id,
    ` + nodeNameExpr + ` AS node_name,
    COALESCE(n.attributes['zone'], 'unknown') AS zone,
    s."primary" AS is_primary,
    s.size AS size_bytes,
    s.size / 1024.0^3 AS size_gb,
    s.num_docs,
    s.state,
    s.routing_state
FROM sys.shards s
JOIN sys.nodes n ON s.node['id'] = n.id` + partitionJoin + `
%s
ORDER BY s.table_name, s.schema_name, s.partition_ident, s.id, s."primary" DESC`

// Shards lists shard copies joined with their node zone and partition.
func (i *Inspector) Shards(ctx context.Context, f ShardFilter) ([]model.ShardInfo, error) {
	where, args := f.where()
	res, err := i.q.Execute(ctx, fmt.Sprintf(shardsSQL, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	shards := make([]model.ShardInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		zone := row.String(7)
		if zone == "" {
			zone = model.UnknownZone
		}
		shards = append(shards, model.ShardInfo{
			TableName:       row.String(0),
			SchemaName:      row.String(1),
			ShardID:         row.Int(2),
			PartitionIdent:  row.String(3),
			PartitionValues: row.String(4),
			NodeID:          row.String(5),
			NodeName:        row.String(6),
			Zone:            zone,
			IsPrimary:       row.Bool(8),
			SizeBytes:       row.Int64(9),
			SizeGB:          row.Float(10),
			NumDocs:         row.Int64(11),
			State:           row.String(12),
			RoutingState:    model.RoutingState(row.String(13)),
		})
	}
	return shards, nil
}

const problematicShardsSQL = `
SELECT
    s.schema_name,
    s.table_name,
    ` + partitionValuesExpr + ` AS partition_values,
    s.partition_ident,
    s.id AS shard_id,
    s.state,
    s.routing_state,
    ` + nodeNameExpr + ` AS node_name,
    COALESCE(s.node['id'], 'corrupted') AS node_id,
    s."primary"
FROM sys.shards s` + partitionJoin + `
%s
ORDER BY s.state, s.table_name, s.id`

// ProblematicShards lists shard copies that are not STARTED.
func (i *Inspector) ProblematicShards(ctx context.Context, table, node string) ([]model.ShardInfo, error) {
	conds := []string{"s.state != 'STARTED'"}
	var args []any
	if table != "" {
		conds = append(conds, "s.table_name = ?")
		args = append(args, table)
	}
	if node != "" {
		conds = append(conds, nodeNameExpr+" = ?")
		args = append(args, node)
	}
	stmt := fmt.Sprintf(problematicShardsSQL, "WHERE "+strings.Join(conds, " AND "))
	res, err := i.q.Execute(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list problematic shards: %w", err)
	}
	shards := make([]model.ShardInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		schema := row.String(0)
		if schema == "" {
			schema = "doc"
		}
		shards = append(shards, model.ShardInfo{
			SchemaName:      schema,
			TableName:       row.String(1),
			PartitionValues: row.String(2),
			PartitionIdent:  row.String(3),
			ShardID:         row.Int(4),
			State:           row.String(5),
			RoutingState:    model.RoutingState(row.String(6)),
			NodeName:        row.String(7),
			NodeID:          row.String(8),
			IsPrimary:       row.Bool(9),
		})
	}
	return shards, nil
}

const shardSnapshotsSQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.id AS shard_id,
    s."primary",
    ` + nodeNameExpr + ` AS node_name,
    s.partition_ident,
    s.translog_stats['uncommitted_size'] AS translog_uncommitted_bytes,
    s.seq_no_stats['local_checkpoint'] AS local_checkpoint,
    s.seq_no_stats['global_checkpoint'] AS global_checkpoint,
    s.translog_stats['size'] AS translog_size
FROM sys.shards s
WHERE s.state = 'STARTED'
ORDER BY s.schema_name, s.table_name, s.id, ` + nodeNameExpr

// ShardSnapshots captures checkpoints of every STARTED shard. Activity
// filtering happens when two snapshots are compared, so shards that become
// active between observations are not missed.
func (i *Inspector) ShardSnapshots(ctx context.Context, takenAt time.Time) ([]model.ShardSnapshot, error) {
	res, err := i.q.Execute(ctx, shardSnapshotsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot shards: %w", err)
	}
	out := make([]model.ShardSnapshot, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.ShardSnapshot{
			ShardInfo: model.ShardInfo{
				SchemaName:     row.String(0),
				TableName:      row.String(1),
				ShardID:        row.Int(2),
				IsPrimary:      row.Bool(3),
				NodeName:       row.String(4),
				PartitionIdent: row.String(5),
				RoutingState:   model.RoutingStarted,
			},
			TranslogUncommitted: row.Int64(6),
			LocalCheckpoint:     row.Int64(7),
			GlobalCheckpoint:    row.Int64(8),
			TranslogSize:        row.Int64(9),
			TakenAt:             takenAt,
		})
	}
	return out, nil
}

// TranslogFilter narrows LargeTranslogShards.
type TranslogFilter struct {
	MinMB float64
	Table string
	Node  string
	Limit int
}

const largeTranslogsSQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.partition_ident,
    ` + partitionValuesExpr + ` AS partition_values,
    s.id AS shard_id,
    s."primary",
    ` + nodeNameExpr + ` AS node_name,
    s.translog_stats['uncommitted_size'] AS translog_uncommitted_bytes,
    s.translog_stats['size'] AS translog_size,
    s.size AS size_bytes
FROM sys.shards s` + partitionJoin + `
WHERE %s
ORDER BY s.translog_stats['uncommitted_size'] DESC
LIMIT ?`

// LargeTranslogShards lists shards whose uncommitted translog is at least
// MinMB, largest first.
func (i *Inspector) LargeTranslogShards(ctx context.Context, f TranslogFilter) ([]model.TranslogShard, error) {
	conds := []string{"s.state = 'STARTED'", "s.translog_stats['uncommitted_size'] >= ?"}
	args := []any{int64(f.MinMB * 1024 * 1024)}
	if f.Table != "" {
		conds = append(conds, "s.table_name = ?")
		args = append(args, f.Table)
	}
	if f.Node != "" {
		conds = append(conds, nodeNameExpr+" = ?")
		args = append(args, f.Node)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	res, err := i.q.Execute(ctx, fmt.Sprintf(largeTranslogsSQL, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list large translogs: %w", err)
	}
	out := make([]model.TranslogShard, 0, len(res.Rows))
	for _, row := range res.Rows {
		size := row.Int64(9)
		out = append(out, model.TranslogShard{
			ShardInfo: model.ShardInfo{
				SchemaName:      row.String(0),
				TableName:       row.String(1),
				PartitionIdent:  row.String(2),
				PartitionValues: row.String(3),
				ShardID:         row.Int(4),
				IsPrimary:       row.Bool(5),
				NodeName:        row.String(6),
				SizeBytes:       size,
				SizeGB:          float64(size) / bytesPerGB,
			},
			TranslogUncommitted: row.Int64(7),
			TranslogSize:        row.Int64(8),
		})
	}
	return out, nil
}
