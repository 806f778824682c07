package cratedb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

const activeAllocationsSQL = `
SELECT
    table_schema,
    table_name,
    partition_ident,
    shard_id,
    current_state,
    explanation,
    node_id,
    "primary"
FROM sys.allocations
WHERE %s
ORDER BY current_state, table_name, shard_id`

// ActiveRecoveries lists sys.allocations entries that are not STARTED.
func (i *Inspector) ActiveRecoveries(ctx context.Context, table, node string) ([]model.AllocationInfo, error) {
	conds := []string{"current_state != 'STARTED'"}
	var args []any
	if table != "" {
		conds = append(conds, "table_name = ?")
		args = append(args, table)
	}
	if node != "" {
		conds = append(conds, "node_id = (SELECT id FROM sys.nodes WHERE name = ?)")
		args = append(args, node)
	}
	res, err := i.q.Execute(ctx, fmt.Sprintf(activeAllocationsSQL, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	out := make([]model.AllocationInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		schema := row.String(0)
		if schema == "" {
			schema = "doc"
		}
		out = append(out, model.AllocationInfo{
			SchemaName:     schema,
			TableName:      row.String(1),
			PartitionIdent: row.String(2),
			ShardID:        row.Int(3),
			CurrentState:   row.String(4),
			Explanation:    row.String(5),
			NodeID:         row.String(6),
			IsPrimary:      row.Bool(7),
		})
	}
	return out, nil
}

const recoveryDetailSQL = `
SELECT
    s.table_name,
    s.schema_name,
    ` + partitionValuesExpr + ` AS partition_values,
    s.partition_ident,
    s.id AS shard_id,
    ` + nodeNameExpr + ` AS node_name,
    COALESCE(s.node['id'], 'corrupted') AS node_id,
    s.routing_state,
    s.state,
    s.recovery,
    s.size,
    s."primary",
    s.translog_stats['size'] AS translog_size,
    s.translog_stats['uncommitted_size'] AS translog_uncommitted_size,
    s.seq_no_stats['max_seq_no'] AS max_seq_no
FROM sys.shards s` + partitionJoin + `
WHERE s.schema_name = ? AND s.table_name = ? AND s.id = ?
    AND COALESCE(s.partition_ident, '') = ?
    AND (s.state = 'RECOVERING' OR s.routing_state IN ('INITIALIZING', 'RELOCATING'))
ORDER BY s.schema_name
LIMIT 1`

const primarySeqNoSQL = `
SELECT s.seq_no_stats['max_seq_no'] AS primary_max_seq_no
FROM sys.shards s
WHERE s.schema_name = ? AND s.table_name = ? AND s.id = ?
    AND COALESCE(s.partition_ident, '') = ?
    AND s."primary" = true
    AND s.state = 'STARTED'
LIMIT 1`

const sourcePrimarySQL = `
SELECT ` + nodeNameExpr + ` AS node_name
FROM sys.shards s
WHERE s.schema_name = ? AND s.table_name = ? AND s.id = ?
    AND COALESCE(s.partition_ident, '') = ?
    AND s.state = 'STARTED' AND s.node['id'] != ?
    AND s."primary" = true
LIMIT 1`

const sourceAnySQL = `
SELECT ` + nodeNameExpr + ` AS node_name
FROM sys.shards s
WHERE s.schema_name = ? AND s.table_name = ? AND s.id = ?
    AND COALESCE(s.partition_ident, '') = ?
    AND s.state = 'STARTED' AND s.node['id'] != ?
LIMIT 1`

// RecoveryFilter narrows RecoveringShards.
type RecoveryFilter struct {
	Table                string
	Node                 string
	IncludeTransitioning bool
}

// RecoveringShards combines sys.allocations with sys.shards recovery
// details. Results are sorted by recovery type, then by descending
// progress. Finished recoveries still waiting to transition are dropped
// unless IncludeTransitioning is set.
func (i *Inspector) RecoveringShards(ctx context.Context, f RecoveryFilter) ([]model.RecoveryInfo, error) {
	allocations, err := i.ActiveRecoveries(ctx, f.Table, f.Node)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	var out []model.RecoveryInfo
	for _, alloc := range allocations {
		info, ok, err := i.recoveryDetail(ctx, alloc)
		if err != nil {
			log.Warn("failed to read recovery details",
				"table", alloc.TableName, "shard", alloc.ShardID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !f.IncludeTransitioning && info.IsCompleted() {
			continue
		}
		out = append(out, info)
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].RecoveryType != out[b].RecoveryType {
			return out[a].RecoveryType < out[b].RecoveryType
		}
		return out[a].OverallProgress() > out[b].OverallProgress()
	})
	return out, nil
}

func (i *Inspector) recoveryDetail(ctx context.Context, alloc model.AllocationInfo) (model.RecoveryInfo, bool, error) {
	res, err := i.q.Execute(ctx, recoveryDetailSQL, alloc.SchemaName, alloc.TableName, alloc.ShardID, alloc.PartitionIdent)
	if err != nil {
		return model.RecoveryInfo{}, false, err
	}
	row := res.First()
	if row == nil || row.Map(9) == nil {
		return model.RecoveryInfo{}, false, nil
	}

	recovery := row.Map(9)
	files, _ := recovery["files"].(map[string]any)
	size, _ := recovery["size"].(map[string]any)

	info := model.RecoveryInfo{
		TableName:        row.String(0),
		SchemaName:       row.String(1),
		PartitionValues:  row.String(2),
		PartitionIdent:   row.String(3),
		ShardID:          row.Int(4),
		NodeName:         row.String(5),
		NodeID:           row.String(6),
		RoutingState:     model.RoutingState(row.String(7)),
		RecoveryType:     stringOr(recovery["type"], "UNKNOWN"),
		Stage:            stringOr(recovery["stage"], "UNKNOWN"),
		FilesPercent:     conservativePercent(files),
		BytesPercent:     conservativePercent(size),
		TotalTimeMs:      AsInt64(recovery["total_time"]),
		SizeBytes:        row.Int64(10),
		RecoveredBytes:   AsInt64(size["recovered"]),
		IsPrimary:        row.Bool(11),
		TranslogSize:     row.Int64(12),
		TranslogUncommit: row.Int64(13),
		MaxSeqNo:         row.Int64(14),
	}

	if info.RecoveryType == "PEER" {
		info.SourceNodeName = i.sourceNode(ctx, info)
		if !info.IsPrimary {
			if res, err := i.q.Execute(ctx, primarySeqNoSQL, info.SchemaName, info.TableName, info.ShardID, info.PartitionIdent); err == nil {
				info.PrimaryMaxSeqNo = res.First().Int64(0)
			}
		}
	}
	return info, true, nil
}

// sourceNode finds where a PEER recovery copies from: the STARTED primary
// on another node, else any STARTED copy on another node.
func (i *Inspector) sourceNode(ctx context.Context, info model.RecoveryInfo) string {
	for _, stmt := range []string{sourcePrimarySQL, sourceAnySQL} {
		res, err := i.q.Execute(ctx, stmt, info.SchemaName, info.TableName, info.ShardID, info.PartitionIdent, info.NodeID)
		if err != nil {
			return ""
		}
		if name := res.First().String(0); name != "" {
			return name
		}
	}
	return ""
}

// conservativePercent returns the lower of the reported percent and
// recovered/used, since the reported value can run ahead of the bytes.
func conservativePercent(stats map[string]any) float64 {
	reported := AsFloat(stats["percent"])
	used := AsFloat(stats["used"])
	if used <= 0 {
		return reported
	}
	actual := AsFloat(stats["recovered"]) / used * 100
	if actual < reported {
		return actual
	}
	return reported
}

func stringOr(v any, fallback string) string {
	if s := AsString(v); s != "" {
		return s
	}
	return fallback
}
