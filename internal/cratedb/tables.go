package cratedb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

const tableShardStatsSQL = `
WITH columns AS (
    SELECT table_schema, table_name, COUNT(*) AS num_columns
    FROM information_schema.columns
    GROUP BY table_schema, table_name
), tables AS (
    SELECT table_schema, table_name, partitioned_by, clustered_by
    FROM information_schema.tables
), shards AS (
    SELECT schema_name AS table_schema,
           table_name,
           partition_ident,
           SUM(size) FILTER (WHERE "primary" = TRUE) / 1024.0^3 AS total_primary_size_gb,
           AVG(size) / 1024.0^3 AS avg_shard_size_gb,
           MIN(size) / 1024.0^3 AS min_shard_size_gb,
           MAX(size) / 1024.0^3 AS max_shard_size_gb,
           COUNT(*) FILTER (WHERE "primary" = TRUE) AS num_shards_primary,
           COUNT(*) FILTER (WHERE "primary" = FALSE) AS num_shards_replica,
           COUNT(*) AS num_shards_total,
           SUM(num_docs) AS total_documents
    FROM sys.shards
    GROUP BY schema_name, table_name, partition_ident
)
SELECT s.table_schema, s.table_name, s.partition_ident,
       s.total_primary_size_gb, s.avg_shard_size_gb, s.min_shard_size_gb, s.max_shard_size_gb,
       s.num_shards_primary, s.num_shards_replica, s.num_shards_total, s.total_documents,
       c.num_columns,
       t.partitioned_by[1] AS partitioned_by,
       t.clustered_by
FROM shards s
JOIN columns c ON s.table_name = c.table_name AND s.table_schema = c.table_schema
JOIN tables t ON s.table_name = t.table_name AND s.table_schema = t.table_schema
%s
ORDER BY s.table_schema, s.table_name, s.partition_ident`

// TableShardStats aggregates shard sizes per table and partition, optionally
// limited to one schema.
func (i *Inspector) TableShardStats(ctx context.Context, schema string) ([]model.TableShardStats, error) {
	where := ""
	var args []any
	if schema != "" {
		where = "WHERE s.table_schema = ?"
		args = append(args, schema)
	}
	res, err := i.q.Execute(ctx, fmt.Sprintf(tableShardStatsSQL, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate table shard sizes: %w", err)
	}
	out := make([]model.TableShardStats, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.TableShardStats{
			SchemaName:         row.String(0),
			TableName:          row.String(1),
			PartitionIdent:     row.String(2),
			TotalPrimarySizeGB: row.Float(3),
			AvgShardSizeGB:     row.Float(4),
			MinShardSizeGB:     row.Float(5),
			MaxShardSizeGB:     row.Float(6),
			PrimaryShards:      row.Int(7),
			ReplicaShards:      row.Int(8),
			TotalShards:        row.Int(9),
			TotalDocuments:     row.Int64(10),
			Columns:            row.Int(11),
			PartitionedBy:      row.String(12),
			ClusteredBy:        row.String(13),
		})
	}
	return out, nil
}

const clusterResourcesSQL = `
SELECT
    COUNT(*) AS total_nodes,
    SUM(os_info['available_processors']) AS total_cpu_cores,
    SUM(mem['used'] + mem['free']) / 1024.0^3 AS total_memory_gb,
    SUM(heap['max']) / 1024.0^3 AS total_heap_gb
FROM sys.nodes
WHERE name IS NOT NULL`

const busiestNodeSQL = `
SELECT ` + nodeNameExpr + ` AS node_name, COUNT(*) AS shard_count
FROM sys.shards s
GROUP BY ` + nodeNameExpr + `
ORDER BY shard_count DESC
LIMIT 1`

// ClusterCapacity gathers node resources and shard counts. The
// max_shards_per_node setting falls back to its default when sys.cluster is
// not readable, and the busiest node count falls back to an even split.
func (i *Inspector) ClusterCapacity(ctx context.Context) (model.ClusterCapacity, error) {
	res, err := i.q.Execute(ctx, clusterResourcesSQL)
	if err != nil {
		return model.ClusterCapacity{}, fmt.Errorf("failed to read node resources: %w", err)
	}
	row := res.First()
	c := model.ClusterCapacity{
		TotalNodes:    row.Int(0),
		TotalCPUCores: row.Int(1),
		TotalMemoryGB: row.Float(2),
		TotalHeapGB:   row.Float(3),
	}
	c.MaxShardsPerNode = i.RecoverySettings(ctx).MaxShardsPerNode

	res, err = i.q.Execute(ctx, `SELECT COUNT(*) AS total_shards FROM sys.shards`)
	if err != nil {
		return model.ClusterCapacity{}, fmt.Errorf("failed to count shards: %w", err)
	}
	c.TotalShards = res.First().Int(0)

	res, err = i.q.Execute(ctx, busiestNodeSQL)
	if err != nil {
		nodes := c.TotalNodes
		if nodes < 1 {
			nodes = 1
		}
		c.ActualMaxShardsOnNode = c.TotalShards / nodes
		logging.FromContext(ctx).Warn("failed to find busiest node, using an even split", "error", err)
		return c, nil
	}
	c.ActualMaxShardsOnNode = res.First().Int(1)
	return c, nil
}

const problematicReplicasSQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.partition_ident,
    ` + partitionValuesExpr + ` AS partition_values,
    s.id AS shard_id,
    ` + nodeNameExpr + ` AS node_name,
    COALESCE(s.translog_stats['uncommitted_size'], 0) AS translog_uncommitted_bytes
FROM sys.shards s` + partitionJoin + `
WHERE s.state = 'STARTED'
    AND s."primary" = FALSE
    AND COALESCE(s.translog_stats['uncommitted_size'], 0) > ? * 1024^2
ORDER BY COALESCE(s.translog_stats['uncommitted_size'], 0) DESC`

// ProblematicReplicas lists STARTED replicas whose uncommitted translog
// exceeds minMB, largest first.
func (i *Inspector) ProblematicReplicas(ctx context.Context, minMB float64) ([]model.TranslogShard, error) {
	res, err := i.q.Execute(ctx, problematicReplicasSQL, minMB)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas with large translogs: %w", err)
	}
	out := make([]model.TranslogShard, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, model.TranslogShard{
			ShardInfo: model.ShardInfo{
				SchemaName:      row.String(0),
				TableName:       row.String(1),
				PartitionIdent:  row.String(2),
				PartitionValues: row.String(3),
				ShardID:         row.Int(4),
				NodeName:        row.String(5),
				RoutingState:    model.RoutingStarted,
			},
			TranslogUncommitted: row.Int64(6),
		})
	}
	return out, nil
}

const translogSummarySQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.partition_ident,
    ` + partitionValuesExpr + ` AS partition_values,
    COUNT(CASE WHEN s."primary" = FALSE AND COALESCE(s.translog_stats['uncommitted_size'], 0) > ? * 1024^2 THEN 1 END) AS problematic_replica_shards,
    MAX(CASE WHEN s."primary" = FALSE AND COALESCE(s.translog_stats['uncommitted_size'], 0) > ? * 1024^2
        THEN COALESCE(s.translog_stats['uncommitted_size'], 0) / 1024.0^2 END) AS max_translog_uncommitted_mb,
    COUNT(CASE WHEN s."primary" = TRUE THEN 1 END) AS total_primary_shards,
    COUNT(CASE WHEN s."primary" = FALSE THEN 1 END) AS total_replica_shards,
    SUM(CASE WHEN s."primary" = TRUE THEN COALESCE(s.size, 0) ELSE 0 END) / 1024.0^3 AS total_primary_size_gb,
    SUM(CASE WHEN s."primary" = FALSE THEN COALESCE(s.size, 0) ELSE 0 END) / 1024.0^3 AS total_replica_size_gb
FROM sys.shards s` + partitionJoin + `
WHERE s.state = 'STARTED'
    AND s.schema_name || '.' || s.table_name || COALESCE(s.partition_ident, '') IN (
        SELECT DISTINCT sh.schema_name || '.' || sh.table_name || COALESCE(sh.partition_ident, '')
        FROM sys.shards sh
        WHERE sh.state = 'STARTED'
            AND sh."primary" = FALSE
            AND COALESCE(sh.translog_stats['uncommitted_size'], 0) > ? * 1024^2
    )
GROUP BY s.schema_name, s.table_name, s.partition_ident, partition_values
ORDER BY max_translog_uncommitted_mb DESC`

// TranslogSummaries groups every table or partition that has at least one
// replica above minMB, with its primary and replica totals.
func (i *Inspector) TranslogSummaries(ctx context.Context, minMB float64) ([]*model.TranslogTable, error) {
	res, err := i.q.Execute(ctx, translogSummarySQL, minMB, minMB, minMB)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize translogs: %w", err)
	}
	out := make([]*model.TranslogTable, 0, len(res.Rows))
	for _, row := range res.Rows {
		t := model.NewTranslogTable(row.String(0), row.String(1), row.String(2), row.String(3))
		t.ProblematicReplicas = row.Int(4)
		t.MaxTranslogMB = row.Float(5)
		t.TotalPrimaryShards = row.Int(6)
		t.TotalReplicaShards = row.Int(7)
		t.TotalPrimarySizeGB = row.Float(8)
		t.TotalReplicaSizeGB = row.Float(9)
		out = append(out, t)
	}
	return out, nil
}

// TableRef names one table.
type TableRef struct {
	Schema string
	Table  string
}

// FlushThresholds reads translog.flush_threshold_size in bytes for tables and
// their partitions, keyed by model.PartitionKey.
func (i *Inspector) FlushThresholds(ctx context.Context, tables []TableRef) (map[string]int64, error) {
	out := make(map[string]int64)
	if len(tables) == 0 {
		return out, nil
	}
	conds := make([]string, 0, len(tables))
	args := make([]any, 0, 2*len(tables))
	for _, t := range tables {
		conds = append(conds, "(table_schema = ? AND table_name = ?)")
		args = append(args, t.Schema, t.Table)
	}
	where := strings.Join(conds, " OR ")

	res, err := i.q.Execute(ctx, `
SELECT table_schema, table_name,
    COALESCE(settings['translog']['flush_threshold_size'], ?) AS flush_threshold_bytes
FROM information_schema.tables
WHERE `+where, append([]any{model.DefaultFlushThresholdBytes}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to read table flush thresholds: %w", err)
	}
	for _, row := range res.Rows {
		out[model.PartitionKey(row.String(0), row.String(1), "")] = row.Int64(2)
	}

	res, err = i.q.Execute(ctx, `
SELECT table_schema, table_name,
    translate(values::text, ':{}', '=()') AS partition_values,
    COALESCE(settings['translog']['flush_threshold_size'], ?) AS flush_threshold_bytes
FROM information_schema.table_partitions
WHERE `+where, append([]any{model.DefaultFlushThresholdBytes}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition flush thresholds: %w", err)
	}
	for _, row := range res.Rows {
		out[model.PartitionKey(row.String(0), row.String(1), row.String(2))] = row.Int64(3)
	}
	return out, nil
}

// ReplicaCount reads number_of_replicas for a table, or for one partition
// when partitionIdent is set. Ranges such as "0-1" yield their lower bound.
// Any failure yields an unknown count.
func (i *Inspector) ReplicaCount(ctx context.Context, schema, table, partitionIdent string) model.ReplicaCount {
	stmt := `SELECT number_of_replicas FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`
	args := []any{schema, table}
	if partitionIdent != "" && !strings.EqualFold(partitionIdent, "NULL") {
		stmt = `SELECT number_of_replicas FROM information_schema.table_partitions
WHERE table_schema = ? AND table_name = ? AND partition_ident = ?`
		args = append(args, partitionIdent)
	}
	res, err := i.q.Execute(ctx, stmt, args...)
	if err != nil {
		logging.FromContext(ctx).Warn("failed to read replica count",
			"table", schema+"."+table, "error", err)
		return model.ReplicaCount{}
	}
	row := res.First()
	if row == nil || row.IsNull(0) {
		return model.ReplicaCount{}
	}
	return ParseReplicaCount(row.String(0))
}

// ParseReplicaCount parses a number_of_replicas value such as "1" or "0-1".
func ParseReplicaCount(raw string) model.ReplicaCount {
	raw = strings.TrimSpace(raw)
	if lo, _, ok := strings.Cut(raw, "-"); ok {
		raw = lo
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return model.ReplicaCount{}
	}
	return model.ReplicaCount{Value: n, Known: true}
}

// RetentionLeaseSQL returns the statement that reports retention lease
// counts per shard of a table or partition, with its arguments.
func RetentionLeaseSQL(schema, table, partitionIdent string) (string, []any) {
	if partitionIdent != "" {
		return `SELECT array_length(retention_leases['leases'], 1) AS cnt_leases, id
FROM sys.shards
WHERE table_name = ?
  AND schema_name = ?
  AND partition_ident = ?
ORDER BY array_length(retention_leases['leases'], 1);`, []any{table, schema, partitionIdent}
	}
	return `SELECT array_length(retention_leases['leases'], 1) AS cnt_leases, id
FROM sys.shards
WHERE table_name = ?
  AND schema_name = ?
ORDER BY array_length(retention_leases['leases'], 1);`, []any{table, schema}
}

// MaxRetentionLeases returns the highest retention lease count over the
// shards of a table or partition.
func (i *Inspector) MaxRetentionLeases(ctx context.Context, schema, table, partitionIdent string) (int, error) {
	stmt, args := RetentionLeaseSQL(schema, table, partitionIdent)
	res, err := i.q.Execute(ctx, stmt, args...)
	if err != nil {
		return -1, fmt.Errorf("failed to check retention leases: %w", err)
	}
	highest := 0
	for _, row := range res.Rows {
		highest = max(highest, row.Int(0))
	}
	return highest, nil
}

const shardAvailabilitySQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.partition_ident,
    ` + partitionValuesExpr + ` AS partition_values,
    s.id AS shard_id,
    COUNT(*) FILTER (WHERE s.routing_state = 'STARTED') AS started_copies,
    COUNT(*) AS total_copies
FROM sys.shards s` + partitionJoin + `
WHERE s.schema_name NOT IN ('sys', 'information_schema', 'pg_catalog')
%s
GROUP BY s.schema_name, s.table_name, s.partition_ident, partition_values, s.id
ORDER BY s.schema_name, s.table_name, s.partition_ident, s.id`

// ShardCopies is the number of copies of one shard id and how many of them
// are STARTED.
type ShardCopies struct {
	SchemaName      string
	TableName       string
	PartitionIdent  string
	PartitionValues string
	ShardID         int
	Started         int
	Total           int
}

// ShardAvailability counts started copies per shard id of user tables.
func (i *Inspector) ShardAvailability(ctx context.Context, schema, table string) ([]ShardCopies, error) {
	var conds []string
	var args []any
	if schema != "" {
		conds = append(conds, "AND s.schema_name = ?")
		args = append(args, schema)
	}
	if table != "" {
		conds = append(conds, "AND s.table_name = ?")
		args = append(args, table)
	}
	res, err := i.q.Execute(ctx, fmt.Sprintf(shardAvailabilitySQL, strings.Join(conds, " ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count started shard copies: %w", err)
	}
	out := make([]ShardCopies, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, ShardCopies{
			SchemaName:      row.String(0),
			TableName:       row.String(1),
			PartitionIdent:  row.String(2),
			PartitionValues: row.String(3),
			ShardID:         row.Int(4),
			Started:         row.Int(5),
			Total:           row.Int(6),
		})
	}
	return out, nil
}

// CountRows runs SELECT COUNT(*) against a table without retries, so a
// probe reports the real latency of a single attempt.
func (i *Inspector) CountRows(ctx context.Context, schema, table string) (int64, error) {
	if strings.Contains(schema, `"`) || strings.Contains(table, `"`) {
		return 0, fmt.Errorf("invalid identifier %s.%s", schema, table)
	}
	res, err := i.q.Execute(WithoutRetry(ctx), fmt.Sprintf(`SELECT COUNT(*) FROM "%s"."%s"`, schema, table))
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s.%s: %w", schema, table, err)
	}
	return res.First().Int64(0), nil
}
