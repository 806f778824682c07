package cratedb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

const distributionSQL = `
SELECT
    n.attributes['zone'] AS zone,
    ` + nodeNameExpr + ` AS node_name,
    CASE WHEN s."primary" = true THEN 'PRIMARY' ELSE 'REPLICA' END AS shard_type,
    COUNT(*) AS shard_count,
    SUM(s.size) / 1024.0^3 AS total_size_gb
FROM sys.shards s
JOIN sys.nodes n ON COALESCE(s.node['id'], 'corrupted') = n.id
%s
GROUP BY n.attributes['zone'], ` + nodeNameExpr + `, s."primary"
ORDER BY zone, node_name, shard_type DESC`

// DistributionSummary groups shard counts and sizes by zone and by node.
func (i *Inspector) DistributionSummary(ctx context.Context, forAnalysis bool) (*model.DistributionSummary, error) {
	where := ""
	if !forAnalysis {
		where = "WHERE s.routing_state = 'STARTED' AND s.recovery['files']['percent'] = 100.0"
	}
	res, err := i.q.Execute(ctx, fmt.Sprintf(distributionSQL, where))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize shard distribution: %w", err)
	}

	summary := model.NewDistributionSummary()
	for _, row := range res.Rows {
		zone := row.String(0)
		if zone == "" {
			zone = model.UnknownZone
		}
		node := row.String(1)
		primary := row.String(2) == string(model.ShardTypePrimary)
		count := row.Int(3)
		size := row.Float(4)

		z, ok := summary.ByZone[zone]
		if !ok {
			z = &model.ZoneSummary{}
			summary.ByZone[zone] = z
		}
		n, ok := summary.ByNode[node]
		if !ok {
			n = &model.NodeSummary{Zone: zone}
			summary.ByNode[node] = n
		}
		if primary {
			z.Primary += count
			n.Primary += count
			summary.Primaries += count
		} else {
			z.Replica += count
			n.Replica += count
			summary.Replicas += count
		}
		z.TotalSizeGB += size
		n.TotalSizeGB += size
		summary.TotalSizeGB += size
	}
	return summary, nil
}

const healthSQL = `
SELECT
    (SELECT health FROM sys.health ORDER BY severity DESC LIMIT 1) AS cluster_health,
    COUNT(*) FILTER (WHERE health = 'GREEN') AS green_entities,
    COUNT(*) FILTER (WHERE health = 'YELLOW') AS yellow_entities,
    COUNT(*) FILTER (WHERE health = 'RED') AS red_entities,
    SUM(underreplicated_shards) AS underreplicated_shards,
    SUM(missing_shards) AS missing_shards,
    (SELECT COUNT(*) FROM information_schema.tables
        WHERE table_schema NOT IN ('sys', 'information_schema', 'pg_catalog')) AS total_tables,
    (SELECT COUNT(*) FROM information_schema.table_partitions) AS total_partitions
FROM sys.health`

// ClusterHealth aggregates sys.health. An empty sys.health means every
// table is green.
func (i *Inspector) ClusterHealth(ctx context.Context) (model.ClusterHealth, error) {
	res, err := i.q.Execute(ctx, healthSQL)
	if err != nil {
		return model.ClusterHealth{}, fmt.Errorf("failed to read cluster health: %w", err)
	}
	row := res.First()
	if row == nil {
		return model.ClusterHealth{Overall: "GREEN"}, nil
	}
	overall := row.String(0)
	if overall == "" {
		overall = "GREEN"
	}
	return model.ClusterHealth{
		Overall:               overall,
		Green:                 row.Int(1),
		Yellow:                row.Int(2),
		Red:                   row.Int(3),
		UnderreplicatedShards: row.Int64(4),
		MissingShards:         row.Int64(5),
		TotalTables:           row.Int(6),
		TotalPartitions:       row.Int(7),
	}, nil
}

const watermarkSQL = `
SELECT
    settings['cluster']['routing']['allocation']['disk']['watermark'] AS watermark,
    settings['cluster']['routing']['allocation']['disk']['threshold_enabled'] AS threshold_enabled
FROM sys.cluster`

// WatermarkConfig reads the disk watermark settings. When the query fails
// the CrateDB defaults are returned and a warning is logged, so that
// analysis can still proceed.
func (i *Inspector) WatermarkConfig(ctx context.Context) model.WatermarkConfig {
	cfg := model.DefaultWatermarkConfig()
	res, err := i.q.Execute(ctx, watermarkSQL)
	if err != nil {
		logging.FromContext(ctx).Warn("failed to read watermark settings, using defaults", "error", err)
		return cfg
	}
	row := res.First()
	if row == nil {
		return cfg
	}
	if wm := row.Map(0); wm != nil {
		if v := AsString(wm["low"]); v != "" {
			cfg.Low = v
		}
		if v := AsString(wm["high"]); v != "" {
			cfg.High = v
		}
		if v := AsString(wm["flood_stage"]); v != "" {
			cfg.FloodStage = v
		}
		cfg.EnableForSingleDataNode = AsString(wm["enable_for_single_data_node"])
	}
	if !row.IsNull(1) {
		cfg.ThresholdEnabled = row.Bool(1)
	}
	return cfg
}

// ClusterName returns sys.cluster.name.
func (i *Inspector) ClusterName(ctx context.Context) (string, error) {
	res, err := i.q.Execute(ctx, `SELECT name FROM sys.cluster`)
	if err != nil {
		return "", fmt.Errorf("failed to read cluster name: %w", err)
	}
	return res.First().String(0), nil
}

// MasterNodeID returns the id of the elected master.
func (i *Inspector) MasterNodeID(ctx context.Context) (string, error) {
	res, err := i.q.Execute(ctx, `SELECT master_node FROM sys.cluster`)
	if err != nil {
		return "", fmt.Errorf("failed to read master node: %w", err)
	}
	return res.First().String(0), nil
}

const recoverySettingsSQL = `
SELECT
    settings['indices']['recovery']['max_bytes_per_sec'] AS max_bytes_per_sec,
    settings['cluster']['routing']['allocation']['node_concurrent_recoveries'] AS node_concurrent_recoveries,
    settings['cluster']['max_shards_per_node'] AS max_shards_per_node
FROM sys.cluster`

// RecoverySettings reads recovery throughput limits, falling back to the
// CrateDB defaults for anything unset or unreadable.
func (i *Inspector) RecoverySettings(ctx context.Context) model.RecoverySettings {
	settings := model.DefaultRecoverySettings()
	res, err := i.q.Execute(ctx, recoverySettingsSQL)
	if err != nil {
		logging.FromContext(ctx).Warn("failed to read recovery settings, using defaults", "error", err)
		return settings
	}
	row := res.First()
	if row == nil {
		return settings
	}
	if !row.IsNull(0) {
		if b, err := ParseByteSize(row.String(0)); err == nil && b > 0 {
			settings.MaxBytesPerSec = b
		}
	}
	if v := row.Int(1); v > 0 {
		settings.NodeConcurrentRecoveries = v
	}
	if v := row.Int(2); v > 0 {
		settings.MaxShardsPerNode = v
	}
	return settings
}

// ParseByteSize parses CrateDB byte size settings such as "20mb", "1gb" or
// a plain number of bytes. Units are binary, as CrateDB interprets them.
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	for _, unit := range []string{"kb", "mb", "gb", "tb", "pb"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, unit) + string(unit[0]) + "ib"
			break
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return int64(n), nil
}
