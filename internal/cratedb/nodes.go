package cratedb

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

// nodeDetailConcurrency bounds the per-node detail fan-out.
const nodeDetailConcurrency = 4

const nodeNamesSQL = `SELECT id, name FROM sys.nodes WHERE name IS NOT NULL ORDER BY name`

const nodeDetailSQL = `
SELECT
    id,
    name,
    COALESCE(attributes['zone'], 'unknown') AS zone,
    COALESCE(heap['used'], 0) AS heap_used,
    COALESCE(heap['max'], 1) AS heap_max,
    COALESCE(fs['total']['size'], 0) AS fs_total,
    COALESCE(fs['total']['used'], 0) AS fs_used,
    COALESCE(fs['total']['available'], 0) AS fs_available
FROM sys.nodes
WHERE name = ?`

// Inspector runs the fixed system-table queries xmover is built on.
type Inspector struct {
	q Querier
}

// NewInspector wraps a Querier.
func NewInspector(q Querier) *Inspector {
	return &Inspector{q: q}
}

// Querier returns the underlying Querier.
func (i *Inspector) Querier() Querier {
	return i.q
}

// Nodes lists all nodes with zone, heap and filesystem details. Details are
// fetched per node so that one node with broken metadata does not fail the
// whole listing; such nodes get default values and a warning.
func (i *Inspector) Nodes(ctx context.Context) ([]model.NodeInfo, error) {
	res, err := i.q.Execute(ctx, nodeNamesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]model.NodeInfo, len(res.Rows))
	var (
		mu       sync.Mutex
		degraded []string
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(nodeDetailConcurrency)
	for idx, row := range res.Rows {
		idx, id, name := idx, row.String(0), row.String(1)
		g.Go(func() error {
			node, err := i.nodeDetail(gCtx, name)
			if err != nil {
				mu.Lock()
				degraded = append(degraded, name)
				mu.Unlock()
				node = model.NodeInfo{ID: id, Name: name, Zone: model.UnknownZone, HeapMax: 1}
			}
			nodes[idx] = node
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", ctx.Err())
	}

	log := logging.FromContext(ctx)
	for _, name := range degraded {
		log.Warn("node metadata unavailable, using defaults", "node", name)
	}

	if master, err := i.MasterNodeID(ctx); err == nil && master != "" {
		for idx := range nodes {
			nodes[idx].IsMaster = nodes[idx].ID == master
		}
	}
	return nodes, nil
}

func (i *Inspector) nodeDetail(ctx context.Context, name string) (model.NodeInfo, error) {
	res, err := i.q.Execute(ctx, nodeDetailSQL, name)
	if err != nil {
		return model.NodeInfo{}, err
	}
	row := res.First()
	if row == nil {
		return model.NodeInfo{}, fmt.Errorf("no details for node %s", name)
	}
	zone := row.String(2)
	if zone == "" {
		zone = model.UnknownZone
	}
	return model.NodeInfo{
		ID:          row.String(0),
		Name:        row.String(1),
		Zone:        zone,
		HeapUsed:    row.Int64(3),
		HeapMax:     row.Int64(4),
		FSTotal:     row.Int64(5),
		FSUsed:      row.Int64(6),
		FSAvailable: row.Int64(7),
	}, nil
}

// NodeByName finds a node in a listing.
func NodeByName(nodes []model.NodeInfo, name string) (model.NodeInfo, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return model.NodeInfo{}, false
}

const nodeShardsSQL = `
SELECT
    s.schema_name,
    s.table_name,
    s.partition_ident,
    s.id AS shard_id,
    s."primary" AS is_primary,
    s.size / 1024.0^3 AS size_gb,
    array_length(s.retention_leases['leases'], 1) AS lease_count,
    COALESCE(n.attributes['zone'], 'unknown') AS zone
FROM sys.shards s
JOIN sys.nodes n ON s.node['id'] = n.id
WHERE COALESCE(s.node['name'], 'unknown-' || COALESCE(s.node['id'], 'corrupted')) = ?
    AND s.routing_state = 'STARTED'
ORDER BY s.size DESC`

// NodeShards lists the STARTED shards on a node with their retention lease
// counts, largest first.
func (i *Inspector) NodeShards(ctx context.Context, node string) ([]model.NodeShard, error) {
	res, err := i.q.Execute(ctx, nodeShardsSQL, node)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards on %s: %w", node, err)
	}
	shards := make([]model.NodeShard, 0, len(res.Rows))
	for _, row := range res.Rows {
		shards = append(shards, model.NodeShard{
			SchemaName:     row.String(0),
			TableName:      row.String(1),
			PartitionIdent: row.String(2),
			ShardID:        row.Int(3),
			IsPrimary:      row.Bool(4),
			SizeGB:         row.Float(5),
			LeaseCount:     row.Int(6),
			Zone:           row.String(7),
		})
	}
	return shards, nil
}

const nodeShardCountSQL = `
SELECT COUNT(*) AS shard_count
FROM sys.shards s
WHERE COALESCE(s.node['name'], 'unknown-' || COALESCE(s.node['id'], 'corrupted')) = ?
    AND s.routing_state = 'STARTED'`

// NodeShardCount returns the number of STARTED shards on a node.
func (i *Inspector) NodeShardCount(ctx context.Context, node string) (int, error) {
	res, err := i.q.Execute(ctx, nodeShardCountSQL, node)
	if err != nil {
		return 0, fmt.Errorf("failed to count shards on %s: %w", node, err)
	}
	return res.First().Int(0), nil
}
