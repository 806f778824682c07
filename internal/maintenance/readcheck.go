package maintenance

import (
	"context"
	"sort"
	"time"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
)

// DefaultProbeTimeout bounds each COUNT(*) probe.
const DefaultProbeTimeout = 10 * time.Second

// ReadCheckOptions narrows a read check.
type ReadCheckOptions struct {
	Schema  string
	Table   string
	Probe   bool
	Timeout time.Duration
}

// PartitionReadiness is the shard coverage of one table or partition.
type PartitionReadiness struct {
	PartitionValues string
	Shards          int
	Unavailable     []int
}

// TableReadiness is the read availability of one table.
type TableReadiness struct {
	SchemaName string
	TableName  string
	Partitions []PartitionReadiness
	Probed     bool
	Rows       int64
	Latency    time.Duration
	ProbeErr   error
}

// Identifier renders schema.table, omitting the doc schema.
func (t *TableReadiness) Identifier() string {
	return model.TableIdentifier(t.SchemaName, t.TableName)
}

// UnavailableShards counts shard ids without a started copy.
func (t *TableReadiness) UnavailableShards() int {
	n := 0
	for _, p := range t.Partitions {
		n += len(p.Unavailable)
	}
	return n
}

// Readable reports whether every shard has a started copy and the probe,
// if any, succeeded.
func (t *TableReadiness) Readable() bool {
	return t.UnavailableShards() == 0 && t.ProbeErr == nil
}

// ReadCheck reports, per table, whether every shard can serve reads.
func ReadCheck(ctx context.Context, insp *cratedb.Inspector, opts ReadCheckOptions) ([]*TableReadiness, error) {
	copies, err := insp.ShardAvailability(ctx, opts.Schema, opts.Table)
	if err != nil {
		return nil, err
	}
	tables := GroupAvailability(copies)
	if !opts.Probe {
		return tables, nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	for _, t := range tables {
		probeTable(ctx, insp, t, timeout)
	}
	return tables, nil
}

func probeTable(ctx context.Context, insp *cratedb.Inspector, t *TableReadiness, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(cratedb.WithTimeout(ctx, timeout), timeout)
	defer cancel()
	start := time.Now()
	t.Rows, t.ProbeErr = insp.CountRows(pctx, t.SchemaName, t.TableName)
	t.Latency = time.Since(start)
	t.Probed = true
}

// GroupAvailability folds per-shard copy counts into tables and partitions.
func GroupAvailability(copies []cratedb.ShardCopies) []*TableReadiness {
	byTable := make(map[string]*TableReadiness)
	partIndex := make(map[string]int)
	var order []string
	for _, c := range copies {
		key := c.SchemaName + "." + c.TableName
		t, ok := byTable[key]
		if !ok {
			t = &TableReadiness{SchemaName: c.SchemaName, TableName: c.TableName}
			byTable[key] = t
			order = append(order, key)
		}
		pkey := key + "\x00" + c.PartitionIdent
		i, ok := partIndex[pkey]
		if !ok {
			t.Partitions = append(t.Partitions, PartitionReadiness{PartitionValues: c.PartitionValues})
			i = len(t.Partitions) - 1
			partIndex[pkey] = i
		}
		p := &t.Partitions[i]
		p.Shards++
		if c.Started == 0 {
			p.Unavailable = append(p.Unavailable, c.ShardID)
		}
	}
	sort.Strings(order)
	out := make([]*TableReadiness, 0, len(order))
	for _, k := range order {
		out = append(out, byTable[k])
	}
	return out
}
