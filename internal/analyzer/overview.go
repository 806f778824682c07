package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
)

// Analyzer holds one snapshot of nodes, shards and watermarks. All methods
// are pure computations over that snapshot.
type Analyzer struct {
	nodes      []model.NodeInfo
	shards     []model.ShardInfo
	watermarks model.WatermarkConfig
	takenAt    time.Time
}

// New builds an Analyzer over already fetched rows.
func New(nodes []model.NodeInfo, shards []model.ShardInfo, wm model.WatermarkConfig) *Analyzer {
	return &Analyzer{nodes: nodes, shards: shards, watermarks: wm, takenAt: time.Now()}
}

// Load fetches nodes, shards matching f and the watermark settings.
func Load(ctx context.Context, insp *cratedb.Inspector, f cratedb.ShardFilter) (*Analyzer, error) {
	nodes, err := insp.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	shards, err := insp.Shards(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to load shards: %w", err)
	}
	return New(nodes, shards, insp.WatermarkConfig(ctx)), nil
}

// Nodes returns the node snapshot.
func (a *Analyzer) Nodes() []model.NodeInfo { return a.nodes }

// Shards returns the shard snapshot.
func (a *Analyzer) Shards() []model.ShardInfo { return a.shards }

// Watermarks returns the watermark configuration in effect.
func (a *Analyzer) Watermarks() model.WatermarkConfig { return a.watermarks }

// NodeHealth is one row of the node health table.
type NodeHealth struct {
	Name             string
	Zone             string
	IsMaster         bool
	Shards           int
	SizeGB           float64
	DiskUsagePercent float64
	HeapUsagePercent float64
	AvailableGB      float64
	Remaining        Remaining
}

// ClusterOverview is the cluster summary shown by analyze.
type ClusterOverview struct {
	GeneratedAt      time.Time
	Nodes            int
	Zones            int
	TotalShards      int
	PrimaryShards    int
	ReplicaShards    int
	TotalSizeGB      float64
	Watermarks       model.WatermarkConfig
	ZoneDistribution map[string]int
	NodeHealth       []NodeHealth
}

// Overview summarises the snapshot.
func (a *Analyzer) Overview() *ClusterOverview {
	o := &ClusterOverview{
		GeneratedAt:      a.takenAt,
		Nodes:            len(a.nodes),
		Watermarks:       a.watermarks,
		ZoneDistribution: make(map[string]int),
	}

	perNode := make(map[string]*NodeHealth)
	for _, n := range a.nodes {
		perNode[n.Name] = &NodeHealth{
			Name:             n.Name,
			Zone:             n.Zone,
			IsMaster:         n.IsMaster,
			DiskUsagePercent: n.DiskUsagePercent(),
			HeapUsagePercent: n.HeapUsagePercent(),
			AvailableGB:      n.AvailableSpaceGB(),
			Remaining:        NodeRemaining(n, a.watermarks),
		}
	}

	for _, s := range a.shards {
		o.TotalShards++
		o.TotalSizeGB += s.SizeGB
		if s.IsPrimary {
			o.PrimaryShards++
		} else {
			o.ReplicaShards++
		}
		o.ZoneDistribution[zoneOf(s.Zone)]++
		if nh, ok := perNode[s.NodeName]; ok {
			nh.Shards++
			nh.SizeGB += s.SizeGB
		}
	}

	zones := make(map[string]struct{})
	for _, n := range a.nodes {
		zones[zoneOf(n.Zone)] = struct{}{}
	}
	o.Zones = len(zones)

	for _, n := range a.nodes {
		o.NodeHealth = append(o.NodeHealth, *perNode[n.Name])
	}
	sort.Slice(o.NodeHealth, func(i, j int) bool { return o.NodeHealth[i].Name < o.NodeHealth[j].Name })
	return o
}

// Shard size buckets, in display order.
const (
	BucketTiny   = "<1GB"
	BucketSmall  = "1-5GB"
	BucketMedium = "5-10GB"
	BucketLarge  = "10-50GB"
	BucketHuge   = ">=50GB"

	// LargeShardGB marks a shard as too large.
	LargeShardGB = 50.0
	// SmallShardWarnPercent is the share of <1GB shards that raises a warning.
	SmallShardWarnPercent = 40.0
)

// SizeBuckets lists the bucket names in display order.
var SizeBuckets = []string{BucketTiny, BucketSmall, BucketMedium, BucketLarge, BucketHuge}

// SizeBucket aggregates shards in one size range.
type SizeBucket struct {
	Name        string
	Count       int
	TotalSizeGB float64
	MaxSizeGB   float64
}

// AvgSizeGB returns the mean shard size of the bucket.
func (b SizeBucket) AvgSizeGB() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.TotalSizeGB / float64(b.Count)
}

// SizeOverview is the shard size distribution with derived warnings.
type SizeOverview struct {
	TotalShards int
	Buckets     []SizeBucket
	LargeShards int
	Warnings    []Warning
}

// Percent returns the share of shards in bucket b.
func (s *SizeOverview) Percent(b SizeBucket) float64 {
	if s.TotalShards == 0 {
		return 0
	}
	return float64(b.Count) / float64(s.TotalShards) * 100
}

// Bucket returns the named bucket.
func (s *SizeOverview) Bucket(name string) SizeBucket {
	for _, b := range s.Buckets {
		if b.Name == name {
			return b
		}
	}
	return SizeBucket{Name: name}
}

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Warning is a finding with a short detail line.
type Warning struct {
	Severity Severity
	Message  string
	Detail   string
}

func bucketFor(sizeGB float64) string {
	switch {
	case sizeGB < 1:
		return BucketTiny
	case sizeGB < 5:
		return BucketSmall
	case sizeGB < 10:
		return BucketMedium
	case sizeGB < LargeShardGB:
		return BucketLarge
	default:
		return BucketHuge
	}
}

// ShardSizeOverview buckets shards by size.
func (a *Analyzer) ShardSizeOverview() *SizeOverview {
	idx := make(map[string]int, len(SizeBuckets))
	o := &SizeOverview{Buckets: make([]SizeBucket, len(SizeBuckets))}
	for i, name := range SizeBuckets {
		o.Buckets[i].Name = name
		idx[name] = i
	}

	for _, s := range a.shards {
		b := &o.Buckets[idx[bucketFor(s.SizeGB)]]
		b.Count++
		b.TotalSizeGB += s.SizeGB
		if s.SizeGB > b.MaxSizeGB {
			b.MaxSizeGB = s.SizeGB
		}
		o.TotalShards++
		if s.SizeGB >= LargeShardGB {
			o.LargeShards++
		}
	}

	if o.LargeShards > 0 {
		o.Warnings = append(o.Warnings, Warning{
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("CRITICAL: %d large shards (>=50GB) detected - IMMEDIATE ACTION REQUIRED!", o.LargeShards),
			Detail:   "Large shards cause slow recovery, memory pressure, and performance issues",
		})
	}
	if pct := o.Percent(o.Bucket(BucketTiny)); pct > SmallShardWarnPercent {
		o.Warnings = append(o.Warnings, Warning{
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%.1f%% of shards are very small (<1GB) - consider optimizing shard allocation", pct),
			Detail:   "Too many small shards create metadata overhead and reduce efficiency",
		})
	}
	return o
}

// NoPartition is shown for tables without partitions.
const NoPartition = "N/A"

// TableSize aggregates the shards of one table or partition.
type TableSize struct {
	Schema       string
	Table        string
	Partition    string
	PrimaryCount int
	ReplicaCount int
	MinSizeGB    float64
	MaxSizeGB    float64
	TotalSizeGB  float64
}

// Name is the display name of the table, without the doc schema.
func (t TableSize) Name() string { return model.TableIdentifier(t.Schema, t.Table) }

// Shards returns primaries plus replicas.
func (t TableSize) Shards() int { return t.PrimaryCount + t.ReplicaCount }

// AvgSizeGB returns the mean shard size.
func (t TableSize) AvgSizeGB() float64 {
	if t.Shards() == 0 {
		return 0
	}
	return t.TotalSizeGB / float64(t.Shards())
}

// IsPartition reports whether the entry is a partition.
func (t TableSize) IsPartition() bool { return t.Partition != NoPartition }

func groupBySize(shards []model.ShardInfo) []TableSize {
	byKey := make(map[string]*TableSize)
	var order []string
	for _, s := range shards {
		part := s.PartitionValues
		if part == "" || strings.EqualFold(part, "NULL") {
			part = NoPartition
		}
		key := s.SchemaName + "." + s.TableName + "|" + part
		ts, ok := byKey[key]
		if !ok {
			ts = &TableSize{Schema: s.SchemaName, Table: s.TableName, Partition: part, MinSizeGB: s.SizeGB}
			byKey[key] = ts
			order = append(order, key)
		}
		if s.IsPrimary {
			ts.PrimaryCount++
		} else {
			ts.ReplicaCount++
		}
		ts.TotalSizeGB += s.SizeGB
		if s.SizeGB < ts.MinSizeGB {
			ts.MinSizeGB = s.SizeGB
		}
		if s.SizeGB > ts.MaxSizeGB {
			ts.MaxSizeGB = s.SizeGB
		}
	}
	out := make([]TableSize, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// SizeOrder selects the sort direction of TableSizeBreakdown.
type SizeOrder int

const (
	Largest SizeOrder = iota
	Smallest
)

// ZeroSizeToleranceGB treats anything that renders as 0.0GB as empty.
const ZeroSizeToleranceGB = 0.05

// TableSizeBreakdown aggregates shards per table/partition sorted by total
// size. limit <= 0 returns everything.
func (a *Analyzer) TableSizeBreakdown(order SizeOrder, limit int) []TableSize {
	out := groupBySize(a.shards)
	sort.SliceStable(out, func(i, j int) bool {
		if order == Smallest {
			return out[i].TotalSizeGB < out[j].TotalSizeGB
		}
		return out[i].TotalSizeGB > out[j].TotalSizeGB
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SmallestNonZero returns the smallest tables ignoring effectively empty
// ones, plus how many were skipped.
func (a *Analyzer) SmallestNonZero(limit int) ([]TableSize, int) {
	var kept []TableSize
	skipped := 0
	for _, t := range a.TableSizeBreakdown(Smallest, 0) {
		if t.TotalSizeGB < ZeroSizeToleranceGB {
			skipped++
			continue
		}
		kept = append(kept, t)
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, skipped
}

// SchemaStats counts tables and partitions of one schema.
type SchemaStats struct {
	Schema            string
	Tables            int
	PartitionedTables int
	Partitions        int
}

// SchemaBreakdown counts plain tables, partitioned tables and partitions
// per schema, sorted case-insensitively by schema.
func (a *Analyzer) SchemaBreakdown() []SchemaStats {
	type acc struct {
		tables      int
		partitioned map[string]struct{}
		partitions  int
	}
	bySchema := make(map[string]*acc)
	for _, t := range groupBySize(a.shards) {
		schema := t.Schema
		if schema == "" {
			schema = "doc"
		}
		s, ok := bySchema[schema]
		if !ok {
			s = &acc{partitioned: make(map[string]struct{})}
			bySchema[schema] = s
		}
		if t.IsPartition() {
			s.partitioned[t.Table] = struct{}{}
			s.partitions++
		} else {
			s.tables++
		}
	}
	out := make([]SchemaStats, 0, len(bySchema))
	for name, s := range bySchema {
		out = append(out, SchemaStats{Schema: name, Tables: s.tables, PartitionedTables: len(s.partitioned), Partitions: s.partitions})
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Schema) < strings.ToLower(out[j].Schema) })
	return out
}

// LargeShardGroups aggregates shards >= 50GB per table/partition, most
// total size first.
func (a *Analyzer) LargeShardGroups() []TableSize {
	var large []model.ShardInfo
	for _, s := range a.shards {
		if s.SizeGB >= LargeShardGB {
			large = append(large, s)
		}
	}
	out := groupBySize(large)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalSizeGB > out[j].TotalSizeGB })
	return out
}

// SmallestShardGroups returns the table/partitions with the smallest
// average shard size.
func (a *Analyzer) SmallestShardGroups(limit int) []TableSize {
	out := groupBySize(a.shards)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvgSizeGB() < out[j].AvgSizeGB() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func zoneOf(z string) string {
	if z == "" {
		return model.UnknownZone
	}
	return z
}
