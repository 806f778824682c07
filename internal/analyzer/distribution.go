// Package analyzer provides distribution and balance scoring.
//
// INVARIANTS:
// - Scoring is OBSERVATIONAL only
// - NO data movement
// - Scores are clamped to [0,100]
package analyzer

import (
	"fmt"
	"math"
	"sort"

	"github.com/cratedb/xmover/internal/model"
)

// CoefficientOfVariation returns stddev/mean of values, or 0 for fewer than
// two values or a zero mean.
func CoefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq/float64(len(values))) / mean
}

func balanceScore(counts map[string]int) float64 {
	values := make([]float64, 0, len(counts))
	for _, c := range counts {
		values = append(values, float64(c))
	}
	score := 100 - CoefficientOfVariation(values)*100
	return math.Max(0, math.Min(100, score))
}

// BalanceDescription returns a human-readable grade for a balance score.
func BalanceDescription(score float64) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 80:
		return "Good"
	case score >= 60:
		return "Fair"
	case score >= 40:
		return "Warning"
	default:
		return "Critical"
	}
}

// DistributionStats describes how one table (or the whole snapshot) is
// spread over zones and nodes.
type DistributionStats struct {
	TotalShards      int
	TotalSizeGB      float64
	ZoneCounts       map[string]int
	NodeCounts       map[string]int
	ZoneBalanceScore float64
	NodeBalanceScore float64
}

// AnalyzeDistribution scores the distribution of shards of table. An empty
// table name scores every shard in the snapshot.
func (a *Analyzer) AnalyzeDistribution(table string) *DistributionStats {
	st := &DistributionStats{ZoneCounts: make(map[string]int), NodeCounts: make(map[string]int)}
	for _, s := range a.shards {
		if table != "" && s.TableName != table {
			continue
		}
		st.TotalShards++
		st.TotalSizeGB += s.SizeGB
		st.ZoneCounts[zoneOf(s.Zone)]++
		st.NodeCounts[s.NodeName]++
	}
	st.ZoneBalanceScore = balanceScore(st.ZoneCounts)
	st.NodeBalanceScore = balanceScore(st.NodeCounts)
	return st
}

// BalanceStatus classifies a zone against its target.
type BalanceStatus string

const (
	Balanced BalanceStatus = "balanced"
	Under    BalanceStatus = "under"
	Over     BalanceStatus = "over"
)

// ZoneBalance is one zone of a balance check.
type ZoneBalance struct {
	Zone    string
	Primary int
	Replica int
	Status  BalanceStatus
	Delta   int
}

// Total returns primaries plus replicas.
func (z ZoneBalance) Total() int { return z.Primary + z.Replica }

// BalanceReport is the result of CheckBalance.
type BalanceReport struct {
	TotalShards   int
	TargetPerZone int
	Tolerance     float64
	LowerBound    float64
	UpperBound    float64
	Zones         []ZoneBalance
}

// Balanced reports whether every zone is within tolerance.
func (r *BalanceReport) Balanced() bool {
	for _, z := range r.Zones {
		if z.Status != Balanced {
			return false
		}
	}
	return true
}

// CheckBalance flags zones whose shard count deviates from an even split by
// more than tolerance percent. Returns nil when there are no shards.
func (a *Analyzer) CheckBalance(table string, tolerance float64) *BalanceReport {
	byZone := make(map[string]*ZoneBalance)
	total := 0
	for _, s := range a.shards {
		if table != "" && s.TableName != table {
			continue
		}
		z := zoneOf(s.Zone)
		zb, ok := byZone[z]
		if !ok {
			zb = &ZoneBalance{Zone: z}
			byZone[z] = zb
		}
		if s.IsPrimary {
			zb.Primary++
		} else {
			zb.Replica++
		}
		total++
	}
	if total == 0 {
		return nil
	}

	target := total / len(byZone)
	r := &BalanceReport{
		TotalShards:   total,
		TargetPerZone: target,
		Tolerance:     tolerance,
		LowerBound:    float64(target) * (1 - tolerance/100),
		UpperBound:    float64(target) * (1 + tolerance/100),
	}
	for _, zb := range byZone {
		t := float64(zb.Total())
		zb.Delta = zb.Total() - target
		switch {
		case t < r.LowerBound:
			zb.Status = Under
		case t > r.UpperBound:
			zb.Status = Over
		default:
			zb.Status = Balanced
		}
		r.Zones = append(r.Zones, *zb)
	}
	sort.Slice(r.Zones, func(i, j int) bool { return r.Zones[i].Zone < r.Zones[j].Zone })
	return r
}

// ShardCopies lists where the copies of one shard live.
type ShardCopies struct {
	ShardID         int
	PrimaryZone     string
	ReplicaZones    []string
	Copies          []model.ShardInfo
	ZoneConflict    bool
	UnderReplicated bool
}

// TableZones is the zone layout of one table or partition.
type TableZones struct {
	Table     string
	Partition string
	Shards    []ShardCopies
}

// ZoneReport is the result of ZoneAnalysis.
type ZoneReport struct {
	Tables          []TableZones
	ZoneConflicts   int
	UnderReplicated int
}

// ZoneAnalysis groups copies of every shard and flags shards with two copies
// in the same zone, and shards without any replica.
func (a *Analyzer) ZoneAnalysis(table string) *ZoneReport {
	type tkey struct{ table, partition string }
	groups := make(map[tkey]map[int][]model.ShardInfo)
	var order []tkey
	for _, s := range a.shards {
		if table != "" && s.TableName != table {
			continue
		}
		k := tkey{s.TableIdentifier(), s.PartitionLabel()}
		if _, ok := groups[k]; !ok {
			groups[k] = make(map[int][]model.ShardInfo)
			order = append(order, k)
		}
		groups[k][s.ShardID] = append(groups[k][s.ShardID], s)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].table != order[j].table {
			return order[i].table < order[j].table
		}
		return order[i].partition < order[j].partition
	})

	r := &ZoneReport{}
	for _, k := range order {
		tz := TableZones{Table: k.table, Partition: k.partition}
		ids := make([]int, 0, len(groups[k]))
		for id := range groups[k] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			copies := groups[k][id]
			sc := ShardCopies{ShardID: id, PrimaryZone: "Unknown", Copies: copies}
			zones := make(map[string]struct{})
			replicaZones := make(map[string]struct{})
			for _, c := range copies {
				z := zoneOf(c.Zone)
				zones[z] = struct{}{}
				if c.IsPrimary {
					sc.PrimaryZone = z
				} else {
					replicaZones[z] = struct{}{}
				}
			}
			for z := range replicaZones {
				sc.ReplicaZones = append(sc.ReplicaZones, z)
			}
			sort.Strings(sc.ReplicaZones)
			sc.ZoneConflict = len(copies) > 1 && len(zones) < len(copies)
			sc.UnderReplicated = len(copies) < 2
			if sc.ZoneConflict {
				r.ZoneConflicts++
			}
			if sc.UnderReplicated {
				r.UnderReplicated++
			}
			tz.Shards = append(tz.Shards, sc)
		}
		r.Tables = append(r.Tables, tz)
	}
	return r
}

// NodeDistribution counts one table's shards on one node.
type NodeDistribution struct {
	Node      string
	Primary   int
	Replica   int
	SizeGB    float64
	Documents int64
}

// Total returns primaries plus replicas.
func (n NodeDistribution) Total() int { return n.Primary + n.Replica }

// Evenness grades a per-node shard count CV.
type Evenness string

const (
	EvenGood     Evenness = "good"
	EvenModerate Evenness = "moderate"
	EvenUneven   Evenness = "uneven"
)

// TableDistribution is the per-node layout of one table or partition.
type TableDistribution struct {
	Schema         string
	Table          string
	PartitionIdent string
	Partition      string
	PrimarySizeGB  float64
	Nodes          []NodeDistribution
	MissingNodes   []string
	ShardCountCV   float64
	Evenness       Evenness
}

// Name renders the table without the doc schema.
func (t TableDistribution) Name() string { return model.TableIdentifier(t.Schema, t.Table) }

// Totals sums shard counts, size and documents across nodes.
func (t TableDistribution) Totals() (primary, replica int, sizeGB float64, docs int64) {
	for _, n := range t.Nodes {
		primary += n.Primary
		replica += n.Replica
		sizeGB += n.SizeGB
		docs += n.Documents
	}
	return
}

func gradeEvenness(cv float64) Evenness {
	switch {
	case cv < 0.20:
		return EvenGood
	case cv <= 0.40:
		return EvenModerate
	default:
		return EvenUneven
	}
}

// ShardDistribution returns the per-node layout of the topN largest tables
// (by primary size), or of table alone when given.
func (a *Analyzer) ShardDistribution(topN int, table string) []TableDistribution {
	type key struct{ schema, table, ident string }
	byKey := make(map[key]*TableDistribution)
	perNode := make(map[key]map[string]*NodeDistribution)
	for _, s := range a.shards {
		if table != "" && s.TableName != table && s.TableIdentifier() != table {
			continue
		}
		k := key{s.SchemaName, s.TableName, s.PartitionIdent}
		td, ok := byKey[k]
		if !ok {
			td = &TableDistribution{Schema: s.SchemaName, Table: s.TableName, PartitionIdent: s.PartitionIdent, Partition: s.PartitionValues}
			byKey[k] = td
			perNode[k] = make(map[string]*NodeDistribution)
		}
		nd, ok := perNode[k][s.NodeName]
		if !ok {
			nd = &NodeDistribution{Node: s.NodeName}
			perNode[k][s.NodeName] = nd
		}
		if s.IsPrimary {
			nd.Primary++
			td.PrimarySizeGB += s.SizeGB
		} else {
			nd.Replica++
		}
		nd.SizeGB += s.SizeGB
		nd.Documents += s.NumDocs
	}

	out := make([]TableDistribution, 0, len(byKey))
	for k, td := range byKey {
		counts := make([]float64, 0, len(perNode[k]))
		for _, nd := range perNode[k] {
			td.Nodes = append(td.Nodes, *nd)
			counts = append(counts, float64(nd.Total()))
		}
		sort.Slice(td.Nodes, func(i, j int) bool { return td.Nodes[i].Node < td.Nodes[j].Node })
		for _, n := range a.nodes {
			if _, ok := perNode[k][n.Name]; !ok {
				td.MissingNodes = append(td.MissingNodes, n.Name)
			}
		}
		td.ShardCountCV = CoefficientOfVariation(counts)
		td.Evenness = gradeEvenness(td.ShardCountCV)
		out = append(out, *td)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PrimarySizeGB != out[j].PrimarySizeGB {
			return out[i].PrimarySizeGB > out[j].PrimarySizeGB
		}
		return out[i].Name() < out[j].Name()
	})
	if table == "" && topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// String renders a zone balance line, e.g. "zone-a: 12 shards (+2)".
func (z ZoneBalance) String() string {
	return fmt.Sprintf("%s: %d shards (%+d)", z.Zone, z.Total(), z.Delta)
}
