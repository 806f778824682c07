// Package analyzer provides the move planner for shard rebalancing.
//
// INVARIANTS:
// - Plans are ADVISORY; nothing here executes SQL
// - A target NEVER already holds a copy of the moved shard
// - A target zone NEVER ends up with two copies of one shard
// - Disk usage after a move NEVER exceeds the effective limit
// - Every accepted move is applied to the simulation before the next pick
package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cratedb/xmover/internal/model"
)

const maxRejections = 200

// CandidateOptions filters find-candidates.
type CandidateOptions struct {
	Table     string
	Node      string
	MinSizeGB float64
	MaxSizeGB float64
}

// Candidate is a healthy shard that could be moved.
type Candidate struct {
	Shard      model.ShardInfo
	NodeFreeGB float64
}

// Candidates returns shards in the size range, sorted by the free space of
// their node (least first) and then by size.
func (a *Analyzer) Candidates(opts CandidateOptions) []Candidate {
	free := make(map[string]float64, len(a.nodes))
	for _, n := range a.nodes {
		free[n.Name] = n.AvailableSpaceGB()
	}
	var out []Candidate
	for _, s := range a.shards {
		if !a.inScope(s, opts.Table, opts.Node, opts.MinSizeGB, opts.MaxSizeGB) {
			continue
		}
		out = append(out, Candidate{Shard: s, NodeFreeGB: free[s.NodeName]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NodeFreeGB != out[j].NodeFreeGB {
			return out[i].NodeFreeGB < out[j].NodeFreeGB
		}
		return out[i].Shard.SizeGB < out[j].Shard.SizeGB
	})
	return out
}

func (a *Analyzer) inScope(s model.ShardInfo, table, node string, minGB, maxGB float64) bool {
	if s.RoutingState != "" && s.RoutingState != model.RoutingStarted {
		return false
	}
	if table != "" && s.TableName != table && s.TableIdentifier() != table {
		return false
	}
	if node != "" && s.NodeName != node {
		return false
	}
	if s.SizeGB < minGB {
		return false
	}
	if maxGB > 0 && s.SizeGB > maxGB {
		return false
	}
	return true
}

// RecommendOptions are the knobs of recommend.
type RecommendOptions struct {
	Table           string
	SourceNode      string
	MinSizeGB       float64
	MaxSizeGB       float64
	ZoneTolerance   float64 // percent
	MinFreeSpaceGB  float64
	MaxMoves        int
	MaxDiskUsage    float64 // percent
	PrioritizeSpace bool
}

// Recommendation is one planned shard move.
type Recommendation struct {
	Shard    model.ShardInfo
	FromNode string
	ToNode   string
	FromZone string
	ToZone   string
	Reason   string
}

// SizeGB returns the size of the moved shard.
func (r Recommendation) SizeGB() float64 { return r.Shard.SizeGB }

// SQL returns the REROUTE MOVE statement for the recommendation.
func (r Recommendation) SQL() string {
	return MoveSQL(r.Shard, r.FromNode, r.ToNode)
}

// MoveSQL renders ALTER TABLE ... REROUTE MOVE SHARD for a shard copy.
func MoveSQL(s model.ShardInfo, from, to string) string {
	part := ""
	if pv := strings.TrimSpace(s.PartitionValues); pv != "" && !strings.EqualFold(pv, "NULL") {
		part = " PARTITION " + pv
	}
	return fmt.Sprintf(`ALTER TABLE "%s"."%s"%s REROUTE MOVE SHARD %d FROM '%s' TO '%s';`,
		s.SchemaName, s.TableName, part, s.ShardID, from, to)
}

// RejectedTarget explains why a node was not chosen for a shard.
type RejectedTarget struct {
	Shard  string
	Node   string
	Reason string
}

// MovePlan is the outcome of Recommend.
type MovePlan struct {
	Options         RecommendOptions
	DiskLimit       float64
	Recommendations []Recommendation
	Rejected        []RejectedTarget
	Note            string
}

// TotalSizeGB sums the moved data.
func (p *MovePlan) TotalSizeGB() float64 {
	var total float64
	for _, r := range p.Recommendations {
		total += r.SizeGB()
	}
	return total
}

// AffectedNodes returns the sorted source and target node names.
func (p *MovePlan) AffectedNodes() (sources, targets []string) {
	src := make(map[string]struct{})
	dst := make(map[string]struct{})
	for _, r := range p.Recommendations {
		src[r.FromNode] = struct{}{}
		dst[r.ToNode] = struct{}{}
	}
	for n := range src {
		sources = append(sources, n)
	}
	for n := range dst {
		targets = append(targets, n)
	}
	sort.Strings(sources)
	sort.Strings(targets)
	return sources, targets
}

// simNode is the mutable planning view of a node.
type simNode struct {
	info   model.NodeInfo
	used   float64
	avail  float64
	shards int
}

func (n *simNode) zone() string { return zoneOf(n.info.Zone) }

func (n *simNode) usageAfter(addGB float64) float64 {
	total := float64(n.info.FSTotal) / gib
	if total <= 0 {
		return 100
	}
	return (n.used + addGB) / total * 100
}

// simulation tracks node usage and copy placement as moves are accepted.
type simulation struct {
	nodes  map[string]*simNode
	copies map[string]map[string]bool // copy key -> node names
	zones  map[string]int
}

func (a *Analyzer) newSimulation(table string) *simulation {
	sim := &simulation{
		nodes:  make(map[string]*simNode, len(a.nodes)),
		copies: make(map[string]map[string]bool),
		zones:  make(map[string]int),
	}
	for _, n := range a.nodes {
		sim.nodes[n.Name] = &simNode{
			info:  n,
			used:  float64(n.FSUsed) / gib,
			avail: float64(n.FSAvailable) / gib,
		}
		// Zones without shards still count towards the target. Nodes whose
		// disk stats are missing cannot take shards and add no zone.
		if n.FSTotal > 0 {
			sim.zones[zoneOf(n.Zone)] = 0
		}
	}
	for _, s := range a.shards {
		if sn, ok := sim.nodes[s.NodeName]; ok {
			sn.shards++
		}
		k := s.CopyKey()
		if sim.copies[k] == nil {
			sim.copies[k] = make(map[string]bool)
		}
		sim.copies[k][s.NodeName] = true
		if table == "" || s.TableName == table || s.TableIdentifier() == table {
			sim.zones[zoneOf(s.Zone)]++
		}
	}
	return sim
}

// check returns "" when moving s to target is allowed, or the reason not.
func (sim *simulation) check(s model.ShardInfo, target *simNode, diskLimit, minFreeGB float64) string {
	if target.info.Name == s.NodeName {
		return "same node"
	}
	holders := sim.copies[s.CopyKey()]
	if holders[target.info.Name] {
		return "already holds a copy of this shard"
	}
	for holder := range holders {
		if holder == s.NodeName {
			continue
		}
		if hn, ok := sim.nodes[holder]; ok && hn.zone() == target.zone() {
			return fmt.Sprintf("zone conflict: %s already holds a copy in %s", holder, target.zone())
		}
	}
	if after := target.usageAfter(s.SizeGB); after > diskLimit {
		return fmt.Sprintf("disk usage would reach %.1f%% (limit %.1f%%)", after, diskLimit)
	}
	if free := target.avail - s.SizeGB; free < minFreeGB {
		return fmt.Sprintf("free space after move %.1fGB below %.1fGB", free, minFreeGB)
	}
	return ""
}

func (sim *simulation) apply(s model.ShardInfo, target *simNode) {
	if src, ok := sim.nodes[s.NodeName]; ok {
		src.used -= s.SizeGB
		src.avail += s.SizeGB
		src.shards--
		sim.zones[src.zone()]--
	}
	target.used += s.SizeGB
	target.avail -= s.SizeGB
	target.shards++
	sim.zones[target.zone()]++
	holders := sim.copies[s.CopyKey()]
	delete(holders, s.NodeName)
	holders[target.info.Name] = true
}

// targets orders nodes by free space, most first, then by shard count.
func (sim *simulation) targets(allowed func(*simNode) bool) []*simNode {
	var out []*simNode
	for _, n := range sim.nodes {
		if allowed == nil || allowed(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].avail != out[j].avail {
			return out[i].avail > out[j].avail
		}
		if out[i].shards != out[j].shards {
			return out[i].shards < out[j].shards
		}
		return out[i].info.Name < out[j].info.Name
	})
	return out
}

// DiskLimit is the usage cap applied to move targets: the lower of the
// operator limit and the watermark-derived threshold.
func (a *Analyzer) DiskLimit(maxDiskUsage float64) float64 {
	limit := EffectiveDiskUsageThreshold(a.watermarks, DefaultSafetyBuffer)
	if maxDiskUsage > 0 {
		limit = math.Min(limit, maxDiskUsage)
	}
	return limit
}

// Recommend plans up to MaxMoves shard moves. In zone mode shards leave
// zones above target·(1+tolerance) for nodes in zones below target. In
// space mode shards leave the fullest nodes first.
func (a *Analyzer) Recommend(opts RecommendOptions) *MovePlan {
	plan := &MovePlan{Options: opts, DiskLimit: a.DiskLimit(opts.MaxDiskUsage)}
	if opts.MaxMoves <= 0 {
		return plan
	}
	sim := a.newSimulation(opts.Table)

	var candidates []model.ShardInfo
	for _, s := range a.shards {
		if a.inScope(s, opts.Table, opts.SourceNode, opts.MinSizeGB, opts.MaxSizeGB) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		plan.Note = "no healthy shards in the requested size range"
		return plan
	}

	if opts.PrioritizeSpace {
		a.planSpace(plan, sim, candidates)
	} else {
		a.planZones(plan, sim, candidates)
	}
	return plan
}

func (a *Analyzer) zoneTarget(sim *simulation) float64 {
	total := 0
	for _, c := range sim.zones {
		total += c
	}
	if len(sim.zones) == 0 {
		return 0
	}
	return float64(total) / float64(len(sim.zones))
}

func (a *Analyzer) planZones(plan *MovePlan, sim *simulation, candidates []model.ShardInfo) {
	tol := plan.Options.ZoneTolerance / 100
	target := a.zoneTarget(sim)
	overloaded := func(z string) bool { return float64(sim.zones[z]) > target*(1+tol) }

	anyOver := false
	for z := range sim.zones {
		if overloaded(z) {
			anyOver = true
			break
		}
	}
	if !anyOver {
		plan.Note = fmt.Sprintf("zones are balanced within %.0f%% tolerance", plan.Options.ZoneTolerance)
		return
	}

	// Largest shards first within the fullest zones.
	sort.SliceStable(candidates, func(i, j int) bool {
		zi, zj := sim.zones[zoneOf(candidates[i].Zone)], sim.zones[zoneOf(candidates[j].Zone)]
		if zi != zj {
			return zi > zj
		}
		return candidates[i].SizeGB > candidates[j].SizeGB
	})

	moved := make(map[string]bool)
	for _, s := range candidates {
		if len(plan.Recommendations) >= plan.Options.MaxMoves {
			return
		}
		fromZone := zoneOf(s.Zone)
		if !overloaded(fromZone) || moved[s.CopyKey()] {
			continue
		}
		nodes := sim.targets(func(n *simNode) bool { return float64(sim.zones[n.zone()]) < target })
		if t := a.pick(plan, sim, s, nodes); t != nil {
			plan.Recommendations = append(plan.Recommendations, Recommendation{
				Shard:    s,
				FromNode: s.NodeName,
				ToNode:   t.info.Name,
				FromZone: fromZone,
				ToZone:   t.zone(),
				Reason:   fmt.Sprintf("Zone rebalancing: %s (%d shards) → %s", fromZone, sim.zones[fromZone], t.zone()),
			})
			sim.apply(s, t)
			moved[s.CopyKey()] = true
		}
	}
}

func (a *Analyzer) planSpace(plan *MovePlan, sim *simulation, candidates []model.ShardInfo) {
	// Fullest source nodes first, largest shards first within a node.
	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := sim.nodes[candidates[i].NodeName], sim.nodes[candidates[j].NodeName]
		if ai != nil && aj != nil && ai.avail != aj.avail {
			return ai.avail < aj.avail
		}
		return candidates[i].SizeGB > candidates[j].SizeGB
	})

	moved := make(map[string]bool)
	for _, s := range candidates {
		if len(plan.Recommendations) >= plan.Options.MaxMoves {
			return
		}
		src := sim.nodes[s.NodeName]
		if src == nil || moved[s.CopyKey()] {
			continue
		}
		nodes := sim.targets(func(n *simNode) bool {
			// Only moves that leave the target with more room than the source.
			return n.avail-s.SizeGB > src.avail+s.SizeGB
		})
		if t := a.pick(plan, sim, s, nodes); t != nil {
			plan.Recommendations = append(plan.Recommendations, Recommendation{
				Shard:    s,
				FromNode: s.NodeName,
				ToNode:   t.info.Name,
				FromZone: zoneOf(s.Zone),
				ToZone:   t.zone(),
				Reason:   fmt.Sprintf("Free space on %s (%.1fGB available)", s.NodeName, src.avail),
			})
			sim.apply(s, t)
			moved[s.CopyKey()] = true
		}
	}
}

func (a *Analyzer) pick(plan *MovePlan, sim *simulation, s model.ShardInfo, nodes []*simNode) *simNode {
	for _, n := range nodes {
		reason := sim.check(s, n, plan.DiskLimit, plan.Options.MinFreeSpaceGB)
		if reason == "" {
			return n
		}
		if reason != "same node" && len(plan.Rejected) < maxRejections {
			plan.Rejected = append(plan.Rejected, RejectedTarget{
				Shard:  fmt.Sprintf("%s shard %d (%s)", s.FullTableIdentifier(), s.ShardID, s.ShardType()),
				Node:   n.info.Name,
				Reason: reason,
			})
		}
	}
	return nil
}

// Explain returns a human-readable explanation of the plan.
func Explain(plan *MovePlan) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Move Plan (%d moves, %.1fGB, disk limit %.1f%%)\n",
		len(plan.Recommendations), plan.TotalSizeGB(), plan.DiskLimit))
	sb.WriteString("═══════════════════════════════════════\n\n")

	if len(plan.Recommendations) == 0 {
		reason := plan.Note
		if reason == "" {
			reason = "no safe moves found"
		}
		sb.WriteString(fmt.Sprintf("❌ NO MOVES: %s\n", reason))
	} else {
		sb.WriteString("✓ Planned Moves:\n")
		for i, r := range plan.Recommendations {
			sb.WriteString(fmt.Sprintf("  %d. %s shard %d: %s → %s (%.1fGB)\n     Reason: %s\n",
				i+1, r.Shard.FullTableIdentifier(), r.Shard.ShardID, r.FromNode, r.ToNode, r.SizeGB(), r.Reason))
		}
	}

	if len(plan.Rejected) > 0 {
		sb.WriteString("\n⚠️ Rejected Targets:\n")
		for _, r := range plan.Rejected {
			sb.WriteString(fmt.Sprintf("  • %s → %s: %s\n", r.Shard, r.Node, r.Reason))
		}
	}

	return sb.String()
}

// MoveRequest names one move for validate-move.
type MoveRequest struct {
	Schema         string
	Table          string
	PartitionIdent string // optional; any partition matches when empty
	ShardID        int
	FromNode       string
	ToNode         string
	MaxDiskUsage   float64
}

// ParseSchemaTable splits "schema.table"; a bare name uses the doc schema.
func ParseSchemaTable(s string) (schema, table string) {
	if i := strings.Index(s, "."); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "doc", s
}

// MoveValidation is the verdict of ValidateMove.
type MoveValidation struct {
	Request     MoveRequest
	Shard       *model.ShardInfo
	Target      *model.NodeInfo
	Safe        bool
	Errors      []string
	Warnings    []string
	UsageBefore float64
	UsageAfter  float64
	DiskLimit   float64
	SQL         string
}

// ValidateMove checks one proposed move against the planner constraints.
func (a *Analyzer) ValidateMove(req MoveRequest) *MoveValidation {
	v := &MoveValidation{Request: req, DiskLimit: req.MaxDiskUsage}
	if v.DiskLimit <= 0 {
		v.DiskLimit = a.DiskLimit(0)
	}
	sim := a.newSimulation("")

	var source *model.NodeInfo
	for i := range a.nodes {
		if a.nodes[i].Name == req.FromNode {
			source = &a.nodes[i]
		}
		if a.nodes[i].Name == req.ToNode {
			v.Target = &a.nodes[i]
		}
	}
	if source == nil {
		v.Errors = append(v.Errors, fmt.Sprintf("Source node not found: %s", req.FromNode))
	}
	if v.Target == nil {
		v.Errors = append(v.Errors, fmt.Sprintf("Target node not found: %s", req.ToNode))
	}

	matches := 0
	for i := range a.shards {
		s := a.shards[i]
		if s.SchemaName == req.Schema && s.TableName == req.Table && s.ShardID == req.ShardID && s.NodeName == req.FromNode &&
			(req.PartitionIdent == "" || s.PartitionIdent == req.PartitionIdent) {
			if v.Shard == nil {
				v.Shard = &a.shards[i]
			}
			matches++
		}
	}
	if v.Shard == nil {
		v.Errors = append(v.Errors, fmt.Sprintf("Shard not found: %s.%s shard %d on node %s", req.Schema, req.Table, req.ShardID, req.FromNode))
	}
	if matches > 1 {
		v.Warnings = append(v.Warnings, fmt.Sprintf("%d partitions hold shard %d on %s; validating %s", matches, req.ShardID, req.FromNode, v.Shard.FullTableIdentifier()))
	}
	if v.Shard == nil || v.Target == nil {
		return v
	}

	target := sim.nodes[v.Target.Name]
	v.UsageBefore = target.usageAfter(0)
	v.UsageAfter = target.usageAfter(v.Shard.SizeGB)
	if reason := sim.check(*v.Shard, target, v.DiskLimit, 0); reason != "" {
		v.Errors = append(v.Errors, reason)
	}

	low := watermarkOr(a.watermarks.Low, defaultLowWatermark)
	if a.watermarks.ThresholdEnabled && v.UsageAfter > low {
		v.Warnings = append(v.Warnings, fmt.Sprintf("Target would be above the low watermark (%.1f%% > %.1f%%)", v.UsageAfter, low))
	}
	if zoneOf(v.Shard.Zone) != zoneOf(v.Target.Zone) {
		v.Warnings = append(v.Warnings, fmt.Sprintf("Cross-zone move: %s → %s", zoneOf(v.Shard.Zone), zoneOf(v.Target.Zone)))
	}

	v.Safe = len(v.Errors) == 0
	if v.Safe {
		v.SQL = MoveSQL(*v.Shard, req.FromNode, req.ToNode)
	}
	return v
}

// ValidateRecommendation re-checks a planned move against the unmodified
// snapshot.
func (a *Analyzer) ValidateRecommendation(r Recommendation, maxDiskUsage float64) *MoveValidation {
	return a.ValidateMove(MoveRequest{
		Schema:         r.Shard.SchemaName,
		Table:          r.Shard.TableName,
		PartitionIdent: r.Shard.PartitionIdent,
		ShardID:        r.Shard.ShardID,
		FromNode:       r.FromNode,
		ToNode:         r.ToNode,
		MaxDiskUsage:   maxDiskUsage,
	})
}
