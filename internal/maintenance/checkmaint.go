// Package maintenance checks whether a node can be drained for maintenance.
//
// INVARIANTS:
// - Data only moves within the availability zone of the drained node
// - master-* nodes are never move targets
// - Capacity is sufficient only when BOTH space and shard slots suffice
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cratedb/xmover/internal/analyzer"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
)

// Availability is the data availability level kept during maintenance.
type Availability string

const (
	AvailabilityFull      Availability = "full"
	AvailabilityPrimaries Availability = "primaries"
)

// ParseAvailability accepts "full" or "primaries", case-insensitively.
func ParseAvailability(s string) (Availability, error) {
	switch a := Availability(strings.ToLower(strings.TrimSpace(s))); a {
	case AvailabilityFull, AvailabilityPrimaries:
		return a, nil
	default:
		return "", fmt.Errorf("invalid min availability %q (use full or primaries)", s)
	}
}

const (
	highUsagePercent = 90.0
	masterNodePrefix = "master-"
)

// NodeNotFoundError reports an unknown node together with the known ones.
type NodeNotFoundError struct {
	Name      string
	Available []string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node '%s' not found in cluster", e.Name)
}

// TargetStatus summarizes whether a candidate can take more data.
type TargetStatus string

const (
	TargetAvailable TargetStatus = "Available"
	TargetNoSpace   TargetStatus = "No space"
	TargetMaxShards TargetStatus = "Max shards"
	TargetHighUsage TargetStatus = "High usage"
)

// TargetCapacity is the headroom of one candidate node.
type TargetCapacity struct {
	Node            model.NodeInfo
	RemainingGB     float64
	CurrentShards   int
	MaxShards       int
	RemainingShards int
}

// Status classifies the candidate.
func (t TargetCapacity) Status() TargetStatus {
	switch {
	case t.RemainingGB > 0 && t.RemainingShards > 0 && t.Node.DiskUsagePercent() <= highUsagePercent:
		return TargetAvailable
	case t.RemainingGB <= 0:
		return TargetNoSpace
	case t.RemainingShards <= 0:
		return TargetMaxShards
	default:
		return TargetHighUsage
	}
}

// HasRoom reports whether the node has both space and shard slots left.
func (t TargetCapacity) HasRoom() bool {
	return t.RemainingGB > 0 && t.RemainingShards > 0
}

// Plan is the pre-flight analysis for draining one node.
type Plan struct {
	Node         model.NodeInfo
	Availability Availability
	Shards       []model.NodeShard
	Candidates   []TargetCapacity
	Recovery     model.RecoverySettings

	PrimaryShards int
	ReplicaShards int
	TotalDataGB   float64

	// Fast are primaries with replicas elsewhere; they are demoted in place.
	Fast []model.NodeShard
	// Slow are primaries without replicas; their data must be copied.
	Slow []model.NodeShard

	DataToMoveGB        float64
	ShardsToMove        int
	AvailableCapacityGB float64
	ShardCapacity       int
	SpaceSufficient     bool
	ShardsSufficient    bool
	CapacitySufficient  bool
	EstimatedDuration   time.Duration
}

// Zone is the availability zone of the drained node.
func (p *Plan) Zone() string {
	return p.Node.Zone
}

// Safe reports whether the node holds no shards at all.
func (p *Plan) Safe() bool {
	return len(p.Shards) == 0
}

// Isolated reports whether no other node shares the zone.
func (p *Plan) Isolated() bool {
	return len(p.Candidates) == 0
}

// AvailableTargets counts candidates with space and shard slots left.
func (p *Plan) AvailableTargets() int {
	n := 0
	for _, c := range p.Candidates {
		if c.HasRoom() {
			n++
		}
	}
	return n
}

// Action describes what happens to a shard during the drain.
func (p *Plan) Action(s model.NodeShard) string {
	if p.Availability == AvailabilityFull {
		return "Move data"
	}
	switch {
	case !s.IsPrimary:
		return "No action needed"
	case s.HasReplicas():
		return "Convert to replica (fast)"
	default:
		return "Move data (slow)"
	}
}

// CheckNode builds the drain plan for node.
func CheckNode(ctx context.Context, insp *cratedb.Inspector, node string, availability Availability) (*Plan, error) {
	nodes, err := insp.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	target, ok := cratedb.NodeByName(nodes, node)
	if !ok {
		names := make([]string, 0, len(nodes))
		for _, n := range nodes {
			names = append(names, n.Name)
		}
		return nil, &NodeNotFoundError{Name: node, Available: names}
	}
	shards, err := insp.NodeShards(ctx, node)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Node: target, Availability: availability, Shards: shards}
	if len(shards) == 0 {
		return plan, nil
	}

	plan.Recovery = insp.RecoverySettings(ctx)
	watermarks := insp.WatermarkConfig(ctx)
	for _, n := range nodes {
		if n.Name == target.Name || n.Zone != target.Zone || strings.HasPrefix(n.Name, masterNodePrefix) {
			continue
		}
		current, err := insp.NodeShardCount(ctx, n.Name)
		if err != nil {
			return nil, err
		}
		plan.Candidates = append(plan.Candidates, TargetCapacity{
			Node:            n,
			RemainingGB:     analyzer.NodeRemaining(n, watermarks).ToLowGB,
			CurrentShards:   current,
			MaxShards:       plan.Recovery.MaxShardsPerNode,
			RemainingShards: max(0, plan.Recovery.MaxShardsPerNode-current),
		})
	}
	plan.evaluate()
	return plan, nil
}

// evaluate fills the derived totals from shards, candidates and settings.
func (p *Plan) evaluate() {
	sort.SliceStable(p.Candidates, func(i, j int) bool {
		return p.Candidates[i].RemainingGB > p.Candidates[j].RemainingGB
	})

	p.PrimaryShards, p.ReplicaShards, p.TotalDataGB = 0, 0, 0
	p.Fast, p.Slow = nil, nil
	var slowGB float64
	for _, s := range p.Shards {
		p.TotalDataGB += s.SizeGB
		if !s.IsPrimary {
			p.ReplicaShards++
			continue
		}
		p.PrimaryShards++
		if s.HasReplicas() {
			p.Fast = append(p.Fast, s)
		} else {
			p.Slow = append(p.Slow, s)
			slowGB += s.SizeGB
		}
	}

	p.AvailableCapacityGB, p.ShardCapacity = 0, 0
	for _, c := range p.Candidates {
		p.AvailableCapacityGB += c.RemainingGB
		p.ShardCapacity += c.RemainingShards
	}

	if p.Availability == AvailabilityFull {
		p.DataToMoveGB = p.TotalDataGB
		p.ShardsToMove = len(p.Shards)
	} else {
		p.DataToMoveGB = slowGB
		p.ShardsToMove = len(p.Slow)
	}
	p.SpaceSufficient = p.AvailableCapacityGB >= p.DataToMoveGB
	p.ShardsSufficient = p.ShardCapacity >= p.ShardsToMove
	p.CapacitySufficient = p.SpaceSufficient && p.ShardsSufficient
	p.EstimatedDuration = EstimateRecovery(p.DataToMoveGB, p.Recovery)
}

// EstimateRecovery estimates how long moving sizeGB off one node takes.
// The recovery throttle applies per node and the drained node is the only
// source, so parallel recoveries share that bandwidth.
func EstimateRecovery(sizeGB float64, rec model.RecoverySettings) time.Duration {
	if rec.MaxBytesPerSec <= 0 || sizeGB <= 0 {
		return 0
	}
	seconds := sizeGB * (1 << 30) / float64(rec.MaxBytesPerSec)
	return time.Duration(seconds * float64(time.Second))
}

// Severity grades one block of maintenance advice.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityOK       Severity = "ok"
	SeverityInfo     Severity = "info"
)

// Advice is a headline with supporting lines.
type Advice struct {
	Severity Severity
	Title    string
	Lines    []string
}

// Recommendations lists the findings of the plan, most severe first, and
// ends with the standard next steps.
func (p *Plan) Recommendations() []Advice {
	var out []Advice
	if !p.CapacitySufficient && !p.Isolated() {
		a := Advice{Severity: SeverityCritical, Title: "Insufficient capacity in target zone"}
		if !p.SpaceSufficient {
			a.Lines = append(a.Lines, fmt.Sprintf("Need %.1fGB but only %.1fGB available", p.DataToMoveGB, p.AvailableCapacityGB))
		}
		if !p.ShardsSufficient {
			a.Lines = append(a.Lines, fmt.Sprintf("Need capacity for %d shards but only %d shard slots available", p.ShardsToMove, p.ShardCapacity))
		}
		a.Lines = append(a.Lines, "Consider adding nodes or freeing space before maintenance")
		out = append(out, a)
	}
	switch {
	case p.Isolated():
		out = append(out, Advice{
			Severity: SeverityCritical,
			Title:    "Node is isolated in its availability zone",
			Lines: []string{
				fmt.Sprintf("No other nodes available in zone '%s'", p.Zone()),
				"Data movement is impossible due to zone constraints",
				"Add nodes to the same availability zone or reconfigure zone allocation",
			},
		})
	case len(p.Candidates) < 2:
		out = append(out, Advice{
			Severity: SeverityWarning,
			Title:    "Limited target nodes in availability zone",
			Lines: []string{
				fmt.Sprintf("Only %d candidate node(s) available", len(p.Candidates)),
				"Consider maintenance window timing to avoid single points of failure",
			},
		})
	}
	if p.Availability == AvailabilityPrimaries {
		if len(p.Fast) > 0 {
			out = append(out, Advice{
				Severity: SeverityOK,
				Title:    fmt.Sprintf("%d primary shards can be quickly converted to replicas", len(p.Fast)),
				Lines:    []string{"These operations complete in seconds"},
			})
		}
		if len(p.Slow) > 0 {
			out = append(out, Advice{
				Severity: SeverityWarning,
				Title:    fmt.Sprintf("%d primary shards need data movement", len(p.Slow)),
				Lines: []string{
					"These require full shard recovery and take significant time",
					"Consider adding replicas before maintenance to reduce this number",
				},
			})
		}
	}
	out = append(out, Advice{
		Severity: SeverityInfo,
		Title:    "Next Steps",
		Lines: []string{
			"1. Verify cluster health before starting maintenance",
			"2. Consider maintenance window timing for minimal impact",
			"3. Monitor recovery progress during maintenance",
			"4. Use: xmover monitor-recovery --watch during operations",
		},
	})
	return out
}
