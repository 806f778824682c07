// Package analyzer turns system-table rows into reports and advice.
// Explanations for CrateDB allocation errors live here.
//
// INVARIANTS:
// - Read-only operations only
// - NO side effects
// - Human-readable output
package analyzer

import "strings"

// ErrorKind names a recognised allocation error.
type ErrorKind string

const (
	ErrAlreadyAllocated     ErrorKind = "already_allocated"
	ErrAllocationIDMismatch ErrorKind = "allocation_id_mismatch"
	ErrDiskUsageExceeded    ErrorKind = "disk_usage_exceeded"
	ErrSameNode             ErrorKind = "same_node"
	ErrUnassigned           ErrorKind = "unassigned"
	ErrWatermark            ErrorKind = "watermark"
	ErrGeneric              ErrorKind = "generic"
)

// ExplanationSection is a headed list of advice.
type ExplanationSection struct {
	Heading string
	Items   []string
}

// ErrorExplanation describes an error message in operator terms.
type ErrorExplanation struct {
	Kind       ErrorKind
	Title      string
	Cause      string
	Sections   []ExplanationSection
	ExampleSQL []string
	Severe     bool
}

type errorPattern struct {
	needle string
	build  func() *ErrorExplanation
}

// Checked in order; the first match wins.
var errorPatterns = []errorPattern{
	{"no(a copy of this shard is already allocated to this node)", explainAlreadyAllocated},
	{"no(allocation id does not match)", explainAllocationIDMismatch},
	{"no(disk usage exceeded)", explainDiskUsageExceeded},
	{"no(not allowed to allocate on same node)", explainSameNode},
	{"unassigned_info", explainUnassigned},
	{"watermark", explainWatermark},
}

// ExplainError matches message against known CrateDB allocation errors.
// Unknown messages get the generic troubleshooting guide.
func ExplainError(message string) *ErrorExplanation {
	lower := strings.ToLower(message)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.needle) {
			return p.build()
		}
	}
	return explainGeneric()
}

func explainAlreadyAllocated() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrAlreadyAllocated,
		Title:  "Shard Already Allocated Error",
		Cause:  "You're trying to move a shard to a node that already has a copy (primary or replica) of the same shard.",
		Severe: true,
		Sections: []ExplanationSection{
			{"Solutions", []string{
				"Check current shard allocation: xmover analyze --table your_table",
				"Move to a different node that doesn't have this shard",
				"If moving replicas, ensure the target node doesn't hold the primary",
				"Use xmover find-candidates to find suitable target nodes",
			}},
			{"Prevention", []string{
				"Always validate moves with: xmover validate-move",
				"Use xmover recommend for safe suggestions",
			}},
		},
		ExampleSQL: []string{
			"SELECT node['name'], primary FROM sys.shards WHERE table_name = 'your_table' AND id = 0;",
		},
	}
}

func explainAllocationIDMismatch() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrAllocationIDMismatch,
		Title:  "Allocation ID Mismatch Error",
		Cause:  "The shard's internal allocation ID doesn't match the cluster's expectation. This usually happens after node restarts or network splits.",
		Severe: true,
		Sections: []ExplanationSection{
			{"Solutions", []string{
				"Wait for the cluster to stabilize and retry the operation",
				"Check cluster health: SELECT health FROM sys.health",
				"If persistent, cancel and retry: ALTER TABLE ... REROUTE CANCEL SHARD ...",
				"Monitor recovery: xmover monitor-recovery",
			}},
			{"When to Act", []string{
				"Only intervene if the error persists for more than 30 minutes",
				"Let CrateDB auto-recover first",
			}},
		},
		ExampleSQL: []string{
			"SELECT table_name, partition_ident, shard_id, current_state FROM sys.allocations WHERE current_state != 'STARTED';",
		},
	}
}

func explainDiskUsageExceeded() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrDiskUsageExceeded,
		Title:  "Disk Usage Exceeded Error",
		Cause:  "The target node has insufficient disk space for the shard. CrateDB enforces disk watermarks (typically 85% low, 90% high).",
		Severe: true,
		Sections: []ExplanationSection{
			{"Solutions", []string{
				"Check disk usage: xmover analyze (shows node disk usage)",
				"Move shards FROM the target node first to free space",
				"Use xmover recommend --min-free-space 200 to pick nodes with space",
				"Consider adding more storage or nodes",
			}},
			{"Best Practices", []string{
				"Keep nodes below 80% disk usage",
				"Monitor with: xmover active-shards",
				"Plan capacity proactively",
			}},
		},
		ExampleSQL: []string{
			"SELECT name, fs['total']['used'] * 100.0 / fs['total']['size'] AS used_pct FROM sys.nodes ORDER BY used_pct DESC;",
		},
	}
}

func explainSameNode() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrSameNode,
		Title:  "Same Node Allocation Error",
		Cause:  "Attempting to allocate the primary and a replica of the same shard on the same node. CrateDB prevents this for data safety.",
		Severe: true,
		Sections: []ExplanationSection{
			{"Solutions", []string{
				"Choose a different target node",
				"Check shard distribution: xmover analyze --table your_table",
				"Use xmover zone-analysis to see node assignments",
				"Ensure you have enough nodes for your replica settings",
			}},
			{"Requirements", []string{
				"Need N+1 nodes for N replicas",
				"Each shard copy must be on a different node",
			}},
		},
	}
}

func explainUnassigned() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrUnassigned,
		Title:  "Unassigned Shard Error",
		Cause:  "The shard cannot be allocated to any node due to allocation constraints. Common reasons: insufficient nodes, disk space, or allocation filters.",
		Severe: true,
		Sections: []ExplanationSection{
			{"Diagnosis", []string{
				"Check cluster status: SELECT * FROM sys.allocations WHERE current_state = 'UNASSIGNED'",
				"Monitor recovery: xmover monitor-recovery --include-transitioning",
				"Read the explanation column of sys.allocations",
			}},
			{"Solutions", []string{
				"Add more nodes if insufficient",
				"Free disk space on existing nodes",
				"Check and adjust allocation filters",
				"Review routing allocation settings",
			}},
		},
		ExampleSQL: []string{
			"SELECT table_name, shard_id, \"primary\", explanation FROM sys.allocations WHERE current_state = 'UNASSIGNED';",
		},
	}
}

func explainWatermark() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:   ErrWatermark,
		Title:  "Watermark Exceeded Error",
		Cause:  "Node disk usage exceeds CrateDB's watermark thresholds. Default: 85% (low), 90% (high), 95% (flood stage).",
		Severe: true,
		Sections: []ExplanationSection{
			{"Immediate Actions", []string{
				"Check current usage: xmover analyze",
				"Move shards away: xmover recommend --prioritize-space",
				"Free disk space externally if possible",
			}},
			{"Prevention", []string{
				"Monitor regularly: xmover active-shards --watch",
				"Set up alerting at 75% usage",
				"Plan capacity expansion proactively",
				"Use xmover shard-distribution for planning",
			}},
		},
		ExampleSQL: []string{
			"SELECT settings['cluster']['routing']['allocation']['disk']['watermark'] FROM sys.cluster;",
		},
	}
}

func explainGeneric() *ErrorExplanation {
	return &ErrorExplanation{
		Kind:  ErrGeneric,
		Title: "Generic Error Analysis",
		Cause: "The message does not match a known allocation error pattern.",
		Sections: []ExplanationSection{
			{"Connection Issues", []string{
				"Check cluster health and node status",
				"Verify network connectivity",
				"Test with: xmover test-connection --diagnose",
			}},
			{"Allocation Issues", []string{
				"Use xmover analyze for current state",
				"Check xmover zone-analysis for conflicts",
				"Validate with xmover validate-move",
			}},
			{"Recovery Issues", []string{
				"Monitor with xmover monitor-recovery",
				"Check for large translogs: xmover large-translogs",
				"Look for problematic shards: xmover problematic-translogs",
			}},
		},
	}
}
