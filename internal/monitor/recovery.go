package monitor

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

// DefaultRefreshInterval is the monitor-recovery poll period.
const DefaultRefreshInterval = 10 * time.Second

const finalPollTimeout = 10 * time.Second

// RecoveryOptions configures a recovery monitor.
type RecoveryOptions struct {
	Table string
	Node  string
	// Type is PEER, DISK or all.
	Type                 string
	IncludeTransitioning bool
	Interval             time.Duration
}

func (o RecoveryOptions) matchesType(r model.RecoveryInfo) bool {
	if o.Type == "" || strings.EqualFold(o.Type, "all") {
		return true
	}
	return strings.EqualFold(o.Type, r.RecoveryType)
}

// RecoveryStatus is one observation of cluster recoveries.
type RecoveryStatus struct {
	At         time.Time
	Health     model.ClusterHealth
	HealthOK   bool
	Recoveries []model.RecoveryInfo
	// Pending are unhealthy shards that have no recovery running.
	Pending []model.ShardInfo
}

// Completed counts recoveries that are done but not yet STARTED.
func (s RecoveryStatus) Completed() int {
	n := 0
	for _, r := range s.Recoveries {
		if r.IsCompleted() {
			n++
		}
	}
	return n
}

// Active counts recoveries still making progress.
func (s RecoveryStatus) Active() int {
	return len(s.Recoveries) - s.Completed()
}

// Stable reports that nothing is recovering and nothing waits for recovery.
func (s RecoveryStatus) Stable() bool {
	return len(s.Recoveries) == 0 && len(s.Pending) == 0
}

// StatusText describes activity: "N rebalancing" on a green cluster,
// "N recovering" otherwise, or "stable".
func (s RecoveryStatus) StatusText() string {
	active := s.Active()
	switch {
	case active == 0:
		return "stable"
	case s.HealthOK && s.Health.Status() == "GREEN":
		return strconv.Itoa(active) + " rebalancing"
	default:
		return strconv.Itoa(active) + " recovering"
	}
}

// PendingByState counts pending shards per shard state.
func (s RecoveryStatus) PendingByState() map[string]int {
	out := make(map[string]int)
	for _, sh := range s.Pending {
		out[sh.State]++
	}
	return out
}

// TypeSummary aggregates recoveries of one type.
type TypeSummary struct {
	Type        string
	Count       int
	AvgProgress float64
}

// RecoverySummary aggregates a set of recoveries.
type RecoverySummary struct {
	Total       int
	TotalSizeGB float64
	AvgProgress float64
	ByType      []TypeSummary
}

// Summary aggregates the observed recoveries by type.
func (s RecoveryStatus) Summary() RecoverySummary {
	var out RecoverySummary
	if len(s.Recoveries) == 0 {
		return out
	}
	byType := make(map[string]*TypeSummary)
	var progress float64
	for _, r := range s.Recoveries {
		out.Total++
		out.TotalSizeGB += r.SizeGB()
		progress += r.OverallProgress()
		ts, ok := byType[r.RecoveryType]
		if !ok {
			ts = &TypeSummary{Type: r.RecoveryType}
			byType[r.RecoveryType] = ts
		}
		ts.Count++
		ts.AvgProgress += r.OverallProgress()
	}
	out.AvgProgress = progress / float64(out.Total)
	for _, ts := range byType {
		ts.AvgProgress /= float64(ts.Count)
		out.ByType = append(out.ByType, *ts)
	}
	sort.Slice(out.ByType, func(i, j int) bool { return out.ByType[i].Type < out.ByType[j].Type })
	return out
}

// ChangeKind classifies a watch-mode change line.
type ChangeKind int

const (
	// ChangeInitial lists a recovery seen on the first poll.
	ChangeInitial ChangeKind = iota
	ChangeNew
	ChangeProgress
	ChangeStage
)

// Change is one recovery that differs from the previous poll.
type Change struct {
	Kind      ChangeKind
	Recovery  model.RecoveryInfo
	Delta     float64
	PrevStage string
}

type recoveryState struct {
	progress float64
	stage    string
}

// RecoveryMonitor tracks recoveries across polls.
type RecoveryMonitor struct {
	insp  *cratedb.Inspector
	clock clockwork.Clock
	opts  RecoveryOptions

	polled    bool
	prev      map[string]recoveryState
	seen      map[string]struct{}
	completed map[string]struct{}
}

// NewRecoveryMonitor returns a monitor. A nil clock uses the real clock.
func NewRecoveryMonitor(insp *cratedb.Inspector, clock clockwork.Clock, opts RecoveryOptions) *RecoveryMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRefreshInterval
	}
	return &RecoveryMonitor{
		insp:      insp,
		clock:     orRealClock(clock),
		opts:      opts,
		prev:      make(map[string]recoveryState),
		seen:      make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// Poll reads recoveries, cluster health and unhealthy shards once.
func (m *RecoveryMonitor) Poll(ctx context.Context) (RecoveryStatus, error) {
	status := RecoveryStatus{At: m.clock.Now()}
	recoveries, err := m.insp.RecoveringShards(ctx, cratedb.RecoveryFilter{
		Table:                m.opts.Table,
		Node:                 m.opts.Node,
		IncludeTransitioning: m.opts.IncludeTransitioning,
	})
	if err != nil {
		return status, err
	}
	for _, r := range recoveries {
		if m.opts.matchesType(r) {
			status.Recoveries = append(status.Recoveries, r)
		}
	}

	log := logging.FromContext(ctx)
	if h, err := m.insp.ClusterHealth(ctx); err != nil {
		log.Warn("failed to read cluster health", "error", err)
	} else {
		status.Health, status.HealthOK = h, true
	}

	problematic, err := m.insp.ProblematicShards(ctx, m.opts.Table, m.opts.Node)
	if err != nil {
		log.Warn("failed to read problematic shards", "error", err)
	}
	status.Pending = notRecovering(problematic, status.Recoveries)
	return status, nil
}

func notRecovering(shards []model.ShardInfo, recoveries []model.RecoveryInfo) []model.ShardInfo {
	recovering := make(map[string]struct{}, len(recoveries))
	for _, r := range recoveries {
		recovering[shardKey(r.SchemaName, r.TableName, r.PartitionIdent, r.ShardID)] = struct{}{}
	}
	var out []model.ShardInfo
	for _, s := range shards {
		if _, ok := recovering[shardKey(s.SchemaName, s.TableName, s.PartitionIdent, s.ShardID)]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func shardKey(schema, table, partition string, id int) string {
	return schema + "." + table + "[" + partition + "]#" + strconv.Itoa(id)
}

// Diff compares status with the previous poll and records it. The first
// call lists every recovery as ChangeInitial.
func (m *RecoveryMonitor) Diff(status RecoveryStatus) []Change {
	var changes []Change
	current := make(map[string]recoveryState, len(status.Recoveries))
	for _, r := range status.Recoveries {
		key := r.Key()
		m.seen[key] = struct{}{}
		if r.IsCompleted() {
			m.completed[key] = struct{}{}
		}
		cur := recoveryState{progress: r.OverallProgress(), stage: r.Stage}
		current[key] = cur

		prev, known := m.prev[key]
		switch {
		case known && prev.progress != cur.progress:
			changes = append(changes, Change{Kind: ChangeProgress, Recovery: r, Delta: cur.progress - prev.progress})
		case known && prev.stage != cur.stage:
			changes = append(changes, Change{Kind: ChangeStage, Recovery: r, PrevStage: prev.stage})
		case known:
		case !m.polled:
			changes = append(changes, Change{Kind: ChangeInitial, Recovery: r})
		case m.opts.IncludeTransitioning || !r.IsCompleted():
			changes = append(changes, Change{Kind: ChangeNew, Recovery: r})
		}
	}
	// A recovery that vanished has finished and transitioned to STARTED.
	for key := range m.prev {
		if _, ok := current[key]; !ok {
			m.completed[key] = struct{}{}
		}
	}
	if status.Stable() {
		current = make(map[string]recoveryState)
	}
	m.prev = current
	m.polled = true
	return changes
}

// WatchSummary is reported when a watch loop stops.
type WatchSummary struct {
	Seen      int
	Completed int
	// Final is the last observation, taken after cancellation. It is nil
	// when that poll failed.
	Final *RecoveryStatus
}

// Watch polls until ctx is cancelled, calling fn with each status and its
// changes, then takes a final observation for the summary.
func (m *RecoveryMonitor) Watch(ctx context.Context, fn func(RecoveryStatus, []Change)) (WatchSummary, error) {
	log := logging.FromContext(ctx)
	for {
		status, err := m.Poll(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			log.Warn("recovery poll failed", "error", err)
		default:
			fn(status, m.Diff(status))
		}
		if !sleep(ctx, m.clock, m.opts.Interval) {
			break
		}
	}

	summary := WatchSummary{Seen: len(m.seen), Completed: len(m.completed)}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalPollTimeout)
	defer cancel()
	if final, err := m.Poll(fctx); err == nil {
		summary.Final = &final
	} else {
		log.Warn("final recovery poll failed", "error", err)
	}
	return summary, nil
}
