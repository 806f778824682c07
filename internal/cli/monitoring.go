package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cratedb/xmover/internal/model"
	"github.com/cratedb/xmover/internal/monitor"
	"github.com/cratedb/xmover/internal/ux"
)

// RecoveryOptions are the monitor-recovery flags.
type RecoveryOptions struct {
	Table                string
	Node                 string
	Watch                bool
	RefreshInterval      int
	RecoveryType         string
	IncludeTransitioning bool
}

// ActiveShardsOptions are the active-shards flags.
type ActiveShardsOptions struct {
	Count              int
	Interval           int
	MinCheckpointDelta int64
	Table              string
	Node               string
	Watch              bool
	ExcludeSystem      bool
	MinRate            float64
	ShowReplicas       bool
}

// LargeTranslogsOptions are the large-translogs flags.
type LargeTranslogsOptions struct {
	TranslogSize float64
	Interval     int
	Watch        bool
	Table        string
	Node         string
	Count        int
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// RunMonitorRecovery shows active recoveries once, or watches them.
func RunMonitorRecovery(ctx context.Context, opts RecoveryOptions) error {
	recoveryType := strings.ToUpper(opts.RecoveryType)
	switch recoveryType {
	case "PEER", "DISK", "ALL", "":
	default:
		return fmt.Errorf("invalid recovery type %q (use PEER, DISK or all)", opts.RecoveryType)
	}
	if opts.RefreshInterval <= 0 {
		return fmt.Errorf("--refresh-interval must be positive")
	}

	e, err := GetEngine()
	if err != nil {
		return err
	}
	insp, err := e.Connect()
	if err != nil {
		return err
	}
	out := e.Out
	m := monitor.NewRecoveryMonitor(insp, e.Clock, monitor.RecoveryOptions{
		Table:                opts.Table,
		Node:                 opts.Node,
		Type:                 recoveryType,
		IncludeTransitioning: opts.IncludeTransitioning,
		Interval:             seconds(opts.RefreshInterval),
	})

	if !opts.Watch {
		status, err := m.Poll(ctx)
		if err != nil {
			return err
		}
		e.Metrics.ObserveRecoveries(status.Active(), status.Completed(), len(status.Pending))
		renderRecoveryStatus(out, status)
		return nil
	}

	out.Title("Recovery Monitor")
	out.Muted("Polling every %ds, press Ctrl+C to stop", opts.RefreshInterval)
	summary, err := m.Watch(ctx, func(status monitor.RecoveryStatus, changes []monitor.Change) {
		e.Metrics.ObserveRecoveries(status.Active(), status.Completed(), len(status.Pending))
		if len(changes) > 0 && changes[0].Kind == monitor.ChangeInitial {
			renderRecoveryStatus(out, status)
			return
		}
		stamp := ux.Styles.Muted.Render(status.At.Format("15:04:05"))
		if len(changes) == 0 {
			if verbose {
				out.Printf("%s %s\n", stamp, status.StatusText())
			}
			return
		}
		for _, c := range changes {
			out.Printf("%s %s\n", stamp, describeChange(c))
		}
	})
	if err != nil {
		return err
	}

	out.Println()
	out.Section("Monitoring Summary")
	out.Printf("Recoveries seen: %d, completed: %d\n", summary.Seen, summary.Completed)
	if summary.Final != nil {
		renderRecoveryStatus(out, *summary.Final)
	}
	return nil
}

func describeChange(c monitor.Change) string {
	r := c.Recovery
	shard := fmt.Sprintf("%s S%d %s on %s", ux.TableDisplay(r.SchemaName, r.TableName, r.PartitionValues), r.ShardID, shardTypeLetter(r.IsPrimary), r.NodeName)
	switch c.Kind {
	case monitor.ChangeNew:
		return fmt.Sprintf("%s new %s recovery: %s %s", ux.IconInfo.Render(), r.RecoveryType, shard, ux.FormatRecoveryProgress(r))
	case monitor.ChangeStage:
		return fmt.Sprintf("%s %s: %s %s %s", ux.IconArrow, shard, c.PrevStage, ux.IconArrow, r.Stage)
	default:
		icon := ux.IconArrow.Render()
		if r.IsCompleted() {
			icon = ux.IconSuccess.Render()
		}
		return fmt.Sprintf("%s %s: %s (%+.1f%%)", icon, shard, ux.FormatRecoveryProgress(r), c.Delta)
	}
}

func shardTypeLetter(primary bool) string {
	if primary {
		return "P"
	}
	return "R"
}

func renderRecoveryStatus(out *ux.Printer, status monitor.RecoveryStatus) {
	if status.HealthOK {
		h := status.Health
		health := h.Status()
		switch health {
		case "GREEN":
			health = ux.Styles.Success.Render(health)
		case "YELLOW":
			health = ux.Styles.Warning.Render(health)
		default:
			health = ux.Styles.Error.Render(health)
		}
		out.Printf("Cluster health: %s | underreplicated shards: %s | missing shards: %s | %s\n", health,
			ux.FormatCount(h.UnderreplicatedShards), ux.FormatCount(h.MissingShards), status.StatusText())
	} else {
		out.Printf("Cluster: %s\n", status.StatusText())
	}

	if len(status.Recoveries) == 0 {
		out.Success("No active shard recoveries")
	} else {
		sum := status.Summary()
		parts := make([]string, 0, len(sum.ByType))
		for _, ts := range sum.ByType {
			parts = append(parts, fmt.Sprintf("%s: %d (avg %.1f%%)", ts.Type, ts.Count, ts.AvgProgress))
		}
		out.Printf("%d recoveries, %s, avg progress %.1f%% [%s]\n", sum.Total, ux.FormatSize(sum.TotalSizeGB), sum.AvgProgress, strings.Join(parts, ", "))

		t := ux.NewTable("Table", "Shard", "Node", "Type", "Recovery", "Stage", "Progress", "Size", "Source", "Time", "Translog")
		for _, r := range status.Recoveries {
			source := r.SourceNodeName
			if source == "" {
				source = ux.PartitionPlaceholder
			}
			t.Row(ux.TableDisplay(r.SchemaName, r.TableName, r.PartitionValues), strconv.Itoa(r.ShardID), r.NodeName,
				shardTypeLetter(r.IsPrimary), r.RecoveryType, r.Stage, ux.FormatRecoveryProgress(r),
				ux.FormatSize(r.SizeGB()), source, ux.FormatDuration(time.Duration(r.TotalTimeMs)*time.Millisecond),
				ux.FormatTranslog(r.TranslogSize, r.TranslogUncommit))
		}
		out.Render(t)
	}

	if len(status.Pending) > 0 {
		byState := status.PendingByState()
		states := make([]string, 0, len(byState))
		for s := range byState {
			states = append(states, s)
		}
		sort.Strings(states)
		parts := make([]string, 0, len(states))
		for _, s := range states {
			parts = append(parts, fmt.Sprintf("%s %d", s, byState[s]))
		}
		out.Warning("%d shards waiting without an active recovery: %s", len(status.Pending), strings.Join(parts, ", "))
		if verbose {
			t := ux.NewTable("Table", "Shard", "Type", "State", "Node")
			for _, s := range status.Pending {
				node := s.NodeName
				if node == "" {
					node = ux.PartitionPlaceholder
				}
				t.Row(ux.TableDisplay(s.SchemaName, s.TableName, s.PartitionValues), strconv.Itoa(s.ShardID),
					shardTypeLetter(s.IsPrimary), string(s.RoutingState), node)
			}
			out.Render(t)
		}
	}
}

// RunActiveShards compares two checkpoint snapshots.
func RunActiveShards(ctx context.Context, opts ActiveShardsOptions) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	insp, err := e.Connect()
	if err != nil {
		return err
	}
	out := e.Out
	m := monitor.NewActivityMonitor(insp, e.Clock, monitor.ActivityOptions{
		Count:              opts.Count,
		Interval:           seconds(opts.Interval),
		MinCheckpointDelta: opts.MinCheckpointDelta,
		Table:              opts.Table,
		Node:               opts.Node,
		ExcludeSystem:      opts.ExcludeSystem,
		MinRate:            opts.MinRate,
		ShowReplicas:       opts.ShowReplicas,
	})

	out.Title("Most Active Shards")
	out.Muted("Comparing local checkpoints %ds apart (min delta %s)", opts.Interval, ux.FormatCount(opts.MinCheckpointDelta))
	render := func(r monitor.ActivityReport) { renderActivity(out, r, opts.Count) }
	if opts.Watch {
		out.Muted("Press Ctrl+C to stop")
		return m.Watch(ctx, render)
	}
	report, err := m.Observe(ctx)
	if err != nil {
		return err
	}
	render(report)
	return nil
}

func renderActivity(out *ux.Printer, r monitor.ActivityReport, count int) {
	out.Muted("Snapshots: %d and %d shards, %d in both, %d above threshold", r.FirstCount, r.SecondCount, r.Overlap, r.Matched)
	if len(r.Activities) == 0 {
		out.Info("No shard advanced past the minimum checkpoint delta")
		return
	}
	t := ux.NewTable("#", "Table", "Shard", "Type", "Node", "Checkpoint Δ", "Rate/s", "Translog")
	for i, a := range r.Activities {
		s := a.Second
		t.Row(strconv.Itoa(i+1), ux.TableDisplay(s.SchemaName, s.TableName, s.PartitionValues), strconv.Itoa(s.ShardID),
			shardTypeLetter(s.IsPrimary), s.NodeName, ux.FormatCount(a.Delta), fmt.Sprintf("%.1f", a.Rate()),
			ux.FormatTranslog(s.TranslogSize, s.TranslogUncommitted))
	}
	out.Render(t)
	if count > 0 && r.Matched > count {
		out.Muted("Showing top %d of %d active shards", count, r.Matched)
	}
}

// RunLargeTranslogs lists shards with large uncommitted translogs.
func RunLargeTranslogs(ctx context.Context, opts LargeTranslogsOptions) error {
	if opts.Watch && opts.Interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	e, err := GetEngine()
	if err != nil {
		return err
	}
	insp, err := e.Connect()
	if err != nil {
		return err
	}
	out := e.Out
	mopts := monitor.TranslogOptions{
		MinMB:    opts.TranslogSize,
		Interval: seconds(opts.Interval),
		Table:    opts.Table,
		Node:     opts.Node,
		Count:    opts.Count,
	}
	m := monitor.NewTranslogMonitor(insp, e.Clock, mopts)

	render := func(r monitor.TranslogReport) {
		out.Section(fmt.Sprintf("Shards with translog ≥ %s (%s)", mopts.ThresholdLabel(), r.At.Format("15:04:05")))
		renderTranslogShards(out, r)
	}
	if opts.Watch {
		out.Muted("Polling every %ds, press Ctrl+C to stop", opts.Interval)
		return m.Watch(ctx, render)
	}
	report, err := m.Poll(ctx)
	if err != nil {
		return err
	}
	render(report)
	return nil
}

func renderTranslogShards(out *ux.Printer, r monitor.TranslogReport) {
	if len(r.Shards) == 0 {
		out.Success("No shards above the threshold")
		return
	}
	t := ux.NewTable("Table", "Partition", "Shard", "Type", "Node", "Uncommitted", "Translog")
	for _, s := range r.Shards {
		t.Row(model.TableIdentifier(s.SchemaName, s.TableName), ux.PartitionDisplay(s.PartitionLabel()), strconv.Itoa(s.ShardID),
			shardTypeLetter(s.IsPrimary), s.NodeName, ux.FormatBytes(s.TranslogUncommitted), ux.FormatBytes(s.TranslogSize))
	}
	out.Render(t)
	out.Printf("%d shards (%d primaries, %d replicas), avg uncommitted %.0fMB\n", len(r.Shards), r.Primaries(), r.Replicas(), r.AvgMB())
}
