package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cratedb/xmover/internal/analyzer"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
	"github.com/cratedb/xmover/internal/ux"
)

// AnalyzeOptions are the analyze flags.
type AnalyzeOptions struct {
	Table      string
	Largest    int
	Smallest   int
	NoZeroSize bool
}

// DeepAnalyzeOptions are the deep-analyze flags.
type DeepAnalyzeOptions struct {
	RulesFile     string
	Schema        string
	Severity      string
	ExportCSV     string
	ValidateRules bool
}

// DistributionOptions are the shard-distribution flags.
type DistributionOptions struct {
	TopTables int
	Table     string
}

// BalanceOptions are the check-balance flags.
type BalanceOptions struct {
	Table     string
	Tolerance float64
}

// ZoneOptions are the zone-analysis flags.
type ZoneOptions struct {
	Table      string
	ShowShards bool
}

// loadAnalyzer connects and snapshots nodes, shards and watermarks.
func loadAnalyzer(ctx context.Context, f cratedb.ShardFilter) (*Engine, *analyzer.Analyzer, error) {
	e, err := GetEngine()
	if err != nil {
		return nil, nil, err
	}
	insp, err := e.Connect()
	if err != nil {
		return nil, nil, err
	}
	a, err := analyzer.Load(ctx, insp, f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load cluster state: %w", err)
	}
	e.Metrics.ObserveNodes(a.Nodes())
	return e, a, nil
}

// RunAnalyze prints the cluster overview and size breakdowns.
func RunAnalyze(ctx context.Context, opts AnalyzeOptions) error {
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{Table: opts.Table, ForAnalysis: true})
	if err != nil {
		return err
	}
	out := e.Out
	ov := a.Overview()

	out.Title("CrateDB Cluster Analysis")
	if opts.Table != "" {
		out.Muted("Table filter: %s", opts.Table)
	}

	t := ux.NewTable("Metric", "Value")
	t.Row("Nodes", strconv.Itoa(ov.Nodes))
	t.Row("Availability zones", strconv.Itoa(ov.Zones))
	t.Row("Total shards", ux.FormatCount(int64(ov.TotalShards)))
	t.Row("Primary shards", ux.FormatCount(int64(ov.PrimaryShards)))
	t.Row("Replica shards", ux.FormatCount(int64(ov.ReplicaShards)))
	t.Row("Total size", ux.FormatSize(ov.TotalSizeGB))
	out.Render(t)

	out.Section("Disk Watermarks")
	wm := ov.Watermarks
	t = ux.NewTable("Low", "High", "Flood stage", "Enabled", "Move limit")
	t.Row(wm.Low, wm.High, wm.FloodStage, strconv.FormatBool(wm.ThresholdEnabled),
		fmt.Sprintf("%.0f%%", analyzer.EffectiveDiskUsageThreshold(wm, analyzer.DefaultSafetyBuffer)))
	out.Render(t)

	out.Section("Zone Distribution")
	zones := make([]string, 0, len(ov.ZoneDistribution))
	for z := range ov.ZoneDistribution {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	t = ux.NewTable("Zone", "Shards", "Share")
	for _, z := range zones {
		n := ov.ZoneDistribution[z]
		share := 0.0
		if ov.TotalShards > 0 {
			share = float64(n) / float64(ov.TotalShards) * 100
		}
		t.Row(z, ux.FormatCount(int64(n)), fmt.Sprintf("%.1f%%", share))
	}
	out.Render(t)

	out.Section("Node Health")
	t = ux.NewTable("Node", "Zone", "Shards", "Size", "Disk", "Heap", "Available", "To low WM", "To high WM")
	for _, n := range ov.NodeHealth {
		name := n.Name
		if n.IsMaster {
			name += " ★"
		}
		t.Row(name, n.Zone, strconv.Itoa(n.Shards), ux.FormatSize(n.SizeGB),
			ux.FormatPercentage(n.DiskUsagePercent), ux.FormatPercentage(n.HeapUsagePercent),
			ux.FormatSize(n.AvailableGB), ux.FormatSize(n.Remaining.ToLowGB), ux.FormatSize(n.Remaining.ToHighGB))
	}
	out.Render(t)
	out.Muted("★ marks the elected master")

	if insp, err := e.Connect(); err == nil {
		if summary, err := insp.DistributionSummary(ctx, true); err != nil {
			e.Log.Warn("distribution summary unavailable", "error", err)
		} else {
			e.Metrics.ObserveDistribution(summary)
			if verbose {
				renderNodeSummary(out, summary.ByNode)
			}
		}
	}

	renderSizeOverview(out, a.ShardSizeOverview())

	if opts.Largest > 0 {
		out.Section(fmt.Sprintf("Largest %d Tables/Partitions", opts.Largest))
		renderTableSizes(out, a.TableSizeBreakdown(analyzer.Largest, opts.Largest))
	}
	if opts.Smallest > 0 {
		out.Section(fmt.Sprintf("Smallest %d Tables/Partitions", opts.Smallest))
		if opts.NoZeroSize {
			tables, skipped := a.SmallestNonZero(opts.Smallest)
			renderTableSizes(out, tables)
			if skipped > 0 {
				out.Muted("%d empty tables/partitions skipped", skipped)
			}
		} else {
			renderTableSizes(out, a.TableSizeBreakdown(analyzer.Smallest, opts.Smallest))
		}
	}

	if schemas := a.SchemaBreakdown(); len(schemas) > 0 {
		out.Section("Schemas")
		t = ux.NewTable("Schema", "Tables", "Partitioned", "Partitions")
		for _, s := range schemas {
			t.Row(s.Schema, strconv.Itoa(s.Tables), strconv.Itoa(s.PartitionedTables), strconv.Itoa(s.Partitions))
		}
		out.Render(t)
	}

	if large := a.LargeShardGroups(); len(large) > 0 {
		out.Section(fmt.Sprintf("Shards ≥ %.0fGB", analyzer.LargeShardGB))
		renderTableSizes(out, large)
	}
	if verbose {
		out.Section("Smallest Average Shard Size")
		renderTableSizes(out, a.SmallestShardGroups(10))
	}
	return nil
}

func renderNodeSummary(out *ux.Printer, byNode map[string]*model.NodeSummary) {
	names := make([]string, 0, len(byNode))
	for n := range byNode {
		names = append(names, n)
	}
	sort.Strings(names)
	out.Section("Shards per Node")
	t := ux.NewTable("Node", "Zone", "Primary", "Replica", "Total", "Size")
	for _, name := range names {
		n := byNode[name]
		t.Row(name, n.Zone, strconv.Itoa(n.Primary), strconv.Itoa(n.Replica), strconv.Itoa(n.Total()), ux.FormatSize(n.TotalSizeGB))
	}
	out.Render(t)
}

func renderSizeOverview(out *ux.Printer, so *analyzer.SizeOverview) {
	out.Section("Shard Size Distribution")
	t := ux.NewTable("Range", "Shards", "Share", "Avg size", "Max size")
	for _, b := range so.Buckets {
		t.Row(b.Name, ux.FormatCount(int64(b.Count)), fmt.Sprintf("%.1f%%", so.Percent(b)),
			ux.FormatSize(b.AvgSizeGB()), ux.FormatSize(b.MaxSizeGB))
	}
	out.Render(t)
	for _, w := range so.Warnings {
		switch w.Severity {
		case analyzer.SeverityCritical:
			out.Error("%s", w.Message)
		case analyzer.SeverityWarning:
			out.Warning("%s", w.Message)
		default:
			out.Info("%s", w.Message)
		}
		if w.Detail != "" {
			out.Muted("  %s", w.Detail)
		}
	}
}

func renderTableSizes(out *ux.Printer, tables []analyzer.TableSize) {
	if len(tables) == 0 {
		out.Muted("No tables found")
		return
	}
	t := ux.NewTable("Table", "Partition", "Primaries", "Replicas", "Min", "Avg", "Max", "Total")
	for _, ts := range tables {
		t.Row(ts.Name(), ts.Partition, strconv.Itoa(ts.PrimaryCount), strconv.Itoa(ts.ReplicaCount),
			ux.FormatSize(ts.MinSizeGB), ux.FormatSize(ts.AvgSizeGB()), ux.FormatSize(ts.MaxSizeGB), ux.FormatSize(ts.TotalSizeGB))
	}
	out.Render(t)
}

// RunDeepAnalyze evaluates the sizing rules.
func RunDeepAnalyze(ctx context.Context, opts DeepAnalyzeOptions) error {
	e, err := GetEngine()
	if err != nil {
		return err
	}
	out := e.Out

	if opts.ValidateRules {
		if opts.RulesFile == "" {
			if _, err := analyzer.DefaultRuleSet(); err != nil {
				return fmt.Errorf("embedded rules are invalid: %w", err)
			}
			out.Success("Embedded rules are valid")
			return nil
		}
		if err := analyzer.ValidateRulesFile(opts.RulesFile); err != nil {
			return fmt.Errorf("rules file %s is invalid: %w", opts.RulesFile, err)
		}
		out.Success("Rules file %s is valid", opts.RulesFile)
		return nil
	}

	var sev analyzer.Severity
	if opts.Severity != "" {
		sev = analyzer.Severity(strings.ToLower(opts.Severity))
		switch sev {
		case analyzer.SeverityCritical, analyzer.SeverityWarning, analyzer.SeverityInfo:
		default:
			return fmt.Errorf("invalid severity %q (use critical, warning or info)", opts.Severity)
		}
	}

	var rs *analyzer.RuleSet
	if opts.RulesFile != "" {
		rs, err = analyzer.LoadRules(opts.RulesFile)
	} else {
		rs, err = analyzer.DefaultRuleSet()
	}
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	insp, err := e.Connect()
	if err != nil {
		return err
	}
	tables, err := insp.TableShardStats(ctx, opts.Schema)
	if err != nil {
		return fmt.Errorf("failed to read table statistics: %w", err)
	}
	cluster, err := insp.ClusterCapacity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cluster capacity: %w", err)
	}
	report := rs.Evaluate(ctx, tables, cluster, e.Clock.Now())

	if opts.ExportCSV != "" {
		if err := analyzer.ExportCSV(opts.ExportCSV, report); err != nil {
			return err
		}
	}

	out.Title("Shard Sizing Analysis")
	out.Muted("Rules: %s", rs.Source)

	t := ux.NewTable("Nodes", "CPU cores", "Memory", "Heap", "Max shards/node", "Busiest node", "Total shards")
	t.Row(strconv.Itoa(cluster.TotalNodes), strconv.Itoa(cluster.TotalCPUCores),
		ux.FormatSize(cluster.TotalMemoryGB), ux.FormatSize(cluster.TotalHeapGB),
		strconv.Itoa(cluster.MaxShardsPerNode), strconv.Itoa(cluster.ActualMaxShardsOnNode),
		ux.FormatCount(int64(cluster.TotalShards)))
	out.Render(t)

	counts := report.CountBySeverity()
	out.Printf("%d tables/partitions analyzed: %s critical, %s warning, %s info\n", len(report.Tables),
		ux.Styles.Error.Render(strconv.Itoa(counts[analyzer.SeverityCritical])),
		ux.Styles.Warning.Render(strconv.Itoa(counts[analyzer.SeverityWarning])),
		ux.Styles.Info.Render(strconv.Itoa(counts[analyzer.SeverityInfo])))

	shown := report.Filter(sev)
	if len(shown.ClusterViolations) > 0 {
		out.Section("Cluster")
		renderViolations(out, shown.ClusterViolations)
	}
	if len(shown.Tables) == 0 && len(shown.ClusterViolations) == 0 {
		out.Success("No rule violations")
	}
	for _, tr := range shown.Tables {
		out.Section(tr.Identifier())
		out.Muted("%d primaries, avg shard %s, max shard %s, %s documents", tr.PrimaryShards,
			ux.FormatSize(tr.AvgShardSizeGB), ux.FormatSize(tr.MaxShardSizeGB), ux.FormatCount(tr.TotalDocuments))
		renderViolations(out, tr.Violations)
	}

	if opts.ExportCSV != "" {
		out.Success("Exported %d tables/partitions to %s", len(report.Tables), opts.ExportCSV)
	}
	return nil
}

func renderViolations(out *ux.Printer, vs []analyzer.Violation) {
	for _, v := range vs {
		switch v.Severity {
		case analyzer.SeverityCritical:
			out.Error("[%s] %s", v.Rule, v.Recommendation)
		case analyzer.SeverityWarning:
			out.Warning("[%s] %s", v.Rule, v.Recommendation)
		default:
			out.Info("[%s] %s", v.Rule, v.Recommendation)
		}
		if v.ActionHint != "" {
			out.Muted("    %s %s", ux.IconArrow, v.ActionHint)
		}
	}
}

// RunShardDistribution prints the per-node layout of the largest tables.
func RunShardDistribution(ctx context.Context, opts DistributionOptions) error {
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{Table: opts.Table, ForAnalysis: true})
	if err != nil {
		return err
	}
	out := e.Out
	dists := a.ShardDistribution(opts.TopTables, opts.Table)
	if len(dists) == 0 {
		out.Warning("No tables found")
		return nil
	}

	out.Title("Shard Distribution")
	for _, d := range dists {
		name := d.Name()
		if d.Partition != "" {
			name += " [" + d.Partition + "]"
		}
		out.Section(name)
		primary, replica, size, docs := d.Totals()
		t := ux.NewTable("Node", "Primary", "Replica", "Total", "Size", "Documents")
		for _, n := range d.Nodes {
			t.Row(n.Node, strconv.Itoa(n.Primary), strconv.Itoa(n.Replica), strconv.Itoa(n.Total()),
				ux.FormatSize(n.SizeGB), ux.FormatCount(n.Documents))
		}
		t.Row("Total", strconv.Itoa(primary), strconv.Itoa(replica), strconv.Itoa(primary+replica),
			ux.FormatSize(size), ux.FormatCount(docs))
		out.Render(t)

		line := fmt.Sprintf("Primary size %s, shard count CV %.1f%% (%s)", ux.FormatSize(d.PrimarySizeGB), d.ShardCountCV*100, d.Evenness)
		switch d.Evenness {
		case analyzer.EvenGood:
			out.Success("%s", line)
		case analyzer.EvenModerate:
			out.Warning("%s", line)
		default:
			out.Error("%s", line)
		}
		if len(d.MissingNodes) > 0 {
			out.Warning("No shards on: %s", strings.Join(d.MissingNodes, ", "))
		}
	}
	return nil
}

// RunCheckBalance compares shard copies per zone against the target.
func RunCheckBalance(ctx context.Context, opts BalanceOptions) error {
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{Table: opts.Table, ForAnalysis: true})
	if err != nil {
		return err
	}
	out := e.Out
	report := a.CheckBalance(opts.Table, opts.Tolerance)
	if report == nil {
		out.Warning("No shards found")
		return nil
	}

	out.Title("Zone Balance Check")
	out.Muted("Target %d shards per zone (±%.0f%%: %.0f to %.0f)", report.TargetPerZone, report.Tolerance, report.LowerBound, report.UpperBound)
	t := ux.NewTable("Zone", "Primary", "Replica", "Total", "Status", "Delta")
	for _, z := range report.Zones {
		status := string(z.Status)
		switch z.Status {
		case analyzer.Balanced:
			status = ux.Styles.Success.Render(status)
		case analyzer.Over:
			status = ux.Styles.Error.Render(status)
		default:
			status = ux.Styles.Warning.Render(status)
		}
		t.Row(z.Zone, strconv.Itoa(z.Primary), strconv.Itoa(z.Replica), strconv.Itoa(z.Total()), status, fmt.Sprintf("%+d", z.Delta))
	}
	out.Render(t)

	stats := a.AnalyzeDistribution(opts.Table)
	out.Printf("Zone balance score: %.1f (%s)\n", stats.ZoneBalanceScore, analyzer.BalanceDescription(stats.ZoneBalanceScore))
	out.Printf("Node balance score: %.1f (%s)\n", stats.NodeBalanceScore, analyzer.BalanceDescription(stats.NodeBalanceScore))

	if report.Balanced() {
		out.Success("All zones are within tolerance")
	} else {
		out.Warning("Zones are out of balance")
		out.Muted("Use: xmover recommend --zone-tolerance %.0f", opts.Tolerance)
	}
	return nil
}

// RunZoneAnalysis lists shard copies per zone and flags conflicts.
func RunZoneAnalysis(ctx context.Context, opts ZoneOptions) error {
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{Table: opts.Table, ForAnalysis: true})
	if err != nil {
		return err
	}
	out := e.Out
	report := a.ZoneAnalysis(opts.Table)
	if len(report.Tables) == 0 {
		out.Warning("No shards found")
		return nil
	}

	out.Title("Zone Analysis")
	for _, tz := range report.Tables {
		conflicts := 0
		for _, s := range tz.Shards {
			if s.ZoneConflict {
				conflicts++
			}
		}
		if !opts.ShowShards && conflicts == 0 {
			continue
		}
		name := tz.Table
		if tz.Partition != "" {
			name += " [" + tz.Partition + "]"
		}
		out.Section(name)
		t := ux.NewTable("Shard", "Primary zone", "Replica zones", "Copies", "Status")
		for _, s := range tz.Shards {
			if !opts.ShowShards && !s.ZoneConflict {
				continue
			}
			status := ux.Styles.Success.Render("ok")
			switch {
			case s.ZoneConflict:
				status = ux.Styles.Error.Render("zone conflict")
			case s.UnderReplicated:
				status = ux.Styles.Warning.Render("under-replicated")
			}
			t.Row(strconv.Itoa(s.ShardID), s.PrimaryZone, strings.Join(s.ReplicaZones, ", "), strconv.Itoa(len(s.Copies)), status)
		}
		out.Render(t)
	}

	out.Println()
	if report.ZoneConflicts > 0 {
		out.Error("%d shards have copies sharing a zone", report.ZoneConflicts)
	} else {
		out.Success("No zone conflicts")
	}
	if report.UnderReplicated > 0 {
		out.Warning("%d shards have no replica", report.UnderReplicated)
	}
	return nil
}
