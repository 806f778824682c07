package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/journal"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/maintenance"
	"github.com/cratedb/xmover/internal/model"
	"github.com/cratedb/xmover/internal/ux"
)

// TranslogOptions are the problematic-translogs flags.
type TranslogOptions struct {
	SizeMB     float64
	Execute    bool
	AutoExec   bool
	DryRun     bool
	Percentage float64
	MaxWait    int
}

// MaintenanceOptions are the check-maintenance flags.
type MaintenanceOptions struct {
	Node            string
	MinAvailability string
	Short           bool
}

// ReadCheckOptions are the read-check flags.
type ReadCheckOptions struct {
	Table   string
	Schema  string
	Probe   bool
	Timeout time.Duration
}

// RunProblematicTranslogs finds replicas whose uncommitted translog exceeds
// their adaptive threshold and optionally resets them.
func RunProblematicTranslogs(ctx context.Context, opts TranslogOptions) error {
	if opts.DryRun && !opts.AutoExec {
		return fmt.Errorf("--dry-run can only be used with --autoexec")
	}
	if opts.AutoExec && opts.Execute {
		return fmt.Errorf("--execute and --autoexec cannot be combined")
	}
	if opts.SizeMB <= 0 {
		return fmt.Errorf("--sizeMB must be positive")
	}
	if opts.MaxWait <= 0 {
		return fmt.Errorf("--max-wait must be positive")
	}

	e, err := GetEngine()
	if err != nil {
		return err
	}
	insp, err := e.Connect()
	if err != nil {
		return err
	}
	report, err := maintenance.Analyze(ctx, insp, opts.SizeMB)
	if err != nil {
		return err
	}
	e.Metrics.ObserveTranslogs(report.Tables)

	if opts.AutoExec {
		return runTranslogAutoExec(ctx, e, insp, report, opts)
	}

	out := e.Out
	out.Title("Problematic Translogs")
	if report.Empty() {
		out.Success("No replica shards above their adaptive translog threshold (--sizeMB %.0f)", opts.SizeMB)
		return nil
	}
	renderTranslogReport(out, report)

	if !opts.Execute {
		out.Println()
		out.Muted("Run with --execute to generate the replica reset SQL, or --autoexec to run it")
		return nil
	}
	plan, err := maintenance.GenerateResetPlan(report)
	if err != nil {
		return err
	}
	renderResetPlan(out, plan)
	return nil
}

func renderTranslogReport(out *ux.Printer, report *maintenance.TranslogReport) {
	out.Section("Adaptive Thresholds")
	tt := ux.NewTable("Table / Partition", "flush_threshold_size", "Threshold")
	for _, g := range report.ThresholdGroups() {
		tt.Row(g.Key, fmt.Sprintf("%.0fMB", g.ConfigMB), fmt.Sprintf("%.0fMB", g.ThresholdMB))
	}
	out.Render(tt)

	out.Section(fmt.Sprintf("Replica Shards (%d)", len(report.Shards)))
	st := ux.NewTable("Table", "Partition", "Shard", "Node", "Uncommitted", "Threshold")
	for _, s := range report.Shards {
		st.Row(model.TableIdentifier(s.SchemaName, s.TableName), ux.PartitionDisplay(s.PartitionLabel()),
			strconv.Itoa(s.ShardID), s.NodeName, fmt.Sprintf("%.1fMB", s.UncommittedMB()), fmt.Sprintf("%.0fMB", s.ThresholdMB))
	}
	out.Render(st)

	out.Section(fmt.Sprintf("Affected Tables (%d)", len(report.Tables)))
	t := ux.NewTable("Table", "Problematic", "Max Translog", "% of Threshold", "Replicas", "Primaries", "Primary Size")
	for _, tbl := range report.Tables {
		t.Row(tbl.DisplayName(), strconv.Itoa(tbl.ProblematicReplicas), fmt.Sprintf("%.1fMB", tbl.MaxTranslogMB),
			fmt.Sprintf("%.0f%%", maintenance.ThresholdPercent(tbl)), tbl.CurrentReplicas.String(),
			strconv.Itoa(tbl.TotalPrimaryShards), ux.FormatSize(tbl.TotalPrimarySizeGB))
	}
	out.Render(t)
}

func renderResetPlan(out *ux.Printer, plan *maintenance.ResetPlan) {
	out.Section(fmt.Sprintf("Replica Reset Plan (%d statements)", plan.StatementCount()))
	step := 0
	header := func(title string) {
		step++
		out.Println()
		out.Printf("%s\n", ux.Styles.Bold.Render(fmt.Sprintf("-- %d. %s", step, title)))
	}

	header("Stop automatic rebalancing")
	out.Println(plan.DisableRebalance)

	header("Cancel allocations of the problematic replicas")
	for _, c := range plan.Cancels {
		out.Println(c)
	}

	header("Drop the replicas")
	for _, tr := range plan.Tables {
		out.Println(tr.SetZero)
	}

	header("Wait until only primary retention leases remain")
	for _, tr := range plan.Tables {
		out.Printf("-- %s: expect %d\n", tr.Table.DisplayName(), tr.Table.TotalPrimaryShards)
		out.Println(tr.LeaseQuery)
	}

	header("Restore the replicas")
	for _, tr := range plan.Tables {
		out.Println(tr.Restore)
	}

	header("Re-enable automatic rebalancing")
	out.Println(plan.EnableRebalance)

	if len(plan.Skipped) > 0 {
		out.Println()
		for _, t := range plan.Skipped {
			out.Warning("Skipped %s: replica count is %s", t.DisplayName(), t.CurrentReplicas)
		}
	}
}

func runTranslogAutoExec(ctx context.Context, e *Engine, insp *cratedb.Inspector, report *maintenance.TranslogReport, opts TranslogOptions) error {
	runID := uuid.New().String()
	log := e.Log.With("command", "problematic-translogs", "run_id", runID, "dry_run", opts.DryRun)
	ctx = logging.WithRunID(logging.WithLogger(ctx, log), runID)
	selected := maintenance.SelectTables(report.Tables, opts.Percentage)
	if len(selected) == 0 {
		log.Info("no tables at or above the percentage threshold",
			"percentage", opts.Percentage, "problematic_tables", len(report.Tables))
		return nil
	}

	lock, err := journal.AcquireRunLock(e.JournalDir(), "problematic-translogs")
	if err != nil {
		if errors.Is(err, journal.ErrLocked) {
			return fmt.Errorf("another replica reset is already running: %w", err)
		}
		return err
	}
	defer lock.Release()

	log.Info("starting replica reset", "tables", len(selected), "percentage", opts.Percentage, "max_wait_s", opts.MaxWait)
	exec := maintenance.NewAutoExec(insp.Querier(), e.Journal, e.Clock, maintenance.Options{
		DryRun:     opts.DryRun,
		Percentage: opts.Percentage,
		MaxWait:    time.Duration(opts.MaxWait) * time.Second,
	})
	res := exec.Run(ctx, report.Tables)

	skipped := 0
	for _, o := range res.Outcomes {
		if o.Skipped {
			skipped++
		}
	}
	failed := res.Failed()
	e.Metrics.ObserveReset(res.Succeeded(), len(failed), skipped)
	log.Info("replica reset finished",
		"succeeded", res.Succeeded(), "failed", len(failed), "skipped", skipped,
		"elapsed_s", res.Elapsed.Seconds())
	for _, o := range failed {
		log.Error("table needs manual attention", "table", o.Table.DisplayName(), "operation_id", o.OperationID, "error", o.Err)
	}

	if code := res.ExitCode(); code != maintenance.ExitOK {
		return &ExitError{Code: code, Err: fmt.Errorf("replica reset failed for %d of %d tables", len(failed), len(res.Outcomes))}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// RunCheckMaintenance evaluates whether a node can be taken down.
func RunCheckMaintenance(ctx context.Context, opts MaintenanceOptions) error {
	availability, err := maintenance.ParseAvailability(opts.MinAvailability)
	if err != nil {
		return err
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

	plan, err := maintenance.CheckNode(ctx, insp, opts.Node, availability)
	if err != nil {
		var nf *maintenance.NodeNotFoundError
		if errors.As(err, &nf) {
			out.Error("Node '%s' not found", nf.Name)
			out.Muted("Available nodes: %s", strings.Join(nf.Available, ", "))
			return &ExitError{Code: 1}
		}
		return err
	}

	if opts.Short {
		out.Println(shortMaintenanceLine(plan))
		return nil
	}
	renderMaintenancePlan(out, plan)
	return nil
}

func shortMaintenanceLine(p *maintenance.Plan) string {
	if p.Safe() {
		return fmt.Sprintf("%s: no shards, safe to take down", p.Node.Name)
	}
	status := "ok"
	switch {
	case p.Isolated():
		status = "isolated in zone " + p.Zone()
	case !p.CapacitySufficient:
		status = "insufficient capacity"
	}
	return fmt.Sprintf("%s (%s): %s to move in %d shards, est. %s, %s",
		p.Node.Name, p.Availability, ux.FormatSize(p.DataToMoveGB), p.ShardsToMove,
		ux.FormatDuration(p.EstimatedDuration), status)
}

func renderMaintenancePlan(out *ux.Printer, p *maintenance.Plan) {
	out.Title(fmt.Sprintf("Maintenance Check: %s", p.Node.Name))
	out.Printf("Zone: %s | Min availability: %s | Disk: %s | Free: %s\n", p.Zone(), p.Availability,
		ux.FormatPercentage(p.Node.DiskUsagePercent()), ux.FormatSize(p.Node.AvailableSpaceGB()))

	if p.Safe() {
		out.Success("Node holds no shards and can be taken down")
		return
	}

	out.Section("Shards on Node")
	summary := ux.NewTable("Primaries", "Replicas", "Total Data", "Fast (convert)", "Slow (move)", "To Move")
	summary.Row(strconv.Itoa(p.PrimaryShards), strconv.Itoa(p.ReplicaShards), ux.FormatSize(p.TotalDataGB),
		strconv.Itoa(len(p.Fast)), strconv.Itoa(len(p.Slow)), ux.FormatSize(p.DataToMoveGB))
	out.Render(summary)

	if verbose {
		t := ux.NewTable("Table", "Shard", "Type", "Size", "Action")
		for _, s := range p.Shards {
			t.Row(model.TableIdentifier(s.SchemaName, s.TableName), strconv.Itoa(s.ShardID),
				shardTypeLetter(s.IsPrimary), ux.FormatSize(s.SizeGB), p.Action(s))
		}
		out.Render(t)
	}

	if !p.Isolated() {
		out.Section(fmt.Sprintf("Target Nodes in Zone %s", p.Zone()))
		t := ux.NewTable("Node", "Free", "Shards", "Max Shards", "Slots Left", "Status")
		for _, c := range p.Candidates {
			status := string(c.Status())
			if c.HasRoom() {
				status = ux.Styles.Success.Render(status)
			} else {
				status = ux.Styles.Warning.Render(status)
			}
			t.Row(c.Node.Name, ux.FormatSize(c.RemainingGB), strconv.Itoa(c.CurrentShards),
				strconv.Itoa(c.MaxShards), strconv.Itoa(c.RemainingShards), status)
		}
		out.Render(t)
		out.Printf("Capacity: %s free for %s, %d shard slots for %d shards\n",
			ux.FormatSize(p.AvailableCapacityGB), ux.FormatSize(p.DataToMoveGB), p.ShardCapacity, p.ShardsToMove)
		out.Printf("Recovery: %s with %d concurrent recoveries per node, est. %s\n",
			ux.FormatThroughput(p.Recovery.MaxBytesPerSec), p.Recovery.NodeConcurrentRecoveries,
			ux.FormatDuration(p.EstimatedDuration))
	}

	out.Section("Recommendations")
	for _, a := range p.Recommendations() {
		out.Println(ux.Panel(a.Title, strings.Join(a.Lines, "\n"), adviceColor(a.Severity)))
	}
}

func adviceColor(s maintenance.Severity) lipgloss.Color {
	switch s {
	case maintenance.SeverityCritical:
		return ux.ColorError
	case maintenance.SeverityWarning:
		return ux.ColorWarning
	case maintenance.SeverityOK:
		return ux.ColorSuccess
	default:
		return ux.ColorInfo
	}
}

// RunReadCheck reports tables whose shards have no started copy.
func RunReadCheck(ctx context.Context, opts ReadCheckOptions) error {
	if opts.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
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

	tables, err := maintenance.ReadCheck(ctx, insp, maintenance.ReadCheckOptions{
		Schema:  opts.Schema,
		Table:   opts.Table,
		Probe:   opts.Probe,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return err
	}

	out.Title("Read Availability")
	if len(tables) == 0 {
		out.Info("No matching tables")
		return nil
	}

	headers := []string{"Table", "Partitions", "Shards", "Unavailable", "Status"}
	if opts.Probe {
		headers = append(headers, "Rows", "Latency")
	}
	t := ux.NewTable(headers...)
	unreadable := 0
	for _, tr := range tables {
		shards := 0
		for _, p := range tr.Partitions {
			shards += p.Shards
		}
		status := ux.Styles.Success.Render("readable")
		if !tr.Readable() {
			unreadable++
			status = ux.Styles.Error.Render("unreadable")
		}
		row := []string{tr.Identifier(), strconv.Itoa(len(tr.Partitions)), strconv.Itoa(shards),
			strconv.Itoa(tr.UnavailableShards()), status}
		if opts.Probe {
			switch {
			case !tr.Probed:
				row = append(row, ux.PartitionPlaceholder, ux.PartitionPlaceholder)
			case tr.ProbeErr != nil:
				row = append(row, ux.Styles.Error.Render("error"), ux.FormatDuration(tr.Latency))
			default:
				row = append(row, ux.FormatCount(tr.Rows), ux.FormatDuration(tr.Latency))
			}
		}
		t.Row(row...)
	}
	out.Render(t)

	for _, tr := range tables {
		if tr.ProbeErr != nil {
			out.Error("%s: %v", tr.Identifier(), tr.ProbeErr)
		}
		if !verbose {
			continue
		}
		for _, p := range tr.Partitions {
			if len(p.Unavailable) == 0 {
				continue
			}
			ids := make([]string, len(p.Unavailable))
			for i, id := range p.Unavailable {
				ids[i] = strconv.Itoa(id)
			}
			out.Bullet("%s %s: shards %s", tr.Identifier(), ux.PartitionDisplay(p.PartitionValues), strings.Join(ids, ", "))
		}
	}

	if unreadable > 0 {
		out.Error("%d of %d tables are not fully readable", unreadable, len(tables))
		return &ExitError{Code: 1}
	}
	out.Success("All %d tables are readable", len(tables))
	return nil
}
