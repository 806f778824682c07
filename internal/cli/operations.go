package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cratedb/xmover/internal/analyzer"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/ux"
)

const (
	maxConcurrentRecoveries = 5
	recoveryPollInterval    = 10 * time.Second
)

// CandidateOptions are the find-candidates flags.
type CandidateOptions struct {
	Table   string
	MinSize float64
	MaxSize float64
	Limit   int
	Node    string
}

// RecommendOptions are the recommend flags.
type RecommendOptions struct {
	Table           string
	MinSize         float64
	MaxSize         float64
	ZoneTolerance   float64
	MinFreeSpace    float64
	MaxMoves        int
	MaxDiskUsage    float64
	Validate        bool
	PrioritizeSpace bool
	Execute         bool
	AutoExecute     bool
	Node            string
}

// RunFindCandidates lists healthy shards in the size range.
func RunFindCandidates(ctx context.Context, opts CandidateOptions) error {
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{})
	if err != nil {
		return err
	}
	out := e.Out
	cands := a.Candidates(analyzer.CandidateOptions{
		Table:     opts.Table,
		Node:      opts.Node,
		MinSizeGB: opts.MinSize,
		MaxSizeGB: opts.MaxSize,
	})

	out.Title(fmt.Sprintf("Move Candidates (%.0f-%.0fGB)", opts.MinSize, opts.MaxSize))
	if len(cands) == 0 {
		out.Warning("No healthy shards found in the size range")
		return nil
	}
	shown := cands
	if opts.Limit > 0 && len(shown) > opts.Limit {
		shown = shown[:opts.Limit]
	}
	t := ux.NewTable("Table", "Partition", "Shard", "Type", "Node", "Zone", "Size", "Node free")
	for _, c := range shown {
		s := c.Shard
		t.Row(s.TableIdentifier(), ux.PartitionDisplay(s.PartitionLabel()), strconv.Itoa(s.ShardID), string(s.ShardType()),
			s.NodeName, s.Zone, ux.FormatSize(s.SizeGB), ux.FormatSize(c.NodeFreeGB))
	}
	out.Render(t)
	if len(cands) > len(shown) {
		out.Muted("... and %d more candidates", len(cands)-len(shown))
	}
	return nil
}

// RunRecommend plans moves and optionally executes them.
func RunRecommend(ctx context.Context, opts RecommendOptions) error {
	if opts.AutoExecute && !opts.Execute {
		return fmt.Errorf("--auto-execute requires --execute")
	}
	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{})
	if err != nil {
		return err
	}
	out := e.Out

	mode := ux.Styles.Success.Render("DRY RUN - analysis only")
	if opts.Execute {
		mode = ux.Styles.Error.Render("EXECUTION MODE")
	}
	out.Println(ux.Panel("Rebalancing Recommendations", mode, ux.ColorPrimary))
	out.Muted("Only healthy shards (STARTED, fully recovered) are considered")
	if opts.PrioritizeSpace {
		out.Muted("Mode: prioritizing available space over zone balance")
	} else {
		out.Muted("Mode: prioritizing zone balance over available space")
	}
	if opts.Node != "" {
		out.Muted("Only moving shards away from %s", opts.Node)
	}
	out.Muted("Safety thresholds: max disk usage %.0f%%, min free space %.0fGB", opts.MaxDiskUsage, opts.MinFreeSpace)

	plan := a.Recommend(analyzer.RecommendOptions{
		Table:           opts.Table,
		SourceNode:      opts.Node,
		MinSizeGB:       opts.MinSize,
		MaxSizeGB:       opts.MaxSize,
		ZoneTolerance:   opts.ZoneTolerance,
		MinFreeSpaceGB:  opts.MinFreeSpace,
		MaxMoves:        opts.MaxMoves,
		MaxDiskUsage:    opts.MaxDiskUsage,
		PrioritizeSpace: opts.PrioritizeSpace,
	})
	if plan.Note != "" {
		out.Info("%s", plan.Note)
	}

	if len(plan.Recommendations) == 0 {
		out.Warning("No safe recommendations found")
		out.Muted("Possible causes: zone conflicts, targets above %.0f%% disk usage, less than %.0fGB free on targets, no shards in %.0f-%.0fGB",
			plan.DiskLimit, opts.MinFreeSpace, opts.MinSize, opts.MaxSize)
		out.Muted("Try: --max-disk-usage 95, --min-free-space 50, --prioritize-space or a different size range")
		if verbose {
			out.Println(analyzer.Explain(plan))
		}
		return nil
	}

	out.Success("Found %d safe move recommendations", len(plan.Recommendations))
	t := ux.NewTable("#", "Table", "Partition", "Shard", "Type", "From", "To", "Size", "Reason")
	for i, r := range plan.Recommendations {
		s := r.Shard
		t.Row(strconv.Itoa(i+1), s.TableIdentifier(), ux.PartitionDisplay(s.PartitionLabel()), strconv.Itoa(s.ShardID),
			string(s.ShardType()), r.FromNode, r.ToNode, ux.FormatSize(s.SizeGB), r.Reason)
	}
	out.Render(t)

	sources, targets := plan.AffectedNodes()
	out.Section("Move Impact Summary")
	out.Printf("Total data to move: %s\n", ux.FormatSize(plan.TotalSizeGB()))
	out.Muted("Source nodes: %s", strings.Join(sources, ", "))
	out.Muted("Target nodes: %s", strings.Join(targets, ", "))
	if verbose {
		out.Println(analyzer.Explain(plan))
	}

	if !opts.Execute {
		out.Println()
		out.Muted("This is a DRY RUN. Use --execute to generate SQL commands.")
		return nil
	}

	out.Section("Generated SQL Commands")
	var safe []analyzer.Recommendation
	for i, r := range plan.Recommendations {
		if opts.Validate {
			v := a.ValidateRecommendation(r, opts.MaxDiskUsage)
			if !v.Safe {
				out.Error("Move %d: UNSAFE - %s", i+1, strings.Join(v.Errors, "; "))
				continue
			}
		}
		out.Println(ux.Styles.Info.Render(fmt.Sprintf("-- Move %d: %s shard %d", i+1, r.Shard.FullTableIdentifier(), r.Shard.ShardID)))
		out.Println(ux.Styles.Success.Render(r.SQL()))
		safe = append(safe, r)
	}

	if !opts.AutoExecute {
		out.Println()
		out.Warning("Commands generated. Review carefully before execution.")
		return nil
	}
	insp, err := e.Connect()
	if err != nil {
		return err
	}
	return autoExecuteMoves(ctx, e, insp, safe)
}

// autoExecuteMoves runs the moves one by one after typed confirmation,
// waiting for recovery capacity before each.
func autoExecuteMoves(ctx context.Context, e *Engine, insp *cratedb.Inspector, moves []analyzer.Recommendation) error {
	out := e.Out
	if len(moves) == 0 {
		out.Warning("No validated moves to execute")
		return nil
	}
	out.Println()
	out.Error("AUTO-EXECUTE MODE: %d moves will be sent to the cluster", len(moves))
	if !ux.ConfirmWord(e.In, out.Writer(), "Execute the moves above", "EXECUTE") {
		out.Info("Auto-execution cancelled")
		return nil
	}
	if !ConfirmAction(fmt.Sprintf("Really execute %d moves?", len(moves))) {
		out.Info("Auto-execution cancelled")
		return nil
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	log := e.Log.With("run_id", runID)
	log.Info("auto-execute started", "moves", len(moves))

	executed, failed := 0, 0
	for i, r := range moves {
		if err := waitForRecoveryCapacity(ctx, e, insp); err != nil {
			return err
		}
		out.Printf("[%d/%d] %s shard %d: %s %s %s\n", i+1, len(moves), r.Shard.FullTableIdentifier(), r.Shard.ShardID, r.FromNode, ux.IconArrow, r.ToNode)
		if _, err := insp.Querier().Execute(ctx, r.SQL()); err != nil {
			failed++
			log.Error("move failed", "table", r.Shard.FullTableIdentifier(), "shard", r.Shard.ShardID, "error", err)
			out.Error("Move failed: %v", err)
			if explanation := analyzer.ExplainError(err.Error()); explanation.Kind != analyzer.ErrGeneric {
				out.Muted("  %s", explanation.Title)
			}
			if i < len(moves)-1 && !ConfirmAction("Continue with the remaining moves?") {
				break
			}
			continue
		}
		executed++
		out.Success("Move started")
	}

	out.Println()
	out.Printf("Executed %d of %d moves (run %s)\n", executed, len(moves), runID)
	out.Muted("Use: xmover monitor-recovery --watch")
	log.Info("auto-execute finished", "executed", executed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d moves failed", failed, len(moves))
	}
	return nil
}

// waitForRecoveryCapacity blocks while the cluster runs
// maxConcurrentRecoveries or more recoveries.
func waitForRecoveryCapacity(ctx context.Context, e *Engine, insp *cratedb.Inspector) error {
	announced := false
	for {
		active, err := insp.ActiveRecoveries(ctx, "", "")
		if err != nil {
			return fmt.Errorf("failed to check active recoveries: %w", err)
		}
		if len(active) < maxConcurrentRecoveries {
			return nil
		}
		if !announced {
			e.Out.Info("%d recoveries in progress, waiting for capacity", len(active))
			announced = true
		}
		if err := sleepClock(ctx, e.Clock, recoveryPollInterval); err != nil {
			return err
		}
	}
}

func sleepClock(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// RunValidateMove checks one move.
func RunValidateMove(ctx context.Context, schemaTable string, shardID int, from, to string, maxDisk float64) error {
	if !ux.ValidatePartitionSyntax(schemaTable) {
		return fmt.Errorf("invalid table %q (use schema.table or schema.table[partition_ident])", schemaTable)
	}
	name, partition := ux.ParseTablePartition(schemaTable)
	schema, table := analyzer.ParseSchemaTable(name)

	e, a, err := loadAnalyzer(ctx, cratedb.ShardFilter{})
	if err != nil {
		return err
	}
	out := e.Out
	out.Title("Validating Shard Move")
	out.Muted("Table: %s, shard %d", schemaTable, shardID)
	out.Muted("From: %s %s To: %s", from, ux.IconArrow, to)

	v := a.ValidateMove(analyzer.MoveRequest{
		Schema:         schema,
		Table:          table,
		PartitionIdent: partition,
		ShardID:        shardID,
		FromNode:       from,
		ToNode:         to,
		MaxDiskUsage:   maxDisk,
	})

	if v.Shard != nil {
		out.Printf("Shard size: %s (%s)\n", ux.FormatSize(v.Shard.SizeGB), v.Shard.ShardType())
	}
	if v.Target != nil && v.Shard != nil {
		out.Printf("Target disk usage: %s %s %s (limit %.1f%%)\n",
			ux.FormatPercentage(v.UsageBefore), ux.IconArrow, ux.FormatPercentage(v.UsageAfter), v.DiskLimit)
	}
	for _, w := range v.Warnings {
		out.Warning("%s", w)
	}
	for _, msg := range v.Errors {
		out.Error("%s", msg)
	}

	out.Println()
	if !v.Safe {
		out.Error("This move should NOT be executed")
		return &ExitError{Code: 1}
	}
	out.Success("This move is safe to execute")
	out.Println(ux.Styles.Success.Render(v.SQL))
	return nil
}
