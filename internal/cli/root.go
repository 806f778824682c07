// Package cli implements the xmover command-line interface.
// Built with cobra following these operational rules:
//   - Read-only by default; analysis commands never change the cluster
//   - Explicit intent only: SQL is generated for review unless an execute
//     flag is given
//   - All executing actions require confirmation or an explicit autoexec flag
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/ux"
)

var (
	// Global flags
	verbose     bool
	quiet       bool
	debug       bool
	configFile  string
	envFile     string
	noColor     bool
	metricsFile string
	noJournal   bool

	// Command flags read by InitEngine
	connectionString string
	logFormat        string
)

// rootCmd is the base command for xmover.
var rootCmd = &cobra.Command{
	Use:   "xmover",
	Short: "CrateDB shard analysis and rebalancing tool",
	Long: `xmover analyzes shard distribution across the nodes and availability
zones of a CrateDB cluster and generates safe shard moves.

It provides:
  • Cluster, table and zone distribution analysis
  • Zone-aware move recommendations with disk watermark checks
  • Recovery, checkpoint activity and translog monitoring
  • Replica reset for oversized replica translogs
  • Node maintenance pre-flight checks

Connection: CRATE_CONNECTION_STRING (optionally CRATE_USERNAME, CRATE_PASSWORD,
CRATE_SSL_VERIFY), read from the environment or a .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command until it finishes or ctx is cancelled.
func Execute(ctx context.Context) error {
	started := time.Now()
	cmd, err := rootCmd.ExecuteContextC(ctx)
	if engine != nil {
		name := rootCmd.Name()
		if cmd != nil {
			name = cmd.Name()
		}
		engine.Finish(name, time.Since(started), err)
		if cerr := engine.Close(); cerr != nil {
			engine.Log.Warn("failed to close journal", "error", cerr)
		}
	}
	printHint(err)
	return err
}

// printHint shows the connection hint of a failed cluster request.
func printHint(err error) {
	var connErr *cratedb.ConnectionError
	if errors.As(err, &connErr) && connErr.Hint != "" {
		fmt.Fprintf(os.Stderr, "%s %s\n", ux.IconInfo.Render(), ux.Styles.Muted.Render(connErr.Hint))
	}
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show additional detail")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log every SQL statement and its timing")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with CRATE_* settings")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus textfile metrics to this path")
	rootCmd.PersistentFlags().BoolVar(&noJournal, "no-journal", false, "Do not record executed statements in the local journal")

	analyzeCmd.Flags().StringVarP(&analyzeOpts.Table, "table", "t", "", "Analyze a specific table only")
	analyzeCmd.Flags().IntVar(&analyzeOpts.Largest, "largest", 0, "Show the N largest tables/partitions")
	analyzeCmd.Flags().IntVar(&analyzeOpts.Smallest, "smallest", 0, "Show the N smallest tables/partitions")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.NoZeroSize, "no-zero-size", false, "Exclude empty tables from --smallest")

	deepAnalyzeCmd.Flags().StringVar(&deepOpts.RulesFile, "rules-file", "", "YAML rules file (default: embedded rules)")
	deepAnalyzeCmd.Flags().StringVar(&deepOpts.Schema, "schema", "", "Only analyze this schema")
	deepAnalyzeCmd.Flags().StringVar(&deepOpts.Severity, "severity", "", "Only show violations of this severity (critical|warning|info)")
	deepAnalyzeCmd.Flags().StringVar(&deepOpts.ExportCSV, "export-csv", "", "Write every table and violation to a CSV file")
	deepAnalyzeCmd.Flags().BoolVar(&deepOpts.ValidateRules, "validate-rules", false, "Validate the rules file and exit")

	shardDistributionCmd.Flags().IntVar(&distOpts.TopTables, "top-tables", 10, "Number of largest tables to analyze")
	shardDistributionCmd.Flags().StringVar(&distOpts.Table, "table", "", "Analyze a specific table only")

	findCandidatesCmd.Flags().StringVarP(&candidateOpts.Table, "table", "t", "", "Find candidates in a specific table only")
	findCandidatesCmd.Flags().Float64Var(&candidateOpts.MinSize, "min-size", 40, "Minimum shard size in GB")
	findCandidatesCmd.Flags().Float64Var(&candidateOpts.MaxSize, "max-size", 60, "Maximum shard size in GB")
	findCandidatesCmd.Flags().IntVar(&candidateOpts.Limit, "limit", 20, "Maximum number of candidates to show")
	findCandidatesCmd.Flags().StringVar(&candidateOpts.Node, "node", "", "Only show candidates on this node")

	recommendCmd.Flags().StringVarP(&recommendOpts.Table, "table", "t", "", "Generate moves for a specific table only")
	recommendCmd.Flags().Float64Var(&recommendOpts.MinSize, "min-size", 40, "Minimum shard size in GB")
	recommendCmd.Flags().Float64Var(&recommendOpts.MaxSize, "max-size", 60, "Maximum shard size in GB")
	recommendCmd.Flags().Float64Var(&recommendOpts.ZoneTolerance, "zone-tolerance", 10, "Zone balance tolerance in percent")
	recommendCmd.Flags().Float64Var(&recommendOpts.MinFreeSpace, "min-free-space", 100, "Minimum free space on a target node in GB")
	recommendCmd.Flags().IntVar(&recommendOpts.MaxMoves, "max-moves", 10, "Maximum number of moves to recommend")
	recommendCmd.Flags().Float64Var(&recommendOpts.MaxDiskUsage, "max-disk-usage", 90, "Maximum target disk usage in percent")
	recommendCmd.Flags().BoolVar(&recommendOpts.Validate, "validate", true, "Validate each move before generating SQL")
	recommendCmd.Flags().BoolVar(&recommendNoValidate, "no-validate", false, "Skip move validation")
	recommendCmd.Flags().BoolVar(&recommendOpts.PrioritizeSpace, "prioritize-space", false, "Prefer freeing space over balancing zones")
	recommendCmd.Flags().BoolVar(&recommendOpts.Execute, "execute", false, "Generate SQL for the moves")
	recommendCmd.Flags().BoolVar(&recommendOpts.AutoExecute, "auto-execute", false, "DANGER: execute the moves (requires --execute, asks for confirmation)")
	recommendCmd.Flags().StringVar(&recommendOpts.Node, "node", "", "Only move shards away from this node")

	validateMoveCmd.Flags().Float64Var(&validateMaxDisk, "max-disk-usage", 90, "Maximum target disk usage in percent")

	monitorRecoveryCmd.Flags().StringVarP(&recoveryOpts.Table, "table", "t", "", "Monitor a specific table only")
	monitorRecoveryCmd.Flags().StringVarP(&recoveryOpts.Node, "node", "n", "", "Monitor recoveries on this node only")
	monitorRecoveryCmd.Flags().BoolVarP(&recoveryOpts.Watch, "watch", "w", false, "Keep polling and print changes")
	monitorRecoveryCmd.Flags().IntVar(&recoveryOpts.RefreshInterval, "refresh-interval", 10, "Seconds between polls in watch mode")
	monitorRecoveryCmd.Flags().StringVar(&recoveryOpts.RecoveryType, "recovery-type", "all", "PEER, DISK or all")
	monitorRecoveryCmd.Flags().BoolVar(&recoveryOpts.IncludeTransitioning, "include-transitioning", false, "Include completed recoveries still in transition")

	activeShardsCmd.Flags().IntVar(&activeOpts.Count, "count", 10, "Number of most active shards to show")
	activeShardsCmd.Flags().IntVar(&activeOpts.Interval, "interval", 30, "Seconds between the two snapshots")
	activeShardsCmd.Flags().Int64Var(&activeOpts.MinCheckpointDelta, "min-checkpoint-delta", 1000, "Minimum checkpoint progress to report")
	activeShardsCmd.Flags().StringVarP(&activeOpts.Table, "table", "t", "", "Monitor a specific table only")
	activeShardsCmd.Flags().StringVarP(&activeOpts.Node, "node", "n", "", "Monitor a specific node only")
	activeShardsCmd.Flags().BoolVarP(&activeOpts.Watch, "watch", "w", false, "Repeat the comparison continuously")
	activeShardsCmd.Flags().BoolVar(&activeOpts.ExcludeSystem, "exclude-system", false, "Exclude system and log tables")
	activeShardsCmd.Flags().Float64Var(&activeOpts.MinRate, "min-rate", 0, "Minimum checkpoint changes per second")
	activeShardsCmd.Flags().BoolVar(&activeOpts.ShowReplicas, "show-replicas", true, "Include replica shards")
	activeShardsCmd.Flags().BoolVar(&activeHideReplicas, "hide-replicas", false, "Only show primary shards")
	activeShardsCmd.MarkFlagsMutuallyExclusive("show-replicas", "hide-replicas")

	largeTranslogsCmd.Flags().Float64Var(&largeOpts.TranslogSize, "translogsize", 500, "Minimum uncommitted translog size in MB")
	largeTranslogsCmd.Flags().IntVar(&largeOpts.Interval, "interval", 60, "Seconds between polls in watch mode")
	largeTranslogsCmd.Flags().BoolVarP(&largeOpts.Watch, "watch", "w", false, "Keep polling")
	largeTranslogsCmd.Flags().StringVarP(&largeOpts.Table, "table", "t", "", "Only shards of this table (schema.table allowed)")
	largeTranslogsCmd.Flags().StringVarP(&largeOpts.Node, "node", "n", "", "Only shards on this node")
	largeTranslogsCmd.Flags().IntVar(&largeOpts.Count, "count", 50, "Maximum number of shards to show")

	problematicTranslogsCmd.Flags().Float64Var(&translogOpts.SizeMB, "sizeMB", 512, "Minimum uncommitted replica translog size in MB")
	problematicTranslogsCmd.Flags().BoolVar(&translogOpts.Execute, "execute", false, "Generate the replica reset SQL")
	problematicTranslogsCmd.Flags().BoolVar(&translogOpts.AutoExec, "autoexec", false, "Run the replica reset automatically")
	problematicTranslogsCmd.Flags().BoolVar(&translogOpts.DryRun, "dry-run", false, "With --autoexec: log statements instead of executing them")
	problematicTranslogsCmd.Flags().Float64Var(&translogOpts.Percentage, "percentage", 200, "With --autoexec: only tables at or above this percent of their threshold")
	problematicTranslogsCmd.Flags().IntVar(&translogOpts.MaxWait, "max-wait", 720, "With --autoexec: seconds to wait for retention leases per table")
	problematicTranslogsCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
	problematicTranslogsCmd.MarkFlagsMutuallyExclusive("execute", "autoexec")

	checkMaintenanceCmd.Flags().StringVar(&maintenanceOpts.Node, "node", "", "Node to take down for maintenance")
	checkMaintenanceCmd.Flags().StringVar(&maintenanceOpts.MinAvailability, "min-availability", "", "full or primaries")
	checkMaintenanceCmd.Flags().BoolVar(&maintenanceOpts.Short, "short", false, "Print a single summary line")
	_ = checkMaintenanceCmd.MarkFlagRequired("node")
	_ = checkMaintenanceCmd.MarkFlagRequired("min-availability")
	recommendCmd.MarkFlagsMutuallyExclusive("validate", "no-validate")

	testConnectionCmd.Flags().StringVar(&connectionString, "connection-string", "", "Override CRATE_CONNECTION_STRING")
	testConnectionCmd.Flags().BoolVar(&diagnoseConnection, "diagnose", false, "Run step-by-step connectivity diagnostics")

	checkBalanceCmd.Flags().StringVarP(&balanceOpts.Table, "table", "t", "", "Check a specific table only")
	checkBalanceCmd.Flags().Float64Var(&balanceOpts.Tolerance, "tolerance", 10, "Allowed deviation from the target in percent")

	zoneAnalysisCmd.Flags().StringVarP(&zoneOpts.Table, "table", "t", "", "Analyze a specific table only")
	zoneAnalysisCmd.Flags().BoolVar(&zoneOpts.ShowShards, "show-shards", false, "List every shard with its zones")

	readCheckCmd.Flags().StringVar(&readOpts.Table, "table", "", "Check a specific table only")
	readCheckCmd.Flags().StringVar(&readOpts.Schema, "schema", "", "Check a specific schema only")
	readCheckCmd.Flags().BoolVar(&readOpts.Probe, "probe", false, "Run SELECT COUNT(*) per table")
	readCheckCmd.Flags().DurationVar(&readOpts.Timeout, "timeout", 10*time.Second, "Probe timeout per table")

	journalListCmd.Flags().IntVar(&journalLimit, "limit", 50, "Number of entries to show")
	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalShowCmd)

	// Add command groups
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(deepAnalyzeCmd)
	rootCmd.AddCommand(shardDistributionCmd)
	rootCmd.AddCommand(findCandidatesCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(validateMoveCmd)
	rootCmd.AddCommand(monitorRecoveryCmd)
	rootCmd.AddCommand(activeShardsCmd)
	rootCmd.AddCommand(largeTranslogsCmd)
	rootCmd.AddCommand(problematicTranslogsCmd)
	rootCmd.AddCommand(checkMaintenanceCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(explainErrorCmd)
	rootCmd.AddCommand(checkBalanceCmd)
	rootCmd.AddCommand(zoneAnalysisCmd)
	rootCmd.AddCommand(readCheckCmd)
	rootCmd.AddCommand(journalCmd)
}

var (
	analyzeOpts         AnalyzeOptions
	deepOpts            DeepAnalyzeOptions
	distOpts            DistributionOptions
	candidateOpts       CandidateOptions
	recommendOpts       RecommendOptions
	recommendNoValidate bool
	validateMaxDisk     float64
	recoveryOpts        RecoveryOptions
	activeOpts          ActiveShardsOptions
	activeHideReplicas  bool
	largeOpts           LargeTranslogsOptions
	translogOpts        TranslogOptions
	maintenanceOpts     MaintenanceOptions
	diagnoseConnection  bool
	balanceOpts         BalanceOptions
	zoneOpts            ZoneOptions
	readOpts            ReadCheckOptions
	journalLimit        int
)

// --- Analysis ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze shard distribution across nodes and zones",
	Long: `Show the cluster overview, watermarks, node health, shard size buckets
and the table/partition size breakdown.

Read-only.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAnalyze(cmd.Context(), analyzeOpts)
	},
}

var deepAnalyzeCmd = &cobra.Command{
	Use:   "deep-analyze",
	Short: "Evaluate shard sizing rules against every table",
	Long: `Evaluate the rules of a YAML rules file (or the embedded defaults)
against every table and partition and the cluster configuration.

Read-only.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDeepAnalyze(cmd.Context(), deepOpts)
	},
}

var shardDistributionCmd = &cobra.Command{
	Use:   "shard-distribution",
	Short: "Show per-node shard distribution of the largest tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunShardDistribution(cmd.Context(), distOpts)
	},
}

var checkBalanceCmd = &cobra.Command{
	Use:   "check-balance",
	Short: "Check zone balance of shard copies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCheckBalance(cmd.Context(), balanceOpts)
	},
}

var zoneAnalysisCmd = &cobra.Command{
	Use:   "zone-analysis",
	Short: "Show shard copies per zone and zone conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunZoneAnalysis(cmd.Context(), zoneOpts)
	},
}

// --- Operations ---

var findCandidatesCmd = &cobra.Command{
	Use:   "find-candidates",
	Short: "Find healthy shards in a size range that can be moved",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunFindCandidates(cmd.Context(), candidateOpts)
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Generate shard move recommendations",
	Long: `Generate zone-aware shard moves that respect disk watermarks.

Without --execute this is a dry run. --execute prints the SQL for review.
--execute --auto-execute runs the moves after typed confirmation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := recommendOpts
		if recommendNoValidate {
			opts.Validate = false
		}
		return RunRecommend(cmd.Context(), opts)
	},
}

var validateMoveCmd = &cobra.Command{
	Use:   "validate-move SCHEMA.TABLE SHARD_ID FROM_NODE TO_NODE",
	Short: "Validate a single shard move",
	Long: `Check a move against the same constraints recommend uses. The table
may carry a partition ident in brackets: doc.events[04732d1g60qj4e1i60o30c1g].

Read-only. Exits with status 1 when the move is unsafe.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		shardID, err := strconv.Atoi(args[1])
		if err != nil || shardID < 0 {
			return fmt.Errorf("invalid shard id %q", args[1])
		}
		return RunValidateMove(cmd.Context(), args[0], shardID, args[2], args[3], validateMaxDisk)
	},
}

// --- Monitoring ---

var monitorRecoveryCmd = &cobra.Command{
	Use:   "monitor-recovery",
	Short: "Monitor active shard recoveries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunMonitorRecovery(cmd.Context(), recoveryOpts)
	},
}

var activeShardsCmd = &cobra.Command{
	Use:   "active-shards",
	Short: "Show the shards with the most write activity",
	Long: `Take two snapshots of the local checkpoints and report the shards that
advanced the most in between.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := activeOpts
		if activeHideReplicas {
			opts.ShowReplicas = false
		}
		return RunActiveShards(cmd.Context(), opts)
	},
}

var largeTranslogsCmd = &cobra.Command{
	Use:   "large-translogs",
	Short: "List shards with large uncommitted translogs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunLargeTranslogs(cmd.Context(), largeOpts)
	},
}

// --- Maintenance ---

var problematicTranslogsCmd = &cobra.Command{
	Use:   "problematic-translogs",
	Short: "Find replicas with oversized translogs and reset them",
	Long: `Find replica shards whose uncommitted translog exceeds the adaptive
threshold of their table (110% of translog.flush_threshold_size).

--execute prints the six-step replica reset SQL.
--autoexec runs the reset per table and exits with 0 (all succeeded),
3 (partial) or 2 (all failed).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunProblematicTranslogs(cmd.Context(), translogOpts)
	},
}

var checkMaintenanceCmd = &cobra.Command{
	Use:   "check-maintenance",
	Short: "Check whether a node can be drained for maintenance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunCheckMaintenance(cmd.Context(), maintenanceOpts)
	},
}

var readCheckCmd = &cobra.Command{
	Use:   "read-check",
	Short: "Check that every table has a started copy of each shard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunReadCheck(cmd.Context(), readOpts)
	},
}

// --- Diagnostics ---

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Test the connection to CrateDB",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTestConnection(cmd.Context(), diagnoseConnection)
	},
}

var explainErrorCmd = &cobra.Command{
	Use:   "explain-error [message]",
	Short: "Explain a CrateDB allocation error",
	Long:  `Explain an error message returned by a REROUTE statement. Reads stdin when no message is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		message := ""
		if len(args) > 0 {
			message = strings.Join(args, " ")
		}
		return RunExplainError(message)
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local journal of executed statements",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent journal entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunJournalList(cmd.Context(), journalLimit)
	},
}

var journalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an operation or every operation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunJournalShow(cmd.Context(), args[0])
	},
}
