package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/analyzer"
	"github.com/cratedb/xmover/internal/config"
	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
	"github.com/cratedb/xmover/internal/ux"
)

// useEngine installs an engine backed by q, reading answers from input.
func useEngine(t *testing.T, q cratedb.Querier, input string) (*Engine, *bytes.Buffer, *clockwork.FakeClock) {
	t.Helper()
	var buf bytes.Buffer
	clock := clockwork.NewFakeClock()
	e := &Engine{
		Config: config.DefaultConfig(),
		Log:    logging.Nop(),
		Out:    ux.NewPrinter(&buf, false),
		In:     bufio.NewReader(strings.NewReader(input)),
		Clock:  clock,
	}
	if q != nil {
		e.inspector = cratedb.NewInspector(q)
	}
	engine = e
	t.Cleanup(func() { engine = nil })
	return e, &buf, clock
}

func moves() []analyzer.Recommendation {
	shard := func(id int) model.ShardInfo {
		return model.ShardInfo{SchemaName: "doc", TableName: "events", ShardID: id, SizeGB: 12}
	}
	return []analyzer.Recommendation{
		{Shard: shard(0), FromNode: "data-a1", ToNode: "data-a2"},
		{Shard: shard(1), FromNode: "data-a1", ToNode: "data-a3"},
	}
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit status 3", (&ExitError{Code: 3}).Error())

	cause := errors.New("replica reset failed")
	err := error(&ExitError{Code: 2, Err: cause})
	assert.Equal(t, "replica reset failed", err.Error())
	assert.ErrorIs(t, err, cause)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestRunRecommend_AutoExecuteRequiresExecute(t *testing.T) {
	err := RunRecommend(context.Background(), RecommendOptions{AutoExecute: true})
	assert.EqualError(t, err, "--auto-execute requires --execute")
}

func TestRunProblematicTranslogs_FlagValidation(t *testing.T) {
	ctx := context.Background()
	err := RunProblematicTranslogs(ctx, TranslogOptions{SizeMB: 512, MaxWait: 720, DryRun: true})
	assert.EqualError(t, err, "--dry-run can only be used with --autoexec")

	err = RunProblematicTranslogs(ctx, TranslogOptions{SizeMB: 512, MaxWait: 720, Execute: true, AutoExec: true})
	assert.Error(t, err)
}

func TestRunMonitorRecovery_InvalidType(t *testing.T) {
	err := RunMonitorRecovery(context.Background(), RecoveryOptions{RecoveryType: "snapshot", RefreshInterval: 10})
	assert.ErrorContains(t, err, "invalid recovery type")
}

func TestRunCheckMaintenance_UnknownNode(t *testing.T) {
	fake := cratedbtest.NewFake().On("SELECT id, name FROM sys.nodes WHERE name IS NOT NULL",
		cratedbtest.Row("id-a1", "data-a1"),
		cratedbtest.Row("id-b1", "data-b1"),
	)
	_, buf, _ := useEngine(t, fake, "")

	err := RunCheckMaintenance(context.Background(), MaintenanceOptions{Node: "data-z9", MinAvailability: "primaries"})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, buf.String(), "Node 'data-z9' not found")
	assert.Contains(t, buf.String(), "data-a1, data-b1")
}

func TestRunCheckMaintenance_InvalidAvailability(t *testing.T) {
	err := RunCheckMaintenance(context.Background(), MaintenanceOptions{Node: "data-a1", MinAvailability: "some"})
	assert.Error(t, err)
}

func TestRunReadCheck_UnreadableTable(t *testing.T) {
	fake := cratedbtest.NewFake().On("AS started_copies",
		cratedbtest.Row("doc", "logs", "04732", "(day=1)", 0, 2, 2),
		cratedbtest.Row("doc", "logs", "04732", "(day=1)", 1, 0, 2),
		cratedbtest.Row("doc", "events", nil, nil, 0, 1, 1),
	)
	_, buf, _ := useEngine(t, fake, "")

	err := RunReadCheck(context.Background(), ReadCheckOptions{Timeout: time.Second})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, buf.String(), "unreadable")
	assert.Contains(t, buf.String(), "1 of 2 tables are not fully readable")
}

func TestRunExplainError_ReadsMessageFromInput(t *testing.T) {
	_, buf, _ := useEngine(t, nil, "NO(disk usage exceeded) on node data-a2\n\nignored\n")

	require.NoError(t, RunExplainError(""))
	assert.Contains(t, buf.String(), "Paste the CrateDB error message")
	assert.Contains(t, buf.String(), "Disk Usage Exceeded Error")
}

func TestRunExplainError_EmptyInput(t *testing.T) {
	useEngine(t, nil, "\n")
	assert.EqualError(t, RunExplainError("  "), "no error message given")
}

func TestRunJournal_Disabled(t *testing.T) {
	useEngine(t, nil, "")
	assert.ErrorContains(t, RunJournalList(context.Background(), 10), "journal is disabled")
	assert.ErrorContains(t, RunJournalShow(context.Background(), "abc"), "journal is disabled")
}

func TestAutoExecuteMoves_CancelledWithoutConfirmation(t *testing.T) {
	fake := cratedbtest.NewFake()
	e, buf, _ := useEngine(t, fake, "execute\n")

	require.NoError(t, autoExecuteMoves(context.Background(), e, e.inspector, moves()))
	assert.Contains(t, buf.String(), "Auto-execution cancelled")
	assert.Empty(t, fake.Executed("REROUTE MOVE SHARD"))
}

func TestAutoExecuteMoves_ExecutesEveryMove(t *testing.T) {
	fake := cratedbtest.NewFake()
	e, buf, _ := useEngine(t, fake, "EXECUTE\ny\n")

	require.NoError(t, autoExecuteMoves(context.Background(), e, e.inspector, moves()))
	calls := fake.Executed("REROUTE MOVE SHARD")
	require.Len(t, calls, 2)
	assert.Equal(t, `ALTER TABLE "doc"."events" REROUTE MOVE SHARD 0 FROM 'data-a1' TO 'data-a2';`, calls[0].Stmt)
	assert.Contains(t, buf.String(), "Executed 2 of 2 moves")
}

func TestAutoExecuteMoves_StopsAfterFailureWhenDeclined(t *testing.T) {
	fake := cratedbtest.NewFake().OnError("REROUTE MOVE SHARD 0",
		&cratedb.SQLError{Message: "NO(a copy of this shard is already allocated to this node)"})
	e, buf, _ := useEngine(t, fake, "EXECUTE\ny\nn\n")

	err := autoExecuteMoves(context.Background(), e, e.inspector, moves())
	assert.EqualError(t, err, "1 of 2 moves failed")
	assert.Len(t, fake.Executed("REROUTE MOVE SHARD"), 1)
	assert.Contains(t, buf.String(), "Shard Already Allocated Error")
}

func TestWaitForRecoveryCapacity(t *testing.T) {
	var polls atomic.Int64
	busy := make([]cratedb.Row, maxConcurrentRecoveries)
	for i := range busy {
		busy[i] = cratedbtest.Row("doc", "events", "", i, "INITIALIZING", "", "n1", false)
	}
	fake := cratedbtest.NewFake().OnFunc("current_state != 'STARTED'", func(string, []any) (*cratedb.Result, error) {
		if polls.Add(1) == 1 {
			return &cratedb.Result{Rows: busy, RowCount: int64(len(busy))}, nil
		}
		return &cratedb.Result{}, nil
	})
	e, buf, clock := useEngine(t, fake, "")

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- waitForRecoveryCapacity(ctx, e, e.inspector) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(recoveryPollInterval)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), polls.Load())
	assert.Contains(t, buf.String(), "5 recoveries in progress")
}

func TestWaitForRecoveryCapacity_Cancelled(t *testing.T) {
	busy := make([]cratedb.Row, maxConcurrentRecoveries)
	for i := range busy {
		busy[i] = cratedbtest.Row("doc", "events", "", i, "RELOCATING", "", "n1", true)
	}
	fake := cratedbtest.NewFake().On("current_state != 'STARTED'", busy...)
	e, _, clock := useEngine(t, fake, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- waitForRecoveryCapacity(ctx, e, e.inspector) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitorCommands_ShortFlags(t *testing.T) {
	for _, cmd := range []*cobra.Command{monitorRecoveryCmd, activeShardsCmd, largeTranslogsCmd} {
		for short, long := range map[string]string{"t": "table", "n": "node", "w": "watch"} {
			f := cmd.Flags().ShorthandLookup(short)
			require.NotNil(t, f, "%s -%s", cmd.Name(), short)
			assert.Equal(t, long, f.Name)
		}
	}
}

func TestActiveShards_HideReplicasFlag(t *testing.T) {
	flags := activeShardsCmd.Flags()
	t.Cleanup(func() {
		activeHideReplicas = false
		activeOpts.ShowReplicas = true
		flags.Lookup("hide-replicas").Changed = false
		flags.Lookup("show-replicas").Changed = false
	})

	require.NoError(t, activeShardsCmd.ParseFlags([]string{"--hide-replicas"}))
	assert.True(t, activeHideReplicas)
	require.NoError(t, activeShardsCmd.ValidateFlagGroups())

	require.NoError(t, activeShardsCmd.ParseFlags([]string{"--show-replicas"}))
	assert.Error(t, activeShardsCmd.ValidateFlagGroups())
}

func TestCheckMaintenance_RequiresAvailability(t *testing.T) {
	err := checkMaintenanceCmd.ValidateRequiredFlags()
	assert.ErrorContains(t, err, `"min-availability"`)
}
