// Package maintenance runs the replica reset state machine for tables with
// stuck translogs.
//
// INVARIANTS:
// - Tables are processed one at a time, in order
// - Replicas are only restored after the lease check succeeded
// - A failure while monitoring or restoring ALWAYS attempts a rollback
// - Dry runs send no statement that changes cluster state
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/journal"
	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

// Exit codes of an autoexec run.
const (
	ExitOK      = 0
	ExitFailed  = 2
	ExitPartial = 3
)

const (
	DefaultMaxWait    = 720 * time.Second
	DefaultPercentage = 200.0

	dryRunLeaseAttempts = 3
	rollbackTimeout     = 30 * time.Second
)

var baseDelays = []time.Duration{
	10 * time.Second, 15 * time.Second, 30 * time.Second, 45 * time.Second,
	60 * time.Second, 90 * time.Second, 135 * time.Second, 200 * time.Second,
	300 * time.Second, 450 * time.Second, 720 * time.Second,
}

// ResetState is the position of a table in the replica reset.
type ResetState int

const (
	StateDetected ResetState = iota
	StateSettingReplicasZero
	StateMonitoringLeases
	StateRestoringReplicas
	StateCompleted
	StateFailed
)

func (s ResetState) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateSettingReplicasZero:
		return "setting_replicas_zero"
	case StateMonitoringLeases:
		return "monitoring_leases"
	case StateRestoringReplicas:
		return "restoring_replicas"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BackoffDelays returns the lease polling waits, cut so their sum never
// exceeds maxWait.
func BackoffDelays(maxWait time.Duration) []time.Duration {
	var delays []time.Duration
	var total time.Duration
	for _, d := range baseDelays {
		if total >= maxWait {
			break
		}
		d = min(d, maxWait-total)
		delays = append(delays, d)
		total += d
	}
	return delays
}

// scheduleBackOff replays a fixed list of delays, then stops.
type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *scheduleBackOff) Reset() { s.next = 0 }

// clockTimer drives backoff waits from a clockwork clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

// Options configures an autoexec run.
type Options struct {
	DryRun     bool
	Percentage float64
	MaxWait    time.Duration
}

// AutoExec resets replicas of tables whose translogs are stuck.
type AutoExec struct {
	q       cratedb.Querier
	insp    *cratedb.Inspector
	journal *journal.Journal
	clock   clockwork.Clock
	opts    Options
}

// NewAutoExec creates a runner. j receives dry-run records and may be nil;
// executed statements are journaled by the querier itself.
func NewAutoExec(q cratedb.Querier, j *journal.Journal, clock clockwork.Clock, opts Options) *AutoExec {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &AutoExec{q: q, insp: cratedb.NewInspector(q), journal: j, clock: clock, opts: opts}
}

// ThresholdPercent is how far a table's largest translog is past its
// adaptive threshold, in percent.
func ThresholdPercent(t *model.TranslogTable) float64 {
	threshold := t.AdaptiveThresholdMB
	if threshold <= 0 {
		threshold = model.FallbackAdaptiveMB
	}
	return t.MaxTranslogMB / threshold * 100
}

// SelectTables keeps the tables at or above percentage of their threshold.
func SelectTables(tables []*model.TranslogTable, percentage float64) []*model.TranslogTable {
	var out []*model.TranslogTable
	for _, t := range tables {
		if ThresholdPercent(t) >= percentage {
			out = append(out, t)
		}
	}
	return out
}

// TableOutcome is the result of one table reset.
type TableOutcome struct {
	Table       *model.TranslogTable
	OperationID string
	State       ResetState
	Skipped     bool
	Err         error
	Duration    time.Duration
}

// Result summarizes an autoexec run.
type Result struct {
	Percentage float64
	DryRun     bool
	Outcomes   []TableOutcome
	Elapsed    time.Duration
}

// Succeeded counts completed tables.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateCompleted {
			n++
		}
	}
	return n
}

// Failed returns the tables that need manual attention.
func (r *Result) Failed() []TableOutcome {
	var out []TableOutcome
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			out = append(out, o)
		}
	}
	return out
}

// ExitCode maps the run to a process exit code.
func (r *Result) ExitCode() int {
	failed := len(r.Failed())
	switch {
	case failed == 0:
		return ExitOK
	case r.Succeeded() > 0:
		return ExitPartial
	default:
		return ExitFailed
	}
}

// Run processes every table at or above the configured percentage.
func (a *AutoExec) Run(ctx context.Context, tables []*model.TranslogTable) *Result {
	start := a.clock.Now()
	res := &Result{Percentage: a.opts.Percentage, DryRun: a.opts.DryRun}
	for _, t := range SelectTables(tables, a.opts.Percentage) {
		if ctx.Err() != nil {
			break
		}
		res.Outcomes = append(res.Outcomes, a.processTable(ctx, t))
	}
	res.Elapsed = a.clock.Since(start)
	return res
}

type tableRun struct {
	a     *AutoExec
	t     *model.TranslogTable
	log   *logging.Logger
	state ResetState
	start time.Time
}

func (a *AutoExec) processTable(ctx context.Context, t *model.TranslogTable) TableOutcome {
	opID := uuid.New().String()
	r := &tableRun{
		a:     a,
		t:     t,
		state: StateDetected,
		start: a.clock.Now(),
		log: logging.FromContext(ctx).With(
			"operation_id", opID,
			"table", t.DisplayName(),
			"original_replicas", t.CurrentReplicas.String()),
	}
	out := TableOutcome{Table: t, OperationID: opID}

	switch {
	case !t.CurrentReplicas.Known:
		out.Err = r.fail(ctx, errors.New("current replica count is unknown"))
	case t.CurrentReplicas.Value == 0:
		r.info("Table has no replicas, nothing to reset")
		out.Skipped = true
	default:
		out.Err = r.process(ctx)
	}
	out.State = r.state
	out.Duration = a.clock.Since(r.start)
	return out
}

func (r *tableRun) process(ctx context.Context) error {
	if err := r.setReplicasToZero(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.monitorLeases(ctx); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.restoreReplicas(ctx); err != nil {
		return r.fail(ctx, err)
	}
	r.transition(StateCompleted)
	r.info(fmt.Sprintf("Successfully completed replica reset in %.1fs", r.a.clock.Since(r.start).Seconds()))
	return nil
}

func (r *tableRun) setReplicasToZero(ctx context.Context) error {
	r.transition(StateSettingReplicasZero)
	stmt, err := ReplicasSQL(r.t.SchemaName, r.t.TableName, r.t.PartitionValues, 0)
	if err != nil {
		return err
	}
	r.info(fmt.Sprintf("Setting replicas to 0 (original: %d)", r.t.CurrentReplicas.Value))
	if err := r.execute(ctx, stmt); err != nil {
		return fmt.Errorf("failed to set replicas to 0: %w", err)
	}
	return nil
}

func (r *tableRun) monitorLeases(ctx context.Context) error {
	r.transition(StateMonitoringLeases)
	delays := BackoffDelays(r.a.opts.MaxWait)
	expected := r.t.TotalPrimaryShards

	if r.a.opts.DryRun {
		for i, d := range delays {
			r.info(fmt.Sprintf("DRY RUN: Would wait %.0fs (attempt %d/%d)", d.Seconds(), i+1, len(delays)))
			if i+1 >= dryRunLeaseAttempts {
				r.info("DRY RUN: Simulating retention leases cleared")
				return nil
			}
		}
		return fmt.Errorf("timeout after %.0fs - retention leases not cleared", r.a.opts.MaxWait.Seconds())
	}

	ident := ""
	if r.t.IsPartitioned() {
		ident = r.t.PartitionIdent
	}
	start := r.a.clock.Now()
	attempt, leases := 0, -1
	check := func() error {
		attempt++
		count, err := r.a.insp.MaxRetentionLeases(ctx, r.t.SchemaName, r.t.TableName, ident)
		if err != nil {
			r.log.Error("Error checking retention leases", "state", r.state.String(), "error", err)
		}
		leases = count
		if count == expected {
			return nil
		}
		return fmt.Errorf("%d leases remaining", count)
	}
	notify := func(_ error, wait time.Duration) {
		r.info(fmt.Sprintf("Attempt %d/%d: %d leases remaining, waiting %.0fs", attempt, len(delays), leases, wait.Seconds()))
	}

	policy := backoff.WithContext(&scheduleBackOff{delays: delays}, ctx)
	if err := backoff.RetryNotifyWithTimer(check, policy, notify, &clockTimer{clock: r.a.clock}); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("lease monitoring interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("timeout after %.0fs - %d leases remaining (expected %d)", r.a.opts.MaxWait.Seconds(), leases, expected)
	}
	r.info(fmt.Sprintf("Retention leases cleared after %.1fs (%d attempts)", r.a.clock.Since(start).Seconds(), attempt))
	return nil
}

func (r *tableRun) restoreReplicas(ctx context.Context) error {
	r.transition(StateRestoringReplicas)
	n := r.t.CurrentReplicas.Value
	stmt, err := ReplicasSQL(r.t.SchemaName, r.t.TableName, r.t.PartitionValues, n)
	if err != nil {
		return err
	}
	r.info(fmt.Sprintf("Restoring replicas to %d", n))
	if err := r.execute(ctx, stmt); err != nil {
		return fmt.Errorf("CRITICAL: failed to restore replicas: %w", err)
	}
	return nil
}

// execute sends stmt, or journals it as a dry run.
func (r *tableRun) execute(ctx context.Context, stmt string) error {
	r.info("Executing: " + stmt)
	if !r.a.opts.DryRun {
		_, err := r.a.q.Execute(ctx, stmt)
		return err
	}
	r.info("DRY RUN: Would execute: " + stmt)
	_, err := r.a.journal.Begin(ctx, journal.Operation{
		RunID:     logging.RunID(ctx),
		Type:      journal.Classify(stmt),
		Target:    journal.Target(stmt),
		Statement: stmt,
		DryRun:    true,
	})
	if err != nil {
		r.log.Warn("failed to journal dry run statement", "error", err)
	}
	return nil
}

// fail moves the table to FAILED and rolls back when replicas may
// already be at 0.
func (r *tableRun) fail(ctx context.Context, cause error) error {
	previous := r.state
	r.transition(StateFailed)
	r.log.Error(cause.Error(), "state", r.state.String())
	if previous == StateMonitoringLeases || previous == StateRestoringReplicas {
		r.rollback(ctx)
	}
	return cause
}

func (r *tableRun) rollback(ctx context.Context) {
	if r.a.opts.DryRun {
		r.info("DRY RUN: Would attempt rollback to original replica count")
		return
	}
	n := r.t.CurrentReplicas.Value
	r.info(fmt.Sprintf("Attempting rollback: restoring %d replicas", n))
	stmt, err := ReplicasSQL(r.t.SchemaName, r.t.TableName, r.t.PartitionValues, n)
	if err == nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		r.info("Rollback executing: " + stmt)
		_, err = r.a.q.Execute(rctx, stmt)
	}
	if err != nil {
		r.log.Error("MANUAL INTERVENTION REQUIRED: Rollback failed - "+err.Error(), "state", r.state.String())
		return
	}
	r.info("Rollback successful")
}

func (r *tableRun) transition(next ResetState) {
	prev := r.state
	r.state = next
	r.info(fmt.Sprintf("State transition: %s → %s (%.1fs)", prev, next, r.a.clock.Since(r.start).Seconds()))
}

func (r *tableRun) info(msg string) {
	r.log.Info(msg, "state", r.state.String())
}
