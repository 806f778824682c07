package journal

import (
	"context"
	"regexp"
	"strings"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/logging"
)

var (
	readOnlyPrefixes = []string{"SELECT", "WITH", "SHOW", "EXPLAIN"}
	alterTableTarget = regexp.MustCompile(`(?i)^ALTER\s+TABLE\s+((?:"[^"]+"|\w+)(?:\.(?:"[^"]+"|\w+))?(?:\s+PARTITION\s*\([^)]*\))?)`)
)

// RecordingQuerier journals every statement that changes cluster state
// before passing it on. Reads go straight through.
type RecordingQuerier struct {
	next    cratedb.Querier
	journal *Journal
}

// NewRecordingQuerier wraps next. A nil journal records nothing.
func NewRecordingQuerier(next cratedb.Querier, j *Journal) *RecordingQuerier {
	return &RecordingQuerier{next: next, journal: j}
}

// Execute implements cratedb.Querier.
func (r *RecordingQuerier) Execute(ctx context.Context, stmt string, args ...any) (*cratedb.Result, error) {
	if r.journal == nil || IsReadOnly(stmt) {
		return r.next.Execute(ctx, stmt, args...)
	}

	opID, err := r.journal.Begin(ctx, Operation{
		RunID:     logging.RunID(ctx),
		Type:      Classify(stmt),
		Target:    Target(stmt),
		Statement: stmt,
	})
	if err != nil {
		return nil, err
	}

	res, execErr := r.next.Execute(ctx, stmt, args...)
	if execErr != nil {
		if err := r.journal.Fail(ctx, opID, execErr.Error()); err != nil {
			logging.FromContext(ctx).Warn("failed to record journal outcome", "operation_id", opID, "error", err)
		}
		return nil, execErr
	}
	if err := r.journal.Commit(ctx, opID); err != nil {
		logging.FromContext(ctx).Warn("failed to record journal outcome", "operation_id", opID, "error", err)
	}
	return res, nil
}

// IsReadOnly reports whether stmt only reads.
func IsReadOnly(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// Classify names the kind of change a statement makes.
func Classify(stmt string) string {
	upper := strings.ToUpper(strings.Join(strings.Fields(stmt), " "))
	switch {
	case strings.Contains(upper, "REROUTE MOVE"):
		return "reroute_move"
	case strings.Contains(upper, "REROUTE CANCEL"):
		return "reroute_cancel"
	case strings.Contains(upper, "NUMBER_OF_REPLICAS"):
		return "set_replicas"
	case strings.HasPrefix(upper, "SET GLOBAL"):
		return "cluster_setting"
	default:
		return "statement"
	}
}

// Target extracts the table (and partition) an ALTER TABLE acts on.
func Target(stmt string) string {
	m := alterTableTarget.FindStringSubmatch(strings.TrimSpace(stmt))
	if m == nil {
		return ""
	}
	return m[1]
}
