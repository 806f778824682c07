package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a journaled operation.
type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
	StateDryRun    State = "dry_run"
)

// Operation describes a statement about to be sent to the cluster.
type Operation struct {
	RunID     string
	Type      string // e.g. set_replicas, reroute_move, rebalance
	Target    string // table, partition or shard the statement acts on
	Statement string
	DryRun    bool
}

// Entry is a stored operation.
type Entry struct {
	ID          int64
	OperationID string
	RunID       string
	Type        string
	Target      string
	Statement   string
	State       State
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ErrNotFound is returned by Get for unknown operation IDs.
var ErrNotFound = errors.New("journal entry not found")

const schemaVersion = "1"

const schema = `
CREATE TABLE IF NOT EXISTS journal_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT NOT NULL UNIQUE,
    run_id TEXT NOT NULL DEFAULT '',
    operation_type TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    statement TEXT NOT NULL,
    state TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_operations_run ON operations(run_id);
`

// Journal records operations. A nil *Journal is valid and records nothing,
// which is how --no-journal is implemented.
type Journal struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// New prepares the schema on db.
func New(ctx context.Context, db *sql.DB) (*Journal, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO journal_meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		return nil, fmt.Errorf("failed to write journal metadata: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Begin records an operation as pending, or as dry_run, and returns its ID.
// INVARIANT: Begin MUST succeed before the statement is sent.
func (j *Journal) Begin(ctx context.Context, op Operation) (string, error) {
	opID := uuid.New().String()
	if j == nil {
		return opID, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	state := StatePending
	if op.DryRun {
		state = StateDryRun
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, run_id, operation_type, target, statement, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		opID, op.RunID, op.Type, op.Target, op.Statement, string(state), j.timestamp())
	if err != nil {
		return "", fmt.Errorf("failed to begin operation: %w", err)
	}
	return opID, nil
}

// Commit marks an operation as successfully executed.
func (j *Journal) Commit(ctx context.Context, opID string) error {
	return j.finish(ctx, opID, StateCommitted, "")
}

// Fail marks an operation as failed with the error message.
func (j *Journal) Fail(ctx context.Context, opID, errMsg string) error {
	return j.finish(ctx, opID, StateFailed, errMsg)
}

func (j *Journal) finish(ctx context.Context, opID string, state State, errMsg string) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, error = ?, completed_at = ? WHERE operation_id = ? AND state = 'pending'`,
		string(state), errMsg, j.timestamp(), opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s: %w", state, err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]*Entry, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation_id, run_id, operation_type, target, statement, state, error, created_at, completed_at
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one entry by operation ID, or every entry of a run when id
// is a run ID.
func (j *Journal) Get(ctx context.Context, id string) ([]*Entry, error) {
	if j == nil {
		return nil, ErrNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation_id, run_id, operation_type, target, statement, state, error, created_at, completed_at
		FROM operations WHERE operation_id = ? OR run_id = ? ORDER BY id ASC`, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

// Pending returns operations that began but never recorded an outcome,
// e.g. because the process was killed mid-run.
func (j *Journal) Pending(ctx context.Context) ([]*Entry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation_id, run_id, operation_type, target, statement, state, error, created_at, completed_at
		FROM operations WHERE state = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) timestamp() string {
	return j.now().UTC().Format(time.RFC3339Nano)
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e         Entry
		state     string
		createdAt string
		completed sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.OperationID, &e.RunID, &e.Type, &e.Target, &e.Statement,
		&state, &e.Error, &createdAt, &completed); err != nil {
		return nil, fmt.Errorf("failed to scan journal entry: %w", err)
	}
	e.State = State(state)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completed.Valid {
		t, err := time.Parse(time.RFC3339Nano, completed.String)
		if err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}
