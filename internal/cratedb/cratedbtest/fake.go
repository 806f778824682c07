// Package cratedbtest provides a scripted cratedb.Querier for tests.
package cratedbtest

import (
	"context"
	"strings"
	"sync"

	"github.com/cratedb/xmover/internal/cratedb"
)

// HandlerFunc answers one statement.
type HandlerFunc func(stmt string, args []any) (*cratedb.Result, error)

type rule struct {
	match   string
	handler HandlerFunc
}

// Call is one recorded Execute invocation.
type Call struct {
	Stmt string
	Args []any
}

// Fake matches statements by case-insensitive substring against registered
// rules, in registration order. Unmatched statements return an empty result.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

// NewFake returns a Fake with no rules.
func NewFake() *Fake {
	return &Fake{}
}

// Row builds a result row.
func Row(values ...any) cratedb.Row {
	return cratedb.Row(values)
}

// On answers statements containing match with rows.
func (f *Fake) On(match string, rows ...cratedb.Row) *Fake {
	return f.OnFunc(match, func(string, []any) (*cratedb.Result, error) {
		return &cratedb.Result{Rows: rows, RowCount: int64(len(rows))}, nil
	})
}

// OnError fails statements containing match with err.
func (f *Fake) OnError(match string, err error) *Fake {
	return f.OnFunc(match, func(string, []any) (*cratedb.Result, error) {
		return nil, err
	})
}

// OnFunc answers statements containing match with fn.
func (f *Fake) OnFunc(match string, fn HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: strings.ToUpper(match), handler: fn})
	return f
}

// Execute implements cratedb.Querier.
func (f *Fake) Execute(ctx context.Context, stmt string, args ...any) (*cratedb.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Stmt: stmt, Args: args})
	var handler HandlerFunc
	upper := strings.ToUpper(stmt)
	for _, r := range f.rules {
		if strings.Contains(upper, r.match) {
			handler = r.handler
			break
		}
	}
	f.mu.Unlock()

	if handler == nil {
		return &cratedb.Result{}, nil
	}
	return handler(stmt, args)
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Executed returns the recorded calls whose statement contains match.
func (f *Fake) Executed(match string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	upper := strings.ToUpper(match)
	var out []Call
	for _, c := range f.calls {
		if strings.Contains(strings.ToUpper(c.Stmt), upper) {
			out = append(out, c)
		}
	}
	return out
}
