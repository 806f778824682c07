// Package cratedb talks to CrateDB over its HTTP /_sql endpoint and maps
// system-table rows to model types.
//
// Callers depend on the Querier interface. The HTTP Client is one
// implementation; tests substitute cratedbtest.Fake.
package cratedb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Querier executes one SQL statement with positional ? arguments.
type Querier interface {
	Execute(ctx context.Context, stmt string, args ...any) (*Result, error)
}

// Result is the decoded body of a successful /_sql response.
type Result struct {
	Cols     []string `json:"cols"`
	Rows     []Row    `json:"rows"`
	RowCount int64    `json:"rowcount"`
	Duration float64  `json:"duration"`
}

// First returns the first row, or nil when the result is empty.
func (r *Result) First() Row {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Row is one result row. Numbers are decoded as json.Number so that
// large byte counts and sequence numbers keep full precision.
type Row []any

// String returns column i as a string; NULL and missing columns yield "".
func (r Row) String(i int) string {
	return AsString(r.at(i))
}

// Int returns column i as an int.
func (r Row) Int(i int) int {
	return int(AsInt64(r.at(i)))
}

// Int64 returns column i as an int64.
func (r Row) Int64(i int) int64 {
	return AsInt64(r.at(i))
}

// Float returns column i as a float64.
func (r Row) Float(i int) float64 {
	return AsFloat(r.at(i))
}

// Bool returns column i as a bool.
func (r Row) Bool(i int) bool {
	return AsBool(r.at(i))
}

// Map returns column i as an object, or nil.
func (r Row) Map(i int) map[string]any {
	m, _ := r.at(i).(map[string]any)
	return m
}

// IsNull reports whether column i is NULL or absent.
func (r Row) IsNull(i int) bool {
	return r.at(i) == nil
}

func (r Row) at(i int) any {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// AsString converts a decoded JSON value to a string.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// AsInt64 converts a decoded JSON value to an int64. Fractions are truncated.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return int64(f)
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// AsFloat converts a decoded JSON value to a float64.
func AsFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

// AsBool converts a decoded JSON value to a bool.
func AsBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}

type ctxKey int

const (
	timeoutKey ctxKey = iota
	noRetryKey
)

// WithTimeout sets an explicit base timeout for statements executed with
// ctx. It takes precedence over the discovery timeout.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey, d)
}

// WithoutRetry disables retries for statements executed with ctx.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey, true)
}

func explicitTimeout(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(timeoutKey).(time.Duration)
	return d, ok && d > 0
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey).(bool)
	return v
}
