package analyzer

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

func sizingTables() []model.TableShardStats {
	return []model.TableShardStats{
		{
			SchemaName: "doc", TableName: "events",
			TotalPrimarySizeGB: 120, AvgShardSizeGB: 60, MinShardSizeGB: 55, MaxShardSizeGB: 65,
			PrimaryShards: 2, ReplicaShards: 2, TotalShards: 4, TotalDocuments: 1_000_000, Columns: 10,
		},
		{
			SchemaName: "doc", TableName: "logs", PartitionIdent: "04732",
			TotalPrimarySizeGB: 0.5, AvgShardSizeGB: 0.05, MinShardSizeGB: 0.01, MaxShardSizeGB: 0.2,
			PrimaryShards: 10, TotalShards: 10, Columns: 5, PartitionedBy: "day",
		},
		{
			SchemaName: "doc", TableName: "users",
			TotalPrimarySizeGB: 30, AvgShardSizeGB: 15, MinShardSizeGB: 14, MaxShardSizeGB: 16,
			PrimaryShards: 3, ReplicaShards: 3, TotalShards: 6, Columns: 20,
		},
	}
}

func sizingCluster() model.ClusterCapacity {
	return model.ClusterCapacity{
		TotalNodes:            3,
		TotalCPUCores:         200,
		TotalMemoryGB:         384,
		TotalHeapGB:           100,
		MaxShardsPerNode:      1000,
		ActualMaxShardsOnNode: 950,
		TotalShards:           4000,
	}
}

func ruleNames(vs []Violation) []string {
	var out []string
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestDefaultRuleSet(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	assert.Equal(t, DefaultRulesSource, rs.Source)
	assert.Len(t, rs.Rules, 7)
	assert.Len(t, rs.ClusterRules, 4)

	same, err := LoadRules("")
	require.NoError(t, err)
	assert.Len(t, same.Rules, 7)
}

func TestEvaluate_DefaultRules(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := rs.Evaluate(context.Background(), sizingTables(), sizingCluster(), now)
	require.Len(t, report.Tables, 3)

	events := report.Tables[0]
	assert.Equal(t, []string{"oversized_shards", "under_parallelized"}, ruleNames(events.Violations))
	assert.True(t, events.HasSeverity(SeverityCritical))
	assert.Equal(t, "doc.events", events.Violations[0].Target)
	assert.Equal(t,
		"Largest shard is 65.0GB, above the 50GB limit. Increase the shard count to about 3 primaries.",
		events.Violations[0].Recommendation)

	logs := report.Tables[1]
	assert.Equal(t, []string{"undersized_shards", "missing_replicas"}, ruleNames(logs.Violations))
	assert.Equal(t, "doc.logs[04732]", logs.Violations[0].Target)
	assert.Equal(t, "10 primaries average only 0.05GB. 1 shard(s) would be enough.", logs.Violations[0].Recommendation)

	assert.Empty(t, report.Tables[2].Violations)

	assert.Equal(t, []string{"shard_limit_critical", "heap_per_shard"}, ruleNames(report.ClusterViolations))
	assert.Equal(t, ClusterTarget, report.ClusterViolations[0].Target)
	assert.Equal(t, "Busiest node holds 950 shards, 95% of the 1000 limit.", report.ClusterViolations[0].Recommendation)

	assert.Equal(t, map[Severity]int{SeverityCritical: 2, SeverityWarning: 3, SeverityInfo: 1}, report.CountBySeverity())
}

func TestSizingReport_Filter(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	report := rs.Evaluate(context.Background(), sizingTables(), sizingCluster(), time.Now())

	critical := report.Filter(SeverityCritical)
	require.Len(t, critical.Tables, 1)
	assert.Equal(t, "events", critical.Tables[0].TableName)
	assert.Len(t, critical.ClusterViolations, 1)

	all := report.Filter("")
	assert.Len(t, all.Tables, 2)
	assert.Len(t, all.ClusterViolations, 2)
}

func TestEvaluate_WarningBand(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	c := sizingCluster()
	c.ActualMaxShardsOnNode = 800
	c.TotalHeapGB = 1000
	report := rs.Evaluate(context.Background(), nil, c, time.Now())
	assert.Equal(t, []string{"shard_limit_warning"}, ruleNames(report.ClusterViolations))
}

func TestEvaluate_RuntimeErrorSkipsRule(t *testing.T) {
	rs, err := ParseRules([]byte(`
metadata: {name: custom}
thresholds: {limit: 1}
rules:
  - name: broken_at_runtime
    category: test
    severity: info
    condition: num_columns / thresholds.missing > 1
    recommendation: never rendered
  - name: always
    category: test
    severity: info
    condition: "true"
    recommendation: "{{ .table_name }} has {{ .num_columns }} columns, limit {{ .limit }}"
`), "custom.yaml")
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewWithWriter(&buf, zerolog.DebugLevel))
	report := rs.Evaluate(ctx, sizingTables()[:1], sizingCluster(), time.Now())

	require.Len(t, report.Tables, 1)
	assert.Equal(t, []string{"always"}, ruleNames(report.Tables[0].Violations))
	assert.Equal(t, "events has 10 columns, limit 1", report.Tables[0].Violations[0].Recommendation)
	assert.Contains(t, buf.String(), "broken_at_runtime")
}

func TestParseRules_ReportsEveryProblem(t *testing.T) {
	_, err := ParseRules([]byte(`
metadata: {name: broken}
rules:
  - name: bad_severity
    category: x
    severity: fatal
    condition: num_columns > 1
    recommendation: hi
  - name: bad_syntax
    category: x
    severity: info
    condition: "num_columns >"
    recommendation: hi
  - name: unknown_var
    category: x
    severity: info
    condition: no_such_field > 1
    recommendation: hi
  - category: x
    severity: info
    condition: num_columns > 1
    recommendation: "{{ .unclosed"
`), "broken.yaml")
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	msg := err.Error()
	assert.Contains(t, msg, "missing required field: thresholds")
	assert.Contains(t, msg, "Rule 0 (bad_severity): invalid severity 'fatal'")
	assert.Contains(t, msg, "Rule 1 (bad_syntax): invalid condition")
	assert.Contains(t, msg, "Rule 2 (unknown_var): invalid condition")
	assert.Contains(t, msg, "Rule 3: missing required field 'name'")
	assert.Contains(t, msg, "Rule 3 (unnamed): invalid recommendation template")
	assert.Len(t, merr.Errors, 6)
}

func TestParseRules_CustomValidation(t *testing.T) {
	_, err := ParseRules([]byte(`
metadata: {name: strict}
thresholds: {}
rules:
  - name: loud
    category: x
    severity: urgent
    condition: "true"
    recommendation: hi
cluster_rules:
  - name: hintless
    category: x
    severity: urgent
    condition: total_nodes > 0
    recommendation: hi
validation:
  rule_required_fields: [name, severity, action_hint]
  valid_severities: [urgent]
`), "strict.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rule 0: missing required field 'action_hint'")
	assert.Contains(t, err.Error(), "Cluster rule 0: missing required field 'action_hint'")
	assert.NotContains(t, err.Error(), "invalid severity")
}

func TestParseRules_Empty(t *testing.T) {
	_, err := ParseRules([]byte("# nothing here\n"), "empty.yaml")
	assert.EqualError(t, err, "rules file empty.yaml is empty")

	_, err = ParseRules([]byte("rules: [unterminated"), "bad.yaml")
	assert.ErrorContains(t, err, "failed to parse YAML in bad.yaml")
}

func TestValidateRulesFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, defaultRules, 0o644))
	assert.NoError(t, ValidateRulesFile(good))

	assert.ErrorContains(t, ValidateRulesFile(filepath.Join(dir, "missing.yaml")), "failed to read rules file")
}

func TestWriteCSV(t *testing.T) {
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := rs.Evaluate(context.Background(), sizingTables(), sizingCluster(), now)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, report))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 8)
	assert.Equal(t, csvHeader, rows[0])
	for _, row := range rows {
		assert.Len(t, row, 19)
	}

	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "cluster", "", "", "", "critical", "cluster_capacity", "shard_limit_critical"}, rows[1][:8])
	assert.Empty(t, rows[1][10])

	assert.Equal(t, "table", rows[3][1])
	assert.Equal(t, "events", rows[3][3])
	assert.Equal(t, "oversized_shards", rows[3][7])
	assert.Equal(t, "120", rows[3][10])
	assert.Equal(t, "1000000", rows[3][18])

	assert.Equal(t, "04732", rows[5][4])

	last := rows[7]
	assert.Equal(t, "users", last[3])
	assert.Equal(t, []string{"", "", "", "", ""}, last[5:10])
	assert.Equal(t, "3", last[14])
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	report := &SizingReport{GeneratedAt: time.Now(), Tables: []TableResult{{TableShardStats: sizingTables()[2]}}}
	require.NoError(t, ExportCSV(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timestamp,violation_level")
	assert.Contains(t, string(data), ",table,doc,users,")
}
