// Package analyzer evaluates shard sizing rules against table statistics.
//
// INVARIANTS:
// - Rules are loaded and validated before any evaluation
// - A failing rule is logged and skipped; it never aborts the report
// - Evaluation is read-only
package analyzer

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/cratedb/xmover/internal/logging"
	"github.com/cratedb/xmover/internal/model"
)

//go:embed default_rules.yaml
var defaultRules []byte

// DefaultRulesSource names the embedded rules in messages.
const DefaultRulesSource = "<embedded default rules>"

// ClusterTarget is the target of cluster-level violations.
const ClusterTarget = "[CLUSTER]"

var (
	defaultRequiredFields = []string{"name", "category", "severity", "condition", "recommendation"}
	defaultSeverities     = []string{string(SeverityCritical), string(SeverityWarning), string(SeverityInfo)}
)

// Rule is one sizing rule.
type Rule struct {
	Name           string   `yaml:"name"`
	Category       string   `yaml:"category"`
	Severity       Severity `yaml:"severity"`
	Condition      string   `yaml:"condition"`
	Recommendation string   `yaml:"recommendation"`
	ActionHint     string   `yaml:"action_hint"`

	program *vm.Program
	message *template.Template
	hint    *template.Template
}

// RulesValidation customises what a rules file must contain.
type RulesValidation struct {
	RuleRequiredFields []string `yaml:"rule_required_fields"`
	ValidSeverities    []string `yaml:"valid_severities"`
}

// RuleSet is a parsed and compiled rules file.
type RuleSet struct {
	Metadata     map[string]any   `yaml:"metadata" validate:"required"`
	Thresholds   map[string]any   `yaml:"thresholds" validate:"required"`
	Rules        []Rule           `yaml:"rules" validate:"required"`
	ClusterRules []Rule           `yaml:"cluster_rules"`
	Validation   *RulesValidation `yaml:"validation"`

	Source string `yaml:"-"`
}

var rulesValidate = newRulesValidator()

func newRulesValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	return v
}

// DefaultRuleSet returns the embedded rules.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRules(defaultRules, DefaultRulesSource)
}

// LoadRules reads and compiles a rules file. An empty path selects the
// embedded default rules.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data, path)
}

// ParseRules parses, validates and compiles rules. All problems are reported
// together as a *multierror.Error.
func ParseRules(data []byte, source string) (*RuleSet, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", source, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("rules file %s is empty", source)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode rules in %s: %w", source, err)
	}
	rs.Source = source

	var result *multierror.Error
	if err := rulesValidate.Struct(&rs); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("missing required field: %s", fe.Field()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	required, severities := defaultRequiredFields, defaultSeverities
	if rs.Validation != nil {
		if len(rs.Validation.RuleRequiredFields) > 0 {
			required = rs.Validation.RuleRequiredFields
		}
		if len(rs.Validation.ValidSeverities) > 0 {
			severities = rs.Validation.ValidSeverities
		}
	}

	for _, group := range []struct {
		label string
		key   string
		rules []Rule
		env   map[string]any
	}{
		{"Rule", "rules", rs.Rules, tableEnv(model.TableShardStats{}, model.ClusterCapacity{}, rs.Thresholds)},
		{"Cluster rule", "cluster_rules", rs.ClusterRules, clusterEnv(model.ClusterCapacity{}, rs.Thresholds)},
	} {
		rawRules, _ := raw[group.key].([]any)
		for i := range group.rules {
			if i < len(rawRules) {
				fields, _ := rawRules[i].(map[string]any)
				for _, f := range required {
					if _, ok := fields[f]; !ok {
						result = multierror.Append(result, fmt.Errorf("%s %d: missing required field '%s'", group.label, i, f))
					}
				}
			}
			for _, err := range group.rules[i].compile(group.env, severities) {
				result = multierror.Append(result, fmt.Errorf("%s %d (%s): %w", group.label, i, group.rules[i].displayName(), err))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ValidateRulesFile checks a rules file without evaluating it.
func ValidateRulesFile(path string) error {
	_, err := LoadRules(path)
	return err
}

func (r *Rule) displayName() string {
	if r.Name == "" {
		return "unnamed"
	}
	return r.Name
}

func (r *Rule) compile(env map[string]any, severities []string) []error {
	var errs []error
	if r.Severity != "" && !slices.Contains(severities, string(r.Severity)) {
		errs = append(errs, fmt.Errorf("invalid severity '%s'", r.Severity))
	}
	if r.Condition != "" {
		program, err := expr.Compile(r.Condition, expr.Env(env), expr.AsBool())
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid condition: %w", err))
		}
		r.program = program
	}
	funcs := sprig.TxtFuncMap()
	msg, err := template.New(r.Name).Funcs(funcs).Option("missingkey=zero").Parse(r.Recommendation)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid recommendation template: %w", err))
	}
	r.message = msg
	hint, err := template.New(r.Name + "_hint").Funcs(funcs).Option("missingkey=zero").Parse(r.ActionHint)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid action_hint template: %w", err))
	}
	r.hint = hint
	return errs
}

// Violation is a rule that matched one table, partition or the cluster.
type Violation struct {
	Rule           string   `json:"rule_name"`
	Category       string   `json:"category"`
	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation"`
	ActionHint     string   `json:"action_hint,omitempty"`
	Target         string   `json:"table_identifier"`
}

// TableResult is one table or partition with the rules it violates.
type TableResult struct {
	model.TableShardStats
	Violations []Violation `json:"violations"`
}

// HasSeverity reports whether any violation has severity sev.
func (t TableResult) HasSeverity(sev Severity) bool {
	for _, v := range t.Violations {
		if v.Severity == sev {
			return true
		}
	}
	return false
}

// SizingReport is the outcome of evaluating a rule set.
type SizingReport struct {
	GeneratedAt       time.Time             `json:"generated_at"`
	Cluster           model.ClusterCapacity `json:"cluster"`
	Tables            []TableResult         `json:"tables"`
	ClusterViolations []Violation           `json:"cluster_violations"`
}

// CountBySeverity counts table and cluster violations.
func (r *SizingReport) CountBySeverity() map[Severity]int {
	counts := map[Severity]int{SeverityCritical: 0, SeverityWarning: 0, SeverityInfo: 0}
	for _, t := range r.Tables {
		for _, v := range t.Violations {
			counts[v.Severity]++
		}
	}
	for _, v := range r.ClusterViolations {
		counts[v.Severity]++
	}
	return counts
}

// Filter returns a copy restricted to violations of severity sev. Tables
// without matching violations are dropped. An empty sev keeps every table
// that has any violation.
func (r *SizingReport) Filter(sev Severity) *SizingReport {
	out := &SizingReport{GeneratedAt: r.GeneratedAt, Cluster: r.Cluster}
	keep := func(v Violation) bool { return sev == "" || v.Severity == sev }
	for _, v := range r.ClusterViolations {
		if keep(v) {
			out.ClusterViolations = append(out.ClusterViolations, v)
		}
	}
	for _, t := range r.Tables {
		var vs []Violation
		for _, v := range t.Violations {
			if keep(v) {
				vs = append(vs, v)
			}
		}
		if len(vs) > 0 {
			out.Tables = append(out.Tables, TableResult{TableShardStats: t.TableShardStats, Violations: vs})
		}
	}
	return out
}

// Evaluate applies the rules to every table and to the cluster.
func (rs *RuleSet) Evaluate(ctx context.Context, tables []model.TableShardStats, cluster model.ClusterCapacity, now time.Time) *SizingReport {
	log := logging.FromContext(ctx)
	report := &SizingReport{GeneratedAt: now, Cluster: cluster}
	for _, t := range tables {
		env := tableEnv(t, cluster, rs.Thresholds)
		data := templateData(env, rs.Thresholds)
		ratio := 0.0
		if t.MinShardSizeGB > 0 {
			ratio = t.MaxShardSizeGB / t.MinShardSizeGB
		}
		data["ratio"] = ratio
		res := TableResult{TableShardStats: t}
		for i := range rs.Rules {
			v, ok, err := rs.Rules[i].apply(env, data, t.Identifier())
			if err != nil {
				log.Warn("failed to evaluate rule", "rule", rs.Rules[i].Name, "table", t.Identifier(), "error", err)
				continue
			}
			if ok {
				res.Violations = append(res.Violations, v)
			}
		}
		report.Tables = append(report.Tables, res)
	}

	env := clusterEnv(cluster, rs.Thresholds)
	data := templateData(env, rs.Thresholds)
	for i := range rs.ClusterRules {
		v, ok, err := rs.ClusterRules[i].apply(env, data, ClusterTarget)
		if err != nil {
			log.Warn("failed to evaluate cluster rule", "rule", rs.ClusterRules[i].Name, "error", err)
			continue
		}
		if ok {
			report.ClusterViolations = append(report.ClusterViolations, v)
		}
	}
	return report
}

func (r *Rule) apply(env, data map[string]any, target string) (Violation, bool, error) {
	if r.program == nil {
		return Violation{}, false, nil
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return Violation{}, false, err
	}
	matched, _ := out.(bool)
	if !matched {
		return Violation{}, false, nil
	}
	var msg, hint bytes.Buffer
	if err := r.message.Execute(&msg, data); err != nil {
		return Violation{}, false, fmt.Errorf("failed to render recommendation: %w", err)
	}
	if err := r.hint.Execute(&hint, data); err != nil {
		return Violation{}, false, fmt.Errorf("failed to render action hint: %w", err)
	}
	return Violation{
		Rule:           r.Name,
		Category:       r.Category,
		Severity:       r.Severity,
		Recommendation: msg.String(),
		ActionHint:     hint.String(),
		Target:         target,
	}, true, nil
}

func clusterConfig(c model.ClusterCapacity) map[string]any {
	return map[string]any{
		"total_nodes":         c.TotalNodes,
		"total_cpu_cores":     c.TotalCPUCores,
		"total_memory_gb":     c.TotalMemoryGB,
		"total_heap_gb":       c.TotalHeapGB,
		"max_shards_per_node": c.MaxShardsPerNode,
		"total_shards":        c.TotalShards,
	}
}

func thresholdsOrEmpty(t map[string]any) map[string]any {
	if t == nil {
		return map[string]any{}
	}
	return t
}

func tableEnv(t model.TableShardStats, c model.ClusterCapacity, thresholds map[string]any) map[string]any {
	return map[string]any{
		"table_schema":          t.SchemaName,
		"table_name":            t.TableName,
		"partition_ident":       t.PartitionIdent,
		"total_primary_size_gb": t.TotalPrimarySizeGB,
		"avg_shard_size_gb":     t.AvgShardSizeGB,
		"min_shard_size_gb":     t.MinShardSizeGB,
		"max_shard_size_gb":     t.MaxShardSizeGB,
		"num_shards_primary":    t.PrimaryShards,
		"num_shards_replica":    t.ReplicaShards,
		"num_shards_total":      t.TotalShards,
		"total_documents":       t.TotalDocuments,
		"num_columns":           t.Columns,
		"partitioned_by":        t.PartitionedBy,
		"clustered_by":          t.ClusteredBy,
		"cluster_config":        clusterConfig(c),
		"thresholds":            thresholdsOrEmpty(thresholds),
	}
}

// Cluster rules see the busiest node's shard count as max_shards_per_node;
// the configured limit stays under cluster_config.
func clusterEnv(c model.ClusterCapacity, thresholds map[string]any) map[string]any {
	return map[string]any{
		"cluster_config":      clusterConfig(c),
		"thresholds":          thresholdsOrEmpty(thresholds),
		"total_nodes":         c.TotalNodes,
		"total_shards":        c.TotalShards,
		"total_heap_gb":       c.TotalHeapGB,
		"total_memory_gb":     c.TotalMemoryGB,
		"total_cpu_cores":     c.TotalCPUCores,
		"max_shards_per_node": c.ActualMaxShardsOnNode,
	}
}

// templateData flattens thresholds into env without overriding facts.
func templateData(env, thresholds map[string]any) map[string]any {
	data := make(map[string]any, len(env)+len(thresholds))
	for k, v := range thresholds {
		data[k] = v
	}
	for k, v := range env {
		data[k] = v
	}
	return data
}

var csvHeader = []string{
	"timestamp", "violation_level", "table_schema", "table_name", "partition_ident",
	"severity", "category", "rule_name", "recommendation", "action_hint",
	"total_primary_size_gb", "avg_shard_size_gb", "min_shard_size_gb", "max_shard_size_gb",
	"num_shards_primary", "num_shards_replica", "num_shards_total", "num_columns", "total_documents",
}

// WriteCSV exports every cluster violation, and every table or partition
// with one row per violation, or a single row without violation columns.
func WriteCSV(w io.Writer, r *SizingReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	ts := r.GeneratedAt.Format(time.RFC3339)
	for _, v := range r.ClusterViolations {
		row := []string{ts, "cluster", "", "", "", string(v.Severity), v.Category, v.Rule, v.Recommendation, v.ActionHint}
		row = append(row, make([]string, 9)...)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	for _, t := range r.Tables {
		stats := []string{
			formatFloat(t.TotalPrimarySizeGB), formatFloat(t.AvgShardSizeGB),
			formatFloat(t.MinShardSizeGB), formatFloat(t.MaxShardSizeGB),
			strconv.Itoa(t.PrimaryShards), strconv.Itoa(t.ReplicaShards), strconv.Itoa(t.TotalShards),
			strconv.Itoa(t.Columns), strconv.FormatInt(t.TotalDocuments, 10),
		}
		head := []string{ts, "table", t.SchemaName, t.TableName, t.PartitionIdent}
		if len(t.Violations) == 0 {
			row := append(append(slices.Clone(head), "", "", "", "", ""), stats...)
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
			continue
		}
		for _, v := range t.Violations {
			row := append(slices.Clone(head), string(v.Severity), v.Category, v.Rule, v.Recommendation, v.ActionHint)
			row = append(row, stats...)
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes the report to path.
func ExportCSV(path string, r *SizingReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	if err := WriteCSV(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
