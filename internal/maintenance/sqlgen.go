package maintenance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
)

// Cluster-wide rebalancing toggles wrapped around a replica reset.
const (
	DisableRebalanceSQL = `SET GLOBAL PERSISTENT "cluster.routing.rebalance.enable"='none';`
	EnableRebalanceSQL  = `SET GLOBAL PERSISTENT "cluster.routing.rebalance.enable"='all';`
)

// PartitionNull is how CrateDB renders the values of the NULL partition.
const PartitionNull = "NULL"

// ErrEmptyIdentifier is returned for empty schema or table names.
var ErrEmptyIdentifier = errors.New("identifier cannot be empty")

// ValidateIdentifier rejects names that cannot be double-quoted safely.
func ValidateIdentifier(name string) error {
	if name == "" {
		return ErrEmptyIdentifier
	}
	if strings.Contains(name, `"`) {
		return fmt.Errorf("identifier contains invalid character: %s", name)
	}
	return nil
}

func tableClause(schema, table, partitionValues string) (string, error) {
	if err := ValidateIdentifier(schema); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(table); err != nil {
		return "", err
	}
	clause := fmt.Sprintf(`ALTER TABLE "%s"."%s"`, schema, table)
	if partitionValues != "" && partitionValues != PartitionNull {
		clause += " PARTITION " + partitionValues
	}
	return clause, nil
}

// ReplicasSQL sets number_of_replicas on a table or one partition.
func ReplicasSQL(schema, table, partitionValues string, replicas int) (string, error) {
	clause, err := tableClause(schema, table, partitionValues)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s SET ("number_of_replicas" = %d);`, clause, replicas), nil
}

// RerouteCancelSQL cancels the allocation of one replica copy.
func RerouteCancelSQL(s model.TranslogShard) (string, error) {
	clause, err := tableClause(s.SchemaName, s.TableName, s.PartitionValues)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s REROUTE CANCEL SHARD %d on '%s' WITH (allow_primary=False);`,
		clause, s.ShardID, strings.ReplaceAll(s.NodeName, "'", "''")), nil
}

// FormatQueryForDisplay substitutes ? placeholders with quoted literals.
// The result is for humans to copy; it is never executed by xmover.
func FormatQueryForDisplay(stmt string, args []any) string {
	var b strings.Builder
	rest := stmt
	for _, arg := range args {
		i := strings.IndexByte(rest, '?')
		if i < 0 {
			break
		}
		b.WriteString(rest[:i])
		b.WriteString(literal(arg))
		rest = rest[i+1:]
	}
	b.WriteString(rest)
	return b.String()
}

func literal(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

// TableReset holds steps 3 to 5 of a reset for one table or partition.
type TableReset struct {
	Table      *model.TranslogTable
	SetZero    string
	LeaseQuery string
	Restore    string
}

// ResetPlan is the full manual replica reset procedure.
type ResetPlan struct {
	DisableRebalance string
	Cancels          []string
	Tables           []TableReset
	EnableRebalance  string
	// Skipped tables have an unknown or zero replica count.
	Skipped []*model.TranslogTable
}

// StatementCount is the number of statements in the plan, lease queries
// included.
func (p *ResetPlan) StatementCount() int {
	return 2 + len(p.Cancels) + 3*len(p.Tables)
}

// GenerateResetPlan builds the six-step procedure for a report. Every
// problematic replica gets a cancel statement; replica changes are only
// generated for tables with a known, non-zero replica count.
func GenerateResetPlan(report *TranslogReport) (*ResetPlan, error) {
	plan := &ResetPlan{DisableRebalance: DisableRebalanceSQL, EnableRebalance: EnableRebalanceSQL}
	if report == nil {
		return plan, nil
	}
	for _, s := range report.Shards {
		stmt, err := RerouteCancelSQL(s.TranslogShard)
		if err != nil {
			return nil, fmt.Errorf("failed to build reroute cancel for %s: %w", s.TableIdentifier(), err)
		}
		plan.Cancels = append(plan.Cancels, stmt)
	}
	for _, t := range report.Tables {
		if !t.CurrentReplicas.Known || t.CurrentReplicas.Value == 0 {
			plan.Skipped = append(plan.Skipped, t)
			continue
		}
		reset, err := tableReset(t)
		if err != nil {
			return nil, fmt.Errorf("failed to build reset for %s: %w", t.DisplayName(), err)
		}
		plan.Tables = append(plan.Tables, reset)
	}
	return plan, nil
}

func tableReset(t *model.TranslogTable) (TableReset, error) {
	zero, err := ReplicasSQL(t.SchemaName, t.TableName, t.PartitionValues, 0)
	if err != nil {
		return TableReset{}, err
	}
	restore, err := ReplicasSQL(t.SchemaName, t.TableName, t.PartitionValues, t.CurrentReplicas.Value)
	if err != nil {
		return TableReset{}, err
	}
	ident := ""
	if t.IsPartitioned() {
		ident = t.PartitionIdent
	}
	stmt, args := cratedb.RetentionLeaseSQL(t.SchemaName, t.TableName, ident)
	return TableReset{
		Table:      t,
		SetZero:    zero,
		LeaseQuery: FormatQueryForDisplay(stmt, args),
		Restore:    restore,
	}, nil
}
