package maintenance_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/maintenance"
	"github.com/cratedb/xmover/internal/model"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"plain", "events", ""},
		{"mixed case and dash", "My-Table", ""},
		{"empty", "", "identifier cannot be empty"},
		{"double quote", `bad"name`, `identifier contains invalid character: bad"name`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := maintenance.ValidateIdentifier(tt.input)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestReplicasSQL(t *testing.T) {
	tests := []struct {
		name      string
		partition string
		replicas  int
		want      string
	}{
		{"table", "", 0, `ALTER TABLE "doc"."events" SET ("number_of_replicas" = 0);`},
		{"partition", "(day=1700000000000)", 2, `ALTER TABLE "doc"."events" PARTITION (day=1700000000000) SET ("number_of_replicas" = 2);`},
		{"null partition", maintenance.PartitionNull, 1, `ALTER TABLE "doc"."events" SET ("number_of_replicas" = 1);`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := maintenance.ReplicasSQL("doc", "events", tt.partition, tt.replicas)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := maintenance.ReplicasSQL("doc", `ev"ents`, "", 1)
	assert.Error(t, err)
	_, err = maintenance.ReplicasSQL("", "events", "", 1)
	assert.ErrorIs(t, err, maintenance.ErrEmptyIdentifier)
}

func TestRerouteCancelSQL(t *testing.T) {
	got, err := maintenance.RerouteCancelSQL(translogShard("logs", "04732", "(day=1)", 3, "o'brien", 600))
	require.NoError(t, err)
	assert.Equal(t,
		`ALTER TABLE "doc"."logs" PARTITION (day=1) REROUTE CANCEL SHARD 3 on 'o''brien' WITH (allow_primary=False);`,
		got)
}

func TestFormatQueryForDisplay(t *testing.T) {
	assert.Equal(t,
		"a = 'x' AND b = 'it''s' AND c = 3",
		maintenance.FormatQueryForDisplay("a = ? AND b = ? AND c = ?", []any{"x", "it's", 3}))
	assert.Equal(t, "a = 'x' AND b = ?", maintenance.FormatQueryForDisplay("a = ? AND b = ?", []any{"x"}))
	assert.Equal(t, "no params", maintenance.FormatQueryForDisplay("no params", []any{"x"}))
}

func TestGenerateResetPlan(t *testing.T) {
	events := model.NewTranslogTable("doc", "events", "04732", "(day=1)")
	events.CurrentReplicas = model.ReplicaCount{Value: 1, Known: true}
	users := model.NewTranslogTable("doc", "users", "", "")
	logs := model.NewTranslogTable("doc", "logs", "", "")
	logs.CurrentReplicas = model.ReplicaCount{Value: 0, Known: true}

	report := &maintenance.TranslogReport{
		SizeMB: 512,
		Shards: []maintenance.AdaptiveShard{
			{TranslogShard: translogShard("events", "04732", "(day=1)", 0, "crate-1", 900)},
			{TranslogShard: translogShard("users", "", "", 2, "crate-2", 700)},
		},
		Tables: []*model.TranslogTable{events, users, logs},
	}

	plan, err := maintenance.GenerateResetPlan(report)
	require.NoError(t, err)

	assert.Equal(t, maintenance.DisableRebalanceSQL, plan.DisableRebalance)
	assert.Equal(t, `SET GLOBAL PERSISTENT "cluster.routing.rebalance.enable"='all';`, plan.EnableRebalance)
	assert.Equal(t, []string{
		`ALTER TABLE "doc"."events" PARTITION (day=1) REROUTE CANCEL SHARD 0 on 'crate-1' WITH (allow_primary=False);`,
		`ALTER TABLE "doc"."users" REROUTE CANCEL SHARD 2 on 'crate-2' WITH (allow_primary=False);`,
	}, plan.Cancels)

	require.Len(t, plan.Tables, 1)
	reset := plan.Tables[0]
	assert.Equal(t, `ALTER TABLE "doc"."events" PARTITION (day=1) SET ("number_of_replicas" = 0);`, reset.SetZero)
	assert.Equal(t, `ALTER TABLE "doc"."events" PARTITION (day=1) SET ("number_of_replicas" = 1);`, reset.Restore)
	assert.Contains(t, reset.LeaseQuery, "WHERE table_name = 'events'")
	assert.Contains(t, reset.LeaseQuery, "AND schema_name = 'doc'")
	assert.Contains(t, reset.LeaseQuery, "AND partition_ident = '04732'")
	assert.NotContains(t, reset.LeaseQuery, "?")

	assert.Equal(t, []*model.TranslogTable{users, logs}, plan.Skipped)
	assert.Equal(t, 7, plan.StatementCount())
}

func TestGenerateResetPlan_RejectsBadIdentifier(t *testing.T) {
	report := &maintenance.TranslogReport{
		Shards: []maintenance.AdaptiveShard{{TranslogShard: translogShard(`ev"il`, "", "", 0, "crate-1", 900)}},
	}
	_, err := maintenance.GenerateResetPlan(report)
	assert.Error(t, err)
}
