package maintenance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/cratedb/cratedbtest"
	"github.com/cratedb/xmover/internal/maintenance"
)

func availabilityFake() *cratedbtest.Fake {
	return cratedbtest.NewFake().On("AS started_copies",
		cratedbtest.Row("doc", "logs", "04732", "(day=1)", 0, 2, 2),
		cratedbtest.Row("doc", "logs", "04732", "(day=1)", 1, 0, 2),
		cratedbtest.Row("doc", "logs", "04733", "(day=2)", 0, 1, 2),
		cratedbtest.Row("doc", "events", nil, nil, 0, 1, 1),
		cratedbtest.Row("doc", "events", nil, nil, 1, 1, 2),
	)
}

func TestReadCheck_ShardCoverage(t *testing.T) {
	fake := availabilityFake()
	tables, err := maintenance.ReadCheck(context.Background(), cratedb.NewInspector(fake), maintenance.ReadCheckOptions{})
	require.NoError(t, err)
	require.Len(t, tables, 2)

	events, logs := tables[0], tables[1]
	assert.Equal(t, "events", events.Identifier())
	assert.True(t, events.Readable())
	assert.False(t, events.Probed)

	assert.Equal(t, "logs", logs.Identifier())
	require.Len(t, logs.Partitions, 2)
	assert.Equal(t, "(day=1)", logs.Partitions[0].PartitionValues)
	assert.Equal(t, 2, logs.Partitions[0].Shards)
	assert.Equal(t, []int{1}, logs.Partitions[0].Unavailable)
	assert.Empty(t, logs.Partitions[1].Unavailable)
	assert.Equal(t, 1, logs.UnavailableShards())
	assert.False(t, logs.Readable())

	assert.Empty(t, fake.Executed("COUNT(*) FROM"))
}

func TestReadCheck_Probe(t *testing.T) {
	fake := availabilityFake().
		On(`FROM "doc"."events"`, cratedbtest.Row(1200)).
		OnError(`FROM "doc"."logs"`, &cratedb.SQLError{Message: "shard 1 unavailable"})

	tables, err := maintenance.ReadCheck(context.Background(), cratedb.NewInspector(fake), maintenance.ReadCheckOptions{
		Schema: "doc",
		Probe:  true,
	})
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.True(t, tables[0].Probed)
	assert.Equal(t, int64(1200), tables[0].Rows)
	assert.True(t, tables[0].Readable())

	assert.True(t, tables[1].Probed)
	assert.ErrorContains(t, tables[1].ProbeErr, "shard 1 unavailable")
	assert.False(t, tables[1].Readable())

	assert.Equal(t, []any{"doc"}, fake.Executed("AS started_copies")[0].Args)
}
