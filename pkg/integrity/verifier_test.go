package integrity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmigration/pkg/models"
	"marketmigration/pkg/store"
)

func seed(t *testing.T, dest *store.MemoryStore, table string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s-%d", table, i)
		require.NoError(t, dest.InsertOne(context.Background(), table, key, models.Record{"id": key}))
	}
}

func TestMatchingCountsProduceNoIssues(t *testing.T) {
	dest := store.NewMemoryStore("trades")
	seed(t, dest, "trades", 15)

	issues, fatal, err := NewVerifier(dest, nil).Verify(context.Background(), []Expectation{
		{Table: "trades", Baseline: 5, Inserted: 10},
	})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.False(t, fatal)
}

func TestMismatchIsNonFatalByDefault(t *testing.T) {
	dest := store.NewMemoryStore("trades")
	seed(t, dest, "trades", 8)

	issues, fatal, err := NewVerifier(dest, nil).Verify(context.Background(), []Expectation{
		{Table: "trades", Baseline: 0, Inserted: 10},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "trades")
	assert.Contains(t, issues[0], "expected 10")
	assert.False(t, fatal)
}

func TestExactMatchPolicyEscalatesMismatch(t *testing.T) {
	dest := store.NewMemoryStore("trades", "candles")
	seed(t, dest, "trades", 10)
	seed(t, dest, "candles", 4)

	issues, fatal, err := NewVerifier(dest, ExactMatch).Verify(context.Background(), []Expectation{
		{Table: "trades", Baseline: 0, Inserted: 10},
		{Table: "candles", Baseline: 0, Inserted: 5},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.True(t, fatal)
}

func TestCountErrorAbortsVerification(t *testing.T) {
	dest := store.NewMemoryStore("trades")

	_, _, err := NewVerifier(dest, nil).Verify(context.Background(), []Expectation{
		{Table: "missing_table", Baseline: 0, Inserted: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_table")
}
