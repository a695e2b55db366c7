package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmigration/pkg/models"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore("trades")
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	ok, err := s.TableExists(ctx, "trades")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TableExists(ctx, "candles")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertOne(ctx, "trades", "t1", models.Record{"id": "t1"}))

	found, err := s.Exists(ctx, "trades", "t1")
	require.NoError(t, err)
	assert.True(t, found)

	count, err := s.Count(ctx, "trades")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.Delete(ctx, "trades", "t1"))
	count, err = s.Count(ctx, "trades")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStoreRejectsUnknownTable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.Error(t, s.InsertOne(ctx, "trades", "t1", models.Record{}))
	_, err := s.Count(ctx, "trades")
	assert.Error(t, err)

	s.CreateTable("trades")
	assert.NoError(t, s.InsertOne(ctx, "trades", "t1", models.Record{}))
}

func TestTableNameValidation(t *testing.T) {
	valid := []string{"trades", "market_candles", "snapshots_v2", "_staging"}
	for _, name := range valid {
		assert.NoError(t, validTable(name), name)
	}

	invalid := []string{"", "Trades", "drop table", "trades;--", "1trades"}
	for _, name := range invalid {
		assert.Error(t, validTable(name), name)
	}
}
