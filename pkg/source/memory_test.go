package source

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmigration/pkg/models"
)

func TestMemorySourceCountsAcrossGroups(t *testing.T) {
	src := NewMemorySource("trades",
		models.RecordGroup{Table: "trades", Records: []models.Record{{"id": 1}, {"id": 2}}},
		models.RecordGroup{Table: "candles", Records: []models.Record{{"id": 3}}},
	)

	assert.Equal(t, "trades", src.Name())

	count, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	groups, err := src.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "candles", groups[1].Table)
}

func TestEmptySourceCountsZero(t *testing.T) {
	src := NewMemorySource("empty")

	count, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFailWithMakesSourceUnreachable(t *testing.T) {
	src := NewMemorySource("trades",
		models.RecordGroup{Table: "trades", Records: []models.Record{{"id": 1}}},
	).FailWith(fmt.Errorf("store offline"))

	_, err := src.Count(context.Background())
	require.EqualError(t, err, "store offline")

	_, err = src.Groups(context.Background())
	require.EqualError(t, err, "store offline")
}
