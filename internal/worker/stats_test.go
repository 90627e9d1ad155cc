package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTally(t *testing.T) {
	outcomes := []models.Outcome{
		{Status: models.UnitSuccess, ItemCount: 10},
		{Status: models.UnitSuccess, ItemCount: 5},
		{Status: models.UnitFailed},
		{Status: models.UnitPending},
	}

	s := Tally(outcomes)
	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 15, s.ItemsCreated)
}

func TestFinalizeRunWaitsForPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutCollectionTransform(models.CollectionTransform{ID: 1})

	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "a.txt", Status: models.UnitSuccess,
	}))
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "b.txt", Status: models.UnitPending,
	}))

	FinalizeRun(ctx, st, models.KindCollection, 1, 1, testLogger())

	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	// A pending unit keeps the run open.
	assert.NotEqual(t, models.RunStatusCompleted, tr.LastRunStatus)
	assert.NotEqual(t, models.RunStatusFailed, tr.LastRunStatus)
}

func TestFinalizeRunCompletesWithPartialFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutCollectionTransform(models.CollectionTransform{ID: 1})

	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "a.txt", Status: models.UnitSuccess, ItemCount: 4,
	}))
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "b.txt", Status: models.UnitFailed, Error: "corrupt",
	}))
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "c.txt", Status: models.UnitSuccess, ItemCount: 2,
	}))

	FinalizeRun(ctx, st, models.KindCollection, 1, 1, testLogger())

	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	// Failures are per unit; the run completes as long as anything succeeded.
	assert.Equal(t, models.RunStatusCompleted, tr.LastRunStatus)
	assert.Equal(t, "1 of 3 units failed", tr.LastError)
	assert.True(t, tr.ShapeLocked)
}

func TestFinalizeRunFailsWhenAllUnitsFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutDatasetTransform(models.DatasetTransform{ID: 2})

	for _, key := range []string{"batch-0", "batch-1"} {
		require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
			Kind: models.KindDataset, TransformID: 2, Generation: 3,
			UnitKey: key, Status: models.UnitFailed, Error: "auth_failed",
		}))
	}

	FinalizeRun(ctx, st, models.KindDataset, 2, 3, testLogger())

	tr, err := st.GetDatasetTransform(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, tr.LastRunStatus)
	assert.Equal(t, "all 2 units failed", tr.LastError)
	assert.False(t, tr.ShapeLocked)
}

func TestFinalizeRunNoOutcomesIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutCollectionTransform(models.CollectionTransform{ID: 1, LastRunStatus: models.RunStatusRunning})

	FinalizeRun(ctx, st, models.KindCollection, 1, 1, testLogger())

	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, tr.LastRunStatus)
}

func TestAggregatorStats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, Generation: 2,
		UnitKey: "batch-0", Status: models.UnitSuccess, ItemCount: 96,
	}))
	// Other generations never leak into the counters.
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, Generation: 1,
		UnitKey: "batch-0", Status: models.UnitFailed,
	}))

	agg := NewAggregator(st)
	s, err := agg.Stats(ctx, models.KindDataset, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 96, s.ItemsCreated)
	assert.Zero(t, s.Failed)
}
