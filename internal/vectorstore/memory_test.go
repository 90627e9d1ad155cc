package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEnsureCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.EnsureCollection(ctx, "c", 3, DistanceCosine))
	// Re-ensuring with matching dims is a no-op.
	require.NoError(t, m.EnsureCollection(ctx, "c", 3, DistanceCosine))
	// Dimension drift is a hard error, never a silent recreate.
	require.Error(t, m.EnsureCollection(ctx, "c", 4, DistanceCosine))
}

func TestMemoryUpsertOverwritesByID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 2, DistanceCosine))

	require.NoError(t, m.Upsert(ctx, "c", []Point{
		{ID: "p1", Vector: []float32{1, 0}},
		{ID: "p2", Vector: []float32{0, 1}},
	}))
	// Redelivered batches rewrite the same deterministic IDs.
	require.NoError(t, m.Upsert(ctx, "c", []Point{
		{ID: "p1", Vector: []float32{1, 0}, Payload: map[string]any{"v": 2}},
	}))

	n, err := m.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryUpsertChecksDimensions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 2, DistanceCosine))

	err := m.Upsert(ctx, "c", []Point{{ID: "p1", Vector: []float32{1, 0, 0}}})
	require.Error(t, err)
}

func TestMemoryMissingCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.Upsert(ctx, "nope", []Point{{ID: "p", Vector: []float32{1}}})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Search(ctx, "nope", []float32{1}, 5)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Scroll(ctx, "nope", "", 10, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 2, DistanceCosine))
	require.NoError(t, m.Upsert(ctx, "c", []Point{
		{ID: "east", Vector: []float32{1, 0}},
		{ID: "north", Vector: []float32{0, 1}},
		{ID: "northeast", Vector: []float32{1, 1}},
	}))

	hits, err := m.Search(ctx, "c", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "east", hits[0].ID)
	assert.Equal(t, "northeast", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestScrollAllPaginates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 1, DistanceCosine))

	var points []Point
	for i := 0; i < 10; i++ {
		points = append(points, Point{ID: string(rune('a' + i)), Vector: []float32{float32(i)}})
	}
	require.NoError(t, m.Upsert(ctx, "c", points))

	got, err := ScrollAll(ctx, m, "c", 3, true)
	require.NoError(t, err)
	require.Len(t, got, 10)
	// Insertion order survives pagination.
	for i, p := range got {
		assert.Equal(t, string(rune('a'+i)), p.ID)
		require.Len(t, p.Vector, 1)
	}
}

func TestScrollWithoutVectors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 2, DistanceCosine))
	require.NoError(t, m.Upsert(ctx, "c", []Point{{ID: "p", Vector: []float32{1, 2}}}))

	page, err := m.Scroll(ctx, "c", "", 10, false)
	require.NoError(t, err)
	require.Len(t, page.Points, 1)
	assert.Nil(t, page.Points[0].Vector)
	assert.Empty(t, page.NextOffset)
}

func TestDeleteCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 2, DistanceEuclid))
	require.True(t, m.HasCollection("c"))

	require.NoError(t, m.DeleteCollection(ctx, "c"))
	assert.False(t, m.HasCollection("c"))
	// Deleting a missing collection is idempotent.
	require.NoError(t, m.DeleteCollection(ctx, "c"))
}
