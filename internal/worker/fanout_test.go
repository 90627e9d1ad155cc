package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/chunk"
	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/extract"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/vectorstore"
)

// captureQueue records enqueued jobs without consuming them.
type captureQueue struct {
	mu   sync.Mutex
	jobs []capturedJob
}

type capturedJob struct {
	Stream  string
	Kind    string
	Payload []byte
}

func (q *captureQueue) Enqueue(_ context.Context, stream, kind string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, capturedJob{Stream: stream, Kind: kind, Payload: data})
	return uuid.New(), nil
}

func (q *captureQueue) Consume(context.Context, string, queue.ConsumeOptions, queue.Handler) error {
	return nil
}

func (q *captureQueue) onStream(stream string) []capturedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []capturedJob
	for _, j := range q.jobs {
		if j.Stream == stream {
			out = append(out, j)
		}
	}
	return out
}

func newCoordinator(st *store.Memory, blobs *blob.MemoryStore, q *captureQueue) *Coordinator {
	return coordinatorWith(st, blobs, q, vectorstore.NewMemory())
}

func coordinatorWith(st *store.Memory, blobs *blob.MemoryStore, q *captureQueue, vs vectorstore.Store) *Coordinator {
	c := NewCoordinator(st, blobs, q, models.VectorStoreConfig{URL: "http://localhost:6333"}, testLogger())
	c.newVectorStore = func(models.VectorStoreConfig) vectorstore.Store { return vs }
	return c
}

func TestTriggerCollection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	blobs := blob.NewMemory()
	q := &captureQueue{}

	st.PutCollectionTransform(models.CollectionTransform{
		ID: 1, CollectionID: 2, DatasetID: 10, Bucket: "docs", Prefix: "in/", IsEnabled: true,
		Config: models.JobConfig{
			Extraction: extract.Options{Strategy: extract.PlainText},
			Chunking:   chunk.Config{Strategy: chunk.Sentence, ChunkSize: 64},
		},
	})
	for _, key := range []string{"in/a.txt", "in/b.txt", "in/c.txt", "other/d.txt"} {
		require.NoError(t, blobs.Put(ctx, "docs", key, []byte("text")))
	}

	n, err := newCoordinator(st, blobs, q).TriggerCollection(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Generation)
	assert.Equal(t, models.RunStatusRunning, tr.LastRunStatus)

	// One pending row per file under the prefix.
	outcomes, err := st.ListOutcomes(ctx, models.KindCollection, 1, 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, models.UnitPending, o.Status)
		assert.True(t, strings.HasPrefix(o.UnitKey, "in/"))
	}

	jobs := q.onStream(models.StreamCollection)
	require.Len(t, jobs, 1)
	var job models.CollectionTransformJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &job))
	assert.Equal(t, []string{"in/a.txt", "in/b.txt", "in/c.txt"}, job.FileKeys)
	assert.Equal(t, 1, job.Generation)
	assert.Equal(t, int64(10), job.DatasetID)
}

func TestTriggerCollectionEmptyPrefixCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &captureQueue{}
	st.PutCollectionTransform(models.CollectionTransform{ID: 1, Bucket: "docs", Prefix: "in/", IsEnabled: true})

	n, err := newCoordinator(st, blob.NewMemory(), q).TriggerCollection(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.jobs)

	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, tr.LastRunStatus)
}

func TestTriggerCollectionDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutCollectionTransform(models.CollectionTransform{ID: 1})

	_, err := newCoordinator(st, blob.NewMemory(), &captureQueue{}).TriggerCollection(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func seedDatasetTransform(ctx context.Context, t *testing.T, st *store.Memory, embedderIDs []int64) {
	t.Helper()
	st.PutDatasetTransform(models.DatasetTransform{
		ID: 1, DatasetID: 10, Bucket: "docs", EmbedderIDs: embedderIDs, IsEnabled: true,
	})
	_, err := st.AppendDatasetItems(ctx, 10, []models.DatasetItem{
		{SourceFileKey: "in/a.txt", ChunkIndex: 0, ChunkText: "alpha"},
		{SourceFileKey: "in/a.txt", ChunkIndex: 1, ChunkText: "beta"},
		{SourceFileKey: "in/b.txt", ChunkIndex: 0, ChunkText: "gamma"},
	})
	require.NoError(t, err)
}

func localEmbedder(id int64, name string) models.Embedder {
	return models.Embedder{ID: id, Name: name, Config: embed.Config{
		Provider: embed.ProviderLocal, Model: "bge", Dimensions: 4, MaxBatchSize: 2,
	}}
}

func TestTriggerDatasetFansOutPerEmbedder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	blobs := blob.NewMemory()
	q := &captureQueue{}

	seedDatasetTransform(ctx, t, st, []int64{1, 2})
	st.PutEmbedder(localEmbedder(1, "first"))
	st.PutEmbedder(localEmbedder(2, "second"))

	vs := vectorstore.NewMemory()
	n, err := coordinatorWith(st, blobs, q, vs).TriggerDataset(ctx, 1)
	require.NoError(t, err)
	// 3 items at batch size 2 -> 2 batches per embedder.
	assert.Equal(t, 4, n)

	// Each embedder got its own embedded dataset.
	dss, err := st.ListEmbeddedDatasets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dss, 2)
	assert.Equal(t, "vectra_t1_e1", dss[0].CollectionName)
	assert.Equal(t, "vectra_t1_e2", dss[1].CollectionName)
	assert.Equal(t, 4, dss[0].Dimensions)

	jobs := q.onStream(models.StreamDataset)
	require.Len(t, jobs, 4)

	for _, cj := range jobs {
		var job models.DatasetTransformJob
		require.NoError(t, json.Unmarshal(cj.Payload, &job))
		// Every batch file was persisted before its job was enqueued.
		data, err := blobs.Get(ctx, "docs", job.BatchFileKey)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
		// Pending row seeded per batch.
		out, ok, err := st.GetOutcome(ctx, models.KindDataset, 1, 1, job.BatchFileKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.UnitPending, out.Status)
	}

	// Each branch's collection was created fresh at trigger time.
	for _, name := range []string{"vectra_t1_e1", "vectra_t1_e2"} {
		assert.True(t, vs.HasCollection(name))
		count, err := vs.Count(ctx, name)
		require.NoError(t, err)
		assert.Zero(t, count)
	}
}

func TestTriggerDatasetWipesStaleVectorsBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	blobs := blob.NewMemory()
	q := &captureQueue{}
	vs := vectorstore.NewMemory()

	seedDatasetTransform(ctx, t, st, []int64{1})
	st.PutEmbedder(localEmbedder(1, "first"))

	// A previous run left vectors behind.
	require.NoError(t, vs.EnsureCollection(ctx, "vectra_t1_e1", 4, vectorstore.DistanceCosine))
	require.NoError(t, vs.Upsert(ctx, "vectra_t1_e1", []vectorstore.Point{
		{ID: PointID(999, 0), Vector: []float32{1, 0, 0, 0}},
	}))

	n, err := coordinatorWith(st, blobs, q, vs).TriggerDataset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The wipe happened before any job could run; batch delivery order
	// can no longer erase a sibling batch's points.
	count, err := vs.Count(ctx, "vectra_t1_e1")
	require.NoError(t, err)
	assert.Zero(t, count)

	w := NewDatasetWorker(st, blobs, nil, testLogger())
	w.newEmbedder = func(cfg embed.Config) (embed.Client, error) {
		return &stubEmbedClient{dims: cfg.Dimensions}, nil
	}
	w.newVectorStore = func(models.VectorStoreConfig) vectorstore.Store { return vs }

	// Deliver the batches in reverse order; every item must survive.
	jobs := q.onStream(models.StreamDataset)
	require.Len(t, jobs, 2)
	for i := len(jobs) - 1; i >= 0; i-- {
		var job models.DatasetTransformJob
		require.NoError(t, json.Unmarshal(jobs[i].Payload, &job))
		res := w.Handle(ctx, envelope(t, models.JobDatasetTransform, job))
		require.Equal(t, queue.Ack(), res)
	}

	count, err = vs.Count(ctx, "vectra_t1_e1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestTriggerDatasetBranchesFailIndependently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &captureQueue{}

	// Embedder 99 is not registered; embedder 1 is fine.
	seedDatasetTransform(ctx, t, st, []int64{99, 1})
	st.PutEmbedder(localEmbedder(1, "first"))

	n, err := newCoordinator(st, blob.NewMemory(), q).TriggerDataset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dss, err := st.ListEmbeddedDatasets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dss, 1)
	assert.Equal(t, int64(1), dss[0].Origin.EmbedderID)
}

func TestTriggerDatasetAllBranchesFailed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedDatasetTransform(ctx, t, st, []int64{98, 99})

	_, err := newCoordinator(st, blob.NewMemory(), &captureQueue{}).TriggerDataset(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all fan-out branches failed")

	tr, err := st.GetDatasetTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, tr.LastRunStatus)
}

func TestTriggerDatasetDimensionChangeRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedDatasetTransform(ctx, t, st, []int64{1})
	st.PutEmbedder(localEmbedder(1, "first"))

	// An embedded dataset from a previous run with different dimensions.
	require.NoError(t, st.CreateEmbeddedDataset(ctx, &models.EmbeddedDataset{
		CollectionName: "vectra_t1_e1",
		Dimensions:     768,
		Origin:         models.DerivedOrigin(1, 10, 1),
	}))

	_, err := newCoordinator(st, blob.NewMemory(), &captureQueue{}).TriggerDataset(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestTriggerDatasetRejectedItemsGetFailedRows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &captureQueue{}

	st.PutDatasetTransform(models.DatasetTransform{
		ID: 1, DatasetID: 10, Bucket: "docs", EmbedderIDs: []int64{1}, IsEnabled: true,
	})
	_, err := st.AppendDatasetItems(ctx, 10, []models.DatasetItem{
		{SourceFileKey: "in/a.txt", ChunkIndex: 0, ChunkText: "ok"},
		{SourceFileKey: "in/a.txt", ChunkIndex: 1, ChunkText: strings.Repeat("far too many words here ", 50)},
	})
	require.NoError(t, err)
	st.PutEmbedder(models.Embedder{ID: 1, Name: "tight", Config: embed.Config{
		Provider: embed.ProviderLocal, Model: "bge", Dimensions: 4,
		MaxBatchSize: 10, MaxInputTokens: 1, Truncate: embed.TruncateNone,
	}})

	n, err := newCoordinator(st, blob.NewMemory(), q).TriggerDataset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outcomes, err := st.ListOutcomes(ctx, models.KindDataset, 1, 1)
	require.NoError(t, err)

	var rejectedRows int
	for _, o := range outcomes {
		if strings.HasPrefix(o.UnitKey, "rejected/item-") {
			rejectedRows++
			assert.Equal(t, models.UnitFailed, o.Status)
			assert.Contains(t, o.Error, "truncation is disabled")
		}
	}
	assert.Equal(t, 1, rejectedRows)
}

func TestTriggerVisualization(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &captureQueue{}

	ds := &models.EmbeddedDataset{
		CollectionName: "vectra_t1_e1",
		Dimensions:     4,
		Origin:         models.DerivedOrigin(1, 10, 1),
	}
	require.NoError(t, st.CreateEmbeddedDataset(ctx, ds))
	st.PutVisualizationTransform(models.VisualizationTransform{
		ID: 3, EmbeddedDatasetID: ds.ID, Bucket: "docs", IsEnabled: true,
		Config: models.VizConfig{MinClusterSize: 8},
	})

	vizID, err := newCoordinator(st, blob.NewMemory(), q).TriggerVisualization(ctx, 3)
	require.NoError(t, err)
	require.NotZero(t, vizID)

	v, err := st.GetVisualization(ctx, vizID)
	require.NoError(t, err)
	assert.Equal(t, models.VizPending, v.Status)

	jobs := q.onStream(models.StreamVisualization)
	require.Len(t, jobs, 1)
	var job models.VisualizationJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &job))
	assert.Equal(t, vizID, job.VisualizationID)
	assert.Equal(t, ds.ID, job.EmbeddedDatasetID)
	assert.Equal(t, 8, job.Config.MinClusterSize)

	// Re-triggering makes a new row, keeping history.
	again, err := newCoordinator(st, blob.NewMemory(), q).TriggerVisualization(ctx, 3)
	require.NoError(t, err)
	assert.NotEqual(t, vizID, again)
}
