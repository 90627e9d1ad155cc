package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasresch/vectra/internal/batch"
	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/vectorstore"
)

// stubEmbedClient returns one fixed-dimension vector per text, or a
// canned error.
type stubEmbedClient struct {
	dims int
	err  error
}

func (s *stubEmbedClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		v := make([]float32, s.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedClient) Provider() embed.Provider { return embed.ProviderLocal }
func (s *stubEmbedClient) Model() string            { return "stub" }
func (s *stubEmbedClient) Dimensions() int          { return s.dims }

type datasetFixture struct {
	st    *store.Memory
	blobs *blob.MemoryStore
	vs    *vectorstore.Memory
	w     *DatasetWorker
	job   models.DatasetTransformJob
}

func newDatasetFixture(ctx context.Context, t *testing.T, client embed.Client) *datasetFixture {
	t.Helper()
	f := &datasetFixture{
		st:    store.NewMemory(),
		blobs: blob.NewMemory(),
		vs:    vectorstore.NewMemory(),
	}
	f.st.PutDatasetTransform(models.DatasetTransform{ID: 1})

	b := batch.Batch{Index: 0, Items: []models.DatasetItem{
		{ID: 101, DatasetID: 10, Title: "doc a", ChunkText: "first chunk", ChunkIndex: 0, SourceFileKey: "in/a.txt"},
		{ID: 102, DatasetID: 10, Title: "doc a", ChunkText: "second chunk", ChunkIndex: 1, SourceFileKey: "in/a.txt"},
		{ID: 103, DatasetID: 10, Title: "doc b", ChunkText: "third chunk", ChunkIndex: 0, SourceFileKey: "in/b.txt"},
	}}
	key := batch.FileKey(1, 5, 2, 0)
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(ctx, "docs", key, data))
	require.NoError(t, f.st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, EmbeddedDatasetID: 5,
		Generation: 2, UnitKey: key, Status: models.UnitPending,
	}))

	f.job = models.DatasetTransformJob{
		TransformID:       1,
		EmbeddedDatasetID: 5,
		Generation:        2,
		Bucket:            "docs",
		BatchFileKey:      key,
		CollectionName:    "vectra_t1_e1",
		BatchSize:         3,
	}

	f.w = NewDatasetWorker(f.st, f.blobs, nil, testLogger())
	f.w.newEmbedder = func(embed.Config) (embed.Client, error) { return client, nil }
	f.w.newVectorStore = func(models.VectorStoreConfig) vectorstore.Store { return f.vs }
	return f
}

func TestDatasetWorkerEmbedsBatch(t *testing.T) {
	ctx := context.Background()
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4})

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Ack(), res)

	out, ok, err := f.st.GetOutcome(ctx, models.KindDataset, 1, 2, f.job.BatchFileKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.UnitSuccess, out.Status)
	assert.Equal(t, 3, out.ItemCount)

	n, err := f.vs.Count(ctx, "vectra_t1_e1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Payload carries everything search results need.
	points, err := vectorstore.ScrollAll(ctx, f.vs, "vectra_t1_e1", 10, false)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, PointID(101, 0), points[0].ID)
	assert.Equal(t, "doc a", points[0].Payload["title"])
	assert.Equal(t, "first chunk", points[0].Payload["text"])
	assert.Equal(t, "in/a.txt", points[0].Payload["source_file_key"])
}

func TestDatasetWorkerRedeliveryWritesSamePoints(t *testing.T) {
	ctx := context.Background()
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4})
	env := envelope(t, models.JobDatasetTransform, f.job)

	require.Equal(t, queue.Ack(), f.w.Handle(ctx, env))

	// Reset the outcome as if the ack was lost; the rerun must overwrite the
	// same deterministic point ids, never duplicate.
	require.NoError(t, f.st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, EmbeddedDatasetID: 5,
		Generation: 2, UnitKey: f.job.BatchFileKey, Status: models.UnitPending,
	}))
	require.Equal(t, queue.Ack(), f.w.Handle(ctx, env))

	n, err := f.vs.Count(ctx, "vectra_t1_e1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDatasetWorkerSkipsTerminalOutcome(t *testing.T) {
	ctx := context.Background()
	embedCalls := 0
	client := &stubEmbedClient{dims: 4}
	f := newDatasetFixture(ctx, t, client)
	f.w.newEmbedder = func(embed.Config) (embed.Client, error) {
		embedCalls++
		return client, nil
	}

	require.NoError(t, f.st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, EmbeddedDatasetID: 5,
		Generation: 2, UnitKey: f.job.BatchFileKey, Status: models.UnitSuccess, ItemCount: 3,
	}))

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Ack(), res)
	assert.Zero(t, embedCalls)
}

func TestDatasetWorkerRetryableEmbedFailure(t *testing.T) {
	ctx := context.Background()
	rateLimited := &embed.Error{Kind: embed.RateLimited, Provider: embed.ProviderOpenAI, Message: "429"}
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4, err: rateLimited})

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Nack(0), res)

	// The unit stays pending so the redelivery can still claim it.
	out, ok, err := f.st.GetOutcome(ctx, models.KindDataset, 1, 2, f.job.BatchFileKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.UnitPending, out.Status)
}

func TestDatasetWorkerTerminalEmbedFailure(t *testing.T) {
	ctx := context.Background()
	authFailed := &embed.Error{Kind: embed.AuthFailed, Provider: embed.ProviderOpenAI, Message: "invalid key"}
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4, err: authFailed})

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Ack(), res)

	out, ok, err := f.st.GetOutcome(ctx, models.KindDataset, 1, 2, f.job.BatchFileKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.UnitFailed, out.Status)
	assert.Contains(t, out.Error, "auth_failed")
}

func TestDatasetWorkerMissingBatchFile(t *testing.T) {
	ctx := context.Background()
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4})
	require.NoError(t, f.blobs.Delete(ctx, "docs", f.job.BatchFileKey))

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Ack(), res)

	out, _, err := f.st.GetOutcome(ctx, models.KindDataset, 1, 2, f.job.BatchFileKey)
	require.NoError(t, err)
	assert.Equal(t, models.UnitFailed, out.Status)
	assert.Equal(t, "batch file missing", out.Error)
}

func TestDatasetWorkerKeepsSiblingBatchPoints(t *testing.T) {
	ctx := context.Background()
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4})

	// Points a sibling batch already upserted. Batch delivery is
	// unordered, so handling this batch must never remove them.
	require.NoError(t, f.vs.EnsureCollection(ctx, "vectra_t1_e1", 4, vectorstore.DistanceCosine))
	require.NoError(t, f.vs.Upsert(ctx, "vectra_t1_e1", []vectorstore.Point{
		{ID: PointID(555, 0), Vector: []float32{1, 0, 0, 0}},
	}))

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Ack(), res)

	n, err := f.vs.Count(ctx, "vectra_t1_e1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestDatasetWorkerUpsertFailureNacks(t *testing.T) {
	ctx := context.Background()
	f := newDatasetFixture(ctx, t, &stubEmbedClient{dims: 4})
	f.vs.FailUpserts = true

	res := f.w.Handle(ctx, envelope(t, models.JobDatasetTransform, f.job))
	assert.Equal(t, queue.Nack(0), res)
}

func TestDeadLetterRecorderFailsPendingUnits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutCollectionTransform(models.CollectionTransform{ID: 1})

	job := collectionJob([]string{"in/a.txt", "in/b.txt"})
	for _, key := range job.FileKeys {
		require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
			Kind: models.KindCollection, TransformID: 1, Generation: 1,
			UnitKey: key, Status: models.UnitPending,
		}))
	}
	// One unit finished before the job died; its row must survive.
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindCollection, TransformID: 1, Generation: 1,
		UnitKey: "in/a.txt", Status: models.UnitSuccess, ItemCount: 3,
	}))

	env := envelope(t, models.JobCollectionTransform, job)
	env.Attempt = 5
	hook := DeadLetterRecorder(st, models.KindCollection, testLogger())
	hook(ctx, env, "retry ceiling reached")

	done, _, err := st.GetOutcome(ctx, models.KindCollection, 1, 1, "in/a.txt")
	require.NoError(t, err)
	assert.Equal(t, models.UnitSuccess, done.Status)

	dead, _, err := st.GetOutcome(ctx, models.KindCollection, 1, 1, "in/b.txt")
	require.NoError(t, err)
	assert.Equal(t, models.UnitFailed, dead.Status)
	assert.Contains(t, dead.Error, "dead-lettered after 5 attempts")

	// No pending rows remain, so the run closes.
	tr, err := st.GetCollectionTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, tr.LastRunStatus)
	assert.Equal(t, "1 of 2 units failed", tr.LastError)
}

func TestDeadLetterRecorderBatchKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.PutDatasetTransform(models.DatasetTransform{ID: 1})

	key := batch.FileKey(1, 5, 2, 1)
	require.NoError(t, st.UpsertOutcome(ctx, models.Outcome{
		Kind: models.KindDataset, TransformID: 1, EmbeddedDatasetID: 5,
		Generation: 2, UnitKey: key, Status: models.UnitPending,
	}))

	job := models.DatasetTransformJob{
		TransformID: 1, EmbeddedDatasetID: 5, Generation: 2, BatchFileKey: key,
	}
	env := envelope(t, models.JobDatasetTransform, job)
	env.Attempt = 5

	hook := DeadLetterRecorder(st, models.KindDataset, testLogger())
	hook(ctx, env, "retry ceiling reached")

	out, ok, err := st.GetOutcome(ctx, models.KindDataset, 1, 2, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.UnitFailed, out.Status)
	assert.Equal(t, int64(5), out.EmbeddedDatasetID)

	tr, err := st.GetDatasetTransform(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, tr.LastRunStatus)
}
