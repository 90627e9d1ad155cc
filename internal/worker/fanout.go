package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasresch/vectra/internal/batch"
	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/vectorstore"
)

// filesPerCollectionJob groups file keys so one job carries a bounded
// amount of work and a crash mid-job loses little progress.
const filesPerCollectionJob = 50

// Coordinator triggers transform runs: it bumps the generation, seeds
// one pending outcome row per unit and enqueues the jobs. For dataset
// transforms it fans out to one embedded dataset per embedder, each
// branch failing independently.
type Coordinator struct {
	store       store.Store
	blobs       blob.Store
	queue       queue.Queue
	log         *slog.Logger
	builder     *batch.Builder
	vectorStore models.VectorStoreConfig

	newVectorStore func(models.VectorStoreConfig) vectorstore.Store
}

func NewCoordinator(st store.Store, blobs blob.Store, q queue.Queue, vs models.VectorStoreConfig, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		blobs:       blobs,
		queue:       q,
		log:         log,
		builder:     batch.NewBuilder(),
		vectorStore: vs,
		newVectorStore: func(cfg models.VectorStoreConfig) vectorstore.Store {
			return vectorstore.NewQdrant(vectorstore.QdrantConfig{URL: cfg.URL, APIKey: cfg.APIKey})
		},
	}
}

// TriggerCollection starts a new collection transform run: lists the
// source files under the transform's prefix and enqueues them in groups.
// Returns the number of files queued.
func (c *Coordinator) TriggerCollection(ctx context.Context, transformID int64) (int, error) {
	t, err := c.store.GetCollectionTransform(ctx, transformID)
	if err != nil {
		return 0, err
	}
	if !t.IsEnabled {
		return 0, fmt.Errorf("collection transform %d is disabled", transformID)
	}

	keys, err := blob.ListAll(ctx, c.blobs, t.Bucket, t.Prefix)
	if err != nil {
		return 0, fmt.Errorf("list collection files: %w", err)
	}

	t, err = c.store.StartCollectionRun(ctx, transformID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		// Vacuously complete: nothing to process is not a failure.
		if err := c.store.FinishCollectionRun(ctx, transformID, models.RunStatusCompleted, ""); err != nil {
			return 0, err
		}
		return 0, nil
	}

	for _, key := range keys {
		if err := c.seedPending(ctx, models.KindCollection, t.ID, 0, t.Generation, key); err != nil {
			return 0, err
		}
	}

	for start := 0; start < len(keys); start += filesPerCollectionJob {
		end := start + filesPerCollectionJob
		if end > len(keys) {
			end = len(keys)
		}
		job := models.CollectionTransformJob{
			TransformID:  t.ID,
			CollectionID: t.CollectionID,
			DatasetID:    t.DatasetID,
			Generation:   t.Generation,
			Bucket:       t.Bucket,
			FileKeys:     keys[start:end],
			Config:       t.Config,
		}
		if _, err := c.queue.Enqueue(ctx, models.StreamCollection, string(models.JobCollectionTransform), job); err != nil {
			return 0, fmt.Errorf("enqueue collection job: %w", err)
		}
	}
	c.log.Info("collection transform triggered",
		"transform_id", t.ID, "generation", t.Generation, "files", len(keys))
	return len(keys), nil
}

// TriggerDataset starts a new dataset transform run. Every embedder in
// the transform gets its own embedded dataset and its own full batch
// set; a branch that cannot even be set up (unknown embedder, storage
// write failure) is skipped with an error while the other branches
// proceed.
func (c *Coordinator) TriggerDataset(ctx context.Context, transformID int64) (int, error) {
	t, err := c.store.GetDatasetTransform(ctx, transformID)
	if err != nil {
		return 0, err
	}
	if !t.IsEnabled {
		return 0, fmt.Errorf("dataset transform %d is disabled", transformID)
	}
	if len(t.EmbedderIDs) == 0 {
		return 0, fmt.Errorf("dataset transform %d has no embedders", transformID)
	}

	items, err := c.store.ListDatasetItems(ctx, t.DatasetID)
	if err != nil {
		return 0, err
	}

	t, err = c.store.StartDatasetRun(ctx, transformID)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		if err := c.store.FinishDatasetRun(ctx, transformID, models.RunStatusCompleted, ""); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var (
		enqueued   int
		branchErrs []error
	)
	for _, embedderID := range t.EmbedderIDs {
		n, err := c.fanOutBranch(ctx, t, embedderID, items)
		if err != nil {
			c.log.Error("fan-out branch failed",
				"transform_id", t.ID, "embedder_id", embedderID, "error", err)
			branchErrs = append(branchErrs, fmt.Errorf("embedder %d: %w", embedderID, err))
			continue
		}
		enqueued += n
	}

	if len(branchErrs) == len(t.EmbedderIDs) {
		err := errors.Join(branchErrs...)
		_ = c.store.FinishDatasetRun(ctx, transformID, models.RunStatusFailed, err.Error())
		return 0, fmt.Errorf("all fan-out branches failed: %w", err)
	}
	c.log.Info("dataset transform triggered",
		"transform_id", t.ID, "generation", t.Generation,
		"embedders", len(t.EmbedderIDs), "batches", enqueued)
	return enqueued, nil
}

func (c *Coordinator) fanOutBranch(ctx context.Context, t models.DatasetTransform, embedderID int64, items []models.DatasetItem) (int, error) {
	emb, err := c.store.GetEmbedder(ctx, embedderID)
	if err != nil {
		return 0, err
	}

	ds, ok, err := c.store.FindEmbeddedDataset(ctx, t.ID, embedderID)
	if err != nil {
		return 0, err
	}
	if !ok {
		ds = models.EmbeddedDataset{
			Name:           fmt.Sprintf("%s via %s", datasetLabel(t), emb.Name),
			CollectionName: fmt.Sprintf("vectra_t%d_e%d", t.ID, embedderID),
			Dimensions:     emb.Config.Dimensions,
			Origin:         models.DerivedOrigin(t.ID, t.DatasetID, embedderID),
		}
		if err := c.store.CreateEmbeddedDataset(ctx, &ds); err != nil {
			return 0, err
		}
	}
	if ds.Dimensions != emb.Config.Dimensions {
		// Never mutate a collection's shape in place.
		return 0, fmt.Errorf("embedded dataset %d has %d dimensions, embedder %s now declares %d; create a new transform instead",
			ds.ID, ds.Dimensions, emb.Name, emb.Config.Dimensions)
	}

	// Stale points from the previous run must go before any batch job is
	// enqueued. Batches are delivered unordered, so a wipe riding on one
	// of them could erase a sibling batch that landed first.
	vs := c.newVectorStore(c.vectorStore)
	if err := vs.DeleteCollection(ctx, ds.CollectionName); err != nil {
		return 0, fmt.Errorf("wipe collection %s: %w", ds.CollectionName, err)
	}
	if err := vs.EnsureCollection(ctx, ds.CollectionName, emb.Config.Dimensions, vectorstore.DistanceCosine); err != nil {
		return 0, fmt.Errorf("create collection %s: %w", ds.CollectionName, err)
	}

	batches, rejected := c.builder.Build(items, emb.Config)
	for _, rej := range rejected {
		// Rejections are per item, never batch failures. They get their own
		// terminal rows so stats account for every item.
		out := models.Outcome{
			Kind:              models.KindDataset,
			TransformID:       t.ID,
			EmbeddedDatasetID: ds.ID,
			Generation:        t.Generation,
			UnitKey:           fmt.Sprintf("rejected/item-%d", rej.Item.ID),
			Status:            models.UnitFailed,
			Error:             rej.Reason,
			ProcessedAt:       time.Now().UTC(),
		}
		if err := c.store.UpsertOutcome(ctx, out); err != nil {
			return 0, err
		}
	}

	for _, b := range batches {
		key := batch.FileKey(t.ID, ds.ID, t.Generation, b.Index)
		data, err := json.Marshal(b)
		if err != nil {
			return 0, fmt.Errorf("encode batch %d: %w", b.Index, err)
		}
		if err := c.blobs.Put(ctx, t.Bucket, key, data); err != nil {
			return 0, fmt.Errorf("persist batch %d: %w", b.Index, err)
		}
		if err := c.seedPending(ctx, models.KindDataset, t.ID, ds.ID, t.Generation, key); err != nil {
			return 0, err
		}
	}

	enqueued := 0
	for _, b := range batches {
		job := models.DatasetTransformJob{
			TransformID:       t.ID,
			EmbeddedDatasetID: ds.ID,
			Generation:        t.Generation,
			Bucket:            t.Bucket,
			BatchFileKey:      batch.FileKey(t.ID, ds.ID, t.Generation, b.Index),
			CollectionName:    ds.CollectionName,
			BatchSize:         len(b.Items),
			EmbedderConfig:    emb.Config,
			VectorStore:       c.vectorStore,
		}
		if _, err := c.queue.Enqueue(ctx, models.StreamDataset, string(models.JobDatasetTransform), job); err != nil {
			return enqueued, fmt.Errorf("enqueue batch %d: %w", b.Index, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// TriggerVisualization creates a pending visualization row and enqueues
// its job. Re-triggering always creates a new row; history is preserved.
func (c *Coordinator) TriggerVisualization(ctx context.Context, transformID int64) (int64, error) {
	t, err := c.store.GetVisualizationTransform(ctx, transformID)
	if err != nil {
		return 0, err
	}
	if !t.IsEnabled {
		return 0, fmt.Errorf("visualization transform %d is disabled", transformID)
	}
	if _, err := c.store.GetEmbeddedDataset(ctx, t.EmbeddedDatasetID); err != nil {
		return 0, err
	}

	v := models.Visualization{TransformID: t.ID, Status: models.VizPending}
	if err := c.store.CreateVisualization(ctx, &v); err != nil {
		return 0, err
	}

	job := models.VisualizationJob{
		TransformID:       t.ID,
		VisualizationID:   v.ID,
		EmbeddedDatasetID: t.EmbeddedDatasetID,
		Bucket:            t.Bucket,
		Config:            t.Config,
		VectorStore:       c.vectorStore,
	}
	if _, err := c.queue.Enqueue(ctx, models.StreamVisualization, string(models.JobVisualization), job); err != nil {
		return 0, fmt.Errorf("enqueue visualization job: %w", err)
	}
	c.log.Info("visualization triggered", "transform_id", t.ID, "visualization_id", v.ID)
	return v.ID, nil
}

func (c *Coordinator) seedPending(ctx context.Context, kind models.TransformKind, transformID, embeddedDatasetID int64, generation int, unitKey string) error {
	return c.store.UpsertOutcome(ctx, models.Outcome{
		Kind:              kind,
		TransformID:       transformID,
		EmbeddedDatasetID: embeddedDatasetID,
		Generation:        generation,
		UnitKey:           unitKey,
		Status:            models.UnitPending,
		ProcessedAt:       time.Now().UTC(),
	})
}

func datasetLabel(t models.DatasetTransform) string {
	return fmt.Sprintf("dataset %d", t.DatasetID)
}
