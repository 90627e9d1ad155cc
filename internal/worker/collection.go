// Package worker contains the queue handlers of the pipeline: the
// collection worker (extract and chunk files into dataset items), the
// dataset worker (embed persisted batches into vector collections), the
// visualization worker (reduce and cluster an embedded dataset) and the
// fan-out coordinator that feeds them. Handlers are idempotent: every
// unit upserts an outcome row keyed by transform, generation and unit
// key, so at-least-once delivery never double-counts.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/chunk"
	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/events"
	"github.com/lucasresch/vectra/internal/extract"
	"github.com/lucasresch/vectra/internal/metrics"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
)

// CollectionWorker extracts and chunks the files of a collection
// transform job into dataset items. A single bad file fails only its own
// outcome row; the job as a whole is only retried when shared
// infrastructure (object storage, metadata store) is unreachable.
type CollectionWorker struct {
	store  store.Store
	blobs  blob.Store
	events events.Publisher
	log    *slog.Logger

	// newEmbedder is swapped in tests; the semantic chunking strategy is
	// the only path that uses it.
	newEmbedder func(embed.Config) (embed.Client, error)
}

func NewCollectionWorker(st store.Store, blobs blob.Store, pub events.Publisher, log *slog.Logger) *CollectionWorker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &CollectionWorker{
		store:       st,
		blobs:       blobs,
		events:      pub,
		log:         log,
		newEmbedder: embed.New,
	}
}

// Handle processes one CollectionTransformJob.
func (w *CollectionWorker) Handle(ctx context.Context, env queue.Envelope) queue.Result {
	var job models.CollectionTransformJob
	if err := env.Decode(&job); err != nil {
		return queue.Terminal(err.Error())
	}
	log := w.log.With("job_id", env.JobID, "transform_id", job.TransformID, "generation", job.Generation)

	chunker, res := w.buildChunker(ctx, job)
	if chunker == nil {
		return res
	}

	for _, key := range job.FileKeys {
		if done, err := w.alreadyDone(ctx, job, key); err != nil {
			return queue.Nack(0)
		} else if done {
			log.Debug("skipping already processed file", "file", key)
			continue
		}

		if res := w.processFile(ctx, chunker, job, key, log); res != nil {
			return *res
		}
	}
	return queue.Ack()
}

func (w *CollectionWorker) buildChunker(ctx context.Context, job models.CollectionTransformJob) (*chunk.Chunker, queue.Result) {
	if job.Config.Chunking.Strategy != chunk.Semantic {
		return chunk.New(nil), queue.Result{}
	}
	emb, err := w.store.GetEmbedder(ctx, job.Config.SemanticEmbedderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, queue.Terminal(err.Error())
		}
		return nil, queue.Nack(0)
	}
	client, err := w.newEmbedder(emb.Config)
	if err != nil {
		return nil, queue.Terminal(err.Error())
	}
	return chunk.New(client), queue.Result{}
}

func (w *CollectionWorker) alreadyDone(ctx context.Context, job models.CollectionTransformJob, key string) (bool, error) {
	out, ok, err := w.store.GetOutcome(ctx, models.KindCollection, job.TransformID, job.Generation, key)
	if err != nil {
		return false, err
	}
	return ok && out.Status != models.UnitPending, nil
}

// processFile runs one file through extract, chunk and persist. A nil
// return means the loop continues; a non-nil return aborts the job with
// that result.
func (w *CollectionWorker) processFile(ctx context.Context, chunker *chunk.Chunker, job models.CollectionTransformJob, key string, log *slog.Logger) *queue.Result {
	start := time.Now()

	data, err := w.blobs.Get(ctx, job.Bucket, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			w.recordFile(ctx, job, key, models.UnitFailed, 0, "source file missing", start)
			return nil
		}
		// Storage unreachable affects every file; retry the whole job.
		log.Warn("object storage unavailable", "file", key, "error", err)
		nack := queue.Nack(0)
		return &nack
	}

	extractStart := time.Now()
	res, err := extract.Extract(data, key, job.Config.Extraction)
	metrics.Default().Record(metrics.OpExtract, time.Since(extractStart), 1)
	if err != nil {
		log.Info("extraction failed", "file", key, "reason", extract.ReasonOf(err))
		w.recordFile(ctx, job, key, models.UnitFailed, 0, err.Error(), start)
		return nil
	}

	chunkStart := time.Now()
	chunks, err := chunker.Chunk(ctx, res.Text, job.Config.Chunking)
	metrics.Default().Record(metrics.OpChunk, time.Since(chunkStart), int64(len(chunks)))
	if err != nil {
		// Includes semantic-embedder outages: the file fails, no fallback
		// to another strategy.
		log.Info("chunking failed", "file", key, "error", err)
		w.recordFile(ctx, job, key, models.UnitFailed, 0, err.Error(), start)
		return nil
	}

	items := make([]models.DatasetItem, 0, len(chunks))
	title := res.Metadata["title"]
	if title == "" {
		title = path.Base(key)
	}
	for _, ch := range chunks {
		items = append(items, models.DatasetItem{
			DatasetID:     job.DatasetID,
			Title:         title,
			ChunkText:     ch.Text,
			ChunkIndex:    ch.Index,
			SourceFileKey: key,
			Metadata:      res.Metadata,
		})
	}

	// Re-runs re-chunk the file; the conflict-ignoring append below would
	// otherwise keep stale text and orphan higher-index chunks from the
	// previous generation.
	if err := w.store.DeleteDatasetItemsForFile(ctx, job.DatasetID, key); err != nil {
		log.Warn("metadata store unavailable", "file", key, "error", err)
		nack := queue.Nack(0)
		return &nack
	}
	created, err := w.store.AppendDatasetItems(ctx, job.DatasetID, items)
	if err != nil {
		log.Warn("metadata store unavailable", "file", key, "error", err)
		nack := queue.Nack(0)
		return &nack
	}

	log.Debug("file processed", "file", key, "chunks", len(items), "created", created)
	w.recordFile(ctx, job, key, models.UnitSuccess, len(items), "", start)
	return nil
}

func (w *CollectionWorker) recordFile(ctx context.Context, job models.CollectionTransformJob, key string, status models.UnitStatus, itemCount int, errMsg string, start time.Time) {
	out := models.Outcome{
		Kind:        models.KindCollection,
		TransformID: job.TransformID,
		Generation:  job.Generation,
		UnitKey:     key,
		Status:      status,
		ItemCount:   itemCount,
		Error:       errMsg,
		DurationMS:  time.Since(start).Milliseconds(),
		ProcessedAt: time.Now().UTC(),
	}
	if err := w.store.UpsertOutcome(ctx, out); err != nil {
		w.log.Error("upsert file outcome failed", "file", key, "error", err)
		return
	}
	w.events.Publish(ctx, events.StatusEvent{
		Kind:        models.KindCollection,
		TransformID: job.TransformID,
		UnitID:      key,
		NewStatus:   string(status),
	})
	FinalizeRun(ctx, w.store, models.KindCollection, job.TransformID, job.Generation, w.log)
}
