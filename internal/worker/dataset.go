package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lucasresch/vectra/internal/batch"
	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/events"
	"github.com/lucasresch/vectra/internal/metrics"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/vectorstore"
)

// pointNamespace is the UUIDv5 namespace for vector point IDs. IDs
// derive from (item id, chunk index) so redelivering a batch overwrites
// the same points instead of duplicating them.
var pointNamespace = uuid.MustParse("7b0d3a52-9c14-4f7e-b6d1-2e8a5c90f3ab")

// PointID is the deterministic vector-store ID of one dataset item chunk.
func PointID(itemID int64, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%d:%d", itemID, chunkIndex))).String()
}

// DatasetWorker embeds one persisted batch into one embedded dataset's
// vector collection. Retryable provider failures nack the job; terminal
// ones write a failed outcome row and ack so the batch is not retried
// forever.
type DatasetWorker struct {
	store  store.Store
	blobs  blob.Store
	events events.Publisher
	log    *slog.Logger

	newEmbedder    func(embed.Config) (embed.Client, error)
	newVectorStore func(models.VectorStoreConfig) vectorstore.Store
}

func NewDatasetWorker(st store.Store, blobs blob.Store, pub events.Publisher, log *slog.Logger) *DatasetWorker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &DatasetWorker{
		store:       st,
		blobs:       blobs,
		events:      pub,
		log:         log,
		newEmbedder: embed.New,
		newVectorStore: func(cfg models.VectorStoreConfig) vectorstore.Store {
			return vectorstore.NewQdrant(vectorstore.QdrantConfig{URL: cfg.URL, APIKey: cfg.APIKey})
		},
	}
}

// Handle processes one DatasetTransformJob.
func (w *DatasetWorker) Handle(ctx context.Context, env queue.Envelope) queue.Result {
	var job models.DatasetTransformJob
	if err := env.Decode(&job); err != nil {
		return queue.Terminal(err.Error())
	}
	log := w.log.With("job_id", env.JobID, "transform_id", job.TransformID,
		"embedded_dataset_id", job.EmbeddedDatasetID, "batch", job.BatchFileKey)

	out, ok, err := w.store.GetOutcome(ctx, models.KindDataset, job.TransformID, job.Generation, job.BatchFileKey)
	if err != nil {
		return queue.Nack(0)
	}
	if ok && out.Status != models.UnitPending {
		log.Debug("skipping already processed batch")
		return queue.Ack()
	}

	start := time.Now()

	data, err := w.blobs.Get(ctx, job.Bucket, job.BatchFileKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			w.recordBatch(ctx, job, models.UnitFailed, 0, "batch file missing", start)
			return queue.Ack()
		}
		log.Warn("object storage unavailable", "error", err)
		return queue.Nack(0)
	}
	var b batch.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		w.recordBatch(ctx, job, models.UnitFailed, 0, fmt.Sprintf("decode batch file: %v", err), start)
		return queue.Ack()
	}

	client, err := w.newEmbedder(job.EmbedderConfig)
	if err != nil {
		w.recordBatch(ctx, job, models.UnitFailed, 0, err.Error(), start)
		return queue.Ack()
	}

	texts := make([]string, len(b.Items))
	for i, item := range b.Items {
		texts[i] = item.ChunkText
	}
	embedStart := time.Now()
	vectors, err := client.Embed(ctx, texts)
	metrics.Default().Record(metrics.OpEmbed, time.Since(embedStart), int64(len(texts)))
	if err != nil {
		if embed.IsRetryable(err) {
			log.Warn("embedding failed, will retry", "kind", embed.KindOf(err), "error", err)
			return queue.Nack(0)
		}
		log.Info("embedding failed terminally", "kind", embed.KindOf(err), "error", err)
		w.recordBatch(ctx, job, models.UnitFailed, 0, err.Error(), start)
		return queue.Ack()
	}

	// The coordinator wiped and created the collection at trigger time;
	// ensure here only covers redelivery against a store restart.
	vs := w.newVectorStore(job.VectorStore)
	if err := vs.EnsureCollection(ctx, job.CollectionName, client.Dimensions(), vectorstore.DistanceCosine); err != nil {
		log.Warn("ensure collection failed", "error", err)
		return queue.Nack(0)
	}

	points := make([]vectorstore.Point, len(b.Items))
	for i, item := range b.Items {
		points[i] = vectorstore.Point{
			ID:     PointID(item.ID, item.ChunkIndex),
			Vector: vectors[i],
			Payload: map[string]any{
				"item_id":         item.ID,
				"dataset_id":      item.DatasetID,
				"title":           item.Title,
				"text":            item.ChunkText,
				"chunk_index":     item.ChunkIndex,
				"source_file_key": item.SourceFileKey,
			},
		}
	}
	upsertStart := time.Now()
	if err := vs.Upsert(ctx, job.CollectionName, points); err != nil {
		log.Warn("vector upsert failed", "error", err)
		return queue.Nack(0)
	}
	metrics.Default().Record(metrics.OpVectorUpsert, time.Since(upsertStart), int64(len(points)))

	log.Debug("batch embedded", "items", len(b.Items), "duration", time.Since(start))
	w.recordBatch(ctx, job, models.UnitSuccess, len(b.Items), "", start)
	return queue.Ack()
}

func (w *DatasetWorker) recordBatch(ctx context.Context, job models.DatasetTransformJob, status models.UnitStatus, itemCount int, errMsg string, start time.Time) {
	out := models.Outcome{
		Kind:              models.KindDataset,
		TransformID:       job.TransformID,
		EmbeddedDatasetID: job.EmbeddedDatasetID,
		Generation:        job.Generation,
		UnitKey:           job.BatchFileKey,
		Status:            status,
		ItemCount:         itemCount,
		Error:             errMsg,
		DurationMS:        time.Since(start).Milliseconds(),
		ProcessedAt:       time.Now().UTC(),
	}
	if err := w.store.UpsertOutcome(ctx, out); err != nil {
		w.log.Error("upsert batch outcome failed", "batch", job.BatchFileKey, "error", err)
		return
	}
	w.events.Publish(ctx, events.StatusEvent{
		Kind:        models.KindDataset,
		TransformID: job.TransformID,
		UnitID:      job.BatchFileKey,
		NewStatus:   string(status),
	})
	FinalizeRun(ctx, w.store, models.KindDataset, job.TransformID, job.Generation, w.log)
}

// DeadLetterRecorder returns the hook a consumer installs so a job that
// exhausts its attempts still leaves a terminal failure row. Stats must
// reflect dead-lettered units; they are never silently dropped.
func DeadLetterRecorder(st store.Store, kind models.TransformKind, log *slog.Logger) queue.DeadLetterFunc {
	return func(ctx context.Context, env queue.Envelope, reason string) {
		var ref struct {
			TransformID       int64    `json:"transform_id"`
			EmbeddedDatasetID int64    `json:"embedded_dataset_id"`
			Generation        int      `json:"generation"`
			BatchFileKey      string   `json:"batch_file_key"`
			FileKeys          []string `json:"file_keys"`
		}
		if err := env.Decode(&ref); err != nil {
			log.Error("dead letter payload undecodable", "job_id", env.JobID, "error", err)
			return
		}
		unitKeys := ref.FileKeys
		if ref.BatchFileKey != "" {
			unitKeys = []string{ref.BatchFileKey}
		}
		if len(unitKeys) == 0 {
			unitKeys = []string{fmt.Sprintf("job:%s", env.JobID)}
		}
		errMsg := fmt.Sprintf("dead-lettered after %d attempts: %s", env.Attempt, reason)
		for _, unitKey := range unitKeys {
			// Units the handler already finished keep their terminal row.
			if out, ok, err := st.GetOutcome(ctx, kind, ref.TransformID, ref.Generation, unitKey); err == nil && ok && out.Status != models.UnitPending {
				continue
			}
			out := models.Outcome{
				Kind:              kind,
				TransformID:       ref.TransformID,
				EmbeddedDatasetID: ref.EmbeddedDatasetID,
				Generation:        ref.Generation,
				UnitKey:           unitKey,
				Status:            models.UnitFailed,
				Error:             errMsg,
				ProcessedAt:       time.Now().UTC(),
			}
			if err := st.UpsertOutcome(ctx, out); err != nil {
				log.Error("record dead letter failed", "job_id", env.JobID, "error", err)
				return
			}
		}
		FinalizeRun(ctx, st, kind, ref.TransformID, ref.Generation, log)
	}
}
