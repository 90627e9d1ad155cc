package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/events"
	"github.com/lucasresch/vectra/internal/metrics"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/vectorstore"
	"github.com/lucasresch/vectra/internal/viz"
)

// Reduction defaults applied when the transform config leaves a knob at
// its zero value.
const (
	defaultNNeighbors     = 15
	defaultNComponents    = 2
	defaultMinDist        = 0.1
	defaultMetric         = "cosine"
	defaultMinClusterSize = 5

	scrollPageSize = 512
)

// VisualizationWorker reduces and clusters one embedded dataset. The
// Visualization row moves pending -> processing -> completed|failed and
// never backwards; intermediate progress goes out as best-effort events
// only.
type VisualizationWorker struct {
	store  store.Store
	blobs  blob.Store
	engine viz.Engine
	events events.Publisher
	log    *slog.Logger

	newVectorStore func(models.VectorStoreConfig) vectorstore.Store
}

func NewVisualizationWorker(st store.Store, blobs blob.Store, engine viz.Engine, pub events.Publisher, log *slog.Logger) *VisualizationWorker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &VisualizationWorker{
		store:  st,
		blobs:  blobs,
		engine: engine,
		events: pub,
		log:    log,
		newVectorStore: func(cfg models.VectorStoreConfig) vectorstore.Store {
			return vectorstore.NewQdrant(vectorstore.QdrantConfig{URL: cfg.URL, APIKey: cfg.APIKey})
		},
	}
}

// Handle processes one VisualizationJob.
func (w *VisualizationWorker) Handle(ctx context.Context, env queue.Envelope) queue.Result {
	var job models.VisualizationJob
	if err := env.Decode(&job); err != nil {
		return queue.Terminal(err.Error())
	}
	log := w.log.With("job_id", env.JobID, "transform_id", job.TransformID, "visualization_id", job.VisualizationID)

	v, err := w.store.GetVisualization(ctx, job.VisualizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Terminal(err.Error())
		}
		return queue.Nack(0)
	}
	switch v.Status {
	case models.VizCompleted, models.VizFailed:
		log.Debug("skipping already finished visualization")
		return queue.Ack()
	case models.VizPending:
		now := time.Now().UTC()
		v.Status = models.VizProcessing
		v.StartedAt = &now
		if err := w.store.UpdateVisualization(ctx, v); err != nil {
			return queue.Nack(0)
		}
	}
	// A redelivered job finds the row already processing and just resumes.

	ds, err := w.store.GetEmbeddedDataset(ctx, job.EmbeddedDatasetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.fail(ctx, v, err.Error())
		}
		return queue.Nack(0)
	}

	w.progress(ctx, job, "fetching_vectors", 10)
	vs := w.newVectorStore(job.VectorStore)
	points, err := vectorstore.ScrollAll(ctx, vs, ds.CollectionName, scrollPageSize, true)
	if err != nil {
		if errors.Is(err, vectorstore.ErrNotFound) {
			return w.fail(ctx, v, fmt.Sprintf("vector collection %s does not exist", ds.CollectionName))
		}
		log.Warn("scroll vectors failed", "error", err)
		return queue.Nack(0)
	}
	if len(points) == 0 {
		return w.fail(ctx, v, "embedded dataset has no vectors")
	}

	vectors := make([][]float32, len(points))
	titles := make([]string, len(points))
	for i, p := range points {
		vectors[i] = p.Vector
		if t, ok := p.Payload["title"].(string); ok {
			titles[i] = t
		}
	}
	viz.Normalize(vectors)

	w.progress(ctx, job, "reducing", 40)
	reduceStart := time.Now()
	coords, err := w.engine.Reduce(ctx, vectors, reduceConfig(job.Config))
	if err != nil {
		log.Warn("reduce failed", "error", err)
		return queue.Nack(0)
	}
	metrics.Default().Record(metrics.OpReduce, time.Since(reduceStart), int64(len(coords)))

	w.progress(ctx, job, "clustering", 70)
	clusterStart := time.Now()
	labels, err := w.engine.Cluster(ctx, coords, clusterConfig(job.Config))
	if err != nil {
		log.Warn("cluster failed", "error", err)
		return queue.Nack(0)
	}
	metrics.Default().Record(metrics.OpCluster, time.Since(clusterStart), int64(len(labels)))

	w.progress(ctx, job, "persisting", 85)
	reducedName := ds.CollectionName + "_reduced"
	nComponents := len(coords[0])
	if err := vs.DeleteCollection(ctx, reducedName); err != nil {
		return queue.Nack(0)
	}
	if err := vs.EnsureCollection(ctx, reducedName, nComponents, vectorstore.DistanceEuclid); err != nil {
		return queue.Nack(0)
	}
	reduced := make([]vectorstore.Point, len(points))
	for i, p := range points {
		payload := map[string]any{"cluster": labels[i], "title": titles[i]}
		for k, val := range p.Payload {
			if _, taken := payload[k]; !taken {
				payload[k] = val
			}
		}
		reduced[i] = vectorstore.Point{ID: p.ID, Vector: coords[i], Payload: payload}
	}
	if err := vs.Upsert(ctx, reducedName, reduced); err != nil {
		log.Warn("persist reduced points failed", "error", err)
		return queue.Nack(0)
	}

	w.progress(ctx, job, "rendering", 95)
	plot := make([]viz.PlotPoint, len(points))
	for i := range points {
		plot[i] = viz.PlotPoint{Coords: coords[i], Label: labels[i], Title: titles[i]}
	}
	html, err := viz.Render(ds.Name, plot)
	if err != nil {
		return w.fail(ctx, v, fmt.Sprintf("render artifact: %v", err))
	}
	artifactKey := fmt.Sprintf("visualizations/%d/plot.html", v.ID)
	if err := w.blobs.Put(ctx, job.Bucket, artifactKey, html); err != nil {
		log.Warn("upload artifact failed", "error", err)
		return queue.Nack(0)
	}

	clusterCount := viz.CountClusters(labels)
	stats, _ := json.Marshal(map[string]any{
		"point_count":   len(points),
		"cluster_count": clusterCount,
		"noise_points":  countNoise(labels),
		"n_components":  nComponents,
	})
	now := time.Now().UTC()
	v.Status = models.VizCompleted
	v.PointCount = len(points)
	v.ClusterCount = clusterCount
	v.HTMLArtifactKey = artifactKey
	v.StatsJSON = string(stats)
	v.CompletedAt = &now
	if err := w.store.UpdateVisualization(ctx, v); err != nil {
		return queue.Nack(0)
	}

	w.events.Publish(ctx, events.StatusEvent{
		Kind:        models.KindVisualization,
		TransformID: job.TransformID,
		UnitID:      fmt.Sprintf("%d", v.ID),
		NewStatus:   string(models.VizCompleted),
	})
	log.Info("visualization completed", "points", len(points), "clusters", clusterCount)
	return queue.Ack()
}

func (w *VisualizationWorker) fail(ctx context.Context, v models.Visualization, reason string) queue.Result {
	now := time.Now().UTC()
	v.Status = models.VizFailed
	v.ErrorMessage = reason
	v.CompletedAt = &now
	if err := w.store.UpdateVisualization(ctx, v); err != nil {
		w.log.Error("mark visualization failed", "visualization_id", v.ID, "error", err)
		return queue.Nack(0)
	}
	w.events.Publish(ctx, events.StatusEvent{
		Kind:        models.KindVisualization,
		TransformID: v.TransformID,
		UnitID:      fmt.Sprintf("%d", v.ID),
		NewStatus:   string(models.VizFailed),
	})
	return queue.Ack()
}

func (w *VisualizationWorker) progress(ctx context.Context, job models.VisualizationJob, stage string, percent int) {
	w.events.Publish(ctx, events.StatusEvent{
		Kind:            models.KindVisualization,
		TransformID:     job.TransformID,
		UnitID:          fmt.Sprintf("%d", job.VisualizationID),
		NewStatus:       string(models.VizProcessing),
		Stage:           stage,
		ProgressPercent: percent,
	})
}

func reduceConfig(c models.VizConfig) viz.ReduceConfig {
	cfg := viz.ReduceConfig{
		NNeighbors:  c.NNeighbors,
		NComponents: c.NComponents,
		MinDist:     c.MinDist,
		Metric:      c.Metric,
	}
	if cfg.NNeighbors <= 0 {
		cfg.NNeighbors = defaultNNeighbors
	}
	if cfg.NComponents <= 0 {
		cfg.NComponents = defaultNComponents
	}
	if cfg.MinDist <= 0 {
		cfg.MinDist = defaultMinDist
	}
	if cfg.Metric == "" {
		cfg.Metric = defaultMetric
	}
	return cfg
}

// clusterConfig always resolves MinSamples to a concrete value. Leaving
// it unset lets the backend pick an implicit default, which skews
// cluster counts between runs.
func clusterConfig(c models.VizConfig) viz.ClusterConfig {
	minCluster := c.MinClusterSize
	if minCluster <= 0 {
		minCluster = defaultMinClusterSize
	}
	minSamples := minCluster
	if c.MinSamples != nil && *c.MinSamples > 0 {
		minSamples = *c.MinSamples
	}
	return viz.ClusterConfig{MinClusterSize: minCluster, MinSamples: minSamples}
}

func countNoise(labels []int) int {
	n := 0
	for _, l := range labels {
		if l < 0 {
			n++
		}
	}
	return n
}

// VisualizationDeadLetter marks the visualization row failed when its
// job exhausts all attempts.
func VisualizationDeadLetter(st store.Store, log *slog.Logger) queue.DeadLetterFunc {
	return func(ctx context.Context, env queue.Envelope, reason string) {
		var ref struct {
			VisualizationID int64 `json:"visualization_id"`
		}
		if err := env.Decode(&ref); err != nil {
			log.Error("dead letter payload undecodable", "job_id", env.JobID, "error", err)
			return
		}
		v, err := st.GetVisualization(ctx, ref.VisualizationID)
		if err != nil {
			log.Error("dead letter visualization lookup failed", "visualization_id", ref.VisualizationID, "error", err)
			return
		}
		if v.Status == models.VizCompleted || v.Status == models.VizFailed {
			return
		}
		now := time.Now().UTC()
		v.Status = models.VizFailed
		v.ErrorMessage = fmt.Sprintf("dead-lettered after %d attempts: %s", env.Attempt, reason)
		v.CompletedAt = &now
		if err := st.UpdateVisualization(ctx, v); err != nil {
			log.Error("mark dead-lettered visualization failed", "visualization_id", v.ID, "error", err)
		}
	}
}
