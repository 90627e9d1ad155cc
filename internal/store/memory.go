package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucasresch/vectra/internal/models"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu sync.RWMutex

	collectionTransforms map[int64]models.CollectionTransform
	datasetTransforms    map[int64]models.DatasetTransform
	vizTransforms        map[int64]models.VisualizationTransform
	embedders            map[int64]models.Embedder

	items      map[int64][]models.DatasetItem // by dataset id
	itemSeq    int64
	embedded   map[int64]models.EmbeddedDataset
	embeddedSeq int64
	outcomes   map[string]models.Outcome
	viz        map[int64]models.Visualization
	vizSeq     int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collectionTransforms: make(map[int64]models.CollectionTransform),
		datasetTransforms:    make(map[int64]models.DatasetTransform),
		vizTransforms:        make(map[int64]models.VisualizationTransform),
		embedders:            make(map[int64]models.Embedder),
		items:                make(map[int64][]models.DatasetItem),
		embedded:             make(map[int64]models.EmbeddedDataset),
		outcomes:             make(map[string]models.Outcome),
		viz:                  make(map[int64]models.Visualization),
	}
}

// Seed helpers for tests.

func (m *Memory) PutCollectionTransform(t models.CollectionTransform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectionTransforms[t.ID] = t
}

func (m *Memory) PutDatasetTransform(t models.DatasetTransform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasetTransforms[t.ID] = t
}

func (m *Memory) PutVisualizationTransform(t models.VisualizationTransform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vizTransforms[t.ID] = t
}

func (m *Memory) PutEmbedder(e models.Embedder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedders[e.ID] = e
}

func (m *Memory) GetCollectionTransform(_ context.Context, id int64) (models.CollectionTransform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.collectionTransforms[id]
	if !ok {
		return t, fmt.Errorf("%w: collection transform %d", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) GetDatasetTransform(_ context.Context, id int64) (models.DatasetTransform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.datasetTransforms[id]
	if !ok {
		return t, fmt.Errorf("%w: dataset transform %d", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) GetVisualizationTransform(_ context.Context, id int64) (models.VisualizationTransform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.vizTransforms[id]
	if !ok {
		return t, fmt.Errorf("%w: visualization transform %d", ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) StartCollectionRun(_ context.Context, id int64) (models.CollectionTransform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.collectionTransforms[id]
	if !ok {
		return t, fmt.Errorf("%w: collection transform %d", ErrNotFound, id)
	}
	t.Generation++
	t.LastRunStatus = models.RunStatusRunning
	now := time.Now().UTC()
	t.LastRunAt = &now
	t.LastError = ""
	m.collectionTransforms[id] = t
	return t, nil
}

func (m *Memory) StartDatasetRun(_ context.Context, id int64) (models.DatasetTransform, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.datasetTransforms[id]
	if !ok {
		return t, fmt.Errorf("%w: dataset transform %d", ErrNotFound, id)
	}
	t.Generation++
	t.LastRunStatus = models.RunStatusRunning
	now := time.Now().UTC()
	t.LastRunAt = &now
	t.LastError = ""
	m.datasetTransforms[id] = t
	return t, nil
}

func (m *Memory) FinishCollectionRun(_ context.Context, id int64, status models.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.collectionTransforms[id]
	if !ok {
		return fmt.Errorf("%w: collection transform %d", ErrNotFound, id)
	}
	t.LastRunStatus = status
	t.LastError = errMsg
	if status == models.RunStatusCompleted {
		t.ShapeLocked = true
	}
	m.collectionTransforms[id] = t
	return nil
}

func (m *Memory) FinishDatasetRun(_ context.Context, id int64, status models.RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.datasetTransforms[id]
	if !ok {
		return fmt.Errorf("%w: dataset transform %d", ErrNotFound, id)
	}
	t.LastRunStatus = status
	t.LastError = errMsg
	if status == models.RunStatusCompleted {
		t.ShapeLocked = true
	}
	m.datasetTransforms[id] = t
	return nil
}

func (m *Memory) UpdateCollectionTransformConfig(_ context.Context, id int64, cfg models.JobConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.collectionTransforms[id]
	if !ok {
		return fmt.Errorf("%w: collection transform %d", ErrNotFound, id)
	}
	if t.ShapeLocked && shapeChanged(t.Config, cfg) {
		return ErrShapeLocked
	}
	t.Config = cfg
	m.collectionTransforms[id] = t
	return nil
}

func shapeChanged(old, next models.JobConfig) bool {
	return old.Chunking.Strategy != next.Chunking.Strategy ||
		old.Chunking.ChunkSize != next.Chunking.ChunkSize ||
		old.Chunking.ChunkOverlap != next.Chunking.ChunkOverlap
}

func (m *Memory) GetEmbedder(_ context.Context, id int64) (models.Embedder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.embedders[id]
	if !ok {
		return e, fmt.Errorf("%w: embedder %d", ErrNotFound, id)
	}
	return e, nil
}

func (m *Memory) AppendDatasetItems(_ context.Context, datasetID int64, items []models.DatasetItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]bool)
	for _, it := range m.items[datasetID] {
		existing[fmt.Sprintf("%s#%d", it.SourceFileKey, it.ChunkIndex)] = true
	}

	created := 0
	for _, it := range items {
		key := fmt.Sprintf("%s#%d", it.SourceFileKey, it.ChunkIndex)
		if existing[key] {
			continue
		}
		m.itemSeq++
		it.ID = m.itemSeq
		it.DatasetID = datasetID
		m.items[datasetID] = append(m.items[datasetID], it)
		existing[key] = true
		created++
	}
	return created, nil
}

func (m *Memory) ListDatasetItems(_ context.Context, datasetID int64) ([]models.DatasetItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]models.DatasetItem, len(m.items[datasetID]))
	copy(items, m.items[datasetID])
	sort.Slice(items, func(i, j int) bool {
		if items[i].SourceFileKey != items[j].SourceFileKey {
			return items[i].SourceFileKey < items[j].SourceFileKey
		}
		return items[i].ChunkIndex < items[j].ChunkIndex
	})
	return items, nil
}

func (m *Memory) DeleteDatasetItemsForFile(_ context.Context, datasetID int64, sourceFileKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[datasetID][:0]
	for _, it := range m.items[datasetID] {
		if it.SourceFileKey != sourceFileKey {
			kept = append(kept, it)
		}
	}
	m.items[datasetID] = kept
	return nil
}

func (m *Memory) CreateEmbeddedDataset(_ context.Context, ds *models.EmbeddedDataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.embedded {
		if existing.CollectionName == ds.CollectionName {
			return fmt.Errorf("store: collection name %q already bound", ds.CollectionName)
		}
	}
	m.embeddedSeq++
	ds.ID = m.embeddedSeq
	ds.CreatedAt = time.Now().UTC()
	m.embedded[ds.ID] = *ds
	return nil
}

func (m *Memory) GetEmbeddedDataset(_ context.Context, id int64) (models.EmbeddedDataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.embedded[id]
	if !ok {
		return ds, fmt.Errorf("%w: embedded dataset %d", ErrNotFound, id)
	}
	return ds, nil
}

func (m *Memory) FindEmbeddedDataset(_ context.Context, transformID, embedderID int64) (models.EmbeddedDataset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ds := range m.embedded {
		if ds.Origin.Kind == models.OriginDerived &&
			ds.Origin.TransformID == transformID && ds.Origin.EmbedderID == embedderID {
			return ds, true, nil
		}
	}
	return models.EmbeddedDataset{}, false, nil
}

func (m *Memory) ListEmbeddedDatasets(_ context.Context, transformID int64) ([]models.EmbeddedDataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EmbeddedDataset
	for _, ds := range m.embedded {
		if ds.Origin.Kind == models.OriginDerived && ds.Origin.TransformID == transformID {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func outcomeKey(o models.Outcome) string {
	return fmt.Sprintf("%s/%d/%d/%s", o.Kind, o.TransformID, o.Generation, o.UnitKey)
}

func (m *Memory) UpsertOutcome(_ context.Context, o models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcomeKey(o)] = o
	return nil
}

func (m *Memory) GetOutcome(_ context.Context, kind models.TransformKind, transformID int64, generation int, unitKey string) (models.Outcome, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[outcomeKey(models.Outcome{
		Kind: kind, TransformID: transformID, Generation: generation, UnitKey: unitKey,
	})]
	return o, ok, nil
}

func (m *Memory) ListOutcomes(_ context.Context, kind models.TransformKind, transformID int64, generation int) ([]models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Outcome
	for _, o := range m.outcomes {
		if o.Kind == kind && o.TransformID == transformID && o.Generation == generation {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitKey < out[j].UnitKey })
	return out, nil
}

func (m *Memory) CreateVisualization(_ context.Context, v *models.Visualization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vizSeq++
	v.ID = m.vizSeq
	if v.Status == "" {
		v.Status = models.VizPending
	}
	m.viz[v.ID] = *v
	return nil
}

func (m *Memory) GetVisualization(_ context.Context, id int64) (models.Visualization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.viz[id]
	if !ok {
		return v, fmt.Errorf("%w: visualization %d", ErrNotFound, id)
	}
	return v, nil
}

func (m *Memory) UpdateVisualization(_ context.Context, v models.Visualization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.viz[v.ID]
	if !ok {
		return fmt.Errorf("%w: visualization %d", ErrNotFound, v.ID)
	}
	if cur.Status != v.Status && !cur.CanTransition(v.Status) {
		return fmt.Errorf("store: visualization %d cannot move %s -> %s", v.ID, cur.Status, v.Status)
	}
	m.viz[v.ID] = v
	return nil
}
