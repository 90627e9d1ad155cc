// Package store is the transactional metadata interface of the pipeline:
// transform records, dataset items, per-unit outcome rows and
// visualization runs. PostgreSQL backs production; the memory
// implementation backs tests.
package store

import (
	"context"
	"errors"

	"github.com/lucasresch/vectra/internal/models"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("store: record not found")

// ErrShapeLocked reports an attempt to change shape-affecting config after
// the first successful run.
var ErrShapeLocked = errors.New("store: transform config is locked after first successful run")

// Store is the metadata persistence contract.
type Store interface {
	// Transforms.
	GetCollectionTransform(ctx context.Context, id int64) (models.CollectionTransform, error)
	GetDatasetTransform(ctx context.Context, id int64) (models.DatasetTransform, error)
	GetVisualizationTransform(ctx context.Context, id int64) (models.VisualizationTransform, error)

	// StartCollectionRun marks the transform running and bumps its
	// generation; StartDatasetRun does the same for dataset transforms.
	StartCollectionRun(ctx context.Context, id int64) (models.CollectionTransform, error)
	StartDatasetRun(ctx context.Context, id int64) (models.DatasetTransform, error)

	// FinishCollectionRun / FinishDatasetRun record the aggregate outcome
	// and lock shape-affecting config after the first successful run.
	FinishCollectionRun(ctx context.Context, id int64, status models.RunStatus, errMsg string) error
	FinishDatasetRun(ctx context.Context, id int64, status models.RunStatus, errMsg string) error

	// UpdateCollectionTransformConfig refuses shape changes once locked.
	UpdateCollectionTransformConfig(ctx context.Context, id int64, cfg models.JobConfig) error

	// Embedders.
	GetEmbedder(ctx context.Context, id int64) (models.Embedder, error)

	// Dataset items. Append is idempotent on
	// (dataset_id, source_file_key, chunk_index) so redelivery never
	// double-creates items; it returns the number of newly created rows.
	AppendDatasetItems(ctx context.Context, datasetID int64, items []models.DatasetItem) (int, error)
	ListDatasetItems(ctx context.Context, datasetID int64) ([]models.DatasetItem, error)
	// DeleteDatasetItemsForFile clears a file's items before re-chunking
	// under a new generation.
	DeleteDatasetItemsForFile(ctx context.Context, datasetID int64, sourceFileKey string) error

	// Embedded datasets. Creation is owned by the fan-out coordinator.
	CreateEmbeddedDataset(ctx context.Context, ds *models.EmbeddedDataset) error
	GetEmbeddedDataset(ctx context.Context, id int64) (models.EmbeddedDataset, error)
	FindEmbeddedDataset(ctx context.Context, transformID, embedderID int64) (models.EmbeddedDataset, bool, error)
	ListEmbeddedDatasets(ctx context.Context, transformID int64) ([]models.EmbeddedDataset, error)

	// Per-unit outcome rows, keyed by (kind, transform, generation, unit).
	UpsertOutcome(ctx context.Context, o models.Outcome) error
	GetOutcome(ctx context.Context, kind models.TransformKind, transformID int64, generation int, unitKey string) (models.Outcome, bool, error)
	ListOutcomes(ctx context.Context, kind models.TransformKind, transformID int64, generation int) ([]models.Outcome, error)

	// Visualization runs.
	CreateVisualization(ctx context.Context, v *models.Visualization) error
	GetVisualization(ctx context.Context, id int64) (models.Visualization, error)
	UpdateVisualization(ctx context.Context, v models.Visualization) error
}
