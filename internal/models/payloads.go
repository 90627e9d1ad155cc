package models

import "github.com/lucasresch/vectra/internal/embed"

// JobKind tags the payload carried by a queue envelope.
type JobKind string

const (
	JobCollectionTransform JobKind = "collection_transform"
	JobDatasetTransform    JobKind = "dataset_transform"
	JobVisualization       JobKind = "visualization"
)

// Stream names for the three job families.
const (
	StreamCollection    = "vectra:jobs:collection"
	StreamDataset       = "vectra:jobs:dataset"
	StreamVisualization = "vectra:jobs:visualization"
)

// CollectionTransformJob instructs a collection worker to extract and
// chunk a group of files into dataset items.
type CollectionTransformJob struct {
	TransformID  int64     `json:"transform_id"`
	CollectionID int64     `json:"collection_id"`
	DatasetID    int64     `json:"dataset_id"`
	Generation   int       `json:"generation"`
	Bucket       string    `json:"bucket"`
	FileKeys     []string  `json:"file_keys"`
	Config       JobConfig `json:"job_config"`
}

// VectorStoreConfig points a worker at the vector store holding the target
// collection.
type VectorStoreConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key,omitempty"`
}

// DatasetTransformJob instructs a dataset worker to embed one persisted
// batch for one embedded dataset. One job per
// (transform, embedded dataset, batch file).
type DatasetTransformJob struct {
	TransformID       int64             `json:"transform_id"`
	EmbeddedDatasetID int64             `json:"embedded_dataset_id"`
	Generation        int               `json:"generation"`
	Bucket            string            `json:"bucket"`
	BatchFileKey      string            `json:"batch_file_key"`
	CollectionName    string            `json:"collection_name"`
	BatchSize         int               `json:"batch_size"`
	EmbedderConfig    embed.Config      `json:"embedder_config"`
	VectorStore       VectorStoreConfig `json:"vector_store_config"`
}

// DatasetTransformResult summarizes one processed batch.
type DatasetTransformResult struct {
	JobID             string     `json:"job_id"`
	TransformID       int64      `json:"transform_id"`
	EmbeddedDatasetID int64      `json:"embedded_dataset_id"`
	BatchFileKey      string     `json:"batch_file_key"`
	ChunkCount        int        `json:"chunk_count"`
	Status            UnitStatus `json:"status"`
	Error             string     `json:"error,omitempty"`
	DurationMS        int64      `json:"processing_duration_ms"`
}

// VisualizationJob instructs a visualization worker to reduce and cluster
// one embedded dataset.
type VisualizationJob struct {
	TransformID       int64             `json:"transform_id"`
	VisualizationID   int64             `json:"visualization_id"`
	EmbeddedDatasetID int64             `json:"embedded_dataset_id"`
	Bucket            string            `json:"bucket"`
	Config            VizConfig         `json:"config"`
	VectorStore       VectorStoreConfig `json:"vector_store_config"`
}
