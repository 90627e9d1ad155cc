// Package models defines the data structures shared across the Vectra
// transform pipeline: transform configurations, dataset records, per-unit
// outcome rows and job payloads.
package models

import (
	"errors"
	"time"

	"github.com/lucasresch/vectra/internal/chunk"
	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/extract"
)

// RunStatus is the aggregate status of a transform's most recent run.
type RunStatus string

const (
	RunStatusNever     RunStatus = "never_run"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// JobConfig bundles the extraction and chunking configuration of a
// collection transform. Both halves are typed per strategy and validated
// at transform creation time, not at job consumption time.
type JobConfig struct {
	Extraction extract.Options `json:"extraction" yaml:"extraction"`
	Chunking   chunk.Config    `json:"chunking" yaml:"chunking"`

	// SemanticEmbedderID names the registered embedder the semantic
	// chunking strategy calls during chunking. Required for that strategy,
	// ignored by all others.
	SemanticEmbedderID int64 `json:"semantic_embedder_id,omitempty" yaml:"semantic_embedder_id,omitempty"`
}

// Validate checks both halves of the job config.
func (c JobConfig) Validate() error {
	if err := c.Extraction.Validate(); err != nil {
		return err
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if c.Chunking.Strategy == chunk.Semantic && c.SemanticEmbedderID <= 0 {
		return errors.New("semantic chunking requires a semantic_embedder_id")
	}
	return nil
}

// CollectionTransform turns the raw files of a collection into dataset items.
type CollectionTransform struct {
	ID           int64     `json:"id"`
	CollectionID int64     `json:"collection_id"`
	DatasetID    int64     `json:"dataset_id"`
	Bucket       string    `json:"bucket"`
	Prefix       string    `json:"prefix"`
	IsEnabled    bool      `json:"is_enabled"`
	Config       JobConfig `json:"config"`

	// ShapeLocked is set after the first successful run. Fields that affect
	// chunk shape (strategy, chunk size) may not change once locked.
	ShapeLocked bool `json:"shape_locked"`

	Generation    int        `json:"generation"`
	LastRunStatus RunStatus  `json:"last_run_status"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// DatasetTransform embeds the items of a dataset with one or more embedders.
type DatasetTransform struct {
	ID          int64   `json:"id"`
	DatasetID   int64   `json:"dataset_id"`
	Bucket      string  `json:"bucket"`
	EmbedderIDs []int64 `json:"embedder_ids"`
	IsEnabled   bool    `json:"is_enabled"`

	// ShapeLocked is set after the first successful run; the embedder list
	// may not change once vectors have been written.
	ShapeLocked bool `json:"shape_locked"`

	Generation    int        `json:"generation"`
	LastRunStatus RunStatus  `json:"last_run_status"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// VisualizationTransform reduces and clusters an embedded dataset.
type VisualizationTransform struct {
	ID                int64     `json:"id"`
	EmbeddedDatasetID int64     `json:"embedded_dataset_id"`
	Bucket            string    `json:"bucket"`
	IsEnabled         bool      `json:"is_enabled"`
	Config            VizConfig `json:"config"`

	LastRunStatus RunStatus  `json:"last_run_status"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// VizConfig carries the reduction and clustering parameters.
type VizConfig struct {
	NNeighbors     int     `json:"n_neighbors" yaml:"n_neighbors"`
	NComponents    int     `json:"n_components" yaml:"n_components"`
	MinDist        float64 `json:"min_dist" yaml:"min_dist"`
	Metric         string  `json:"metric" yaml:"metric"`
	MinClusterSize int     `json:"min_cluster_size" yaml:"min_cluster_size"`
	// MinSamples defaults to MinClusterSize when nil. It is always forwarded
	// to the clustering backend, never silently omitted.
	MinSamples *int `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
}

// Embedder is a configured embedding provider registered in the metadata
// store and referenced by dataset transforms.
type Embedder struct {
	ID     int64        `json:"id"`
	Name   string       `json:"name"`
	Config embed.Config `json:"config"`
}
