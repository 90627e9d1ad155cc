package models

import "time"

// TransformKind identifies which worker family owns a unit outcome row.
type TransformKind string

const (
	KindCollection    TransformKind = "collection"
	KindDataset       TransformKind = "dataset"
	KindVisualization TransformKind = "visualization"
)

// UnitStatus is the terminal state of one processed unit (file or batch).
type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitSuccess UnitStatus = "success"
	UnitFailed  UnitStatus = "failed"
)

// Outcome is the per-unit processing record: one row per file for
// collection transforms, one row per batch for dataset transforms. Rows
// are keyed by (kind, transform id, generation, unit key); redelivery of
// the same unit updates the row rather than duplicating it, which is what
// keeps stats idempotent under at-least-once delivery.
type Outcome struct {
	Kind        TransformKind `json:"kind"`
	TransformID int64         `json:"transform_id"`
	// EmbeddedDatasetID scopes dataset-transform outcomes to one fan-out
	// branch; zero for collection and visualization outcomes.
	EmbeddedDatasetID int64      `json:"embedded_dataset_id,omitempty"`
	Generation        int        `json:"generation"`
	UnitKey           string     `json:"unit_key"`
	Status            UnitStatus `json:"status"`
	ItemCount         int        `json:"item_count"`
	Error             string     `json:"error,omitempty"`
	DurationMS        int64      `json:"duration_ms"`
	ProcessedAt       time.Time  `json:"processed_at"`
}

// Stats are the counters the aggregator derives from outcome rows.
type Stats struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	ItemsCreated int `json:"items_created"`
}
