package models

import "time"

// OriginKind discriminates how an embedded dataset came to exist.
type OriginKind string

const (
	// OriginDerived marks an embedded dataset produced by a dataset
	// transform for one of its embedders.
	OriginDerived OriginKind = "derived"

	// OriginStandalone marks an embedded dataset whose vectors were pushed
	// from outside the pipeline. It has no transform, source dataset or
	// embedder and is excluded from fan-out and stats derivation.
	OriginStandalone OriginKind = "standalone"
)

// Origin is the tagged provenance of an embedded dataset. The derived
// fields are only meaningful when Kind is OriginDerived; standalone
// datasets are identified by the tag, never by zero-valued ids.
type Origin struct {
	Kind            OriginKind `json:"kind"`
	TransformID     int64      `json:"transform_id,omitempty"`
	SourceDatasetID int64      `json:"source_dataset_id,omitempty"`
	EmbedderID      int64      `json:"embedder_id,omitempty"`
}

// DerivedOrigin builds the origin of a transform-produced embedded dataset.
func DerivedOrigin(transformID, sourceDatasetID, embedderID int64) Origin {
	return Origin{
		Kind:            OriginDerived,
		TransformID:     transformID,
		SourceDatasetID: sourceDatasetID,
		EmbedderID:      embedderID,
	}
}

// StandaloneOrigin builds the origin of an externally-populated embedded
// dataset.
func StandaloneOrigin() Origin {
	return Origin{Kind: OriginStandalone}
}

// EmbeddedDataset binds a source dataset and embedder to a vector-store
// collection. CollectionName is unique and immutable once vectors have
// been written; changing embedder or dimensions means a new embedded
// dataset, never mutation in place.
type EmbeddedDataset struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CollectionName string    `json:"collection_name"`
	Dimensions     int       `json:"dimensions"`
	Origin         Origin    `json:"origin"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsStandalone reports whether this dataset's vectors are externally pushed.
func (d EmbeddedDataset) IsStandalone() bool {
	return d.Origin.Kind == OriginStandalone
}
