package models

import "time"

// Collection is a named bucket of raw files in object storage.
type Collection struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Bucket    string    `json:"bucket"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// Dataset is an ordered, append-only set of chunked items derived from a
// collection.
type Dataset struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	CollectionID int64     `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DatasetItem is one chunk of one source file. ChunkIndex is assigned at
// chunking time; consumers reconstruct document order from it, never from
// delivery order.
type DatasetItem struct {
	ID            int64             `json:"id"`
	DatasetID     int64             `json:"dataset_id"`
	Title         string            `json:"title"`
	ChunkText     string            `json:"chunk_text"`
	ChunkIndex    int               `json:"chunk_index"`
	SourceFileKey string            `json:"source_file_key"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
