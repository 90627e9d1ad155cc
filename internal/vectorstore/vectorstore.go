package vectorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a collection does not exist.
var ErrNotFound = errors.New("vectorstore: collection not found")

// Distance is the similarity metric a collection is created with.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

// Point is one stored vector with its payload. ID is a UUID string so
// redeliveries upsert in place instead of duplicating.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScrollPage is one page of a full collection scan.
type ScrollPage struct {
	Points []Point
	// NextOffset is the cursor for the following page, empty when done.
	NextOffset string
}

// Store is the vector database surface the pipeline needs.
type Store interface {
	// EnsureCollection creates the collection if missing. An existing
	// collection with different dimensions is an error, not a recreate.
	EnsureCollection(ctx context.Context, name string, dims int, distance Distance) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error)
	Scroll(ctx context.Context, collection string, offset string, limit int, withVectors bool) (ScrollPage, error)
	Count(ctx context.Context, collection string) (int, error)
}

// ScrollAll drains a collection page by page.
func ScrollAll(ctx context.Context, s Store, collection string, pageSize int, withVectors bool) ([]Point, error) {
	var (
		out    []Point
		offset string
	)
	for {
		page, err := s.Scroll(ctx, collection, offset, pageSize, withVectors)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Points...)
		if page.NextOffset == "" {
			return out, nil
		}
		offset = page.NextOffset
	}
}
