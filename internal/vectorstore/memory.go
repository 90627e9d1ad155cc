package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Memory is an in-process Store for tests. Points are kept per
// collection keyed by ID so repeated upserts overwrite.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection

	// FailUpserts makes every Upsert return an error, for exercising
	// retry paths.
	FailUpserts bool
}

type memCollection struct {
	dims     int
	distance Distance
	points   map[string]Point
	order    []string
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) EnsureCollection(_ context.Context, name string, dims int, distance Distance) error {
	if dims <= 0 {
		return fmt.Errorf("vectorstore: invalid dimensions %d", dims)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		if c.dims != dims {
			return fmt.Errorf("vectorstore: collection %s exists with %d dimensions, want %d", name, c.dims, dims)
		}
		return nil
	}
	if distance == "" {
		distance = DistanceCosine
	}
	m.collections[name] = &memCollection{dims: dims, distance: distance, points: make(map[string]Point)}
	return nil
}

func (m *Memory) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection string, points []Point) error {
	if m.FailUpserts {
		return fmt.Errorf("vectorstore: upsert into %s failed", collection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	for _, p := range points {
		if len(p.Vector) != c.dims {
			return fmt.Errorf("vectorstore: point %s has %d dimensions, collection %s wants %d",
				p.ID, len(p.Vector), collection, c.dims)
		}
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Search(_ context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	scored := make([]ScoredPoint, 0, len(c.points))
	for _, p := range c.points {
		scored = append(scored, ScoredPoint{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (m *Memory) Scroll(_ context.Context, collection string, offset string, limit int, withVectors bool) (ScrollPage, error) {
	if limit <= 0 {
		limit = 256
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return ScrollPage{}, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	start := 0
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			return ScrollPage{}, fmt.Errorf("vectorstore: bad scroll offset %q", offset)
		}
		start = n
	}
	end := start + limit
	if end > len(c.order) {
		end = len(c.order)
	}
	page := ScrollPage{}
	for _, id := range c.order[start:end] {
		p := c.points[id]
		if !withVectors {
			p.Vector = nil
		}
		page.Points = append(page.Points, p)
	}
	if end < len(c.order) {
		page.NextOffset = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Memory) Count(_ context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	return len(c.points), nil
}

// HasCollection reports collection existence without an error, for tests.
func (m *Memory) HasCollection(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
