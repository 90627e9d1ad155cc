package blob

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for tests. List paginates like S3 so
// continuation handling gets exercised.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte // "bucket/key"
	pageSize int

	// FailGets makes every Get fail, simulating unreachable storage.
	FailGets bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), pageSize: 1000}
}

func memKey(bucket, key string) string { return bucket + "/" + key }

func (m *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGets {
		return nil, fmt.Errorf("get %s/%s: storage unreachable", bucket, key)
	}
	data, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[memKey(bucket, key)] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memKey(bucket, key))
	return nil
}

func (m *MemoryStore) List(_ context.Context, bucket, prefix, continuationToken string) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	full := bucket + "/"
	for k := range m.objects {
		if strings.HasPrefix(k, full) && strings.HasPrefix(strings.TrimPrefix(k, full), prefix) {
			keys = append(keys, strings.TrimPrefix(k, full))
		}
	}
	sort.Strings(keys)

	start := 0
	if continuationToken != "" {
		if n, err := strconv.Atoi(continuationToken); err == nil {
			start = n
		}
	}
	if start >= len(keys) {
		return Page{}, nil
	}
	end := min(start+m.pageSize, len(keys))
	page := Page{Keys: keys[start:end]}
	if end < len(keys) {
		page.Truncated = true
		page.ContinuationToken = strconv.Itoa(end)
	}
	return page, nil
}
