package viz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// ReduceConfig parameterizes dimensionality reduction.
type ReduceConfig struct {
	NNeighbors  int     `json:"n_neighbors"`
	NComponents int     `json:"n_components"`
	MinDist     float64 `json:"min_dist"`
	Metric      string  `json:"metric"`
}

// ClusterConfig parameterizes density clustering. The engine runs
// Euclidean distance only; inputs are L2-normalized beforehand so this
// approximates cosine. MinSamples is always sent, defaulted to
// MinClusterSize when the caller left it unset, so the engine never
// falls back to an implicit value.
type ClusterConfig struct {
	MinClusterSize int `json:"min_cluster_size"`
	MinSamples     int `json:"min_samples"`
}

// Engine reduces high-dimensional vectors and clusters the reduced
// space. Implementations wrap the numeric backend; the pipeline never
// reimplements the algorithms.
type Engine interface {
	Reduce(ctx context.Context, vectors [][]float32, cfg ReduceConfig) ([][]float32, error)
	Cluster(ctx context.Context, coords [][]float32, cfg ClusterConfig) ([]int, error)
}

// HTTPEngine talks to the GPU sidecar over REST: POST /reduce and
// POST /cluster with JSON bodies.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine builds an engine client. Reductions on large datasets
// are slow, so the default timeout is generous.
func NewHTTPEngine(url string, timeout time.Duration) *HTTPEngine {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPEngine{url: url, client: &http.Client{Timeout: timeout}}
}

func (e *HTTPEngine) Reduce(ctx context.Context, vectors [][]float32, cfg ReduceConfig) ([][]float32, error) {
	req := struct {
		Vectors [][]float32 `json:"vectors"`
		ReduceConfig
	}{Vectors: vectors, ReduceConfig: cfg}
	var resp struct {
		Coords [][]float32 `json:"coords"`
	}
	if err := e.post(ctx, "/reduce", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Coords) != len(vectors) {
		return nil, fmt.Errorf("viz: engine returned %d coords for %d vectors", len(resp.Coords), len(vectors))
	}
	return resp.Coords, nil
}

func (e *HTTPEngine) Cluster(ctx context.Context, coords [][]float32, cfg ClusterConfig) ([]int, error) {
	req := struct {
		Coords [][]float32 `json:"coords"`
		ClusterConfig
	}{Coords: coords, ClusterConfig: cfg}
	var resp struct {
		Labels []int `json:"labels"`
	}
	if err := e.post(ctx, "/cluster", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Labels) != len(coords) {
		return nil, fmt.Errorf("viz: engine returned %d labels for %d coords", len(resp.Labels), len(coords))
	}
	return resp.Labels, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode engine request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("viz engine %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("viz engine %s: status %d: %s", path, resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

// Normalize L2-normalizes each vector in place and returns the slice.
// Zero vectors are left untouched.
func Normalize(vectors [][]float32) [][]float32 {
	for _, v := range vectors {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum == 0 {
			continue
		}
		norm := float32(math.Sqrt(sum))
		for i := range v {
			v[i] /= norm
		}
	}
	return vectors
}

// CountClusters counts distinct non-negative labels. Noise (-1) is
// never a cluster.
func CountClusters(labels []int) int {
	seen := make(map[int]struct{})
	for _, l := range labels {
		if l >= 0 {
			seen[l] = struct{}{}
		}
	}
	return len(seen)
}
