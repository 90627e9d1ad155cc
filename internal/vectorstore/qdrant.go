package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Qdrant is a REST client to a Qdrant instance. Collections are
// addressed per call rather than fixed at construction because one
// worker writes into many embedded-dataset collections.
type Qdrant struct {
	url    string
	apiKey string
	client *http.Client
}

// QdrantConfig carries connection settings for NewQdrant.
type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Qdrant{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (q *Qdrant) EnsureCollection(ctx context.Context, name string, dims int, distance Distance) error {
	if dims <= 0 {
		return fmt.Errorf("vectorstore: invalid dimensions %d", dims)
	}
	if distance == "" {
		distance = DistanceCosine
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodGet, "/collections/"+name, nil, &info)
	if err == nil {
		if got := info.Result.Config.Params.Vectors.Size; got != dims {
			return fmt.Errorf("vectorstore: collection %s exists with %d dimensions, want %d", name, got, dims)
		}
		return nil
	}
	if !isStatus(err, http.StatusNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": string(distance),
		},
	}
	return q.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

func (q *Qdrant) DeleteCollection(ctx context.Context, name string) error {
	err := q.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": points}
	err := q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	return err
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req, &resp)
	if isStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	if err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, ScoredPoint{ID: idString(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return out, nil
}

func (q *Qdrant) Scroll(ctx context.Context, collection string, offset string, limit int, withVectors bool) (ScrollPage, error) {
	if limit <= 0 {
		limit = 256
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVectors,
	}
	if offset != "" {
		req["offset"] = offset
	}
	var resp struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", req, &resp)
	if isStatus(err, http.StatusNotFound) {
		return ScrollPage{}, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	if err != nil {
		return ScrollPage{}, err
	}
	page := ScrollPage{Points: make([]Point, 0, len(resp.Result.Points))}
	for _, p := range resp.Result.Points {
		page.Points = append(page.Points, Point{ID: idString(p.ID), Vector: p.Vector, Payload: p.Payload})
	}
	if resp.Result.NextPageOffset != nil {
		page.NextOffset = idString(resp.Result.NextPageOffset)
	}
	return page, nil
}

func (q *Qdrant) Count(ctx context.Context, collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count",
		map[string]any{"exact": true}, &resp)
	if isStatus(err, http.StatusNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, collection)
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// statusError preserves the HTTP status so callers can tell "collection
// missing" from a real failure.
type statusError struct {
	status int
	method string
	path   string
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s: status %d: %s", e.method, e.path, e.status, e.body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == code
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url+path, rd)
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, method: method, path: path, body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
