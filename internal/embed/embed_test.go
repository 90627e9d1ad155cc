package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openaiHandler(t *testing.T, dims int, gotAuth *string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var resp openaiResponse
		// Deliberately reversed: the client must reorder by index.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(i)
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	var auth string
	srv := httptest.NewServer(openaiHandler(t, 3, &auth))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		APIKey:     "sk-test",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
	})
	require.NoError(t, err)

	vectors, err := client.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, "Bearer sk-test", auth)
	// One vector per input, in input order regardless of response order.
	for i, v := range vectors {
		require.Len(t, v, 3)
		assert.Equal(t, float32(i), v[0])
	}
}

func TestOpenAIEmbedEmptyInput(t *testing.T) {
	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    "http://unreachable.invalid",
		Model:      "m",
		Dimensions: 3,
	})
	require.NoError(t, err)

	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: 3,
		MaxRetries: 3,
	})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, AuthFailed, KindOf(err))
	assert.False(t, IsRetryable(err))
	// Terminal failures are never retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitSurfacesWithoutClientRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: 2,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	// Provider backpressure backs off on the queue envelope; stacking an
	// in-client retry loop on top would multiply the call volume.
	_, err = client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, RateLimited, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorSurfacesWithoutClientRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: 2,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, Unavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectionErrorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection without a response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		openaiHandler(t, 2, nil)(w, r)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: 2,
		MaxRetries: 2,
	})
	require.NoError(t, err)

	vectors, err := client.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDimensionMismatchIsTerminal(t *testing.T) {
	srv := httptest.NewServer(openaiHandler(t, 4, nil))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderOpenAI,
		BaseURL:    srv.URL,
		Model:      "m",
		Dimensions: 8, // server answers with 4
	})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, DimensionMismatch, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestCohereEmbed(t *testing.T) {
	var gotReq cohereRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		var resp cohereResponse
		resp.Embeddings.Float = [][]float32{{1, 0}, {0, 1}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderCohere,
		BaseURL:    srv.URL,
		Model:      "embed-v4",
		Dimensions: 2,
		Truncate:   TruncateEnd,
	})
	require.NoError(t, err)

	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	assert.Equal(t, []string{"a", "b"}, gotReq.Texts)
	assert.Equal(t, "search_document", gotReq.InputType)
	assert.Equal(t, []string{"float"}, gotReq.EmbeddingTypes)
	assert.Equal(t, "END", gotReq.Truncate)
}

func TestLocalEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req localRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := localResponse{Embeddings: make([][]float32, len(req.Inputs))}
		for i := range resp.Embeddings {
			resp.Embeddings[i] = []float32{0.5}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := New(Config{
		Provider:   ProviderLocal,
		BaseURL:    srv.URL,
		Model:      "bge-small",
		Dimensions: 1,
	})
	require.NoError(t, err)

	vectors, err := client.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Provider: ProviderOpenAI, Model: "m", Dimensions: 3}, true},
		{"missing provider", Config{Model: "m", Dimensions: 3}, false},
		{"unknown provider", Config{Provider: "hugging", Model: "m", Dimensions: 3}, false},
		{"missing model", Config{Provider: ProviderLocal, Dimensions: 3}, false},
		{"zero dimensions", Config{Provider: ProviderLocal, Model: "m"}, false},
		{"bad truncate", Config{Provider: ProviderLocal, Model: "m", Dimensions: 3, Truncate: "MIDDLE"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestKindOfNonEmbedError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.True(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
