package embed

import (
	"context"
	"net/http"
	"strings"
)

// cohereClient speaks the Cohere v2 /embed contract with its input_type,
// embedding_types and truncate parameters.
type cohereClient struct {
	cfg  Config
	http *httpClient
}

func newCohereClient(cfg Config) *cohereClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cohere.com/v2"
	}
	c := &cohereClient{cfg: cfg}
	c.http = newHTTPClient(cfg, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	})
	return c
}

func (c *cohereClient) Provider() Provider { return ProviderCohere }
func (c *cohereClient) Model() string      { return c.cfg.Model }
func (c *cohereClient) Dimensions() int    { return c.cfg.Dimensions }

type cohereRequest struct {
	Texts          []string `json:"texts"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Truncate       string   `json:"truncate,omitempty"`
}

type cohereResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

func (c *cohereClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := cohereRequest{
		Texts:          texts,
		Model:          c.cfg.Model,
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	}
	// The batch builder has already applied START/END truncation; the
	// provider-side parameter is a second line of defense against token
	// estimation drift.
	switch c.cfg.Truncate {
	case TruncateStart, TruncateEnd:
		req.Truncate = strings.ToUpper(string(c.cfg.Truncate))
	}

	var resp cohereResponse
	if err := c.http.postJSON(ctx, c.cfg.BaseURL+"/embed", req, &resp); err != nil {
		return nil, err
	}
	vectors := resp.Embeddings.Float
	if err := validateVectors(ProviderCohere, vectors, len(texts), c.cfg.Dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}
