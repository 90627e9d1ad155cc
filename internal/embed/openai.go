package embed

import (
	"context"
	"net/http"
)

// openaiClient speaks the OpenAI /embeddings contract. Any service that
// implements the same shape (Azure OpenAI, vLLM, LiteLLM) works unchanged.
type openaiClient struct {
	cfg  Config
	http *httpClient
}

func newOpenAIClient(cfg Config) *openaiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	c := &openaiClient{cfg: cfg}
	c.http = newHTTPClient(cfg, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	})
	return c
}

func (c *openaiClient) Provider() Provider { return ProviderOpenAI }
func (c *openaiClient) Model() string      { return c.cfg.Model }
func (c *openaiClient) Dimensions() int    { return c.cfg.Dimensions }

type openaiRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openaiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp openaiResponse
	if err := c.http.postJSON(ctx, c.cfg.BaseURL+"/embeddings", openaiRequest{
		Input: texts,
		Model: c.cfg.Model,
	}, &resp); err != nil {
		return nil, err
	}

	// The API may reorder entries; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	if err := validateVectors(ProviderOpenAI, vectors, len(texts), c.cfg.Dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}
