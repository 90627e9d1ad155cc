package embed

import (
	"context"
	"net/http"
)

// localClient speaks a minimal inference-server contract: POST /embed with
// {"inputs": [...]} returning {"embeddings": [[...]]}. Text Embeddings
// Inference and similar self-hosted servers expose this shape.
type localClient struct {
	cfg  Config
	http *httpClient
}

func newLocalClient(cfg Config) *localClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	c := &localClient{cfg: cfg}
	c.http = newHTTPClient(cfg, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	})
	return c
}

func (c *localClient) Provider() Provider { return ProviderLocal }
func (c *localClient) Model() string      { return c.cfg.Model }
func (c *localClient) Dimensions() int    { return c.cfg.Dimensions }

type localRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model,omitempty"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *localClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp localResponse
	if err := c.http.postJSON(ctx, c.cfg.BaseURL+"/embed", localRequest{
		Inputs: texts,
		Model:  c.cfg.Model,
	}, &resp); err != nil {
		return nil, err
	}
	if err := validateVectors(ProviderLocal, resp.Embeddings, len(texts), c.cfg.Dimensions); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}
