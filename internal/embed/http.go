package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const defaultTimeout = 60 * time.Second

// httpClient is the shared transport of all providers. Retryable failures
// (429, 5xx, timeouts) are retried with fibonacci backoff; terminal ones
// (auth, dimension mismatch) surface immediately.
type httpClient struct {
	cfg    Config
	client *http.Client
	header func(*http.Request)
}

func newHTTPClient(cfg Config, header func(*http.Request)) *httpClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		header: header,
	}
}

func (c *httpClient) maxRetries() uint64 {
	if c.cfg.MaxRetries > 0 {
		return uint64(c.cfg.MaxRetries)
	}
	return 4
}

// postJSON posts body and decodes the response into out, classifying HTTP
// failures into the embed error taxonomy.
func (c *httpClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal embed request: %w", err)
	}

	backoff := retry.NewFibonacci(500 * time.Millisecond)
	backoff = retry.WithMaxRetries(c.maxRetries(), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, url, payload, out)
		if err == nil {
			return nil
		}
		// Only connection-level failures retry in-client. Provider status
		// codes (429, 5xx) surface immediately so their backoff runs on
		// the queue envelope, not stacked on top of it.
		if isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == Unavailable && e.Err != nil
}

func (c *httpClient) doOnce(ctx context.Context, url string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.header != nil {
		c.header(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return newError(Unavailable, c.cfg.Provider, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return newError(Unavailable, c.cfg.Provider, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(AuthFailed, c.cfg.Provider, truncateBody(data), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return newError(RateLimited, c.cfg.Provider, truncateBody(data), nil)
	case resp.StatusCode >= 500:
		return newError(Unavailable, c.cfg.Provider,
			fmt.Sprintf("status %d: %s", resp.StatusCode, truncateBody(data)), nil)
	default:
		return newError(Unavailable, c.cfg.Provider,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncateBody(data)), nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return newError(Unavailable, c.cfg.Provider, "decode response", err)
	}
	return nil
}

func truncateBody(data []byte) string {
	const limit = 512
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
