// Package embed provides a uniform client over heterogeneous embedding
// providers: OpenAI-compatible /embeddings, Cohere-compatible /embed and
// local inference endpoints. Every failure carries a typed kind so
// workers can decide between retrying and recording a terminal outcome.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider identifies the upstream API shape.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderCohere Provider = "cohere"
	ProviderLocal  Provider = "local"
)

// TruncateStrategy controls how over-long inputs are handled by the batch
// builder before they reach the provider.
type TruncateStrategy string

const (
	TruncateNone  TruncateStrategy = "NONE"
	TruncateStart TruncateStrategy = "START"
	TruncateEnd   TruncateStrategy = "END"
)

// Config describes one embedding provider binding.
type Config struct {
	Provider       Provider         `json:"provider" yaml:"provider"`
	BaseURL        string           `json:"base_url" yaml:"base_url"`
	APIKey         string           `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model          string           `json:"model" yaml:"model"`
	Dimensions     int              `json:"dimensions" yaml:"dimensions"`
	MaxBatchSize   int              `json:"max_batch_size" yaml:"max_batch_size"`
	MaxInputTokens int              `json:"max_input_tokens" yaml:"max_input_tokens"`
	Truncate       TruncateStrategy `json:"truncate" yaml:"truncate"`
	Timeout        time.Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries bounds in-client retries of retryable failures.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderCohere, ProviderLocal:
	case "":
		return errors.New("embedder provider is required")
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Provider)
	}
	if c.Model == "" {
		return errors.New("embedder model is required")
	}
	if c.Dimensions <= 0 {
		return errors.New("embedder dimensions must be positive")
	}
	switch c.Truncate {
	case "", TruncateNone, TruncateStart, TruncateEnd:
	default:
		return fmt.Errorf("unknown truncate strategy %q", c.Truncate)
	}
	return nil
}

// Client is the uniform embedding interface. A successful call always
// returns exactly one vector per input text, each of the declared
// dimensionality.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Provider() Provider
	Model() string
	Dimensions() int
}

// ErrorKind classifies an embedding failure.
type ErrorKind string

const (
	// RateLimited is retryable with backoff.
	RateLimited ErrorKind = "rate_limited"
	// AuthFailed is terminal: retrying an invalid key cannot succeed.
	AuthFailed ErrorKind = "auth_failed"
	// Unavailable covers timeouts and 5xx responses; retryable.
	Unavailable ErrorKind = "unavailable"
	// DimensionMismatch signals misconfiguration or a misbehaving
	// provider; terminal, never silently truncated or padded.
	DimensionMismatch ErrorKind = "dimension_mismatch"
)

// Error is a typed embedding failure.
type Error struct {
	Kind     ErrorKind
	Provider Provider
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embed %s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("embed %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Unavailable
}

// KindOf returns the typed kind of an embedding error, or "" when err is
// not an embedding failure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable embedding failure.
// Non-embedding errors are treated as retryable transport failures.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return err != nil
}

func newError(kind ErrorKind, provider Provider, msg string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: msg, Err: err}
}

// New builds a Client for the configured provider.
func New(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case ProviderCohere:
		return newCohereClient(cfg), nil
	case ProviderLocal:
		return newLocalClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}

// validateVectors enforces the count and dimension invariants shared by
// all providers.
func validateVectors(provider Provider, vectors [][]float32, wantCount, wantDims int) error {
	if len(vectors) != wantCount {
		return newError(DimensionMismatch, provider,
			fmt.Sprintf("got %d vectors for %d inputs", len(vectors), wantCount), nil)
	}
	for i, v := range vectors {
		if len(v) != wantDims {
			return newError(DimensionMismatch, provider,
				fmt.Sprintf("vector %d has %d dimensions, want %d", i, len(v), wantDims), nil)
		}
	}
	return nil
}
