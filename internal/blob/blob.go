// Package blob is the narrow object-storage interface the pipeline
// consumes: byte blobs keyed by bucket and key. The S3 implementation
// covers any S3-compatible service; the memory implementation backs tests.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("blob: object not found")

// Page is one page of a list operation.
type Page struct {
	Keys              []string
	ContinuationToken string
	Truncated         bool
}

// Store is the byte blob get/put/delete/list interface.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix, continuationToken string) (Page, error)
}

// ListAll walks every page of a prefix.
func ListAll(ctx context.Context, s Store, bucket, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		page, err := s.List(ctx, bucket, prefix, token)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		keys = append(keys, page.Keys...)
		if !page.Truncated {
			return keys, nil
		}
		token = page.ContinuationToken
	}
}
