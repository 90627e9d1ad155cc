// Package batch groups dataset items into embedding-ready batches bounded
// by the embedder's batch size and token budget. Batches are persisted to
// object storage before being enqueued so a partially processed run can
// resume without recomputation.
package batch

import (
	"fmt"

	"github.com/lucasresch/vectra/internal/embed"
	"github.com/lucasresch/vectra/internal/models"
)

// DefaultMaxBatchSize bounds item count when the embedder config does not.
const DefaultMaxBatchSize = 96

// Batch is one embedding unit: at most MaxBatchSize items whose combined
// estimated token count fits the embedder's input budget.
type Batch struct {
	Index int                  `json:"index"`
	Items []models.DatasetItem `json:"items"`
}

// ItemError records an item rejected during batch building, e.g. an
// over-long text under the NONE truncation strategy. Rejections never fail
// the batch; they surface per item.
type ItemError struct {
	Item   models.DatasetItem `json:"item"`
	Reason string             `json:"reason"`
}

// Builder builds batches against an embedder config.
type Builder struct {
	tok *Tokenizer
}

// NewBuilder returns a Builder sharing one tokenizer across calls.
func NewBuilder() *Builder {
	return &Builder{tok: NewTokenizer()}
}

// Build groups items into batches per the embedder config. Items whose
// token count exceeds MaxInputTokens are truncated per the configured
// strategy, or rejected with a per-item error under NONE.
func (b *Builder) Build(items []models.DatasetItem, cfg embed.Config) ([]Batch, []ItemError) {
	maxItems := cfg.MaxBatchSize
	if maxItems <= 0 {
		maxItems = DefaultMaxBatchSize
	}
	maxTokens := cfg.MaxInputTokens

	var (
		batches  []Batch
		rejected []ItemError
		cur      Batch
		curTok   int
	)
	flush := func() {
		if len(cur.Items) > 0 {
			cur.Index = len(batches)
			batches = append(batches, cur)
			cur = Batch{}
			curTok = 0
		}
	}

	for _, item := range items {
		tokens := b.tok.Count(item.ChunkText)
		if maxTokens > 0 && tokens > maxTokens {
			switch cfg.Truncate {
			case embed.TruncateStart:
				item.ChunkText = b.tok.KeepTail(item.ChunkText, maxTokens)
				tokens = maxTokens
			case embed.TruncateEnd:
				item.ChunkText = b.tok.KeepHead(item.ChunkText, maxTokens)
				tokens = maxTokens
			default: // NONE
				rejected = append(rejected, ItemError{
					Item: item,
					Reason: fmt.Sprintf("estimated %d tokens exceeds max_input_tokens %d and truncation is disabled",
						tokens, maxTokens),
				})
				continue
			}
		}

		// The batch token budget is the per-item budget times the item
		// bound; a conservative stand-in for providers with a combined
		// request limit.
		batchBudget := 0
		if maxTokens > 0 {
			batchBudget = maxTokens * maxItems
		}
		if len(cur.Items) >= maxItems || (batchBudget > 0 && curTok+tokens > batchBudget) {
			flush()
		}
		cur.Items = append(cur.Items, item)
		curTok += tokens
	}
	flush()
	return batches, rejected
}

// FileKey is the object-storage key of one persisted batch for one
// embedded dataset branch of a transform run.
func FileKey(transformID, embeddedDatasetID int64, generation, index int) string {
	return fmt.Sprintf("transforms/%d/gen-%d/embedded/%d/batch-%05d.json",
		transformID, generation, embeddedDatasetID, index)
}
