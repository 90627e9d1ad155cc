package batch

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates token counts and applies START/END truncation. It
// wraps a tiktoken encoding; when the encoding cannot be loaded (offline
// environments) it falls back to a whitespace approximation so batching
// still works, just with a coarser budget.
type Tokenizer struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenizer returns a lazily-initialized cl100k_base tokenizer.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

func (t *Tokenizer) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.enc = enc
		}
	})
	return t.enc
}

// Count estimates the token count of text.
func (t *Tokenizer) Count(text string) int {
	if enc := t.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// KeepHead returns the first maxTokens tokens of text (END truncation:
// drop trailing tokens, keep the head).
func (t *Tokenizer) KeepHead(text string, maxTokens int) string {
	if enc := t.encoding(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return enc.Decode(tokens[:maxTokens])
	}
	return joinFields(strings.Fields(text), 0, maxTokens)
}

// KeepTail returns the last maxTokens tokens of text (START truncation:
// drop leading tokens, keep the tail).
func (t *Tokenizer) KeepTail(text string, maxTokens int) string {
	if enc := t.encoding(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return enc.Decode(tokens[len(tokens)-maxTokens:])
	}
	fields := strings.Fields(text)
	return joinFields(fields, len(fields)-maxTokens, len(fields))
}

func joinFields(fields []string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(fields) {
		to = len(fields)
	}
	if from >= to {
		return ""
	}
	return strings.Join(fields[from:to], " ")
}

// String implements fmt.Stringer for logging.
func (t *Tokenizer) String() string {
	if t.encoding() != nil {
		return "tiktoken/cl100k_base"
	}
	return "whitespace-approximation"
}
