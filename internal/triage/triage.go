// Package triage labels retrieved action points as relevant or irrelevant
// to a question, one bounded batch per LLM call.
package triage

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/TobiSchelling/ActionRAG/internal/compose"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// DefaultBatchSize caps the number of candidates enumerated in one prompt.
const DefaultBatchSize = 50

// Label is the classification of one match.
type Label string

const (
	Relevant   Label = "relevant"
	Irrelevant Label = "irrelevant"
)

// Classifier labels matches with an LLM.
type Classifier struct {
	chat      llm.Chatter
	batchSize int
}

// NewClassifier creates a classifier. A batch size below 1 uses the default.
func NewClassifier(chat llm.Chatter, batchSize int) *Classifier {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Classifier{chat: chat, batchSize: batchSize}
}

// Classify returns one label per match, in match order. Batches run in
// order and the first failing batch fails the whole call.
func (c *Classifier) Classify(ctx context.Context, question string, matches []retrieve.Match, p *llm.Provider, model string) ([]Label, error) {
	zero := 0.0
	labels := make([]Label, 0, len(matches))
	batches := Chunk(matches, c.batchSize)
	for i, batch := range batches {
		reply, err := c.chat.Chat(ctx, p, model, compose.ClassificationMessages(question, batch), &llm.Overrides{Temperature: &zero})
		if err != nil {
			return nil, fmt.Errorf("classifying batch %d/%d: %w", i+1, len(batches), err)
		}
		relevant, err := ParseRelevantIndices(reply, len(batch))
		if err != nil {
			return nil, fmt.Errorf("classifying batch %d/%d: %w", i+1, len(batches), err)
		}
		for j := range batch {
			if relevant[j+1] {
				labels = append(labels, Relevant)
			} else {
				labels = append(labels, Irrelevant)
			}
		}
		log.Printf("Classified batch %d/%d: %d/%d relevant", i+1, len(batches), len(relevant), len(batch))
	}
	return labels, nil
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		return nil
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

var indexKeys = []string{"relevant_indices", "relevantIndexes", "relevant", "indices"}

// ParseRelevantIndices reads the 1-based indices of relevant items from an
// LLM reply for a batch of n items. The reply may be fenced or wrapped in
// prose, and may use any of several key names or be a bare array.
// Out-of-range indices are dropped. A reply that is not JSON, or holds no
// index array, is an error.
func ParseRelevantIndices(raw string, n int) (map[int]bool, error) {
	payload, err := llm.ParseJSONResponse(raw)
	if err != nil {
		return nil, err
	}

	var rawIndices []any
	switch v := payload.(type) {
	case []any:
		rawIndices = v
	case map[string]any:
		for _, key := range indexKeys {
			if arr, ok := v[key].([]any); ok {
				rawIndices = arr
				break
			}
		}
		if rawIndices == nil {
			return nil, fmt.Errorf("%w: no relevant_indices array", llm.ErrMalformedResponse)
		}
	default:
		return nil, fmt.Errorf("%w: no relevant_indices array", llm.ErrMalformedResponse)
	}

	indices := NormalizeZeroBased(numericValues(rawIndices))

	valid := make(map[int]bool)
	for _, v := range indices {
		i := int(math.Round(v))
		if i >= 1 && i <= n {
			valid[i] = true
		}
	}
	return valid, nil
}

// NormalizeZeroBased shifts every index up by one when the set contains a
// literal 0. Prompts ask for 1-based numbering; a 0 means the model answered
// 0-based instead, which changes which candidates count as relevant.
func NormalizeZeroBased(indices []float64) []float64 {
	hasZero := false
	for _, v := range indices {
		if v == 0 {
			hasZero = true
			break
		}
	}
	if !hasZero {
		return indices
	}
	shifted := make([]float64, len(indices))
	for i, v := range indices {
		shifted[i] = v + 1
	}
	return shifted
}

func numericValues(raw []any) []float64 {
	out := make([]float64, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case float64:
			out = append(out, v)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				out = append(out, f)
			}
		}
	}
	return out
}
