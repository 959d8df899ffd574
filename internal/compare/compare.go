// Package compare contrasts retrieval results of the fine-tuned (LoRA)
// embedder with those of a stock Ollama embedding model.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/embed"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// DefaultTopK is used when neither the request nor config sets one.
const DefaultTopK = 100

// QueryEmbedder embeds text with a fixed model.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorSearcher runs dense queries for precomputed vectors.
type VectorSearcher interface {
	SearchVector(ctx context.Context, collection string, vector []float64, topK int, threshold float64) ([]retrieve.Match, error)
}

// Request selects the question and collections to compare. Collection sets
// both sides unless the side-specific collection is given.
type Request struct {
	Question         string
	TopK             int
	Collection       string
	LoRACollection   string
	OllamaCollection string
	EmbeddingModel   string
}

// Entry is a match placed by rank in one or both result lists. Ranks are
// 1-based; 0 means absent.
type Entry struct {
	LoRARank     int     `json:"lora_rank,omitempty"`
	OllamaRank   int     `json:"ollama_rank,omitempty"`
	ActionID     any     `json:"action_id"`
	CircularName *string `json:"circular_name"`
	ActionPoint  string  `json:"action_point"`
}

type Side struct {
	Collection string           `json:"collection"`
	Model      string           `json:"model"`
	Matches    []retrieve.Match `json:"matches"`
}

type Stats struct {
	LoRACount       int `json:"lora_count"`
	OllamaCount     int `json:"ollama_count"`
	OverlapCount    int `json:"overlap_count"`
	OnlyLoRACount   int `json:"only_lora_count"`
	OnlyOllamaCount int `json:"only_ollama_count"`
}

type VectorStats struct {
	Length int     `json:"length"`
	Mean   float64 `json:"mean"`
	Norm   float64 `json:"norm"`
}

// EmbeddingAnalysis compares two query vectors over their common prefix.
type EmbeddingAnalysis struct {
	CosineSimilarity float64     `json:"cosine_similarity"`
	L2Distance       float64     `json:"l2_distance"`
	L1Distance       float64     `json:"l1_distance"`
	SumAbsDiff       float64     `json:"sum_abs_diff"`
	ComparedLength   int         `json:"compared_length"`
	LoRAStats        VectorStats `json:"lora_stats"`
	OllamaStats      VectorStats `json:"ollama_stats"`
}

type Result struct {
	Question          string            `json:"question"`
	TopK              int               `json:"top_k"`
	Collection        string            `json:"collection"`
	LoRA              Side              `json:"lora"`
	Ollama            Side              `json:"ollama"`
	Overlap           []Entry           `json:"overlap"`
	OnlyLoRA          []Entry           `json:"only_lora"`
	OnlyOllama        []Entry           `json:"only_ollama"`
	Stats             Stats             `json:"stats"`
	EmbeddingAnalysis EmbeddingAnalysis `json:"embedding_analysis"`
}

// Comparer runs the same question through both embedders.
type Comparer struct {
	lora        embed.Embedder
	ollama      QueryEmbedder
	search      VectorSearcher
	cfg         config.Compare
	ollamaModel string
}

// New creates a comparer.
func New(lora embed.Embedder, ollama QueryEmbedder, search VectorSearcher, cfg config.Compare) *Comparer {
	return &Comparer{lora: lora, ollama: ollama, search: search, cfg: cfg, ollamaModel: cfg.OllamaModel}
}

// Compare embeds the question twice, queries each side's collection with no
// score threshold and reports how the two rankings overlap.
func (c *Comparer) Compare(ctx context.Context, req Request) (*Result, error) {
	if req.Question == "" {
		return nil, errors.New("question is required")
	}
	topK := req.TopK
	if topK < 1 {
		topK = c.cfg.TopK
	}
	if topK < 1 {
		topK = DefaultTopK
	}
	loraCol := firstNonEmpty(req.LoRACollection, req.Collection, c.cfg.LoRACollection)
	ollamaCol := firstNonEmpty(req.OllamaCollection, req.Collection, c.cfg.OllamaCollection)

	log.Printf("Comparing embeddings: lora=%s ollama=%s topK=%d", loraCol, ollamaCol, topK)

	loraVec, err := c.lora.Embed(ctx, req.Question, req.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("lora embedding: %w", err)
	}
	ollamaVec, err := c.ollama.Embed(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding: %w", err)
	}

	loraMatches, err := c.search.SearchVector(ctx, loraCol, loraVec, topK, 0)
	if err != nil {
		return nil, fmt.Errorf("lora search: %w", err)
	}
	ollamaMatches, err := c.search.SearchVector(ctx, ollamaCol, ollamaVec, topK, 0)
	if err != nil {
		return nil, fmt.Errorf("ollama search: %w", err)
	}

	res := &Result{
		Question:          req.Question,
		TopK:              topK,
		Collection:        loraCol,
		LoRA:              Side{Collection: loraCol, Model: req.EmbeddingModel, Matches: loraMatches},
		Ollama:            Side{Collection: ollamaCol, Model: c.ollamaModel, Matches: ollamaMatches},
		EmbeddingAnalysis: Analyze(loraVec, ollamaVec),
	}
	res.Overlap, res.OnlyLoRA, res.OnlyOllama = Diff(loraMatches, ollamaMatches)
	res.Stats = Stats{
		LoRACount:       len(loraMatches),
		OllamaCount:     len(ollamaMatches),
		OverlapCount:    len(res.Overlap),
		OnlyLoRACount:   len(res.OnlyLoRA),
		OnlyOllamaCount: len(res.OnlyOllama),
	}
	return res, nil
}

// Diff splits two rankings into shared and one-sided entries. Matches are
// identified by action id, or by text when they have none. Overlap follows
// the LoRA order.
func Diff(lora, ollama []retrieve.Match) (overlap, onlyLoRA, onlyOllama []Entry) {
	ollamaRank := make(map[string]int, len(ollama))
	for i, m := range ollama {
		if _, seen := ollamaRank[m.Key()]; !seen {
			ollamaRank[m.Key()] = i + 1
		}
	}
	loraRank := make(map[string]int, len(lora))
	overlap, onlyLoRA, onlyOllama = []Entry{}, []Entry{}, []Entry{}
	for i, m := range lora {
		if _, seen := loraRank[m.Key()]; seen {
			continue
		}
		loraRank[m.Key()] = i + 1
		e := entry(m)
		e.LoRARank = i + 1
		if r, ok := ollamaRank[m.Key()]; ok {
			e.OllamaRank = r
			overlap = append(overlap, e)
		} else {
			onlyLoRA = append(onlyLoRA, e)
		}
	}
	for i, m := range ollama {
		if _, ok := loraRank[m.Key()]; ok || ollamaRank[m.Key()] != i+1 {
			continue
		}
		e := entry(m)
		e.OllamaRank = i + 1
		onlyOllama = append(onlyOllama, e)
	}
	return overlap, onlyLoRA, onlyOllama
}

func entry(m retrieve.Match) Entry {
	return Entry{ActionID: m.ActionID, CircularName: m.CircularName, ActionPoint: m.ActionPoint}
}

// Analyze computes distance metrics over the shared prefix of a and b and
// summary statistics of each full vector.
func Analyze(a, b []float64) EmbeddingAnalysis {
	n := min(len(a), len(b))
	var dot, normA, normB, l2, l1 float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
		l2 += d * d
		l1 += math.Abs(d)
	}
	out := EmbeddingAnalysis{
		L2Distance:     math.Sqrt(l2),
		L1Distance:     l1,
		SumAbsDiff:     l1,
		ComparedLength: n,
		LoRAStats:      vectorStats(a),
		OllamaStats:    vectorStats(b),
	}
	if normA > 0 && normB > 0 {
		out.CosineSimilarity = dot / (math.Sqrt(normA) * math.Sqrt(normB))
	}
	return out
}

func vectorStats(v []float64) VectorStats {
	if len(v) == 0 {
		return VectorStats{}
	}
	var sum, sq float64
	for _, x := range v {
		sum += x
		sq += x * x
	}
	return VectorStats{Length: len(v), Mean: sum / float64(len(v)), Norm: math.Sqrt(sq)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
