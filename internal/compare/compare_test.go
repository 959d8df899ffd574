package compare

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

type loraEmbedder struct {
	model string
	err   error
}

func (e *loraEmbedder) Embed(_ context.Context, _, model string) ([]float64, error) {
	e.model = model
	return []float64{1, 0, 0}, e.err
}

type ollamaEmbedder struct{}

func (ollamaEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{0, 1}, nil
}

type searcher struct {
	byCollection map[string][]retrieve.Match
	calls        []string
	thresholds   []float64
}

func (s *searcher) SearchVector(_ context.Context, collection string, _ []float64, topK int, threshold float64) ([]retrieve.Match, error) {
	s.calls = append(s.calls, collection)
	s.thresholds = append(s.thresholds, threshold)
	m := s.byCollection[collection]
	if len(m) > topK {
		m = m[:topK]
	}
	return m, nil
}

func m(id any, text string) retrieve.Match {
	return retrieve.Match{ActionID: id, ActionPoint: text}
}

func TestCompare(t *testing.T) {
	s := &searcher{byCollection: map[string][]retrieve.Match{
		"lora_col":   {m("A", "a"), m("B", "b"), m(nil, "c")},
		"ollama_col": {m("B", "b"), m(nil, "d"), m(nil, "c")},
	}}
	lora := &loraEmbedder{}
	c := New(lora, ollamaEmbedder{}, s, config.Compare{LoRACollection: "lora_col", OllamaCollection: "ollama_col", OllamaModel: "nomic-embed-text", TopK: 10})

	res, err := c.Compare(context.Background(), Request{Question: "q", EmbeddingModel: "epoch_11"})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if lora.model != "epoch_11" {
		t.Errorf("expected LoRA model to be passed, got %q", lora.model)
	}
	if len(s.calls) != 2 || s.calls[0] != "lora_col" || s.calls[1] != "ollama_col" {
		t.Errorf("unexpected collections queried: %v", s.calls)
	}
	for _, th := range s.thresholds {
		if th != 0 {
			t.Errorf("expected no threshold, got %v", th)
		}
	}
	want := Stats{LoRACount: 3, OllamaCount: 3, OverlapCount: 2, OnlyLoRACount: 1, OnlyOllamaCount: 1}
	if res.Stats != want {
		t.Errorf("stats = %+v, want %+v", res.Stats, want)
	}
	if res.Overlap[0].ActionID != "B" || res.Overlap[0].LoRARank != 2 || res.Overlap[0].OllamaRank != 1 {
		t.Errorf("unexpected overlap entry %+v", res.Overlap[0])
	}
	if res.Overlap[1].ActionPoint != "c" || res.Overlap[1].OllamaRank != 3 {
		t.Errorf("text-keyed match should overlap: %+v", res.Overlap[1])
	}
	if res.OnlyLoRA[0].ActionID != "A" || res.OnlyOllama[0].ActionPoint != "d" || res.OnlyOllama[0].OllamaRank != 2 {
		t.Errorf("unexpected one-sided entries %+v / %+v", res.OnlyLoRA, res.OnlyOllama)
	}
	if res.TopK != 10 || res.Ollama.Model != "nomic-embed-text" {
		t.Errorf("unexpected result header %+v", res)
	}
}

func TestCompareSharedCollection(t *testing.T) {
	s := &searcher{byCollection: map[string][]retrieve.Match{}}
	c := New(&loraEmbedder{}, ollamaEmbedder{}, s, config.Compare{LoRACollection: "x", OllamaCollection: "y"})
	if _, err := c.Compare(context.Background(), Request{Question: "q", Collection: "shared", TopK: 5}); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if s.calls[0] != "shared" || s.calls[1] != "shared" {
		t.Errorf("expected shared collection on both sides, got %v", s.calls)
	}
}

func TestCompareErrors(t *testing.T) {
	c := New(&loraEmbedder{err: errors.New("boom")}, ollamaEmbedder{}, &searcher{}, config.Compare{})
	if _, err := c.Compare(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty question")
	}
	if _, err := c.Compare(context.Background(), Request{Question: "q"}); err == nil {
		t.Error("expected embedding error")
	}
}

func TestAnalyze(t *testing.T) {
	a := Analyze([]float64{1, 0, 2}, []float64{0, 1})
	if a.ComparedLength != 2 {
		t.Errorf("expected common prefix of 2, got %d", a.ComparedLength)
	}
	if a.CosineSimilarity != 0 {
		t.Errorf("orthogonal prefixes should have cosine 0, got %v", a.CosineSimilarity)
	}
	if math.Abs(a.L2Distance-math.Sqrt2) > 1e-9 || a.L1Distance != 2 || a.SumAbsDiff != 2 {
		t.Errorf("unexpected distances %+v", a)
	}
	if a.LoRAStats.Length != 3 || a.LoRAStats.Mean != 1 || a.OllamaStats.Mean != 0.5 {
		t.Errorf("unexpected vector stats %+v / %+v", a.LoRAStats, a.OllamaStats)
	}

	same := Analyze([]float64{3, 4}, []float64{3, 4})
	if math.Abs(same.CosineSimilarity-1) > 1e-9 || same.L2Distance != 0 {
		t.Errorf("identical vectors: %+v", same)
	}
	if empty := Analyze(nil, nil); empty.CosineSimilarity != 0 || empty.LoRAStats.Length != 0 {
		t.Errorf("empty vectors: %+v", empty)
	}
}
