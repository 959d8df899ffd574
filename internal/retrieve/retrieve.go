// Package retrieve queries the Qdrant vector store for action points in
// dense or hybrid (dense + BM25) mode.
package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/embed"
)

var (
	ErrMissingHost          = errors.New("missing QDRANT_HOST")
	ErrUnrecognizedEnvelope = errors.New("unrecognized vector store response")
)

// Mode selects the query shape.
type Mode string

const (
	Dense  Mode = "dense"
	Hybrid Mode = "hybrid"
)

// NormalizeMode maps user input to a Mode. "dense+bm25" and "bm25" are
// hybrid; anything unrecognized uses fallback (itself defaulting to dense).
func NormalizeMode(value, fallback string) Mode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dense+bm25", "bm25", "hybrid":
		return Hybrid
	case "dense":
		return Dense
	}
	if strings.EqualFold(strings.TrimSpace(fallback), "hybrid") {
		return Hybrid
	}
	return Dense
}

// Query describes one retrieval request.
type Query struct {
	Text           string
	TopK           int
	Threshold      float64
	Collection     string
	EmbeddingModel string
	Mode           Mode
}

// Searcher returns ranked matches for a query.
type Searcher interface {
	Retrieve(ctx context.Context, q Query) ([]Match, error)
}

// Retriever talks to Qdrant over its HTTP API.
type Retriever struct {
	qdrant   config.Qdrant
	search   config.Search
	embedder embed.Embedder
	client   *http.Client
}

// NewRetriever creates a retriever. The embedder computes the dense query vector.
func NewRetriever(qdrant config.Qdrant, search config.Search, embedder embed.Embedder) *Retriever {
	timeout := time.Duration(qdrant.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Retriever{
		qdrant:   qdrant,
		search:   search,
		embedder: embedder,
		client:   &http.Client{Timeout: timeout},
	}
}

// DefaultCollection is used when a request names no collection.
func (r *Retriever) DefaultCollection() string {
	return r.qdrant.Collection
}

// Retrieve runs a dense or hybrid query and returns matches best first.
// Dense queries let Qdrant apply the score threshold; hybrid queries apply
// none because fused scores are not cosine similarities.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Match, error) {
	if r.qdrant.Host == "" {
		return nil, ErrMissingHost
	}
	if q.Collection == "" {
		q.Collection = r.qdrant.Collection
	}
	if q.TopK < 1 {
		q.TopK = 1
	}

	vector, err := r.embedder.Embed(ctx, q.Text, q.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	if q.Mode == Hybrid {
		if strings.EqualFold(r.search.Fusion, "client") {
			return r.hybridClientFusion(ctx, q, vector)
		}
		return r.hybrid(ctx, q, vector)
	}
	return r.dense(ctx, q, vector)
}

// SearchVector runs a dense query for a precomputed vector.
func (r *Retriever) SearchVector(ctx context.Context, collection string, vector []float64, topK int, threshold float64) ([]Match, error) {
	if r.qdrant.Host == "" {
		return nil, ErrMissingHost
	}
	if collection == "" {
		collection = r.qdrant.Collection
	}
	return r.dense(ctx, Query{Collection: collection, TopK: max(topK, 1), Threshold: threshold}, vector)
}

func (r *Retriever) dense(ctx context.Context, q Query, vector []float64) ([]Match, error) {
	body := map[string]any{
		"query":           vector,
		"using":           r.qdrant.DenseVectorName,
		"limit":           q.TopK,
		"with_payload":    payloadFields,
		"with_vector":     false,
		"score_threshold": q.Threshold,
	}
	points, err := r.query(ctx, q.Collection, body)
	if err != nil {
		return nil, err
	}
	return mapMatches(points), nil
}

func (r *Retriever) prefetchLimit(topK int) int {
	if r.search.PrefetchLimit > topK {
		return r.search.PrefetchLimit
	}
	return topK
}

func (r *Retriever) bm25Query(text string) map[string]any {
	bm := r.search.BM25
	return map[string]any{
		"text":  text,
		"model": "qdrant/bm25",
		"options": map[string]any{
			"avg_len":  bm.AvgLen,
			"k":        bm.K,
			"b":        bm.B,
			"language": bm.Language,
		},
	}
}

func (r *Retriever) hybrid(ctx context.Context, q Query, vector []float64) ([]Match, error) {
	limit := r.prefetchLimit(q.TopK)
	body := map[string]any{
		"prefetch": []map[string]any{
			{"query": r.bm25Query(q.Text), "using": r.qdrant.SparseVectorName, "limit": limit},
			{"query": vector, "using": r.qdrant.DenseVectorName, "limit": limit},
		},
		"query":        map[string]any{"fusion": "rrf"},
		"limit":        q.TopK,
		"with_payload": payloadFields,
		"with_vector":  false,
	}
	points, err := r.query(ctx, q.Collection, body)
	if err != nil {
		return nil, err
	}
	return mapMatches(points), nil
}

// hybridClientFusion fetches the lexical and dense pools separately and
// fuses them locally.
func (r *Retriever) hybridClientFusion(ctx context.Context, q Query, vector []float64) ([]Match, error) {
	limit := r.prefetchLimit(q.TopK)
	sparse, err := r.query(ctx, q.Collection, map[string]any{
		"query":        r.bm25Query(q.Text),
		"using":        r.qdrant.SparseVectorName,
		"limit":        limit,
		"with_payload": payloadFields,
		"with_vector":  false,
	})
	if err != nil {
		return nil, fmt.Errorf("lexical pool: %w", err)
	}
	dense, err := r.query(ctx, q.Collection, map[string]any{
		"query":        vector,
		"using":        r.qdrant.DenseVectorName,
		"limit":        limit,
		"with_payload": payloadFields,
		"with_vector":  false,
	})
	if err != nil {
		return nil, fmt.Errorf("dense pool: %w", err)
	}
	return Fuse([][]Match{mapMatches(sparse), mapMatches(dense)}, DefaultRRFK, q.TopK), nil
}

type point struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (r *Retriever) baseURL() string {
	scheme := "http"
	if r.qdrant.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, r.qdrant.Host, r.qdrant.Port)
}

func (r *Retriever) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.qdrant.APIKey != "" {
		req.Header.Set("api-key", r.qdrant.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading qdrant response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("qdrant returned HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func (r *Retriever) query(ctx context.Context, collection string, body map[string]any) ([]point, error) {
	data, err := r.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/query", body)
	if err != nil {
		return nil, err
	}
	return normalizeResults(data)
}

// normalizeResults accepts both envelopes Qdrant uses: {"result": [...]}
// and {"result": {"points": [...]}}.
func normalizeResults(data []byte) ([]point, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEnvelope, err)
	}
	raw := bytes.TrimSpace(envelope.Result)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing result", ErrUnrecognizedEnvelope)
	}

	var points []point
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &points); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEnvelope, err)
		}
		return points, nil
	case '{':
		var wrapped struct {
			Points *[]point `json:"points"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEnvelope, err)
		}
		if wrapped.Points == nil {
			return nil, fmt.Errorf("%w: result has no points", ErrUnrecognizedEnvelope)
		}
		return *wrapped.Points, nil
	}
	return nil, fmt.Errorf("%w: unexpected result type", ErrUnrecognizedEnvelope)
}

// Collections lists collection names in the store.
func (r *Retriever) Collections(ctx context.Context) ([]string, error) {
	if r.qdrant.Host == "" {
		return nil, ErrMissingHost
	}
	data, err := r.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEnvelope, err)
	}
	names := make([]string, 0, len(resp.Result.Collections))
	for _, c := range resp.Result.Collections {
		names = append(names, c.Name)
	}
	return names, nil
}
