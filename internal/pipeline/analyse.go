package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/TobiSchelling/ActionRAG/internal/analysis"
)

// AnalyseRequest asks for the relevance analysis of a history record.
type AnalyseRequest struct {
	RecordID     string
	TopK         int
	CacheOnly    bool
	ChatProvider string
	ChatModel    string
}

// AnalyseResult is a completed analysis and whether it came from cache.
type AnalyseResult struct {
	*analysis.Run
	Cached bool `json:"cached"`
}

// Analyse returns the cached analysis for the record or runs a fresh one.
// A cached run is returned before the chat provider is resolved. The run
// is detached from ctx cancellation so that it completes and is cached even
// when the caller goes away.
func (p *Pipeline) Analyse(ctx context.Context, req AnalyseRequest) (*AnalyseResult, error) {
	recordID := strings.TrimSpace(req.RecordID)
	if recordID == "" {
		return nil, invalid("record_id is required")
	}
	topK := req.TopK
	if topK == 0 {
		topK = p.cfg.Analysis.TopK
	}
	if topK == 0 {
		topK = analysis.DefaultTopK
	}
	topK = max(topK, 1)

	rec, err := p.history.FindByID(recordID)
	if err != nil {
		return nil, err
	}

	cached, err := p.analysis.Get(rec.Key())
	if err == nil {
		log.Printf("Analyse cache hit record_id=%s", recordID)
		return &AnalyseResult{Run: cached, Cached: true}, nil
	}
	if !errors.Is(err, analysis.ErrNotCached) {
		return nil, err
	}
	if req.CacheOnly {
		log.Printf("Analyse cache miss record_id=%s", recordID)
		return nil, err
	}

	provider, err := p.registry.ResolveProvider(req.ChatProvider)
	if err != nil {
		return nil, err
	}
	model, err := p.registry.ResolveModel(provider, req.ChatModel)
	if err != nil {
		return nil, err
	}
	if rec.Model == "" {
		rec.Model = p.cfg.Embedding.DefaultModel
	}
	if rec.Collection == "" {
		rec.Collection = p.cfg.Qdrant.Collection
	}

	log.Printf("Analyse record_id=%s topK=%d chat_provider=%s chat_model=%s", recordID, topK, provider.ID, model)
	run, wasCached, err := p.analysis.RunOrGetCached(context.WithoutCancel(ctx), rec, provider, model, topK)
	if err != nil {
		return nil, err
	}
	log.Printf("Analyse done record_id=%s matches=%d", recordID, run.MatchCount)
	return &AnalyseResult{Run: run, Cached: wasCached}, nil
}
