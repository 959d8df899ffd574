package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ActionRAG/internal/compose"
	"github.com/TobiSchelling/ActionRAG/internal/history"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// SearchRequest is the retrieval and chat selection shared by ask and reframe.
// Model names the embedding model. A nil Threshold uses DefaultThreshold.
type SearchRequest struct {
	Question     string
	Model        string
	Collection   string
	SearchMode   string
	ChatProvider string
	ChatModel    string
	TopK         int
	Threshold    *float64
}

// ReframeRequest adds feedback on a previous answer. Feedback is the older
// single-field form and counts as missing information.
type ReframeRequest struct {
	SearchRequest
	FeedbackIncorrect string
	FeedbackMissing   string
	Feedback          string
}

// Answer is the result of ask or reframe.
type Answer struct {
	Question         string            `json:"question"`
	ReframedQuestion string            `json:"reframed_question,omitempty"`
	TopK             int               `json:"topK"`
	Threshold        float64           `json:"threshold"`
	Model            string            `json:"model"`
	Collection       string            `json:"collection"`
	SearchMode       string            `json:"search_mode"`
	Matches          []retrieve.Match  `json:"matches"`
	Answer           string            `json:"answer"`
	AnswerProvider   string            `json:"answer_provider"`
	AnswerModel      string            `json:"answer_model"`
	Durations        history.Durations `json:"durations"`
	RequestID        string            `json:"request_id"`
	RecordID         string            `json:"record_id"`
}

// resolved is a SearchRequest with every default applied.
type resolved struct {
	question   string
	model      string
	collection string
	mode       retrieve.Mode
	topK       int
	threshold  float64
	provider   *llm.Provider
	chatModel  string
}

func (r *resolved) query(text string) retrieve.Query {
	return retrieve.Query{
		Text:           text,
		TopK:           r.topK,
		Threshold:      r.threshold,
		Collection:     r.collection,
		EmbeddingModel: r.model,
		Mode:           r.mode,
	}
}

func (p *Pipeline) resolve(req SearchRequest) (*resolved, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, invalid("question is required")
	}
	model, err := p.catalog.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := p.registry.ResolveProvider(req.ChatProvider)
	if err != nil {
		return nil, err
	}
	chatModel, err := p.registry.ResolveModel(provider, req.ChatModel)
	if err != nil {
		return nil, err
	}

	r := &resolved{
		question:   question,
		model:      model,
		collection: strings.TrimSpace(req.Collection),
		mode:       retrieve.NormalizeMode(req.SearchMode, p.cfg.Search.Mode),
		topK:       req.TopK,
		threshold:  p.defaultThreshold(),
		provider:   provider,
		chatModel:  chatModel,
	}
	if r.collection == "" {
		r.collection = p.cfg.Qdrant.Collection
	}
	if r.topK == 0 {
		r.topK = p.cfg.Search.TopK
	}
	if r.topK == 0 {
		r.topK = DefaultTopK
	}
	r.topK = max(r.topK, 1)
	if req.Threshold != nil {
		r.threshold = min(max(*req.Threshold, 0), 1)
	}
	return r, nil
}

// defaultThreshold is the configured search threshold, DefaultThreshold when
// none is set.
func (p *Pipeline) defaultThreshold() float64 {
	if t := p.cfg.Search.Threshold; t > 0 {
		return min(t, 1)
	}
	return DefaultThreshold
}

// Ask retrieves matches for the question, answers from them and records the
// exchange in history.
func (p *Pipeline) Ask(ctx context.Context, req SearchRequest) (*Answer, error) {
	r, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	log.Printf("Ask: mode=%s model=%s chat_provider=%s chat_model=%s collection=%s topK=%d threshold=%.2f",
		r.mode, r.model, r.provider.ID, r.chatModel, r.collection, r.topK, r.threshold)

	start := time.Now()
	matches, err := p.search.Retrieve(ctx, r.query(r.question))
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	retrievalMS := time.Since(start).Milliseconds()

	text, err := p.chat.Chat(ctx, r.provider, r.chatModel, compose.AnswerMessages(r.question, matches), nil)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}

	out := p.answer(r, matches, text, history.Durations{
		RetrievalMS: retrievalMS,
		TotalMS:     time.Since(start).Milliseconds(),
	})
	p.record(history.TypeAsk, r, out, nil)
	log.Printf("Ask done: matches=%d total_ms=%d", len(matches), out.Durations.TotalMS)
	return out, nil
}

// Reframe rewrites the question from the feedback, retrieves with the
// rewrite and answers the original question.
func (p *Pipeline) Reframe(ctx context.Context, req ReframeRequest) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, invalid("question is required")
	}
	incorrect := strings.TrimSpace(req.FeedbackIncorrect)
	missing := strings.TrimSpace(req.FeedbackMissing)
	legacy := strings.TrimSpace(req.Feedback)
	if incorrect == "" && missing == "" && legacy == "" {
		return nil, invalid("feedback is required")
	}
	if incorrect == "" && missing == "" {
		missing = legacy
	}

	r, err := p.resolve(req.SearchRequest)
	if err != nil {
		return nil, err
	}
	log.Printf("Reframe: mode=%s model=%s chat_provider=%s chat_model=%s collection=%s topK=%d threshold=%.2f incorrect=%t missing=%t",
		r.mode, r.model, r.provider.ID, r.chatModel, r.collection, r.topK, r.threshold, incorrect != "", missing != "")

	start := time.Now()
	zero := 0.0
	rewrite, err := p.chat.Chat(ctx, r.provider, r.chatModel,
		compose.ReframeMessages(r.question, incorrect, missing), &llm.Overrides{Temperature: &zero})
	if err != nil {
		return nil, fmt.Errorf("reframe: %w", err)
	}
	rewrite = strings.TrimSpace(rewrite)
	if rewrite == "" {
		rewrite = r.question
	}
	reframeMS := time.Since(start).Milliseconds()

	retrievalStart := time.Now()
	matches, err := p.search.Retrieve(ctx, r.query(rewrite))
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	retrievalMS := time.Since(retrievalStart).Milliseconds()

	text, err := p.chat.Chat(ctx, r.provider, r.chatModel, compose.AnswerMessages(r.question, matches), nil)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}

	out := p.answer(r, matches, text, history.Durations{
		ReframeMS:   reframeMS,
		RetrievalMS: retrievalMS,
		TotalMS:     time.Since(start).Milliseconds(),
	})
	out.ReframedQuestion = rewrite
	p.record(history.TypeReframe, r, out, &history.Feedback{Incorrect: incorrect, Missing: missing})
	log.Printf("Reframe done: matches=%d total_ms=%d", len(matches), out.Durations.TotalMS)
	return out, nil
}

func (p *Pipeline) answer(r *resolved, matches []retrieve.Match, text string, d history.Durations) *Answer {
	if matches == nil {
		matches = []retrieve.Match{}
	}
	id := uuid.NewString()
	return &Answer{
		Question:       r.question,
		TopK:           r.topK,
		Threshold:      r.threshold,
		Model:          r.model,
		Collection:     r.collection,
		SearchMode:     string(r.mode),
		Matches:        matches,
		Answer:         text,
		AnswerProvider: r.provider.ID,
		AnswerModel:    r.chatModel,
		Durations:      d,
		RequestID:      id,
		RecordID:       id,
	}
}

// record appends the exchange to history. A failed write is logged and does
// not fail the request.
func (p *Pipeline) record(kind string, r *resolved, a *Answer, fb *history.Feedback) {
	query := a.Question
	if a.ReframedQuestion != "" {
		query = a.ReframedQuestion
	}
	rec := history.Record{
		ID:               a.RecordID,
		RecordID:         a.RecordID,
		Type:             kind,
		Timestamp:        time.Now().UTC(),
		Question:         a.Question,
		ReframedQuestion: a.ReframedQuestion,
		RetrievalQuery:   query,
		Feedback:         fb,
		SearchMode:       a.SearchMode,
		TopK:             a.TopK,
		Threshold:        a.Threshold,
		Model:            a.Model,
		Collection:       a.Collection,
		Config:           p.snapshot(r),
		Matches:          a.Matches,
		Answer:           a.Answer,
		AnswerProvider:   a.AnswerProvider,
		AnswerModel:      a.AnswerModel,
		Durations:        a.Durations,
	}
	if err := p.history.Append(rec); err != nil {
		log.Printf("History write error: %v", err)
	}
}

func (p *Pipeline) snapshot(r *resolved) *history.Snapshot {
	q := p.cfg.Qdrant
	s := p.cfg.Search
	return &history.Snapshot{
		Search: history.SearchSnapshot{
			Mode:       string(r.mode),
			TopK:       r.topK,
			Threshold:  r.threshold,
			Collection: r.collection,
		},
		Qdrant: history.QdrantSnapshot{
			Host:             q.Host,
			Port:             q.Port,
			HTTPS:            q.HTTPS,
			DenseVectorName:  q.DenseVectorName,
			SparseVectorName: q.SparseVectorName,
			PrefetchLimit:    s.PrefetchLimit,
			BM25AvgLen:       s.BM25.AvgLen,
			BM25K:            s.BM25.K,
			BM25B:            s.BM25.B,
			BM25Language:     s.BM25.Language,
			APIKeyPresent:    q.APIKey != "",
		},
		Embedding: history.EmbeddingSnapshot{
			Model:  r.model,
			Script: filepath.Base(p.cfg.Embedding.Script),
		},
		LLM: history.LLMSnapshot{
			Provider:    r.provider.ID,
			Model:       r.chatModel,
			URL:         r.provider.URL,
			Seed:        r.provider.Seed,
			Temperature: r.provider.Temperature,
		},
	}
}
