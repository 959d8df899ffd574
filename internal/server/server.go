package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/TobiSchelling/ActionRAG/internal/analysis"
	"github.com/TobiSchelling/ActionRAG/internal/compare"
	"github.com/TobiSchelling/ActionRAG/internal/embed"
	"github.com/TobiSchelling/ActionRAG/internal/history"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/pipeline"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 5 << 20

var errBadBody = errors.New("invalid JSON body")

// Server is the JSON API in front of the pipeline.
type Server struct {
	p   *pipeline.Pipeline
	mux *http.ServeMux
}

// New creates a new Server.
func New(p *pipeline.Pipeline) *Server {
	s := &Server{p: p, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/chat-models", s.handleChatModels)
	s.mux.HandleFunc("GET /api/chat-providers", s.handleChatProviders)
	s.mux.HandleFunc("GET /api/collections", s.handleCollections)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/ask", s.handleAsk)
	s.mux.HandleFunc("POST /api/reframe", s.handleReframe)
	s.mux.HandleFunc("POST /api/analyse", s.handleAnalyse)
	s.mux.HandleFunc("POST /api/compare-embeddings", s.handleCompare)
}

// searchBody accepts both the snake_case and camelCase spellings clients use.
type searchBody struct {
	Question        string   `json:"question"`
	Model           string   `json:"model"`
	Collection      string   `json:"collection"`
	SearchMode      string   `json:"search_mode"`
	SearchModeAlt   string   `json:"searchMode"`
	ChatProvider    string   `json:"chat_provider"`
	ChatProviderAlt string   `json:"chatProvider"`
	ChatModel       string   `json:"chat_model"`
	ChatModelAlt    string   `json:"chatModel"`
	TopK            int      `json:"topK"`
	TopKAlt         int      `json:"top_k"`
	Threshold       *float64 `json:"threshold"`
}

func (b searchBody) request() pipeline.SearchRequest {
	return pipeline.SearchRequest{
		Question:     b.Question,
		Model:        b.Model,
		Collection:   b.Collection,
		SearchMode:   first(b.SearchMode, b.SearchModeAlt),
		ChatProvider: first(b.ChatProvider, b.ChatProviderAlt),
		ChatModel:    first(b.ChatModel, b.ChatModelAlt),
		TopK:         firstInt(b.TopK, b.TopKAlt),
		Threshold:    b.Threshold,
	}
}

type reframeBody struct {
	searchBody
	FeedbackIncorrect string `json:"feedback_incorrect"`
	FeedbackMissing   string `json:"feedback_missing"`
	Feedback          string `json:"feedback"`
}

type analyseBody struct {
	RecordID        string `json:"record_id"`
	RecordIDAlt     string `json:"recordId"`
	TopK            int    `json:"topK"`
	TopKAlt         int    `json:"top_k"`
	CacheOnly       bool   `json:"cache_only"`
	CacheOnlyAlt    bool   `json:"cacheOnly"`
	ChatProvider    string `json:"chat_provider"`
	ChatProviderAlt string `json:"chatProvider"`
	ChatModel       string `json:"chat_model"`
	ChatModelAlt    string `json:"chatModel"`
}

type compareBody struct {
	Question         string `json:"question"`
	TopK             int    `json:"topK"`
	TopKAlt          int    `json:"top_k"`
	Collection       string `json:"collection"`
	LoRACollection   string `json:"lora_collection"`
	OllamaCollection string `json:"ollama_collection"`
	Model            string `json:"model"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.p.EmbeddingModels()
	writeJSON(w, http.StatusOK, models)
	log.Printf("GET /api/models -> %d models", len(models.Models))
}

func (s *Server) handleChatModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.p.ChatModels(r.URL.Query().Get("provider"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
	log.Printf("GET /api/chat-models provider=%s -> %d models", models.Provider, len(models.Models))
}

func (s *Server) handleChatProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.p.Providers()
	writeJSON(w, http.StatusOK, providers)
	log.Printf("GET /api/chat-providers -> %d providers", len(providers.Providers))
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.p.Collections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
	log.Printf("GET /api/collections -> %d collections", len(cols.Collections))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.p.History(limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
	log.Printf("GET /api/history -> %d items", len(page.Items))
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.p.Ask(r.Context(), body.request())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReframe(w http.ResponseWriter, r *http.Request) {
	var body reframeBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.p.Reframe(r.Context(), pipeline.ReframeRequest{
		SearchRequest:     body.request(),
		FeedbackIncorrect: body.FeedbackIncorrect,
		FeedbackMissing:   body.FeedbackMissing,
		Feedback:          body.Feedback,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnalyse(w http.ResponseWriter, r *http.Request) {
	var body analyseBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.p.Analyse(r.Context(), pipeline.AnalyseRequest{
		RecordID:     first(body.RecordID, body.RecordIDAlt),
		TopK:         firstInt(body.TopK, body.TopKAlt),
		CacheOnly:    body.CacheOnly || body.CacheOnlyAlt,
		ChatProvider: first(body.ChatProvider, body.ChatProviderAlt),
		ChatModel:    first(body.ChatModel, body.ChatModelAlt),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body compareBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.p.Compare(r.Context(), compare.Request{
		Question:         body.Question,
		TopK:             firstInt(body.TopK, body.TopKAlt),
		Collection:       body.Collection,
		LoRACollection:   body.LoRACollection,
		OllamaCollection: body.OllamaCollection,
		EmbeddingModel:   body.Model,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeBody reads a JSON object of at most MaxBodyBytes. An empty body
// decodes as an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadBody, err)
}

// statusFor maps an error to the HTTP status reported to the caller.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadBody),
		errors.Is(err, pipeline.ErrInvalidRequest),
		errors.Is(err, llm.ErrNoProviders),
		errors.Is(err, llm.ErrUnknownProvider),
		errors.Is(err, llm.ErrProviderDisabled),
		errors.Is(err, llm.ErrUnknownModel),
		errors.Is(err, embed.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound),
		errors.Is(err, analysis.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	if errors.Is(err, analysis.ErrNotCached) {
		body["cached"] = false
	}
	writeJSON(w, status, body)
	log.Printf("%s %s error (%d): %v", r.Method, r.URL.Path, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// Serve starts the HTTP server on the given port.
func Serve(p *pipeline.Pipeline, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           New(p).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Server listening on http://%s", srv.Addr)
	return srv.ListenAndServe()
}
