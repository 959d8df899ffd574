package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/ActionRAG/internal/analysis"
	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/history"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/logstore"
	"github.com/TobiSchelling/ActionRAG/internal/pipeline"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
	"github.com/TobiSchelling/ActionRAG/internal/triage"
)

type fakeSearch struct {
	queries []retrieve.Query
	err     error
}

func (f *fakeSearch) Retrieve(_ context.Context, q retrieve.Query) ([]retrieve.Match, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return []retrieve.Match{
		{Score: 0.9, ActionPoint: "Employees get 20 days leave"},
		{Score: 0.4, ActionPoint: "Leave must be approved"},
	}, nil
}

func (f *fakeSearch) Collections(context.Context) ([]string, error) {
	return []string{"a", "b"}, f.err
}

type fakeChat struct {
	reply string
	err   error
	calls int
}

func (c *fakeChat) Chat(context.Context, *llm.Provider, string, []llm.Message, *llm.Overrides) (string, error) {
	c.calls++
	return c.reply, c.err
}

func newTestServer(t *testing.T, search *fakeSearch, chat *fakeChat) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Qdrant:    config.Qdrant{Collection: "default_col"},
		Embedding: config.Embedding{ModelsDir: filepath.Join(dir, "models"), DefaultModel: "epoch_11"},
		Analysis:  config.Analysis{TopK: 1000},
	}
	registry := llm.NewRegistry(config.Chat{
		Providers: []config.ProviderDef{{ID: "local", Type: "ollama", URL: "http://chat.invalid", Models: []string{"m1"}}},
	})
	p := pipeline.New(cfg, pipeline.Deps{
		Registry: registry,
		Chat:     chat,
		Searcher: search,
		History:  history.New(logstore.NewFileLog(filepath.Join(dir, "history.jsonl")), 200),
		Analysis: analysis.NewStore(logstore.Dir(filepath.Join(dir, "analysis")), search, triage.NewClassifier(chat, 50), 100),
	})
	return New(p)
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
	}
	return rec, payload
}

func TestAskRoute(t *testing.T) {
	search := &fakeSearch{}
	srv := newTestServer(t, search, &fakeChat{reply: "20 days."})

	rec, body := do(t, srv, "POST", "/api/ask", `{"question":"What is the leave policy?","topK":5,"threshold":0.3,"searchMode":"dense"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["answer"] != "20 days." || body["record_id"] == "" {
		t.Errorf("unexpected body %v", body)
	}
	if matches, _ := body["matches"].([]any); len(matches) != 2 {
		t.Errorf("expected 2 matches, got %v", body["matches"])
	}
	if q := search.queries[0]; q.TopK != 5 || q.Threshold != 0.3 {
		t.Errorf("request fields not passed through: %+v", q)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestAskValidation(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{})

	cases := []struct {
		body string
		code int
	}{
		{`{"question":""}`, http.StatusBadRequest},
		{``, http.StatusBadRequest},
		{`{not json`, http.StatusBadRequest},
		{`{"question":"q","chat_provider":"nope"}`, http.StatusBadRequest},
		{`{"question":"q","chatModel":"other"}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		rec, body := do(t, srv, "POST", "/api/ask", c.body)
		if rec.Code != c.code {
			t.Errorf("%q: expected %d, got %d", c.body, c.code, rec.Code)
		}
		if msg, _ := body["error"].(string); msg == "" {
			t.Errorf("%q: expected error message, got %v", c.body, body)
		}
	}
}

func TestUpstreamErrorStatus(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{err: fmt.Errorf("chat: %w", llm.ErrTimeout)})
	rec, _ := do(t, srv, "POST", "/api/ask", `{"question":"q"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}

	srv = newTestServer(t, &fakeSearch{err: errors.New("connection refused")}, &fakeChat{})
	rec, _ = do(t, srv, "POST", "/api/ask", `{"question":"q"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{})
	big := `{"question":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	rec, _ := do(t, srv, "POST", "/api/ask", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestReframeRoute(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{reply: "rewritten"})

	rec, _ := do(t, srv, "POST", "/api/reframe", `{"question":"q"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without feedback, got %d", rec.Code)
	}

	rec, body := do(t, srv, "POST", "/api/reframe", `{"question":"q","feedback_missing":"sick leave"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["reframed_question"] != "rewritten" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestAnalyseRoute(t *testing.T) {
	chat := &fakeChat{reply: "answer"}
	srv := newTestServer(t, &fakeSearch{}, chat)

	rec, _ := do(t, srv, "POST", "/api/analyse", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without record_id, got %d", rec.Code)
	}
	rec, _ = do(t, srv, "POST", "/api/analyse", `{"record_id":"unknown"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown record, got %d", rec.Code)
	}

	_, asked := do(t, srv, "POST", "/api/ask", `{"question":"leave?"}`)
	id := asked["record_id"].(string)

	rec, body := do(t, srv, "POST", "/api/analyse", fmt.Sprintf(`{"recordId":%q,"cacheOnly":true}`, id))
	if rec.Code != http.StatusNotFound || body["cached"] != false {
		t.Errorf("expected cache-only 404 with cached=false, got %d %v", rec.Code, body)
	}

	chat.reply = `{"relevant_indices":[1]}`
	rec, body = do(t, srv, "POST", "/api/analyse", fmt.Sprintf(`{"record_id":%q}`, id))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["cached"] != false || body["match_count"] != float64(2) || body["relevant_count"] != float64(1) {
		t.Errorf("unexpected analysis %v", body)
	}

	rec, body = do(t, srv, "POST", "/api/analyse", fmt.Sprintf(`{"record_id":%q,"cache_only":true}`, id))
	if rec.Code != http.StatusOK || body["cached"] != true {
		t.Errorf("expected cached analysis, got %d %v", rec.Code, body)
	}
}

func TestHistoryRoute(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{reply: "a"})
	for i := 0; i < 3; i++ {
		do(t, srv, "POST", "/api/ask", fmt.Sprintf(`{"question":"q%d"}`, i))
	}

	rec, body := do(t, srv, "GET", "/api/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 || body["total"] != float64(3) || body["limit"] != float64(2) {
		t.Fatalf("unexpected history %v", body)
	}
	if first := items[0].(map[string]any); first["question"] != "q2" {
		t.Errorf("expected newest first, got %v", first["question"])
	}

	_, body = do(t, srv, "GET", "/api/history?limit=bogus", "")
	if body["limit"] != float64(200) {
		t.Errorf("expected default limit, got %v", body["limit"])
	}
}

func TestCatalogRoutes(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{})

	rec, body := do(t, srv, "GET", "/api/chat-providers", "")
	if rec.Code != http.StatusOK || body["default_provider"] != "local" {
		t.Errorf("unexpected providers %d %v", rec.Code, body)
	}

	rec, body = do(t, srv, "GET", "/api/chat-models?provider=local", "")
	if rec.Code != http.StatusOK || body["default_model"] != "m1" || body["enabled"] != true {
		t.Errorf("unexpected chat models %d %v", rec.Code, body)
	}
	rec, _ = do(t, srv, "GET", "/api/chat-models?provider=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", rec.Code)
	}

	rec, body = do(t, srv, "GET", "/api/models", "")
	if rec.Code != http.StatusOK || body["default_model"] != "epoch_11" {
		t.Errorf("unexpected models %d %v", rec.Code, body)
	}

	rec, body = do(t, srv, "GET", "/api/collections", "")
	if cols, _ := body["collections"].([]any); rec.Code != http.StatusOK || len(cols) != 2 {
		t.Errorf("unexpected collections %d %v", rec.Code, body)
	}
}

func TestCompareNotConfigured(t *testing.T) {
	srv := newTestServer(t, &fakeSearch{}, &fakeChat{})
	rec, body := do(t, srv, "POST", "/api/compare-embeddings", `{"question":"q"}`)
	if rec.Code != http.StatusInternalServerError || body["error"] == nil {
		t.Errorf("expected 500 without a comparer, got %d %v", rec.Code, body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		pipeline.ErrInvalidRequest: http.StatusBadRequest,
		history.ErrNotFound:        http.StatusNotFound,
		analysis.ErrNotCached:      http.StatusNotFound,
		llm.ErrTimeout:             http.StatusGatewayTimeout,
		llm.ErrMalformedResponse:   http.StatusInternalServerError,
		errors.New("other"):        http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Errorf("%v: expected %d, got %d", err, want, got)
		}
	}
}
