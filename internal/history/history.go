// Package history records every answer-producing request in an append-only log.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TobiSchelling/ActionRAG/internal/logstore"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
)

// ErrNotFound is returned when no record carries the requested id.
var ErrNotFound = errors.New("record not found")

// DefaultLimit is used by Recent when neither the caller nor the store sets one.
const DefaultLimit = 200

const (
	TypeAsk     = "ask"
	TypeReframe = "reframe"
)

// Feedback is the operator's free-text critique of a previous answer.
type Feedback struct {
	Incorrect string `json:"incorrect"`
	Missing   string `json:"missing"`
}

// Durations are wall-clock timings in milliseconds.
type Durations struct {
	ReframeMS   int64 `json:"reframe_ms,omitempty"`
	RetrievalMS int64 `json:"retrieval_ms"`
	TotalMS     int64 `json:"total_ms"`
}

// Snapshot captures the configuration a record was produced under.
type Snapshot struct {
	Search    SearchSnapshot    `json:"search"`
	Qdrant    QdrantSnapshot    `json:"qdrant"`
	Embedding EmbeddingSnapshot `json:"embedding"`
	LLM       LLMSnapshot       `json:"llm"`
}

type SearchSnapshot struct {
	Mode       string  `json:"mode"`
	TopK       int     `json:"top_k"`
	Threshold  float64 `json:"threshold"`
	Collection string  `json:"collection"`
}

type QdrantSnapshot struct {
	Host             string  `json:"host"`
	Port             int     `json:"port"`
	HTTPS            bool    `json:"https"`
	DenseVectorName  string  `json:"dense_vector_name"`
	SparseVectorName string  `json:"sparse_vector_name"`
	PrefetchLimit    int     `json:"prefetch_limit"`
	BM25AvgLen       float64 `json:"bm25_avg_len"`
	BM25K            float64 `json:"bm25_k"`
	BM25B            float64 `json:"bm25_b"`
	BM25Language     string  `json:"bm25_language"`
	APIKeyPresent    bool    `json:"api_key_present"`
}

type EmbeddingSnapshot struct {
	Model  string `json:"lora_model"`
	Script string `json:"script"`
}

type LLMSnapshot struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	URL         string  `json:"url"`
	Seed        int     `json:"seed"`
	Temperature float64 `json:"temperature"`
}

// Record is one answered request. Records are never updated.
type Record struct {
	ID               string           `json:"id"`
	RecordID         string           `json:"record_id"`
	RequestID        string           `json:"request_id,omitempty"`
	Type             string           `json:"type"`
	Timestamp        time.Time        `json:"timestamp"`
	Question         string           `json:"question"`
	ReframedQuestion string           `json:"reframed_question,omitempty"`
	RetrievalQuery   string           `json:"retrieval_query"`
	Feedback         *Feedback        `json:"feedback,omitempty"`
	SearchMode       string           `json:"search_mode"`
	TopK             int              `json:"top_k"`
	Threshold        float64          `json:"threshold"`
	Model            string           `json:"model"`
	Collection       string           `json:"collection"`
	Config           *Snapshot        `json:"config,omitempty"`
	Matches          []retrieve.Match `json:"matches"`
	Answer           string           `json:"answer"`
	AnswerProvider   string           `json:"answer_provider"`
	AnswerModel      string           `json:"answer_model"`
	Durations        Durations        `json:"durations"`
}

// UnmarshalJSON accepts string or numeric ids.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		ID        any `json:"id"`
		RecordID  any `json:"record_id"`
		RequestID any `json:"request_id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.ID, r.RecordID, r.RequestID = idString(aux.ID), idString(aux.RecordID), idString(aux.RequestID)
	return nil
}

// Key returns the record's identifier, whichever field carries it.
func (r *Record) Key() string {
	for _, id := range []string{r.RecordID, r.ID, r.RequestID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Query returns the text that was sent to retrieval.
func (r *Record) Query() string {
	for _, q := range []string{r.RetrievalQuery, r.ReframedQuestion, r.Question} {
		if q != "" {
			return q
		}
	}
	return ""
}

// SearchThreshold returns the record's threshold, falling back to the
// snapshot for records that only stored it there.
func (r *Record) SearchThreshold() float64 {
	if r.Threshold == 0 && r.Config != nil {
		return r.Config.Search.Threshold
	}
	return r.Threshold
}

// Page is a newest-first slice of the log.
type Page struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
	Limit int      `json:"limit"`
}

// Store reads and appends history records.
type Store struct {
	lines        logstore.Log
	defaultLimit int
}

// New creates a store over lines. A defaultLimit below 1 uses DefaultLimit.
func New(lines logstore.Log, defaultLimit int) *Store {
	if defaultLimit < 1 {
		defaultLimit = DefaultLimit
	}
	return &Store{lines: lines, defaultLimit: defaultLimit}
}

// Append writes one record as a single line.
func (s *Store) Append(r Record) error {
	if err := s.lines.Append(r); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first, and the total number of
// readable records. A limit below 1 uses the store default.
func (s *Store) Recent(limit int) (*Page, error) {
	if limit < 1 {
		limit = s.defaultLimit
	}
	var all []Record
	err := s.lines.Fold(func(line []byte) error {
		var r Record
		if json.Unmarshal(line, &r) == nil {
			all = append(all, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	start := max(0, len(all)-limit)
	items := make([]Record, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		items = append(items, all[i])
	}
	return &Page{Items: items, Total: len(all), Limit: limit}, nil
}

// recordIDs holds the id fields used by current and older records.
type recordIDs struct {
	RecordID  any `json:"record_id"`
	ID        any `json:"id"`
	RequestID any `json:"request_id"`
}

func (ids recordIDs) matches(id string) bool {
	for _, v := range []any{ids.RecordID, ids.ID, ids.RequestID} {
		if s := idString(v); s != "" && s == id {
			return true
		}
	}
	return false
}

// idString renders a stored id. Older records used numeric ids, which keep
// all their digits.
func idString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// FindByID scans from the newest record backwards and returns the first one
// whose record_id, id or request_id equals id.
func (s *Store) FindByID(id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var found *Record
	err := s.lines.ScanFromEnd(func(line []byte) bool {
		var ids recordIDs
		if json.Unmarshal(line, &ids) != nil || !ids.matches(id) {
			return true
		}
		var r Record
		if json.Unmarshal(line, &r) != nil {
			return true
		}
		found = &r
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}
