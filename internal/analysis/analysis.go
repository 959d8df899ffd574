// Package analysis classifies a history record's retrieval results in groups
// and caches each completed run in a per-record log.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ActionRAG/internal/history"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/logstore"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
	"github.com/TobiSchelling/ActionRAG/internal/triage"
)

// ErrNotCached is returned when a record has no completed analysis.
var ErrNotCached = errors.New("no cached analysis")

const (
	DefaultGroupSize = 100
	DefaultTopK      = 1000
)

// Item is a classified action point.
type Item struct {
	ActionPoint  string  `json:"action_point"`
	CircularName *string `json:"circular_name"`
}

// LLMRef names the chat provider and model a run used.
type LLMRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Group is the classification of one contiguous slice of the ranked matches.
// StartIndex and EndIndex are inclusive positions in the full match list.
type Group struct {
	GroupIndex      int    `json:"group_index"`
	StartIndex      int    `json:"start_index"`
	EndIndex        int    `json:"end_index"`
	RelevantCount   int    `json:"relevant_count"`
	IrrelevantCount int    `json:"irrelevant_count"`
	Relevant        []Item `json:"relevant"`
	Irrelevant      []Item `json:"irrelevant"`
}

// Run is a completed analysis.
type Run struct {
	AnalysisID      string  `json:"analysis_id"`
	RecordID        string  `json:"record_id"`
	File            string  `json:"file,omitempty"`
	Question        string  `json:"question"`
	RetrievalQuery  string  `json:"retrieval_query"`
	SearchMode      string  `json:"search_mode"`
	TopK            int     `json:"top_k"`
	Threshold       float64 `json:"threshold"`
	Model           string  `json:"model"`
	Collection      string  `json:"collection"`
	MatchCount      int     `json:"match_count"`
	RelevantCount   int     `json:"relevant_count"`
	IrrelevantCount int     `json:"irrelevant_count"`
	LLM             *LLMRef `json:"llm"`
	Groups          []Group `json:"groups"`
	CompletedAt     string  `json:"completed_at,omitempty"`
}

type metaLine struct {
	AnalysisID     string  `json:"analysis_id"`
	RecordID       string  `json:"record_id"`
	Timestamp      string  `json:"timestamp"`
	Question       string  `json:"question"`
	RetrievalQuery string  `json:"retrieval_query"`
	SearchMode     string  `json:"search_mode"`
	TopK           int     `json:"top_k"`
	Threshold      float64 `json:"threshold"`
	Model          string  `json:"model"`
	Collection     string  `json:"collection"`
	LLM            LLMRef  `json:"llm"`
	MatchCount     int     `json:"match_count"`
}

type groupLine struct {
	AnalysisID  string `json:"analysis_id"`
	SourceCount int    `json:"source_count"`
	Group
}

type summaryLine struct {
	AnalysisID      string `json:"analysis_id"`
	RecordID        string `json:"record_id"`
	Summary         bool   `json:"summary"`
	MatchCount      int    `json:"match_count"`
	RelevantCount   int    `json:"relevant_count"`
	IrrelevantCount int    `json:"irrelevant_count"`
	CompletedAt     string `json:"completed_at"`
	LLM             LLMRef `json:"llm"`
}

// anyLine decodes every line kind; pointer fields tell them apart.
type anyLine struct {
	AnalysisID      string  `json:"analysis_id"`
	RecordID        string  `json:"record_id"`
	Summary         bool    `json:"summary"`
	Question        string  `json:"question"`
	RetrievalQuery  string  `json:"retrieval_query"`
	SearchMode      string  `json:"search_mode"`
	TopK            int     `json:"top_k"`
	Threshold       float64 `json:"threshold"`
	Model           string  `json:"model"`
	Collection      string  `json:"collection"`
	LLM             *LLMRef `json:"llm"`
	MatchCount      *int    `json:"match_count"`
	GroupIndex      *int    `json:"group_index"`
	StartIndex      int     `json:"start_index"`
	EndIndex        int     `json:"end_index"`
	RelevantCount   *int    `json:"relevant_count"`
	IrrelevantCount *int    `json:"irrelevant_count"`
	Relevant        []Item  `json:"relevant"`
	Irrelevant      []Item  `json:"irrelevant"`
	CompletedAt     string  `json:"completed_at"`
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// LogName is the log a record's analysis is kept in. Ids that are already
// safe and short map to "analysis_<id>"; any other id gets a hash of the raw
// id appended so that distinct ids never share a log.
func LogName(recordID string) string {
	if recordID == "" {
		return "analysis_analysis"
	}
	safe := unsafeIDChars.ReplaceAllString(recordID, "_")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	if safe != recordID {
		sum := sha256.Sum256([]byte(recordID))
		safe += "_" + hex.EncodeToString(sum[:4])
	}
	return "analysis_" + safe
}

// Store runs analyses and serves completed ones from their logs.
type Store struct {
	logs       logstore.Opener
	search     retrieve.Searcher
	classifier *triage.Classifier
	groupSize  int
	locks      keyedMutex
}

// NewStore creates a store. A group size below 1 uses DefaultGroupSize.
func NewStore(logs logstore.Opener, search retrieve.Searcher, classifier *triage.Classifier, groupSize int) *Store {
	if groupSize < 1 {
		groupSize = DefaultGroupSize
	}
	return &Store{logs: logs, search: search, classifier: classifier, groupSize: groupSize}
}

// Get returns the completed analysis for recordID, or ErrNotCached. It never
// retrieves or classifies.
func (s *Store) Get(recordID string) (*Run, error) {
	lines, err := s.logs.OpenLog(LogName(recordID))
	if err != nil {
		return nil, err
	}
	run, err := readRun(lines, recordID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, recordID)
	}
	return run, nil
}

// RunOrGetCached returns the cached analysis for the record when one is
// complete. Otherwise it retrieves topK matches for the record's query,
// classifies them group by group and writes the run to the record's log.
// The cache is keyed by record id only; provider, model and topK only
// affect fresh runs. At most one run per record id is in flight.
func (s *Store) RunOrGetCached(ctx context.Context, rec *history.Record, p *llm.Provider, model string, topK int) (*Run, bool, error) {
	analysisID := uuid.NewString()
	recordID := rec.Key()
	if recordID == "" {
		recordID = analysisID
	}
	if topK < 1 {
		topK = 1
	}

	name := LogName(recordID)
	unlock := s.locks.Lock(name)
	defer unlock()

	lines, err := s.logs.OpenLog(name)
	if err != nil {
		return nil, false, err
	}
	cached, err := readRun(lines, recordID)
	if err != nil {
		return nil, false, err
	}
	if cached != nil {
		log.Printf("Analysis cache hit for record %s", recordID)
		return cached, true, nil
	}

	run, err := s.run(ctx, lines, rec, analysisID, recordID, p, model, topK)
	if err != nil {
		return nil, false, fmt.Errorf("analysing record %s: %w", recordID, err)
	}
	return run, false, nil
}

func (s *Store) run(ctx context.Context, lines logstore.Log, rec *history.Record, analysisID, recordID string, p *llm.Provider, model string, topK int) (*Run, error) {
	question := rec.Question
	if question == "" {
		question = rec.Query()
	}
	mode := retrieve.NormalizeMode(rec.SearchMode, "")
	run := &Run{
		AnalysisID:     analysisID,
		RecordID:       recordID,
		File:           logPath(lines),
		Question:       question,
		RetrievalQuery: rec.Query(),
		SearchMode:     string(mode),
		TopK:           topK,
		Threshold:      rec.SearchThreshold(),
		Model:          rec.Model,
		Collection:     rec.Collection,
		LLM:            &LLMRef{Provider: p.ID, Model: model},
	}

	matches, err := s.search.Retrieve(ctx, retrieve.Query{
		Text:           run.RetrievalQuery,
		TopK:           topK,
		Threshold:      run.Threshold,
		Collection:     run.Collection,
		EmbeddingModel: run.Model,
		Mode:           mode,
	})
	if err != nil {
		return nil, err
	}
	run.MatchCount = len(matches)

	if err := lines.Reset(); err != nil {
		return nil, err
	}
	err = lines.Append(metaLine{
		AnalysisID:     analysisID,
		RecordID:       recordID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Question:       run.Question,
		RetrievalQuery: run.RetrievalQuery,
		SearchMode:     run.SearchMode,
		TopK:           topK,
		Threshold:      run.Threshold,
		Model:          run.Model,
		Collection:     run.Collection,
		LLM:            *run.LLM,
		MatchCount:     run.MatchCount,
	})
	if err != nil {
		return nil, err
	}

	groups := triage.Chunk(matches, s.groupSize)
	run.Groups = make([]Group, 0, len(groups))
	for i, batch := range groups {
		labels, err := s.classifier.Classify(ctx, question, batch, p, model)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		g := Group{
			GroupIndex: i,
			StartIndex: i * s.groupSize,
			EndIndex:   i*s.groupSize + len(batch) - 1,
			Relevant:   []Item{},
			Irrelevant: []Item{},
		}
		for j, m := range batch {
			item := Item{ActionPoint: m.ActionPoint, CircularName: m.CircularName}
			if labels[j] == triage.Relevant {
				g.Relevant = append(g.Relevant, item)
			} else {
				g.Irrelevant = append(g.Irrelevant, item)
			}
		}
		g.RelevantCount = len(g.Relevant)
		g.IrrelevantCount = len(g.Irrelevant)
		if err := lines.Append(groupLine{AnalysisID: analysisID, SourceCount: len(batch), Group: g}); err != nil {
			return nil, err
		}
		run.Groups = append(run.Groups, g)
		run.RelevantCount += g.RelevantCount
		run.IrrelevantCount += g.IrrelevantCount
		log.Printf("Analysis %s group %d/%d: %d relevant, %d irrelevant", recordID, i+1, len(groups), g.RelevantCount, g.IrrelevantCount)
	}

	run.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	err = lines.Append(summaryLine{
		AnalysisID:      analysisID,
		RecordID:        recordID,
		Summary:         true,
		MatchCount:      run.MatchCount,
		RelevantCount:   run.RelevantCount,
		IrrelevantCount: run.IrrelevantCount,
		CompletedAt:     run.CompletedAt,
		LLM:             *run.LLM,
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// readRun rebuilds recordID's run from its log. It returns nil when the log
// has no summary line, which covers both a missing log and a pending one, and
// when the log belongs to a different record.
func readRun(lines logstore.Log, recordID string) (*Run, error) {
	var meta, summary *anyLine
	var groups []Group
	err := lines.Fold(func(line []byte) error {
		var l anyLine
		if json.Unmarshal(line, &l) != nil {
			return nil
		}
		switch {
		case l.Summary:
			summary = &l
		case l.GroupIndex != nil && l.RelevantCount != nil && l.IrrelevantCount != nil:
			groups = append(groups, Group{
				GroupIndex:      *l.GroupIndex,
				StartIndex:      l.StartIndex,
				EndIndex:        l.EndIndex,
				RelevantCount:   *l.RelevantCount,
				IrrelevantCount: *l.IrrelevantCount,
				Relevant:        orEmpty(l.Relevant),
				Irrelevant:      orEmpty(l.Irrelevant),
			})
		case meta == nil && l.MatchCount != nil && l.Question != "":
			meta = &l
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading analysis: %w", err)
	}
	if summary == nil {
		return nil, nil
	}

	owner := summary.RecordID
	if owner == "" && meta != nil {
		owner = meta.RecordID
	}
	if owner != "" && owner != recordID {
		return nil, nil
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].GroupIndex < groups[j].GroupIndex })
	run := &Run{
		AnalysisID:      summary.AnalysisID,
		RecordID:        summary.RecordID,
		File:            logPath(lines),
		LLM:             summary.LLM,
		Groups:          groups,
		CompletedAt:     summary.CompletedAt,
		RelevantCount:   deref(summary.RelevantCount),
		IrrelevantCount: deref(summary.IrrelevantCount),
	}
	if summary.MatchCount != nil {
		run.MatchCount = *summary.MatchCount
	} else {
		run.MatchCount = run.RelevantCount + run.IrrelevantCount
	}
	if meta != nil {
		if run.AnalysisID == "" {
			run.AnalysisID = meta.AnalysisID
		}
		if run.RecordID == "" {
			run.RecordID = meta.RecordID
		}
		if run.LLM == nil {
			run.LLM = meta.LLM
		}
		run.Question = meta.Question
		run.RetrievalQuery = meta.RetrievalQuery
		run.SearchMode = meta.SearchMode
		run.TopK = meta.TopK
		run.Threshold = meta.Threshold
		run.Model = meta.Model
		run.Collection = meta.Collection
	}
	return run, nil
}

func logPath(l logstore.Log) string {
	if p, ok := l.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

func orEmpty(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
