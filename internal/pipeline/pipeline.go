// Package pipeline wires retrieval, chat, history and analysis into the
// operations the API exposes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/ActionRAG/internal/analysis"
	"github.com/TobiSchelling/ActionRAG/internal/compare"
	"github.com/TobiSchelling/ActionRAG/internal/config"
	"github.com/TobiSchelling/ActionRAG/internal/database"
	"github.com/TobiSchelling/ActionRAG/internal/embed"
	"github.com/TobiSchelling/ActionRAG/internal/history"
	"github.com/TobiSchelling/ActionRAG/internal/llm"
	"github.com/TobiSchelling/ActionRAG/internal/logstore"
	"github.com/TobiSchelling/ActionRAG/internal/retrieve"
	"github.com/TobiSchelling/ActionRAG/internal/triage"
)

// ErrInvalidRequest marks input the caller has to fix.
var ErrInvalidRequest = errors.New("invalid request")

const (
	DefaultTopK      = 300
	DefaultThreshold = 0.2
)

// Searcher retrieves matches and lists the collections it can search.
type Searcher interface {
	retrieve.Searcher
	Collections(ctx context.Context) ([]string, error)
}

// Deps are the collaborators a Pipeline runs on. Chat defaults to Registry.
type Deps struct {
	Registry *llm.Registry
	Chat     llm.Chatter
	Searcher Searcher
	History  *history.Store
	Analysis *analysis.Store
	Compare  *compare.Comparer
}

// Pipeline serves ask, reframe, analyse and the catalog lookups.
type Pipeline struct {
	cfg      *config.Config
	registry *llm.Registry
	chat     llm.Chatter
	search   Searcher
	catalog  embed.Catalog
	history  *history.Store
	analysis *analysis.Store
	compare  *compare.Comparer
	closers  []io.Closer
}

// New creates a pipeline from prebuilt collaborators.
func New(cfg *config.Config, d Deps) *Pipeline {
	chat := d.Chat
	if chat == nil {
		chat = d.Registry
	}
	return &Pipeline{
		cfg:      cfg,
		registry: d.Registry,
		chat:     chat,
		search:   d.Searcher,
		catalog:  embed.Catalog{Dir: cfg.Embedding.ModelsDir, DefaultModel: cfg.Embedding.DefaultModel},
		history:  d.History,
		analysis: d.Analysis,
		compare:  d.Compare,
	}
}

// Open builds the full pipeline from config, including its storage backend.
func Open(cfg *config.Config) (*Pipeline, error) {
	registry := llm.NewRegistry(cfg.Chat)
	embedder := embed.NewCommandEmbedder(cfg.Embedding.PythonBin, cfg.Embedding.Script,
		time.Duration(cfg.Embedding.TimeoutMS)*time.Millisecond)
	retriever := retrieve.NewRetriever(cfg.Qdrant, cfg.Search, embedder)

	var (
		historyLog   logstore.Log
		analysisLogs logstore.Opener
		closers      []io.Closer
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "sqlite":
		db, err := database.Open(cfg.DatabasePath())
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		historyLog, err = db.OpenLog("history")
		if err != nil {
			db.Close()
			return nil, err
		}
		imported, err := db.ImportLog("history", logstore.NewFileLog(cfg.HistoryPath()))
		if err != nil {
			db.Close()
			return nil, err
		}
		if imported > 0 {
			log.Printf("Imported %d history records from %s", imported, cfg.HistoryPath())
		}
		analysisLogs = db
		closers = append(closers, db)
		log.Printf("Storage: sqlite at %s", db.Path())
	case "", "jsonl":
		historyLog = logstore.NewFileLog(cfg.HistoryPath())
		analysisLogs = logstore.Dir(cfg.AnalysisDir())
		log.Printf("Storage: history %s, analysis %s", cfg.HistoryPath(), cfg.AnalysisDir())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	classifier := triage.NewClassifier(registry, cfg.Analysis.BatchSize)
	p := New(cfg, Deps{
		Registry: registry,
		Searcher: retriever,
		History:  history.New(historyLog, cfg.Storage.HistoryLimit),
		Analysis: analysis.NewStore(analysisLogs, retriever, classifier, cfg.Analysis.GroupSize),
		Compare: compare.New(embedder, llm.NewOllamaEmbedder(cfg.Compare.OllamaModel, cfg.Compare.OllamaURL),
			retriever, cfg.Compare),
	})
	p.closers = closers
	return p, nil
}

// Close releases the storage backend.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
