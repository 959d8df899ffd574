package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/TobiSchelling/ActionRAG/internal/compare"
	"github.com/TobiSchelling/ActionRAG/internal/embed"
	"github.com/TobiSchelling/ActionRAG/internal/history"
)

type ProviderInfo struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Type         string   `json:"type"`
	Enabled      bool     `json:"enabled"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

type ProviderList struct {
	Providers       []ProviderInfo `json:"providers"`
	DefaultProvider string         `json:"default_provider"`
}

type ChatModels struct {
	Provider     string   `json:"provider"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
	Enabled      bool     `json:"enabled"`
}

type ModelList struct {
	Models       []string `json:"models"`
	DefaultModel string   `json:"default_model"`
}

type CollectionList struct {
	Collections       []string `json:"collections"`
	DefaultCollection string   `json:"default_collection"`
}

// Providers lists every configured chat provider, enabled or not.
func (p *Pipeline) Providers() *ProviderList {
	out := &ProviderList{Providers: []ProviderInfo{}, DefaultProvider: p.registry.Default()}
	for _, pr := range p.registry.List() {
		out.Providers = append(out.Providers, ProviderInfo{
			ID:           pr.ID,
			Label:        pr.Label,
			Type:         pr.Kind.String(),
			Enabled:      pr.Enabled(),
			Models:       nonNil(pr.Models),
			DefaultModel: pr.DefaultModel,
		})
	}
	return out
}

// ChatModels lists the models of one provider, the default one when id is empty.
func (p *Pipeline) ChatModels(id string) (*ChatModels, error) {
	pr, err := p.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	return &ChatModels{
		Provider:     pr.ID,
		Models:       nonNil(pr.Models),
		DefaultModel: pr.DefaultModel,
		Enabled:      pr.Enabled(),
	}, nil
}

// EmbeddingModels lists the adapter folders available to the embedder.
func (p *Pipeline) EmbeddingModels() *ModelList {
	return &ModelList{
		Models:       nonNil(embed.Models(p.cfg.Embedding.ModelsDir)),
		DefaultModel: p.cfg.Embedding.DefaultModel,
	}
}

// Collections lists the vector store collections.
func (p *Pipeline) Collections(ctx context.Context) (*CollectionList, error) {
	names, err := p.search.Collections(ctx)
	if err != nil {
		return nil, err
	}
	return &CollectionList{Collections: nonNil(names), DefaultCollection: p.cfg.Qdrant.Collection}, nil
}

// History returns the most recent records, newest first.
func (p *Pipeline) History(limit int) (*history.Page, error) {
	return p.history.Recent(limit)
}

// Compare runs the embedding comparison for a question.
func (p *Pipeline) Compare(ctx context.Context, req compare.Request) (*compare.Result, error) {
	if p.compare == nil {
		return nil, errors.New("embedding comparison is not configured")
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, invalid("question is required")
	}
	model, err := p.catalog.Resolve(req.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	req.EmbeddingModel = model
	return p.compare.Compare(ctx, req)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
