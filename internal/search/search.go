// Package search answers similarity queries over indexed chunks, scoped to
// one document or to an owner's whole corpus.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memorix-app/docindex/internal/embedding"
	"github.com/memorix-app/docindex/internal/storage"
)

var (
	ErrInvalidK   = errors.New("k must be a positive integer")
	ErrEmptyQuery = errors.New("query must not be empty")
)

// MaxK caps the number of points requested from the index. Larger K values
// are accepted and served with at most MaxK results.
const MaxK = 100

type Index interface {
	SearchChunks(ctx context.Context, embedding []float32, k int, scope storage.Scope) ([]*storage.ScoredChunk, error)
}

// Request is one search. Empty DocumentID and OwnerID search everything.
type Request struct {
	Query      string
	K          int
	DocumentID string
	OwnerID    string
}

type Service struct {
	embedder embedding.QueryEmbedder
	index    Index
	logger   *slog.Logger
}

func NewService(embedder embedding.QueryEmbedder, index Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, index: index, logger: logger}
}

// Search returns at most K chunks, most similar first. An empty corpus
// yields an empty result, not an error.
func (s *Service) Search(ctx context.Context, req Request) ([]*storage.ScoredChunk, error) {
	if req.K <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, req.K)
	}
	limit := min(req.K, MaxK)
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scope := storage.Scope{DocumentID: req.DocumentID, OwnerID: req.OwnerID}
	results, err := s.index.SearchChunks(ctx, vec, limit, scope)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	s.logger.Debug("Search complete",
		"k", req.K,
		"document_id", req.DocumentID,
		"owner_id", req.OwnerID,
		"results", len(results),
	)
	return results, nil
}
