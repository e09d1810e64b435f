package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memorix-app/docindex/internal/documents"
	"github.com/memorix-app/docindex/internal/search"
	"github.com/memorix-app/docindex/internal/storage"
)

const defaultK = 5

// Searcher runs similarity searches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]*storage.ScoredChunk, error)
}

// DocumentReader reads document records.
type DocumentReader interface {
	GetForOwner(ctx context.Context, id, ownerID string) (*documents.Document, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*documents.Document, error)
	CountByStatus(ctx context.Context, ownerID string) (map[documents.Status]int, error)
}

// IndexStats reports vector index sizes.
type IndexStats interface {
	GetCollectionInfo(ctx context.Context) (*storage.CollectionInfo, error)
	CountChunks(ctx context.Context, scope storage.Scope) (uint64, error)
}

// makeSearchHandler creates the search_documents tool handler.
// Invalid input is reported as a tool error so the caller can correct it.
func makeSearchHandler(searcher Searcher) func(
	context.Context, *mcp.CallToolRequest, SearchDocumentsInput,
) (*mcp.CallToolResult, SearchDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchDocumentsInput) (
		*mcp.CallToolResult, SearchDocumentsOutput, error,
	) {
		k := input.K
		if k == 0 {
			k = defaultK
		}

		chunks, err := searcher.Search(ctx, search.Request{
			Query:      input.Query,
			K:          k,
			DocumentID: strings.TrimSpace(input.DocumentID),
			OwnerID:    strings.TrimSpace(input.OwnerID),
		})
		if err != nil {
			if errors.Is(err, search.ErrInvalidK) || errors.Is(err, search.ErrEmptyQuery) {
				return nil, SearchDocumentsOutput{}, fmt.Errorf("invalid search: %w", err)
			}
			return nil, SearchDocumentsOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results := make([]ChunkResult, 0, len(chunks))
		for _, sc := range chunks {
			md := sc.Chunk.Metadata
			results = append(results, ChunkResult{
				DocumentID: md.DocumentID,
				Ordinal:    md.Ordinal,
				Content:    sc.Chunk.Content,
				Score:      sc.Score,
				Filename:   md.Filename,
				Page:       md.Page,
				Section:    md.Section,
			})
		}

		if len(results) == 0 {
			return nil, SearchDocumentsOutput{
				Results: []ChunkResult{},
				Message: "No matching chunks found.",
			}, nil
		}
		return nil, SearchDocumentsOutput{Results: results}, nil
	}
}

// makeGetDocumentHandler creates the get_document tool handler.
func makeGetDocumentHandler(docs DocumentReader, stats IndexStats) func(
	context.Context, *mcp.CallToolRequest, GetDocumentInput,
) (*mcp.CallToolResult, GetDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetDocumentInput) (
		*mcp.CallToolResult, GetDocumentOutput, error,
	) {
		doc, err := docs.GetForOwner(ctx, input.DocumentID, input.OwnerID)
		if err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return nil, GetDocumentOutput{Found: false}, nil
			}
			return nil, GetDocumentOutput{}, fmt.Errorf("failed to get document: %w", err)
		}

		count, err := stats.CountChunks(ctx, storage.Scope{DocumentID: doc.ID})
		if err != nil {
			return nil, GetDocumentOutput{}, fmt.Errorf("failed to count chunks: %w", err)
		}

		info := toDocumentInfo(doc)
		return nil, GetDocumentOutput{Document: &info, Chunks: int(count), Found: true}, nil
	}
}

// makeListHandler creates the list_documents tool handler.
func makeListHandler(docs DocumentReader) func(
	context.Context, *mcp.CallToolRequest, ListDocumentsInput,
) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (
		*mcp.CallToolResult, ListDocumentsOutput, error,
	) {
		if strings.TrimSpace(input.OwnerID) == "" {
			return nil, ListDocumentsOutput{}, errors.New("owner_id is required")
		}

		list, err := docs.ListByOwner(ctx, input.OwnerID)
		if err != nil {
			return nil, ListDocumentsOutput{}, fmt.Errorf("failed to list documents: %w", err)
		}

		out := make([]DocumentInfo, 0, len(list))
		for _, d := range list {
			out = append(out, toDocumentInfo(d))
		}
		return nil, ListDocumentsOutput{Documents: out, Count: len(out)}, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
func makeStatusHandler(docs DocumentReader, stats IndexStats) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		counts, err := docs.CountByStatus(ctx, input.OwnerID)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("failed to count documents: %w", err)
		}

		info, err := stats.GetCollectionInfo(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("failed to get collection info: %w", err)
		}

		total := info.PointsCount
		if input.OwnerID != "" {
			total, err = stats.CountChunks(ctx, storage.Scope{OwnerID: input.OwnerID})
			if err != nil {
				return nil, StatusOutput{}, fmt.Errorf("failed to count chunks: %w", err)
			}
		}

		return nil, StatusOutput{
			Uploaded:    counts[documents.StatusUploaded],
			Indexing:    counts[documents.StatusIndexing],
			Finished:    counts[documents.StatusFinished],
			TotalChunks: int(total),
			Collection:  info.Name,
		}, nil
	}
}

func toDocumentInfo(d *documents.Document) DocumentInfo {
	info := DocumentInfo{
		ID:            d.ID,
		Filename:      d.Filename,
		DisplayName:   d.DisplayName,
		Status:        string(d.Status),
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
		IndexAttempts: d.IndexAttempts,
		LastError:     d.LastError,
	}
	if d.IndexedAt != nil {
		info.IndexedAt = d.IndexedAt.UTC().Format(time.RFC3339)
	}
	return info
}
