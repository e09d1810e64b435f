package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// Payload keys stored with every chunk point.
const (
	FieldContent    = "content"
	FieldDocumentID = "document_id"
	FieldOwnerID    = "owner_id"
	FieldOrdinal    = "ordinal"
	FieldPage       = "page"
	FieldSection    = "section"
	FieldFilename   = "filename"
	FieldTokenCount = "token_count"
	FieldExtra      = "extra"
)

// Chunk is one embedded fragment of a document, stored as a single point.
type Chunk struct {
	ID        string    // deterministic, see ChunkID
	Content   string    // fragment text
	Embedding []float32 // configured dimension; empty in search results
	Metadata  ChunkMetadata
}

// ChunkMetadata is the structured payload of a chunk. DocumentID, OwnerID
// and Ordinal are always present; the rest is optional.
type ChunkMetadata struct {
	DocumentID string
	OwnerID    string
	Ordinal    int
	Page       int    // 1-based, 0 when unknown
	Section    string // heading path for markdown sources
	Filename   string
	TokenCount int
	Extra      map[string]string
}

// ScoredChunk is a search hit. Higher scores are more similar.
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// Scope restricts a search. Empty fields do not filter.
type Scope struct {
	DocumentID string
	OwnerID    string
}

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("docindex.chunk"))

// ChunkID derives the point ID of the ordinal-th chunk of a document.
// Re-indexing a document therefore overwrites its previous points.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, ordinal))).String()
}
