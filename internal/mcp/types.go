// Package mcp exposes document search and index status as MCP tools.
package mcp

// SearchDocumentsInput defines the input parameters for the search_documents tool.
type SearchDocumentsInput struct {
	// Query is the semantic search query.
	Query string `json:"query" jsonschema:"The semantic search query"`
	// K is the maximum number of chunks to return.
	K int `json:"k,omitempty" jsonschema:"Maximum number of chunks to return (default 5, at most 100 are returned)"`
	// DocumentID restricts the search to one document.
	DocumentID string `json:"document_id,omitempty" jsonschema:"Only search inside this document"`
	// OwnerID restricts the search to one user's documents.
	OwnerID string `json:"owner_id,omitempty" jsonschema:"Only search documents owned by this user"`
}

// SearchDocumentsOutput contains the search results.
type SearchDocumentsOutput struct {
	Results []ChunkResult `json:"results"`
	// Message provides informational context (e.g., "No matching chunks found").
	Message string `json:"message,omitempty"`
}

// ChunkResult is one matching chunk.
type ChunkResult struct {
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Filename   string  `json:"filename,omitempty"`
	Page       int     `json:"page,omitempty"`
	Section    string  `json:"section,omitempty"`
}

// GetDocumentInput defines the input parameters for the get_document tool.
type GetDocumentInput struct {
	DocumentID string `json:"document_id" jsonschema:"The document ID"`
	OwnerID    string `json:"owner_id" jsonschema:"The ID of the user who owns the document"`
}

// DocumentInfo describes one document record.
type DocumentInfo struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	DisplayName   string `json:"display_name"`
	Status        string `json:"status"`
	IndexedAt     string `json:"indexed_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	IndexAttempts int    `json:"index_attempts,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// GetDocumentOutput contains the document record and its chunk count.
type GetDocumentOutput struct {
	Document *DocumentInfo `json:"document,omitempty"`
	Chunks   int           `json:"chunks"`
	// Found indicates whether the document exists for this owner.
	Found bool `json:"found"`
}

// ListDocumentsInput defines the input parameters for the list_documents tool.
type ListDocumentsInput struct {
	OwnerID string `json:"owner_id" jsonschema:"The ID of the user whose documents to list"`
}

// ListDocumentsOutput lists an owner's documents, newest first.
type ListDocumentsOutput struct {
	Documents []DocumentInfo `json:"documents"`
	Count     int            `json:"count"`
}

// StatusInput defines the input parameters for the get_index_status tool.
type StatusInput struct {
	OwnerID string `json:"owner_id,omitempty" jsonschema:"Restrict document counts to this user"`
}

// StatusOutput reports queue and index sizes.
type StatusOutput struct {
	Uploaded    int    `json:"uploaded"`
	Indexing    int    `json:"indexing"`
	Finished    int    `json:"finished"`
	TotalChunks int    `json:"total_chunks"`
	Collection  string `json:"collection"`
}
