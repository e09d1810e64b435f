package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Search    Searcher
	Documents DocumentReader
	Index     IndexStats
	Version   string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "docindex",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over uploaded documents. Scope by document_id for one document or by owner_id for a user's whole library. Returns the matching chunks, most similar first.",
	}, makeSearchHandler(cfg.Search))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_document",
		Description: "Get one document's record, its indexing status and the number of indexed chunks.",
	}, makeGetDocumentHandler(cfg.Documents, cfg.Index))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List a user's documents, newest first, with their indexing status.",
	}, makeListHandler(cfg.Documents))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get document counts per indexing status and the number of indexed chunks.",
	}, makeStatusHandler(cfg.Documents, cfg.Index))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
