package embedding

import (
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps an OpenAI-compatible client for embedding generation. Any
// server speaking the /v1/embeddings protocol works, including local
// sentence-transformers gateways.
type Client struct {
	client *openai.Client
}

// NewClient creates a client for the embeddings endpoint at baseURL.
// apiKey may be empty for gateways that do not authenticate.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding base URL not set")
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		// Retries are driven by the embedder's backoff policy.
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := openai.NewClient(opts...)
	return &Client{client: &client}, nil
}
