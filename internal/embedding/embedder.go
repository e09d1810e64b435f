package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

// DefaultBatchSize keeps request bodies small enough for self-hosted
// embedding gateways.
const DefaultBatchSize = 64

var (
	// ErrDimensionMismatch means the model returned vectors of a size other
	// than the configured dimension. It is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrCountMismatch means the response did not carry one vector per input.
	ErrCountMismatch = errors.New("embedding count mismatch")
)

// Options configures an Embedder.
type Options struct {
	Model     string
	Dimension int
	BatchSize int
	// SendDimensions forwards Dimension to the API. Only models that support
	// shortened embeddings accept it.
	SendDimensions bool
}

// Embedder generates embeddings for text with the configured model.
// It batches requests and retries with exponential backoff on rate limit
// and server errors.
type Embedder struct {
	client *Client
	opts   Options
}

// NewEmbedder creates a new Embedder. A zero BatchSize selects DefaultBatchSize.
func NewEmbedder(client *Client, opts Options) *Embedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Embedder{client: client, opts: opts}
}

// Dimension returns the vector size every result is checked against.
func (e *Embedder) Dimension() int {
	return e.opts.Dimension
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.opts.Model
}

// GenerateEmbeddings returns one vector per input text, in input order.
func (e *Embedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	allEmbeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.opts.BatchSize {
		end := min(i+e.opts.BatchSize, len(texts))
		batch := texts[i:end]

		embeddings, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		allEmbeddings = append(allEmbeddings, embeddings...)
	}

	return allEmbeddings, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.opts.Model),
	}
	if e.opts.SendDimensions {
		params.Dimensions = openai.Int(int64(e.opts.Dimension))
	}

	var embeddings [][]float32
	operation := func() error {
		resp, err := e.client.client.Embeddings.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: sent %d texts, got %d vectors",
				ErrCountMismatch, len(texts), len(resp.Data)))
		}

		// Servers may return items out of order; Index is authoritative.
		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

		embeddings = make([][]float32, len(data))
		for i, d := range data {
			if e.opts.Dimension > 0 && len(d.Embedding) != e.opts.Dimension {
				return backoff.Permanent(fmt.Errorf("%w: want %d, got %d",
					ErrDimensionMismatch, e.opts.Dimension, len(d.Embedding)))
			}
			embeddings[i] = toFloat32(d.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// isRetryable reports rate limits (HTTP 429) and server-side failures.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// toFloat32 converts []float64 to []float32.
// The API returns float64, but Qdrant stores float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
