package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const upsertBatchSize = 100

// Config describes the Qdrant connection and collection layout.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// QdrantStorage wraps the Qdrant client for one chunk collection.
// The client holds a single gRPC connection and is safe for concurrent use.
type QdrantStorage struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantStorage creates a Qdrant client. It does not contact the server;
// callers wait for readiness with Ping before relying on it.
func NewQdrantStorage(cfg Config) (*QdrantStorage, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection name not set")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, cfg.Dimension)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		// The server may not be up yet when the worker starts.
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStorage{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

// Collection returns the collection name.
func (s *QdrantStorage) Collection() string {
	return s.collection
}

// Ping lists collections. It succeeds as soon as the server answers.
func (s *QdrantStorage) Ping(ctx context.Context) error {
	if _, err := s.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return nil
}

// Health performs a single health check against Qdrant.
// Returns nil if Qdrant is healthy, error otherwise.
func (s *QdrantStorage) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}

	return nil
}

// EnsureCollection creates the collection if it is missing and makes sure
// every payload index exists. Idempotent - safe to call multiple times.
func (s *QdrantStorage) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	exists := false
	for _, name := range collections {
		if name == s.collection {
			exists = true
			break
		}
	}

	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	// Indexes are checked even for existing collections: older deployments
	// were created with document_id only.
	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}

	return nil
}

// createPayloadIndexes creates indexes for all filterable fields.
func (s *QdrantStorage) createPayloadIndexes(ctx context.Context) error {
	fields := []struct {
		name string
		typ  qdrant.FieldType
	}{
		{FieldDocumentID, qdrant.FieldType_FieldTypeKeyword},
		{FieldOwnerID, qdrant.FieldType_FieldTypeKeyword},
		{FieldOrdinal, qdrant.FieldType_FieldTypeInteger},
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field.name,
			FieldType:      field.typ.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create index for field %s: %w", field.name, err)
		}
	}

	return nil
}

func isAlreadyExists(err error) bool {
	if status.Code(err) == codes.AlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// ClearCollection drops the collection and recreates it empty.
// Useful for re-indexing scenarios.
func (s *QdrantStorage) ClearCollection(ctx context.Context) error {
	err := s.client.DeleteCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	return s.EnsureCollection(ctx)
}

// Close closes the Qdrant client connection.
func (s *QdrantStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (s *QdrantStorage) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if status.Code(err) == codes.InvalidArgument {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(exponentialBackoff, ctx))
}

// UpsertChunks stores chunks with their embeddings, in batches of 100.
// Every batch is acknowledged by the server before the next is sent.
func (s *QdrantStorage) UpsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		if len(chunk.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(chunk.Embedding), s.dimension)
		}

		point, err := toPoint(chunk)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		points[i] = point
	}

	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))

		if err := s.upsertWithRetry(ctx, points[i:end]); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// SearchChunks returns the k chunks nearest to embedding within scope,
// ordered by similarity score descending.
func (s *QdrantStorage) SearchChunks(ctx context.Context, embedding []float32, k int, scope Scope) ([]*ScoredChunk, error) {
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(embedding), s.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         buildFilter(scope),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	scoredChunks := make([]*ScoredChunk, 0, len(results))
	for _, result := range results {
		scoredChunks = append(scoredChunks, &ScoredChunk{
			Chunk: fromPayload(result.Id.GetUuid(), result.Payload),
			Score: float64(result.Score),
		})
	}

	return scoredChunks, nil
}

// DeleteStaleChunks removes the points of documentID whose ordinal is at
// least keep. Called after a re-index produced fewer chunks than before.
func (s *QdrantStorage) DeleteStaleChunks(ctx context.Context, documentID string, keep int) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(FieldDocumentID, documentID),
			qdrant.NewRange(FieldOrdinal, &qdrant.Range{Gte: qdrant.PtrOf(float64(keep))}),
		},
	}
	if err := s.deleteByFilter(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete stale chunks of %s: %w", documentID, err)
	}
	return nil
}

// DeleteDocumentChunks removes every point of documentID.
func (s *QdrantStorage) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	filter := buildFilter(Scope{DocumentID: documentID})
	if err := s.deleteByFilter(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func (s *QdrantStorage) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return err
}

// CountChunks returns the exact number of points within scope.
func (s *QdrantStorage) CountChunks(ctx context.Context, scope Scope) (uint64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         buildFilter(scope),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// CollectionInfo contains collection statistics.
type CollectionInfo struct {
	Name        string
	PointsCount uint64
	Dimension   int
}

// GetCollectionInfo retrieves collection statistics including total points count.
func (s *QdrantStorage) GetCollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	collection, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}

	return &CollectionInfo{
		Name:        s.collection,
		PointsCount: collection.GetPointsCount(),
		Dimension:   s.dimension,
	}, nil
}

// buildFilter converts a scope into must-match conditions. An empty scope
// yields a nil filter, i.e. the whole collection.
func buildFilter(scope Scope) *qdrant.Filter {
	var must []*qdrant.Condition
	if scope.DocumentID != "" {
		must = append(must, qdrant.NewMatch(FieldDocumentID, scope.DocumentID))
	}
	if scope.OwnerID != "" {
		must = append(must, qdrant.NewMatch(FieldOwnerID, scope.OwnerID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func toPoint(chunk *Chunk) (*qdrant.PointStruct, error) {
	md := chunk.Metadata
	if md.DocumentID == "" || md.OwnerID == "" {
		return nil, fmt.Errorf("%w: document_id and owner_id are required", ErrInvalidChunk)
	}

	id := chunk.ID
	if id == "" {
		id = ChunkID(md.DocumentID, md.Ordinal)
	}

	payload := map[string]any{
		FieldContent:    chunk.Content,
		FieldDocumentID: md.DocumentID,
		FieldOwnerID:    md.OwnerID,
		FieldOrdinal:    md.Ordinal,
	}
	if md.Page > 0 {
		payload[FieldPage] = md.Page
	}
	if md.Section != "" {
		payload[FieldSection] = md.Section
	}
	if md.Filename != "" {
		payload[FieldFilename] = md.Filename
	}
	if md.TokenCount > 0 {
		payload[FieldTokenCount] = md.TokenCount
	}
	if len(md.Extra) > 0 {
		extra := make(map[string]any, len(md.Extra))
		for k, v := range md.Extra {
			extra[k] = v
		}
		payload[FieldExtra] = extra
	}

	values, err := qdrant.TryValueMap(payload)
	if err != nil {
		return nil, errors.Join(ErrInvalidChunk, err)
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(chunk.Embedding...),
		Payload: values,
	}, nil
}

func fromPayload(id string, payload map[string]*qdrant.Value) *Chunk {
	chunk := &Chunk{
		ID:      id,
		Content: payload[FieldContent].GetStringValue(),
		Metadata: ChunkMetadata{
			DocumentID: payload[FieldDocumentID].GetStringValue(),
			OwnerID:    payload[FieldOwnerID].GetStringValue(),
			Ordinal:    int(payload[FieldOrdinal].GetIntegerValue()),
			Page:       int(payload[FieldPage].GetIntegerValue()),
			Section:    payload[FieldSection].GetStringValue(),
			Filename:   payload[FieldFilename].GetStringValue(),
			TokenCount: int(payload[FieldTokenCount].GetIntegerValue()),
		},
	}

	if fields := payload[FieldExtra].GetStructValue().GetFields(); len(fields) > 0 {
		chunk.Metadata.Extra = make(map[string]string, len(fields))
		for k, v := range fields {
			chunk.Metadata.Extra[k] = v.GetStringValue()
		}
	}

	return chunk
}
