// Package indexer runs the background indexing worker: it drains the
// documents that are not yet finished, turning each into embedded chunks in
// the vector index.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memorix-app/docindex/internal/chunker"
	"github.com/memorix-app/docindex/internal/documents"
	"github.com/memorix-app/docindex/internal/events"
	"github.com/memorix-app/docindex/internal/parser"
	"github.com/memorix-app/docindex/internal/storage"
)

// Failure stages reported in CycleResult and events.
const (
	StageDownload = "download"
	StageMark     = "mark_indexing"
	StageParse    = "parse"
	StageEmbed    = "embed"
	StageUpsert   = "upsert"
	StageCleanup  = "cleanup"
	StageFinalize = "finalize"
)

// bookkeepingTimeout bounds status writes made after the cycle context is gone.
const bookkeepingTimeout = 5 * time.Second

// DocumentStore is the record store as seen by the worker.
type DocumentStore interface {
	ListPending(ctx context.Context, filter documents.PendingFilter) ([]*documents.Document, error)
	MarkIndexing(ctx context.Context, id string) error
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, status documents.Status, reason string, at time.Time) error
}

type ObjectStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

type Embedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorIndex interface {
	Ping(ctx context.Context) error
	EnsureCollection(ctx context.Context) error
	UpsertChunks(ctx context.Context, chunks []*storage.Chunk) error
	DeleteStaleChunks(ctx context.Context, documentID string, keep int) error
}

type TokenCounter interface {
	Count(text string) int
}

// Deps are the collaborators of a Worker. Tokens, Publisher, Logger and
// Clock are optional.
type Deps struct {
	Documents DocumentStore
	Objects   ObjectStore
	Embedder  Embedder
	Index     VectorIndex
	Splitter  *chunker.Splitter
	Tokens    TokenCounter
	Publisher events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Options tune the poll loop.
type Options struct {
	PollInterval      time.Duration
	ReadinessAttempts int
	ReadinessDelay    time.Duration
	// Concurrency is the number of documents processed at once. Values
	// below 1 mean sequential.
	Concurrency int
	// MaxAttempts stops retrying a document after that many failures. 0 retries forever.
	MaxAttempts int
	// RetryCooldown is the minimum time between two attempts on one document.
	RetryCooldown time.Duration
}

// CycleResult contains statistics about one pass over the pending queue.
type CycleResult struct {
	Pending     int
	Indexed     int
	TotalChunks int
	Failed      []FailedDoc
	Duration    time.Duration
}

// FailedDoc represents a document that failed to index in a cycle.
type FailedDoc struct {
	DocumentID string
	Filename   string
	Stage      string
	Reason     string
}

// Worker indexes pending documents.
type Worker struct {
	docs      DocumentStore
	objects   ObjectStore
	embedder  Embedder
	index     VectorIndex
	splitter  *chunker.Splitter
	tokens    TokenCounter
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	opts      Options
}

func NewWorker(deps Deps, opts Options) (*Worker, error) {
	switch {
	case deps.Documents == nil:
		return nil, errors.New("indexer: document store is required")
	case deps.Objects == nil:
		return nil, errors.New("indexer: object store is required")
	case deps.Embedder == nil:
		return nil, errors.New("indexer: embedder is required")
	case deps.Index == nil:
		return nil, errors.New("indexer: vector index is required")
	case deps.Splitter == nil:
		return nil, errors.New("indexer: splitter is required")
	}

	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}

	return &Worker{
		docs:      deps.Documents,
		objects:   deps.Objects,
		embedder:  deps.Embedder,
		index:     deps.Index,
		splitter:  deps.Splitter,
		tokens:    deps.Tokens,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       deps.Clock,
		opts:      opts,
	}, nil
}

// Run waits for the vector index, ensures the collection and then runs a
// cycle every PollInterval until ctx is cancelled. It returns nil on
// cancellation and ErrIndexUnavailable if the index never became ready.
func (w *Worker) Run(ctx context.Context) error {
	if err := WaitReady(ctx, w.index, w.opts.ReadinessAttempts, w.opts.ReadinessDelay, w.logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if err := w.index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	w.logger.Info("Indexing worker started",
		"poll_interval", w.opts.PollInterval,
		"concurrency", w.opts.Concurrency,
		"max_attempts", w.opts.MaxAttempts,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Indexing worker stopped")
			return nil
		case <-timer.C:
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			// Transient: the next cycle tries again.
			w.logger.Error("Indexing cycle failed", "error", err)
		}
		timer.Reset(w.opts.PollInterval)
	}
}

// RunOnce processes every pending document once. A failing document never
// stops the cycle; the returned error is only set when the pending list
// itself could not be read.
func (w *Worker) RunOnce(ctx context.Context) (*CycleResult, error) {
	start := w.now()
	result := &CycleResult{}

	filter := documents.PendingFilter{MaxAttempts: w.opts.MaxAttempts}
	if w.opts.RetryCooldown > 0 {
		filter.Before = start.Add(-w.opts.RetryCooldown)
	}

	pending, err := w.docs.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list pending documents: %w", err)
	}
	result.Pending = len(pending)
	if len(pending) == 0 {
		return result, nil
	}
	w.logger.Info("Found pending documents", "count", len(pending))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.opts.Concurrency)

	for _, doc := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			chunks, failure := w.processDocument(ctx, doc)

			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				result.Failed = append(result.Failed, *failure)
				return nil
			}
			result.Indexed++
			result.TotalChunks += chunks
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = w.now().Sub(start)
	w.logger.Info("Indexing cycle complete",
		"indexed", result.Indexed,
		"failed", len(result.Failed),
		"chunks", result.TotalChunks,
		"duration", result.Duration,
	)

	return result, nil
}

// processDocument takes one document from its polled status to finished.
// On failure the polled status is restored and the attempt recorded.
func (w *Worker) processDocument(ctx context.Context, doc *documents.Document) (int, *FailedDoc) {
	logger := w.logger.With("document_id", doc.ID, "filename", doc.Filename)

	// Download before touching the status: an unreachable object store
	// leaves the document exactly as it was.
	data, err := w.objects.Download(ctx, doc.StoragePath)
	if err != nil {
		return 0, w.fail(ctx, logger, doc, StageDownload, err)
	}
	logger.Debug("Downloaded document", "size", len(data))

	if err := w.docs.MarkIndexing(ctx, doc.ID); err != nil {
		return 0, w.fail(ctx, logger, doc, StageMark, err)
	}
	w.publish(ctx, events.DocumentIndexing, doc, nil)

	chunks, stage, err := w.buildChunks(ctx, doc, data)
	if err != nil {
		return 0, w.fail(ctx, logger, doc, stage, err)
	}
	logger.Debug("Embedded document", "chunks", len(chunks))

	if err := w.index.UpsertChunks(ctx, chunks); err != nil {
		return 0, w.fail(ctx, logger, doc, StageUpsert, err)
	}
	if err := w.index.DeleteStaleChunks(ctx, doc.ID, len(chunks)); err != nil {
		return 0, w.fail(ctx, logger, doc, StageCleanup, err)
	}

	if err := w.docs.MarkIndexed(ctx, doc.ID, w.now().UTC()); err != nil {
		return 0, w.fail(ctx, logger, doc, StageFinalize, err)
	}

	w.publish(ctx, events.DocumentIndexed, doc, map[string]any{"chunks": len(chunks)})
	logger.Info("Indexed document", "chunks", len(chunks))
	return len(chunks), nil
}

// buildChunks parses, splits and embeds a document.
func (w *Worker) buildChunks(ctx context.Context, doc *documents.Document, data []byte) ([]*storage.Chunk, string, error) {
	content, err := parser.Parse(data, parser.ExtensionOf(doc.Filename))
	if err != nil {
		return nil, StageParse, err
	}

	fragments := w.splitter.Split(content.Text)
	if len(fragments) == 0 {
		return nil, StageParse, parser.ErrEmptyDocument
	}

	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Text
	}

	embeddings, err := w.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, StageEmbed, fmt.Errorf("embeddings: %w", err)
	}
	if len(embeddings) != len(fragments) {
		return nil, StageEmbed, fmt.Errorf("embeddings: got %d vectors for %d fragments", len(embeddings), len(fragments))
	}

	chunks := make([]*storage.Chunk, len(fragments))
	for i, f := range fragments {
		md := storage.ChunkMetadata{
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Ordinal:    f.Ordinal,
			Filename:   doc.Filename,
		}
		if unit, ok := content.UnitAt(f.Start); ok {
			md.Page = unit.Page
			md.Section = unit.Section
		}
		if w.tokens != nil {
			md.TokenCount = w.tokens.Count(f.Text)
		}
		if doc.DisplayName != "" && doc.DisplayName != doc.Filename {
			md.Extra = map[string]string{"display_name": doc.DisplayName}
		}

		chunks[i] = &storage.Chunk{
			ID:        storage.ChunkID(doc.ID, f.Ordinal),
			Content:   f.Text,
			Embedding: embeddings[i],
			Metadata:  md,
		}
	}

	return chunks, "", nil
}

// fail restores the polled status, books the attempt and reports the failure.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, doc *documents.Document, stage string, cause error) *FailedDoc {
	kind := errorKind(cause)
	logger.Warn("Failed to index document", "stage", stage, "kind", kind, "error", cause)

	// Status bookkeeping must survive a cancelled cycle.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	reason := stage + ": " + cause.Error()
	if err := w.docs.RecordFailure(bctx, doc.ID, doc.Status, reason, w.now().UTC()); err != nil {
		logger.Error("Failed to record indexing failure", "error", err)
	}
	w.publish(bctx, events.DocumentIndexFailed, doc, map[string]any{
		"stage":  stage,
		"kind":   kind,
		"reason": cause.Error(),
	})

	return &FailedDoc{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Stage:      stage,
		Reason:     reason,
	}
}

func (w *Worker) publish(ctx context.Context, typ events.EventType, doc *documents.Document, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["owner_id"] = doc.OwnerID

	if err := w.publisher.Publish(ctx, events.NewEvent(typ, "indexer", doc.ID, data)); err != nil {
		w.logger.Warn("Failed to publish event", "type", typ, "document_id", doc.ID, "error", err)
	}
}

// errorKind separates bad content from failing dependencies in logs and events.
func errorKind(err error) string {
	if errors.Is(err, parser.ErrUnparseable) || errors.Is(err, parser.ErrEmptyDocument) {
		return "content"
	}
	return "dependency"
}
