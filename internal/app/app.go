// Package app builds the pipeline components from configuration. Both
// binaries share it so the worker and the search server are wired the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/memorix-app/docindex/internal/chunker"
	"github.com/memorix-app/docindex/internal/config"
	"github.com/memorix-app/docindex/internal/documents"
	"github.com/memorix-app/docindex/internal/embedding"
	"github.com/memorix-app/docindex/internal/events"
	"github.com/memorix-app/docindex/internal/indexer"
	"github.com/memorix-app/docindex/internal/objectstore"
	"github.com/memorix-app/docindex/internal/search"
	"github.com/memorix-app/docindex/internal/storage"
)

// NewLogger builds the slog handler selected by LOG_LEVEL and LOG_FORMAT.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// App holds the wired components. Fields are nil until the matching
// Build step ran.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Index     *storage.QdrantStorage
	Records   *documents.PostgresStore
	Objects   *objectstore.Store
	Embedder  *embedding.Embedder
	Queries   embedding.QueryEmbedder
	Publisher events.Publisher
	Documents *documents.Service
	Search    *search.Service

	redis *redis.Client
}

// Build creates the clients for every backing service. Connections are
// lazy; use Provision or the worker's readiness wait to reach them.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	var err error
	a.Index, err = storage.NewQdrantStorage(storage.Config{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.Collection,
		Dimension:  cfg.EmbeddingDimension,
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: %w", err)
	}

	client, err := embedding.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	a.Embedder = embedding.NewEmbedder(client, embedding.Options{
		Model:          cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimension,
		BatchSize:      cfg.EmbeddingBatchSize,
		SendDimensions: cfg.EmbeddingSendDimensions,
	})
	a.Queries = a.Embedder
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.Queries = embedding.NewCachedQueryEmbedder(a.Embedder, a.redis, cfg.EmbeddingModel, cfg.QueryCacheTTL)
		logger.Info("Query embedding cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.QueryCacheTTL)
	}

	a.Records, err = documents.NewPostgresStore(ctx, cfg.DatabaseURI)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("document records: %w", err)
	}

	a.Objects, err = objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}

	a.Publisher = events.New(cfg.KafkaBrokers, cfg.KafkaTopic)
	a.Documents = documents.NewService(a.Records, a.Objects, a.Publisher, cfg.Environment, logger)
	a.Search = search.NewService(a.Queries, a.Index, logger)

	return a, nil
}

// Worker builds the indexing worker over the wired components.
func (a *App) Worker() (*indexer.Worker, error) {
	splitter, err := chunker.New(a.Config.ChunkSize, a.Config.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	deps := indexer.Deps{
		Documents: a.Records,
		Objects:   a.Objects,
		Embedder:  a.Embedder,
		Index:     a.Index,
		Splitter:  splitter,
		Publisher: a.Publisher,
		Logger:    a.Logger,
	}

	tokens, err := embedding.NewTokenCounter(a.Config.TokenEncoding)
	if err != nil {
		a.Logger.Warn("Token counting disabled", "encoding", a.Config.TokenEncoding, "error", err)
	} else if tokens != nil {
		deps.Tokens = tokens
	}

	return indexer.NewWorker(deps, indexer.Options{
		PollInterval:      a.Config.PollInterval,
		ReadinessAttempts: a.Config.ReadinessAttempts,
		ReadinessDelay:    a.Config.ReadinessDelay,
		Concurrency:       a.Config.WorkerConcurrency,
		MaxAttempts:       a.Config.MaxIndexAttempts,
		RetryCooldown:     a.Config.RetryCooldown,
	})
}

// Provision creates the documents table, the bucket and the vector
// collection. Safe to run repeatedly.
func (a *App) Provision(ctx context.Context) error {
	if err := a.Records.Migrate(ctx); err != nil {
		return err
	}
	if err := a.Objects.EnsureBucket(ctx); err != nil {
		return err
	}
	return a.Index.EnsureCollection(ctx)
}

// Close releases every connection that was opened.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Records != nil {
		a.Records.Close()
	}
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	return errors.Join(errs...)
}
