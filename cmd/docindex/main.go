// Package main provides the docindex CLI: provisioning, the indexing worker
// and one-off uploads and searches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/memorix-app/docindex/internal/app"
	"github.com/memorix-app/docindex/internal/config"
	"github.com/memorix-app/docindex/internal/documents"
	"github.com/memorix-app/docindex/internal/search"
	"github.com/memorix-app/docindex/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:          "docindex",
	Short:        "Document indexing and retrieval pipeline",
	Long:         "Index uploaded documents into Qdrant and search them semantically.",
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the documents table, the bucket and the vector collection",
	Long: `Provisions every backing store. Safe to run repeatedly.

Environment variables:
  DATABASE_URI        Postgres connection string
  QDRANT_HOST         Qdrant hostname (default: localhost)
  QDRANT_PORT         Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION   Collection name (default: documents)
  RAG_EMBEDDING_SIZE  Vector dimension (default: 768)
  S3_ENDPOINT         Object store endpoint (default: localhost:9000)`,
	RunE: runMigrate,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the indexing worker until interrupted",
	RunE:  runWorker,
}

var onceFlag bool

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document for indexing",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document counts per status and the index size",
	RunE:  runStatus,
}

var (
	ownerFlag    string
	nameFlag     string
	kFlag        int
	documentFlag string
)

func init() {
	workerCmd.Flags().BoolVar(&onceFlag, "once", false, "run a single indexing cycle and exit")

	uploadCmd.Flags().StringVar(&ownerFlag, "owner", "", "owner user ID (required)")
	uploadCmd.Flags().StringVar(&nameFlag, "name", "", "display name (defaults to the file name)")
	_ = uploadCmd.MarkFlagRequired("owner")

	searchCmd.Flags().IntVar(&kFlag, "k", 5, "number of chunks to return")
	searchCmd.Flags().StringVar(&documentFlag, "document", "", "only search this document")
	searchCmd.Flags().StringVar(&ownerFlag, "owner", "", "only search this owner's documents")

	statusCmd.Flags().StringVar(&ownerFlag, "owner", "", "only count this owner's documents")

	rootCmd.AddCommand(migrateCmd, workerCmd, uploadCmd, searchCmd, statusCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, installs the logger and wires the components.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	return app.Build(ctx, cfg, logger)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Provisioning collection %q at %s...\n", a.Config.Collection, a.Config.QdrantAddr())
	if err := a.Provision(ctx); err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}
	fmt.Println("Documents table, bucket and collection are ready")
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	worker, err := a.Worker()
	if err != nil {
		return err
	}

	if !onceFlag {
		return worker.Run(ctx)
	}

	result, err := worker.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Pending: %d  Indexed: %d  Chunks: %d  Duration: %s\n",
		result.Pending, result.Indexed, result.TotalChunks, result.Duration.Round(time.Millisecond))
	if len(result.Failed) > 0 {
		fmt.Println("Failed documents:")
		for _, f := range result.Failed {
			fmt.Printf("  - %s (%s): %s\n", f.DocumentID, f.Filename, f.Reason)
		}
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.Documents.Upload(ctx, documents.UploadRequest{
		OwnerID:     ownerFlag,
		Filename:    filepath.Base(args[0]),
		DisplayName: nameFlag,
		Data:        data,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s as %s (status: %s)\n", doc.Filename, doc.ID, doc.Status)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Search.Search(ctx, search.Request{
		Query:      args[0],
		K:          kFlag,
		DocumentID: documentFlag,
		OwnerID:    ownerFlag,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matching chunks found.")
		return nil
	}

	for i, r := range results {
		md := r.Chunk.Metadata
		fmt.Printf("%d. [%.3f] %s #%d", i+1, r.Score, md.Filename, md.Ordinal)
		if md.Page > 0 {
			fmt.Printf(" p.%d", md.Page)
		}
		if md.Section != "" {
			fmt.Printf(" %s", md.Section)
		}
		fmt.Printf("\n   %s\n", preview(r.Chunk.Content, 200))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.Records.CountByStatus(ctx, ownerFlag)
	if err != nil {
		return err
	}
	info, err := a.Index.GetCollectionInfo(ctx)
	if err != nil {
		return err
	}
	chunks := info.PointsCount
	if ownerFlag != "" {
		if chunks, err = a.Index.CountChunks(ctx, storage.Scope{OwnerID: ownerFlag}); err != nil {
			return err
		}
	}

	fmt.Printf("Collection: %s (dimension %d)\n", info.Name, info.Dimension)
	fmt.Printf("  Uploaded: %d\n", counts[documents.StatusUploaded])
	fmt.Printf("  Indexing: %d\n", counts[documents.StatusIndexing])
	fmt.Printf("  Finished: %d\n", counts[documents.StatusFinished])
	fmt.Printf("  Chunks:   %d\n", chunks)
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
