package documents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memorix-app/docindex/internal/events"
	"github.com/memorix-app/docindex/internal/parser"
)

// Store is the subset of the record store the upload service needs.
type Store interface {
	Create(ctx context.Context, doc *Document) error
	GetForOwner(ctx context.Context, id, ownerID string) (*Document, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Document, error)
}

// Uploader writes raw bytes to the object store.
type Uploader interface {
	Upload(ctx context.Context, data []byte, path string) error
}

type UploadRequest struct {
	OwnerID     string
	Filename    string
	DisplayName string // defaults to Filename
	Data        []byte
}

// Service handles the user-facing side of the lifecycle: it stores the
// bytes and creates the record in uploaded state, which queues it for the
// indexing worker.
type Service struct {
	store       Store
	objects     Uploader
	publisher   events.Publisher
	environment string
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(store Store, objects Uploader, publisher events.Publisher, environment string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:       store,
		objects:     objects,
		publisher:   publisher,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

// Upload stores the file under <environment>/documents/<id>.<ext> and
// records it as uploaded. The object is written first so the worker never
// sees a record without bytes behind it.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Document, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidUpload)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}

	id := uuid.New().String()
	doc := &Document{
		ID:          id,
		Filename:    req.Filename,
		DisplayName: req.DisplayName,
		StoragePath: s.storagePath(id, parser.ExtensionOf(req.Filename)),
		OwnerID:     req.OwnerID,
		Status:      StatusUploaded,
		CreatedAt:   s.now().UTC(),
	}
	if doc.DisplayName == "" {
		doc.DisplayName = req.Filename
	}

	if err := s.objects.Upload(ctx, req.Data, doc.StoragePath); err != nil {
		return nil, fmt.Errorf("store document bytes: %w", err)
	}

	if err := s.store.Create(ctx, doc); err != nil {
		s.logger.Error("Document bytes stored without a record", "path", doc.StoragePath, "error", err)
		return nil, err
	}

	s.logger.Info("Document uploaded", "document_id", id, "owner_id", doc.OwnerID, "filename", doc.Filename, "bytes", len(req.Data))
	event := events.NewEvent(events.DocumentUploaded, "upload", id, map[string]any{
		"owner_id": doc.OwnerID,
		"filename": doc.Filename,
		"size":     len(req.Data),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "type", event.Type, "document_id", id, "error", err)
	}

	return doc, nil
}

func (s *Service) Get(ctx context.Context, id, ownerID string) (*Document, error) {
	return s.store.GetForOwner(ctx, id, ownerID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]*Document, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

func (s *Service) storagePath(id, ext string) string {
	path := s.environment + "/documents/" + id
	if ext != "" {
		path += "." + ext
	}
	return path
}
