package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id              UUID PRIMARY KEY,
	filename        TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	storage_path    TEXT NOT NULL,
	owner_id        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'uploaded'
	                CHECK (status IN ('uploaded', 'indexing', 'finished')),
	indexed_at      TIMESTAMPTZ,
	index_attempts  INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	last_attempt_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT documents_indexed_at_finished
		CHECK ((status = 'finished') = (indexed_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS documents_owner_idx ON documents (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS documents_pending_idx ON documents (created_at) WHERE status <> 'finished';
`

const documentColumns = `id::text, filename, display_name, storage_path, owner_id, status,
	indexed_at, index_attempts, last_error, last_attempt_at, created_at, updated_at`

// PostgresStore is the document record store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Migrate creates the documents table and its indexes. Idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return nil
}

// Create inserts a new document. Status defaults to uploaded.
func (p *PostgresStore) Create(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = StatusUploaded
	}
	query := `INSERT INTO documents (id, filename, display_name, storage_path, owner_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`
	_, err := p.pool.Exec(ctx, query,
		doc.ID, doc.Filename, doc.DisplayName, doc.StoragePath, doc.OwnerID, string(doc.Status), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
	}
	doc.UpdatedAt = doc.CreatedAt
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanOne(row, id)
}

// GetForOwner returns the document only if ownerID owns it; otherwise it
// reports ErrNotFound so callers cannot probe foreign IDs.
func (p *PostgresStore) GetForOwner(ctx context.Context, id, ownerID string) (*Document, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanOne(row, id)
}

// ListByOwner returns the owner's documents, newest first.
func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return scanAll(rows)
}

// ListPending returns every document not yet finished, oldest first.
func (p *PostgresStore) ListPending(ctx context.Context, f PendingFilter) ([]*Document, error) {
	var before *time.Time
	if !f.Before.IsZero() {
		before = &f.Before
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}

	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE status <> 'finished'
		  AND ($1::int = 0 OR index_attempts < $1::int)
		  AND ($2::timestamptz IS NULL OR last_attempt_at IS NULL OR last_attempt_at <= $2::timestamptz)
		ORDER BY created_at, id
		LIMIT $3`
	rows, err := p.pool.Query(ctx, query, f.MaxAttempts, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", err)
	}
	return scanAll(rows)
}

func (p *PostgresStore) MarkIndexing(ctx context.Context, id string) error {
	return p.exec(ctx, "mark indexing", id,
		`UPDATE documents SET status = 'indexing', indexed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status <> 'finished'`, id)
}

// MarkIndexed is the only writer of indexed_at.
func (p *PostgresStore) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, "mark indexed", id,
		`UPDATE documents SET status = 'finished', indexed_at = $2, last_error = '', updated_at = now()
		 WHERE id = $1`, id, at)
}

// RecordFailure restores status and books one failed attempt.
func (p *PostgresStore) RecordFailure(ctx context.Context, id string, status Status, reason string, at time.Time) error {
	if status == StatusFinished || !status.Valid() {
		return fmt.Errorf("record failure for %s: invalid status %q", id, status)
	}
	return p.exec(ctx, "record failure", id,
		`UPDATE documents SET status = $2, indexed_at = NULL, index_attempts = index_attempts + 1,
		        last_error = $3, last_attempt_at = $4, updated_at = now()
		 WHERE id = $1 AND status <> 'finished'`, id, string(status), reason, at)
}

// CountByStatus returns the number of documents per status, optionally for one owner.
func (p *PostgresStore) CountByStatus(ctx context.Context, ownerID string) (map[Status]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT status, count(*) FROM documents WHERE ($1 = '' OR owner_id = $1) GROUP BY status`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusUploaded: 0, StatusIndexing: 0, StatusFinished: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) exec(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

func scanOne(row pgx.Row, id string) (*Document, error) {
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

func scanAll(rows pgx.Rows) ([]*Document, error) {
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc    Document
		status string
	)
	err := row.Scan(
		&doc.ID,
		&doc.Filename,
		&doc.DisplayName,
		&doc.StoragePath,
		&doc.OwnerID,
		&status,
		&doc.IndexedAt,
		&doc.IndexAttempts,
		&doc.LastError,
		&doc.LastAttemptAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = Status(status)
	return &doc, nil
}
