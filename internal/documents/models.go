// Package documents owns the document record lifecycle:
// uploaded -> indexing -> finished.
package documents

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrInvalidUpload = errors.New("invalid upload")
)

// Status is the indexing state of a document. The status column doubles as
// the indexing queue: every non-finished document is pending.
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusIndexing Status = "indexing"
	StatusFinished Status = "finished"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusIndexing, StatusFinished:
		return true
	}
	return false
}

// Document is one uploaded file. IndexedAt is set if and only if Status is
// StatusFinished.
type Document struct {
	ID          string
	Filename    string
	DisplayName string
	StoragePath string
	OwnerID     string
	Status      Status
	IndexedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Retry bookkeeping, written by RecordFailure.
	IndexAttempts int
	LastError     string
	LastAttemptAt *time.Time
}

// PendingFilter narrows the pending queue.
type PendingFilter struct {
	// MaxAttempts skips documents that already failed this many times. 0 means unlimited.
	MaxAttempts int
	// Before skips documents whose last attempt is after this instant. Zero means no cooldown.
	Before time.Time
	Limit  int
}
