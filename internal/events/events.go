// Package events publishes document lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	DocumentUploaded    EventType = "document.uploaded"
	DocumentIndexing    EventType = "document.indexing"
	DocumentIndexed     EventType = "document.indexed"
	DocumentIndexFailed EventType = "document.index_failed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	DocumentID string         `json:"document_id"`
	Data       map[string]any `json:"data,omitempty"`
}

func NewEvent(eventType EventType, source, documentID string, data map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		Source:     source,
		DocumentID: documentID,
		Data:       data,
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Implementations must be safe for concurrent use.
// Publishing is best effort: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }
func (NopPublisher) Close() error                          { return nil }
