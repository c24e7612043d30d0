// Package events publishes document change notifications to downstream consumers.
package events

import (
	"context"
	"time"
)

const EventTypeDocumentUpdated = "DOCUMENT_UPDATED"

// DocumentUpdated is emitted after an update has been durably applied.
type DocumentUpdated struct {
	EventType    string    `json:"eventType"`
	DocumentID   string    `json:"documentId"`
	ProjectID    string    `json:"projectId"`
	AuthorUserID string    `json:"authorUserId"`
	UpdateBytes  int       `json:"updateBytes"`
	StateVector  []byte    `json:"stateVector"`
	AppliedAt    time.Time `json:"appliedAt"`
}

// Publisher delivers events. Delivery is best effort; the document store stays the record.
type Publisher interface {
	Publish(ctx context.Context, event DocumentUpdated) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DocumentUpdated) error { return nil }

func (NopPublisher) Close() error { return nil }
