package interfaces

import (
	"context"

	"github.com/ternarybob/folio/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	EventDocumentDone  EventType = "io.folio.document.done"
	EventDocumentError EventType = "io.folio.document.error"
	EventCaseDone      EventType = "io.folio.case.done"
	EventCaseError     EventType = "io.folio.case.error"
)

// NotificationEventTypes lists every event a Notifier can publish.
var NotificationEventTypes = []EventType{
	EventDocumentDone,
	EventDocumentError,
	EventCaseDone,
	EventCaseError,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers without waiting for them
	Publish(ctx context.Context, event Event) error

	// Close waits for pending deliveries and drops all subscribers
	Close() error
}

// Notifier is told about terminal document and case transitions. It never
// blocks the caller and never reports failure.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification)
}
