package events

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// Notifier turns terminal document and case transitions into events.
type Notifier struct {
	events interfaces.EventService
	logger arbor.ILogger
}

var _ interfaces.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier publishing on the given event service.
func NewNotifier(events interfaces.EventService, logger arbor.ILogger) *Notifier {
	return &Notifier{events: events, logger: logger}
}

// Notify publishes the notification. Delivery continues after ctx is
// cancelled and failures are only logged.
func (n *Notifier) Notify(ctx context.Context, notification models.Notification) {
	eventType, ok := EventTypeFor(notification)
	if !ok {
		n.logger.Warn().
			Str("subject", string(notification.Subject)).
			Str("outcome", string(notification.Outcome)).
			Str("id", notification.ID).
			Msg("Notification has no event type, dropped")
		return
	}

	event := interfaces.Event{Type: eventType, Payload: notification}
	if err := n.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		n.logger.Warn().
			Err(err).
			Str("event_type", string(eventType)).
			Str("id", notification.ID).
			Msg("Failed to publish notification")
	}
}

// EventTypeFor maps a notification to its event type. Only terminal
// outcomes have one.
func EventTypeFor(n models.Notification) (interfaces.EventType, bool) {
	switch {
	case n.Subject == models.SubjectDocument && n.Outcome == models.StatusDone:
		return interfaces.EventDocumentDone, true
	case n.Subject == models.SubjectDocument && n.Outcome == models.StatusError:
		return interfaces.EventDocumentError, true
	case n.Subject == models.SubjectCase && n.Outcome == models.StatusDone:
		return interfaces.EventCaseDone, true
	case n.Subject == models.SubjectCase && n.Outcome == models.StatusError:
		return interfaces.EventCaseError, true
	}
	return "", false
}
