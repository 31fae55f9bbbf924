package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs every notification
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		n, ok := event.Payload.(models.Notification)
		if !ok {
			logger.Debug().
				Str("event_type", string(event.Type)).
				Msg("Event published")
			return nil
		}

		logEvent := logger.Info().
			Str("event_type", string(event.Type)).
			Str("subject", string(n.Subject)).
			Str("id", n.ID).
			Str("case_id", n.CaseID).
			Str("outcome", string(n.Outcome))

		if n.Message != "" {
			logEvent = logEvent.Str("message", n.Message)
		}

		logEvent.Msg("Notification")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to every notification event type
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.NotificationEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.NotificationEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
