package events

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/models"
)

// CloudEventsSubscriber forwards notifications to an HTTP sink as CloudEvents.
type CloudEventsSubscriber struct {
	client cloudevents.Client
	sink   string
	source string
	logger arbor.ILogger
}

// NewCloudEventsSubscriber creates a subscriber posting to sink.
func NewCloudEventsSubscriber(sink, source string, logger arbor.ILogger) (*CloudEventsSubscriber, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(sink))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return &CloudEventsSubscriber{
		client: client,
		sink:   sink,
		source: source,
		logger: logger,
	}, nil
}

// Handle sends one notification event. The sink must acknowledge it.
func (s *CloudEventsSubscriber) Handle(ctx context.Context, event interfaces.Event) error {
	n, ok := event.Payload.(models.Notification)
	if !ok {
		return fmt.Errorf("unexpected payload %T for event %s", event.Payload, event.Type)
	}

	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(s.source)
	ce.SetType(string(event.Type))
	ce.SetSubject(n.ID)
	ce.SetTime(n.At)
	if err := ce.SetData(cloudevents.ApplicationJSON, n); err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	result := s.client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("failed to deliver %s to %s: %w", event.Type, s.sink, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("sink %s rejected %s: %w", s.sink, event.Type, result)
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Str("event_id", ce.ID()).
		Str("sink", s.sink).
		Msg("Notification delivered")
	return nil
}

// Subscribe registers the subscriber for every notification event type.
func (s *CloudEventsSubscriber) Subscribe(eventService interfaces.EventService) error {
	for _, eventType := range interfaces.NotificationEventTypes {
		if err := eventService.Subscribe(eventType, s.Handle); err != nil {
			return fmt.Errorf("failed to subscribe cloudevents sink to %s: %w", eventType, err)
		}
	}
	return nil
}
