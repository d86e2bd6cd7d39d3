package kafka

import (
	"context"

	"github.com/maskwright/cloakwork/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements events.DomainEventPublisher using Kafka as the
// underlying message transport. It adapts domain-level events to the event bus
// abstraction for reliable, asynchronous distribution.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent sends a domain event through the event bus, wrapping it in
// an envelope stamped with the event's own occurrence time.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, evt, opts...)
}
