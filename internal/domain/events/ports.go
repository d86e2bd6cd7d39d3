package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The provided context
	// controls cancellation and deadlines. Optional PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events across system boundaries.
// It abstracts messaging infrastructure details (like Kafka) to keep domain logic focused
// on business concerns rather than transport mechanisms. Delivery is at least once; the
// bus performs no deduplication, so subscribed handlers must be idempotent.
type EventBus interface {
	// Publish broadcasts a domain event to all interested subscribers. It returns only
	// after the event is durably queued on the underlying substrate.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of the specified types.
	// The handler executes for each matching event received on this bus. An event is
	// redelivered until its AckFunc is invoked without error.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

// EventHandler defines the contract for components that process domain events.
// The event dispatcher routes events to handlers based on the event type.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
