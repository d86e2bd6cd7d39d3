// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import (
	"context"
	"time"
)

// EventType represents a domain event category, enabling type-safe event routing and handling.
// It lets the system distinguish between ingest tasks, chunk tasks, stitch tasks, and job
// lifecycle notifications.
type EventType string

// DomainEvent is implemented by every event the domain layer emits. Concrete event
// types carry their own payload fields; EventType and OccurredAt are what the
// infrastructure needs to route and order them.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventMetadata carries transport-level position information for a consumed event.
type EventMetadata struct {
	// Partition identifies the partition the event was consumed from.
	Partition int32
	// Offset is the event's position within its partition.
	Offset int64
}

// EventEnvelope wraps an event payload with the routing and bookkeeping data the
// messaging infrastructure needs. Envelopes are what actually travel across the bus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically a job id so all events for
	// one job land on the same partition.
	Key string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on Type.
	Payload any

	// Metadata carries the transport position of a consumed event.
	Metadata EventMetadata
}

// AckFunc acknowledges a delivered event. Passing a non-nil error signals the
// delivery substrate that processing failed; the event remains eligible for
// redelivery. Handlers must be idempotent either way.
type AckFunc func(error)

// HandlerFunc processes a single delivered event and acknowledges it through ack.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// PublishOption is a function type that modifies PublishParams, enabling flexible
// configuration of event publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}
