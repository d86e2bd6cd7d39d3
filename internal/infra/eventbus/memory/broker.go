// Package memory provides an in-memory event bus with the same contract as the
// Kafka-backed bus: envelopes routed by event type, at-least-once delivery, no
// deduplication. Published events are retained, and a late subscriber replays
// the backlog for its types, mirroring a consumer group joining from the
// earliest offset. Intended for unit tests and local single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/maskwright/cloakwork/internal/domain/events"
)

var _ events.EventBus = (*Broker)(nil)

type subscription struct {
	ctx     context.Context
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

func (s *subscription) wants(t events.EventType) bool {
	if s.ctx.Err() != nil {
		return false
	}
	_, ok := s.types[t]
	return ok
}

// Broker is an in-memory events.EventBus. Delivery is synchronous: Publish
// returns after every live subscriber's handler has run, which keeps test
// assertions free of sleeps.
type Broker struct {
	mu       sync.Mutex
	closed   bool
	retained []events.EventEnvelope
	subs     []*subscription
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker { return &Broker{} }

// Publish retains the envelope and delivers it to every live subscription
// registered for its type. A handler error is returned to the caller; the
// envelope stays retained either way, so a later subscriber still sees it.
func (b *Broker) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	params := events.PublishParams{Key: evt.Key}
	for _, opt := range opts {
		opt(&params)
	}
	evt.Key = params.Key

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish on closed broker")
	}
	b.retained = append(b.retained, evt)
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(evt.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.handler(ctx, evt, func(error) {}); err != nil {
			return fmt.Errorf("handler for %s: %w", evt.Type, err)
		}
	}
	return nil
}

// Subscribe registers a handler for the given event types and synchronously
// replays the retained backlog matching them. The subscription is live until
// ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if len(eventTypes) == 0 {
		return fmt.Errorf("subscribe requires at least one event type")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	sub := &subscription{ctx: ctx, types: types, handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("subscribe on closed broker")
	}
	b.subs = append(b.subs, sub)
	backlog := make([]events.EventEnvelope, 0, len(b.retained))
	for _, evt := range b.retained {
		if _, ok := types[evt.Type]; ok {
			backlog = append(backlog, evt)
		}
	}
	b.mu.Unlock()

	for _, evt := range backlog {
		if err := handler(ctx, evt, func(error) {}); err != nil {
			return fmt.Errorf("replaying %s: %w", evt.Type, err)
		}
	}
	return nil
}

// LiveSubscriptions reports how many subscriptions are still active, which lets
// tests observe a consumer detaching after its context is cancelled.
func (b *Broker) LiveSubscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Close marks the broker closed; further publishes and subscribes fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
