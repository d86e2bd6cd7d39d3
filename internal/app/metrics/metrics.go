// Package metrics implements the OpenTelemetry-backed metrics recorded by the
// engine's binaries.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maskwright/cloakwork/internal/infra/eventbus/kafka"
)

var _ kafka.EventBusMetrics = (*Service)(nil)

// Service implements the event bus metrics plus the leader election gauge.
// One instance is shared by everything in a binary that records metrics.
type Service struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	leaderStatus metric.Int64UpDownCounter
}

// New creates a Service metrics instance on the given meter provider. The
// namespace distinguishes binaries sharing a collector.
func New(namespace string, mp metric.MeterProvider) (*Service, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(Service)
	var err error

	if s.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if s.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if s.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if s.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if s.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("1 while this replica is the leader, 0 otherwise"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

// IncMessagePublished increments the published message counter for a topic.
func (s *Service) IncMessagePublished(ctx context.Context, topic string) {
	s.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// IncMessageConsumed increments the consumed message counter for a topic.
func (s *Service) IncMessageConsumed(ctx context.Context, topic string) {
	s.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// IncPublishError increments the publish error counter for a topic.
func (s *Service) IncPublishError(ctx context.Context, topic string) {
	s.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// IncConsumeError increments the consume error counter for a topic.
func (s *Service) IncConsumeError(ctx context.Context, topic string) {
	s.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// SetLeaderStatus records leadership transitions.
func (s *Service) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		s.leaderStatus.Add(ctx, 1)
		return
	}
	s.leaderStatus.Add(ctx, -1)
}
