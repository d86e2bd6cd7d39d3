// Package kafka provides a Kafka-based implementation of the event bus. Kafka is
// the at-least-once delivery substrate under the task dispatcher: a clean ack
// marks the delivery's offset, and a handler that cannot make progress
// re-enqueues its task with the attempt advanced before acking, so a failed
// attempt never depends on offset redelivery (which later commits on the same
// partition would overtake). Handlers treat every delivery as a possible
// duplicate.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/eventbus/kafka/tracing"
	"github.com/maskwright/cloakwork/internal/infra/eventbus/serialization"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// EventBusConfig contains settings for connecting to and interacting with Kafka
// brokers. It defines the topics, consumer group, and client identifiers needed
// for task routing.
type EventBusConfig struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// IngestTaskTopic carries ingest tasks (gateway -> controller).
	IngestTaskTopic string
	// ChunkTaskTopic carries chunk tasks (controller -> workers), keyed by
	// job id and chunk index.
	ChunkTaskTopic string
	// StitchTaskTopic carries stitch tasks (worker that triggered -> controller).
	StitchTaskTopic string
	// JobLifecycleTopic carries terminal job state notifications consumed by
	// the webhook notifier.
	JobLifecycleTopic string

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ServiceType identifies the kind of service (e.g. "controller", "worker").
	ServiceType string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus builds an event bus on top of an established producer and consumer
// group. Use ConnectEventBus for connection establishment with retry.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	topicMap := map[events.EventType]string{
		processing.EventTypeIngestTask:   cfg.IngestTaskTopic,   // gateway -> controller
		processing.EventTypeChunkTask:    cfg.ChunkTaskTopic,    // controller -> worker
		processing.EventTypeStitchTask:   cfg.StitchTaskTopic,   // worker -> controller
		processing.EventTypeJobCompleted: cfg.JobLifecycleTopic, // controller -> notifier
		processing.EventTypeJobFailed:    cfg.JobLifecycleTopic, // controller/worker -> notifier
		processing.EventTypeJobCancelled: cfg.JobLifecycleTopic, // gateway -> notifier
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic for its type. It returns only
// after the brokers acknowledge the write (RequiredAcks = WaitForAll on the
// producer), which is the dispatcher's durable-enqueue contract.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events of the
// specified types. It manages consumer group membership and message processing
// in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	cgHandler := &taskConsumerHandler{
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// taskConsumerHandler implements sarama.ConsumerGroupHandler to convert Kafka
// messages into domain events for the application.
type taskConsumerHandler struct {
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *taskConsumerHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *taskConsumerHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them
// into domain events and invoking the user-provided handler. A message is marked
// and committed only through a clean ack; an ack carrying an error records the
// failure without marking the offset. Handlers retry by re-enqueueing their task
// rather than by withholding acks: marking a later offset on the partition would
// commit past an unacked delivery and strand it.
func (h *taskConsumerHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	const commitInterval = time.Second

	for msg := range claim.Messages() {
		func() {
			msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
			msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
			defer span.End()

			evtType, payloadBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
			if err != nil {
				// Unparseable messages are poison; mark them so the partition advances.
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			payloadObj, err := serialization.DeserializePayload(evtType, payloadBytes)
			if err != nil {
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			dEvent := events.EventEnvelope{
				Type:      evtType,
				Key:       string(msg.Key),
				Timestamp: time.Now(),
				Payload:   payloadObj,
				Metadata: events.EventMetadata{
					Partition: claim.Partition(),
					Offset:    msg.Offset,
				},
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"event_type", evtType,
				"key", dEvent.Key,
			)

			ack := func(err error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if err != nil {
					consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(err)
					ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
					return
				}
				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

				sess.MarkMessage(msg, "")

				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
					consumeLogger.Debug(ackCtx, "Committed offsets",
						"topic", msg.Topic,
						"offset", msg.Offset,
					)
				}
			}

			if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
				return
			}
		}()
	}

	// Final commit before exiting.
	sess.Commit()

	return nil
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
