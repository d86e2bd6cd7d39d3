package orchestration

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/app/cluster"
	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// Controller runs the orchestration side of the engine: it participates in
// leader election and, while leader, consumes ingest and stitch tasks. Workers
// consume chunk tasks independently of leadership; only the coordination
// topics are single-consumer.
type Controller struct {
	id string

	coordinator cluster.Coordinator
	taskQueue   events.EventBus

	ingestion *IngestionCoordinator
	stitching *StitchCoordinator

	// mu protects leading and cancelFn.
	mu       sync.Mutex
	leading  bool
	cancelFn context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewController creates a controller.
func NewController(
	id string,
	coordinator cluster.Coordinator,
	taskQueue events.EventBus,
	ingestion *IngestionCoordinator,
	stitching *StitchCoordinator,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Controller {
	return &Controller{
		id:          id,
		coordinator: coordinator,
		taskQueue:   taskQueue,
		ingestion:   ingestion,
		stitching:   stitching,
		logger:      logger.With("component", "controller", "controller_id", id),
		tracer:      tracer,
	}
}

// Run starts leader election and blocks task consumption on leadership. It
// returns a channel closed once this instance first becomes leader, so callers
// can gate readiness on it.
func (c *Controller) Run(ctx context.Context) (<-chan struct{}, error) {
	runCtx, span := c.tracer.Start(ctx, "controller.run",
		trace.WithAttributes(attribute.String("controller_id", c.id)),
	)
	defer span.End()

	readyCh := make(chan struct{})
	leaderCh := make(chan bool, 1)

	c.coordinator.OnLeadershipChange(func(isLeader bool) {
		c.logger.Info(runCtx, "leadership change", "is_leader", isLeader)
		select {
		case leaderCh <- isLeader:
		default:
			c.logger.Warn(runCtx, "leadership channel full, dropping update")
		}
	})

	go c.leadershipLoop(ctx, leaderCh, readyCh)

	go func() {
		if err := c.coordinator.Start(ctx); err != nil {
			c.logger.Error(ctx, "coordinator stopped", "error", err)
		}
	}()

	span.AddEvent("controller_started")
	return readyCh, nil
}

func (c *Controller) leadershipLoop(ctx context.Context, leaderCh <-chan bool, readyCh chan<- struct{}) {
	readyClosed := false
	for {
		select {
		case isLeader := <-leaderCh:
			if isLeader {
				c.startConsuming(ctx)
				if !readyClosed {
					close(readyCh)
					readyClosed = true
				}
			} else {
				c.stopConsuming()
			}
		case <-ctx.Done():
			c.stopConsuming()
			if !readyClosed {
				close(readyCh)
			}
			return
		}
	}
}

// startConsuming subscribes the coordination handlers. The subscription lives
// until leadership is lost or the controller shuts down.
func (c *Controller) startConsuming(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leading {
		return
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	if err := c.subscribe(consumeCtx); err != nil {
		cancel()
		c.logger.Error(ctx, "failed to subscribe to coordination topics", "error", err)
		return
	}
	c.leading = true
	c.cancelFn = cancel
	c.logger.Info(ctx, "consuming coordination topics as leader")
}

func (c *Controller) stopConsuming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leading {
		return
	}
	c.leading = false
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.logger.Info(context.Background(), "stopped consuming coordination topics")
}

// subscribe opens the coordination subscription. Both task types share one
// Subscribe call: the underlying consumer group handle supports a single
// consume session, so the ingest and stitch topics are claimed together and
// deliveries are routed by envelope type.
func (c *Controller) subscribe(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.subscribe",
		trace.WithAttributes(attribute.String("controller_id", c.id)),
	)
	defer span.End()

	if err := c.taskQueue.Subscribe(ctx,
		[]events.EventType{processing.EventTypeIngestTask, processing.EventTypeStitchTask},
		c.routeTask,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "coordination subscription failed")
		return fmt.Errorf("subscribing to coordination topics: %w", err)
	}

	return nil
}

func (c *Controller) routeTask(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch evt.Type {
	case processing.EventTypeIngestTask:
		return c.ingestion.HandleIngestTask(ctx, evt, ack)
	case processing.EventTypeStitchTask:
		return c.stitching.HandleStitchTask(ctx, evt, ack)
	default:
		err := fmt.Errorf("unexpected event type %s on coordination subscription", evt.Type)
		ack(err)
		return err
	}
}
