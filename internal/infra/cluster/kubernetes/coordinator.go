// Package kubernetes implements controller coordination on Kubernetes
// primitives. A lease lock elects a single active controller; the rest stand by.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/maskwright/cloakwork/internal/app/cluster"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var _ cluster.Coordinator = new(Coordinator)

// Coordinator provides leader election for the controller using Kubernetes
// lease locks. Exactly one controller holds the lease at a time, which keeps a
// single consumer on the ingest and stitch topics.
type Coordinator struct {
	controllerID string

	client kubernetes.Interface
	config *Config

	leaderElector *leaderelection.LeaderElector
	// Called when leadership status changes.
	leadershipChangeCB func(isLeader bool)

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator with lease-based leader election.
func NewCoordinator(controllerID string, cfg *Config, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(attribute.String("controller_id", controllerID)),
	)
	defer span.End()

	if cfg == nil {
		span.RecordError(fmt.Errorf("config is required"))
		span.SetStatus(codes.Error, "config is required")
		return nil, fmt.Errorf("config is required")
	}

	logger = logger.With(
		"component", "kubernetes_coordinator",
		"namespace", cfg.Namespace,
		"leader_lock_id", cfg.LeaderLockID,
		"identity", cfg.Identity,
	)

	client, err := getKubernetesClient()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create kubernetes client")
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}

	coordinator := &Coordinator{
		controllerID: controllerID,
		client:       client,
		config:       cfg,
		logger:       logger,
		tracer:       tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderLockID,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	leaderConfig := leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderConfig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	coordinator.leaderElector = elector
	logger.Info(context.Background(), "Leader elector created")

	return coordinator, nil
}

// Start begins the leader election loop and blocks until the context is canceled.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.start",
		trace.WithAttributes(attribute.String("controller_id", c.controllerID)),
	)
	go c.leaderElector.Run(ctx)
	c.logger.Info(ctx, "Starting leader elector")
	span.End()

	<-ctx.Done()
	return nil
}

// Stop gracefully shuts down the coordinator.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers a callback invoked when this instance gains or
// loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.leadershipChangeCB = cb
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("controller_id", c.controllerID)),
	)
	defer span.End()

	c.logger.Info(ctx, "became leader")
	if c.leadershipChangeCB != nil {
		c.leadershipChangeCB(true)
	}
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("controller_id", c.controllerID)),
	)
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	if c.leadershipChangeCB != nil {
		c.leadershipChangeCB(false)
	}
}
