package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	otelapi "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/maskwright/cloakwork/internal/app/metrics"
	"github.com/maskwright/cloakwork/internal/app/notification"
	"github.com/maskwright/cloakwork/internal/app/orchestration"
	"github.com/maskwright/cloakwork/internal/config"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/blob"
	"github.com/maskwright/cloakwork/internal/infra/cluster/kubernetes"
	"github.com/maskwright/cloakwork/internal/infra/eventbus/kafka"
	"github.com/maskwright/cloakwork/internal/infra/media"
	"github.com/maskwright/cloakwork/internal/infra/storage/processing/postgres"
	"github.com/maskwright/cloakwork/pkg/common"
	"github.com/maskwright/cloakwork/pkg/common/logger"
	"github.com/maskwright/cloakwork/pkg/common/otel"
)

const serviceType = "controller"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("CONTROLLER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata).
		WithOTelBridge(serviceType)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		prob = 0.1
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	cfg, err := config.LoadController(os.Getenv("CLOAKWORK_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := openPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "migrations applied, starting controller")

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = hostname
	}
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}

	coord, err := kubernetes.NewCoordinator(hostname, &kubernetes.Config{
		Namespace:    namespace,
		LeaderLockID: cfg.LeaderLockID,
		Identity:     podName,
	}, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to create coordinator", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := coord.Stop(); err != nil {
			log.Error(ctx, "failed to stop coordinator", "error", err)
		}
	}()

	metricCollector, err := metrics.New(serviceType, otelapi.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     groupID(cfg.Kafka.GroupID, "cloakwork-controllers"),
		ClientID:    svcName,
		ServiceType: serviceType,
	})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	eventBus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:           cfg.Kafka.Brokers,
		IngestTaskTopic:   cfg.Kafka.IngestTaskTopic,
		ChunkTaskTopic:    cfg.Kafka.ChunkTaskTopic,
		StitchTaskTopic:   cfg.Kafka.StitchTaskTopic,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		GroupID:           groupID(cfg.Kafka.GroupID, "cloakwork-controllers"),
		ClientID:          svcName,
		ServiceType:       serviceType,
	}, kafkaClient, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	publisher := kafka.NewDomainEventPublisher(eventBus)

	// Lifecycle notifications use a separate client: a sarama consumer group
	// handle supports one consume session, and this subscription must run on
	// every replica rather than follow leadership.
	lifecycleClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     "cloakwork-notifiers",
		ClientID:    fmt.Sprintf("%s-notifier", svcName),
		ServiceType: serviceType,
	})
	if err != nil {
		log.Error(ctx, "failed to create lifecycle kafka client", "error", err)
		os.Exit(1)
	}
	defer lifecycleClient.Close()

	lifecycleBus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:           cfg.Kafka.Brokers,
		IngestTaskTopic:   cfg.Kafka.IngestTaskTopic,
		ChunkTaskTopic:    cfg.Kafka.ChunkTaskTopic,
		StitchTaskTopic:   cfg.Kafka.StitchTaskTopic,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		GroupID:           "cloakwork-notifiers",
		ClientID:          fmt.Sprintf("%s-notifier", svcName),
		ServiceType:       serviceType,
	}, lifecycleClient, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect lifecycle event bus", "error", err)
		os.Exit(1)
	}

	blobStore, err := newBlobStore(ctx, cfg.Blob, log)
	if err != nil {
		log.Error(ctx, "failed to create blob store", "error", err)
		os.Exit(1)
	}

	jobStore := postgres.NewJobStore(pool, log, tracer)
	chunkStore := postgres.NewChunkStore(pool, log, tracer)

	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, log)

	ingestion := orchestration.NewIngestionCoordinator(orchestration.IngestionConfig{
		ChunkDuration: cfg.ChunkDurationSec,
		Overlap:       cfg.OverlapSec,
		WorkDir:       cfg.WorkDir,
		MaxAttempts:   cfg.TaskMaxAttempts,
	}, jobStore, chunkStore, blobStore, ffmpeg, publisher, log, tracer)

	stitching := orchestration.NewStitchCoordinator(orchestration.StitchConfig{
		WorkDir:             cfg.WorkDir,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxAttempts:         cfg.TaskMaxAttempts,
	}, jobStore, chunkStore, blobStore, ffmpeg, publisher, log, tracer)

	notifier := notification.NewWebhookNotifier(jobStore, blobStore,
		[]byte(cfg.WebhookSigningKey), log, tracer)
	if err := lifecycleBus.Subscribe(ctx, notifier.SupportedEvents(), notifier.HandleEvent); err != nil {
		log.Error(ctx, "failed to subscribe webhook notifier", "error", err)
		os.Exit(1)
	}

	controller := orchestration.NewController(
		hostname, coord, eventBus, ingestion, stitching, log, tracer)

	leaderCh, err := controller.Run(ctx)
	if err != nil {
		log.Error(ctx, "failed to start controller", "error", err)
		os.Exit(1)
	}
	go func() {
		<-leaderCh
		metricCollector.SetLeaderStatus(ctx, true)
	}()

	log.Info(ctx, "controller initialized")
	ready.Store(true)

	sig := <-sigCh
	log.Info(ctx, "received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eventBus.Close(); err != nil {
		log.Error(shutdownCtx, "failed to close event bus", "error", err)
	}
	if err := lifecycleBus.Close(); err != nil {
		log.Error(shutdownCtx, "failed to close lifecycle event bus", "error", err)
	}
}

// groupID falls back to a service-wide default when no explicit consumer group
// was configured.
func groupID(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// openPostgres builds the connection pool. An empty DSN composes one from the
// standard POSTGRES_* environment variables.
func openPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		user := envOr("POSTGRES_USER", "postgres")
		password := envOr("POSTGRES_PASSWORD", "postgres")
		host := envOr("POSTGRES_HOST", "postgres")
		dbname := envOr("POSTGRES_DB", "cloakwork")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newBlobStore selects the artifact store backend from configuration.
func newBlobStore(ctx context.Context, cfg config.Blob, log *logger.Logger) (processing.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		}, log)
	case "filesystem":
		return blob.NewFilesystemStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// TODO: consider moving this to an init container.
// runMigrations acquires a single pgx connection from the pool, applies all up
// migrations from db/migrations, and releases the connection.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := envOr("MIGRATIONS_PATH", "file:///app/db/migrations")
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}
