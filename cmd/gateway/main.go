package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	otelapi "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/maskwright/cloakwork/internal/api"
	"github.com/maskwright/cloakwork/internal/api/debug"
	"github.com/maskwright/cloakwork/internal/app/metrics"
	"github.com/maskwright/cloakwork/internal/app/orchestration"
	"github.com/maskwright/cloakwork/internal/config"
	"github.com/maskwright/cloakwork/internal/domain/policy"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/internal/infra/blob"
	"github.com/maskwright/cloakwork/internal/infra/eventbus/kafka"
	"github.com/maskwright/cloakwork/internal/infra/storage/processing/postgres"
	"github.com/maskwright/cloakwork/pkg/common"
	"github.com/maskwright/cloakwork/pkg/common/logger"
	"github.com/maskwright/cloakwork/pkg/common/otel"
)

const serviceType = "gateway"

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

	svcName := fmt.Sprintf("GATEWAY-%s", hostname)
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
			"/debug":        {},
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

	cfg, err := config.LoadGateway(os.Getenv("CLOAKWORK_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	metricCollector, err := metrics.New(serviceType, otelapi.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     fmt.Sprintf("cloakwork-gateway-%s", hostname),
		ClientID:    svcName,
		ServiceType: serviceType,
	})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	// The gateway only publishes (ingest tasks and cancellation events); it
	// never subscribes.
	eventBus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:           cfg.Kafka.Brokers,
		IngestTaskTopic:   cfg.Kafka.IngestTaskTopic,
		ChunkTaskTopic:    cfg.Kafka.ChunkTaskTopic,
		StitchTaskTopic:   cfg.Kafka.StitchTaskTopic,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		GroupID:           fmt.Sprintf("cloakwork-gateway-%s", hostname),
		ClientID:          svcName,
		ServiceType:       serviceType,
	}, kafkaClient, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	publisher := kafka.NewDomainEventPublisher(eventBus)

	blobStore, err := newBlobStore(ctx, cfg.Blob, log)
	if err != nil {
		log.Error(ctx, "failed to create blob store", "error", err)
		os.Exit(1)
	}

	profiles := policy.NewRegistry()
	if cfg.ProfilesPath != "" {
		if err := profiles.LoadProfiles(cfg.ProfilesPath); err != nil {
			log.Error(ctx, "failed to load compliance profiles", "error", err)
			os.Exit(1)
		}
	}

	jobStore := postgres.NewJobStore(pool, log, tracer)
	jobs := orchestration.NewJobService(jobStore, blobStore, publisher, profiles, log, tracer)

	server := api.NewServer(api.Config{
		Addr:           cfg.Addr,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, jobs, log, tracer)

	log.Info(ctx, "gateway initialized")
	ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "debug router started", "addr", cfg.DebugAddr)
		return http.ListenAndServe(cfg.DebugAddr, debug.Mux())
	})

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Info(gctx, "received shutdown signal", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error(ctx, "gateway terminated", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eventBus.Close(); err != nil {
		log.Error(shutdownCtx, "failed to close event bus", "error", err)
	}
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
