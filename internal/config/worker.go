package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Worker configures the chunk processing binary. Workers are stateless and
// horizontally scaled, so everything comes from the environment.
type Worker struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS, default=localhost:9092"`

	IngestTaskTopic   string `env:"INGEST_TASK_TOPIC, default=ingest-tasks"`
	ChunkTaskTopic    string `env:"CHUNK_TASK_TOPIC, default=chunk-tasks"`
	StitchTaskTopic   string `env:"STITCH_TASK_TOPIC, default=stitch-tasks"`
	JobLifecycleTopic string `env:"JOB_LIFECYCLE_TOPIC, default=job-lifecycle"`

	PostgresDSN string `env:"POSTGRES_DSN, required"`

	// Blob store selection, mirroring the controller's settings.
	BlobBackend         string `env:"BLOB_BACKEND, default=filesystem"`
	BlobDir             string `env:"BLOB_DIR, default=/var/lib/cloakwork/blobs"`
	BlobBucket          string `env:"BLOB_BUCKET"`
	BlobRegion          string `env:"BLOB_REGION"`
	BlobEndpoint        string `env:"BLOB_ENDPOINT"`
	BlobAccessKeyID     string `env:"BLOB_ACCESS_KEY_ID"`
	BlobSecretAccessKey string `env:"BLOB_SECRET_ACCESS_KEY"`

	// Inference sidecar connection.
	InferenceURL        string  `env:"INFERENCE_URL, default=http://localhost:9090"`
	InferenceHealthAddr string  `env:"INFERENCE_HEALTH_ADDR"`
	InferenceRPS        float64 `env:"INFERENCE_RPS, default=2"`

	// MaxAttempts is the per-chunk attempt budget before the chunk fails with
	// an exhausted retry budget.
	MaxAttempts int `env:"CHUNK_MAX_ATTEMPTS, default=3"`

	// RetryBackoff is the pause before a failed attempt's task is re-enqueued.
	RetryBackoff time.Duration `env:"CHUNK_RETRY_BACKOFF, default=2s"`

	WorkDir string `env:"WORK_DIR, default=/tmp/cloakwork"`

	FFmpegPath  string `env:"FFMPEG_PATH"`
	FFprobePath string `env:"FFPROBE_PATH"`
}

// LoadWorker reads worker configuration from the environment.
func LoadWorker(ctx context.Context) (*Worker, error) {
	var cfg Worker
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
