package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGateway_Defaults(t *testing.T) {
	cfg, err := LoadGateway("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ingest-tasks", cfg.Kafka.IngestTaskTopic)
	assert.Equal(t, "filesystem", cfg.Blob.Backend)
	assert.Equal(t, int64(8<<30), cfg.MaxUploadBytes)
}

func TestLoadGateway_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("CLOAKWORK_ADDR", ":9999")
	t.Setenv("CLOAKWORK_KAFKA_BROKERS", "kafka-0:9092,kafka-1:9092")
	t.Setenv("CLOAKWORK_BLOB_BACKEND", "s3")
	t.Setenv("CLOAKWORK_BLOB_BUCKET", "cloakwork-artifacts")

	cfg, err := LoadGateway("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "s3", cfg.Blob.Backend)
	assert.Equal(t, "cloakwork-artifacts", cfg.Blob.Bucket)
}

func TestLoadController_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres_dsn: postgres://ctl:ctl@db:5432/cloakwork
chunk_duration_sec: 45
chunk_overlap_sec: 3
kafka:
  brokers:
    - kafka-0:9092
`), 0o600))

	cfg, err := LoadController(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://ctl:ctl@db:5432/cloakwork", cfg.PostgresDSN)
	assert.Equal(t, 45.0, cfg.ChunkDurationSec)
	assert.Equal(t, 3.0, cfg.OverlapSec)
	assert.Equal(t, []string{"kafka-0:9092"}, cfg.Kafka.Brokers)
	// Unset keys keep their defaults.
	assert.Equal(t, "cloakwork-controller", cfg.LeaderLockID)
	assert.Equal(t, 5, cfg.TaskMaxAttempts)
	assert.Empty(t, cfg.WebhookSigningKey)
}

func TestLoadController_MissingFile(t *testing.T) {
	_, err := LoadController(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://wrk:wrk@db:5432/cloakwork")
	t.Setenv("KAFKA_BROKERS", "kafka-0:9092,kafka-1:9092")
	t.Setenv("CHUNK_MAX_ATTEMPTS", "5")

	cfg, err := LoadWorker(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "chunk-tasks", cfg.ChunkTaskTopic)
	assert.Equal(t, 2.0, cfg.InferenceRPS)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
}

func TestLoadWorker_RequiresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "placeholder") // register cleanup
	require.NoError(t, os.Unsetenv("POSTGRES_DSN"))

	_, err := LoadWorker(context.Background())
	assert.Error(t, err)
}
