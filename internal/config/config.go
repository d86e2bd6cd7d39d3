// Package config provides configuration loading for the engine's binaries.
// Long-lived services (controller, gateway) load a layered configuration: an
// optional YAML file overlaid by environment variables. The worker, which runs
// as a horizontally scaled pod with no config volume, reads the environment
// directly.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Kafka holds the event bus connection settings shared by every service.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`

	IngestTaskTopic   string `mapstructure:"ingest_task_topic"`
	ChunkTaskTopic    string `mapstructure:"chunk_task_topic"`
	StitchTaskTopic   string `mapstructure:"stitch_task_topic"`
	JobLifecycleTopic string `mapstructure:"job_lifecycle_topic"`

	GroupID string `mapstructure:"group_id"`
}

// Blob selects and configures the artifact store. Backend is "s3" or
// "filesystem"; filesystem is for single-node and test deployments only.
type Blob struct {
	Backend string `mapstructure:"backend"`

	// Dir roots the filesystem backend.
	Dir string `mapstructure:"dir"`

	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Controller configures the orchestration binary.
type Controller struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`

	Kafka Kafka `mapstructure:"kafka"`
	Blob  Blob  `mapstructure:"blob"`

	// ChunkDurationSec is the nominal chunk length; OverlapSec the seam window
	// carried into adjacent chunks.
	ChunkDurationSec float64 `mapstructure:"chunk_duration_sec"`
	OverlapSec       float64 `mapstructure:"chunk_overlap_sec"`

	// SimilarityThreshold overrides the cross-seam identity match threshold.
	// Zero keeps the default.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`

	// TaskMaxAttempts bounds re-enqueues of transiently failing ingest and
	// stitch tasks before the job fails.
	TaskMaxAttempts int `mapstructure:"task_max_attempts"`

	// WebhookSigningKey, when set, makes lifecycle webhook deliveries carry an
	// HMAC-SHA256 signature header over the body.
	WebhookSigningKey string `mapstructure:"webhook_signing_key"`

	WorkDir string `mapstructure:"work_dir"`

	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`

	// LeaderLockID names the Kubernetes lease used for leader election.
	LeaderLockID string `mapstructure:"leader_lock_id"`
}

// Gateway configures the public API binary.
type Gateway struct {
	Addr      string `mapstructure:"addr"`
	DebugAddr string `mapstructure:"debug_addr"`

	PostgresDSN string `mapstructure:"postgres_dsn"`

	Kafka Kafka `mapstructure:"kafka"`
	Blob  Blob  `mapstructure:"blob"`

	// MaxUploadBytes caps multipart video uploads.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// ProfilesPath optionally points at a YAML file of extra compliance
	// profiles loaded over the built-ins.
	ProfilesPath string `mapstructure:"profiles_path"`
}

// LoadController reads controller configuration from the optional file at path
// and the CLOAKWORK_-prefixed environment.
func LoadController(path string) (*Controller, error) {
	v := newViper(path)

	v.SetDefault("postgres_dsn", "")
	v.SetDefault("chunk_duration_sec", 60.0)
	v.SetDefault("chunk_overlap_sec", 5.0)
	v.SetDefault("similarity_threshold", 0.0)
	v.SetDefault("task_max_attempts", 5)
	v.SetDefault("webhook_signing_key", "")
	v.SetDefault("work_dir", "/tmp/cloakwork")
	v.SetDefault("ffmpeg_path", "")
	v.SetDefault("ffprobe_path", "")
	v.SetDefault("leader_lock_id", "cloakwork-controller")
	setKafkaDefaults(v)
	setBlobDefaults(v)

	if err := readIn(v, path); err != nil {
		return nil, err
	}

	var cfg Controller
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadGateway reads gateway configuration from the optional file at path and
// the CLOAKWORK_-prefixed environment.
func LoadGateway(path string) (*Gateway, error) {
	v := newViper(path)

	v.SetDefault("addr", ":8080")
	v.SetDefault("debug_addr", ":6060")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("max_upload_bytes", int64(8<<30))
	v.SetDefault("profiles_path", "")
	setKafkaDefaults(v)
	setBlobDefaults(v)

	if err := readIn(v, path); err != nil {
		return nil, err
	}

	var cfg Gateway
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CLOAKWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func readIn(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	return v.ReadInConfig()
}

func setKafkaDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.ingest_task_topic", "ingest-tasks")
	v.SetDefault("kafka.chunk_task_topic", "chunk-tasks")
	v.SetDefault("kafka.stitch_task_topic", "stitch-tasks")
	v.SetDefault("kafka.job_lifecycle_topic", "job-lifecycle")
	v.SetDefault("kafka.group_id", "")
}

func setBlobDefaults(v *viper.Viper) {
	v.SetDefault("blob.backend", "filesystem")
	v.SetDefault("blob.dir", "/var/lib/cloakwork/blobs")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.access_key_id", "")
	v.SetDefault("blob.secret_access_key", "")
}
