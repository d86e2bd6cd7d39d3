// Package inference talks to the detection/tracking sidecar. The sidecar is an
// opaque capability: it consumes a chunk video and returns per-frame
// observations with tracker-local identities and appearance embeddings.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var _ processing.ChunkAnalyzer = (*Client)(nil)

// Config holds the inference sidecar connection settings.
type Config struct {
	// BaseURL of the sidecar's HTTP analysis endpoint.
	BaseURL string
	// HealthAddr is the sidecar's gRPC health endpoint, empty to skip probing.
	HealthAddr string
	// RequestsPerSecond caps analysis submissions; chunk analysis is expensive
	// and the sidecar queues internally.
	RequestsPerSecond float64
	// Timeout bounds one analysis round trip, upload included.
	Timeout time.Duration
}

// Client submits chunk videos to the sidecar over HTTP and decodes the
// observation stream it returns.
type Client struct {
	httpClient *http.Client
	baseURL    string
	healthAddr string
	limiter    *rate.Limiter
	logger     *logger.Logger
}

// NewClient creates an inference client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		healthAddr: cfg.HealthAddr,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     log.With("component", "inference_client"),
	}
}

// analyzeResponse is the sidecar's wire format.
type analyzeResponse struct {
	Observations []processing.Observation `json:"observations"`
}

// Analyze uploads the chunk video and returns its observations. Transport and
// 5xx failures surface as ModelInferenceError so the attempt budget applies;
// a 4xx means the sidecar rejected the video itself and is not retryable.
func (c *Client) Analyze(ctx context.Context, videoPath string) ([]processing.Observation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var observations []processing.Observation
	operation := func() error {
		obs, err := c.analyzeOnce(ctx, videoPath)
		if err != nil {
			var corrupt *processing.CorruptInputError
			if errors.As(err, &corrupt) {
				return backoff.Permanent(err)
			}
			return err
		}
		observations = obs
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return observations, nil
}

func (c *Client) analyzeOnce(ctx context.Context, videoPath string) ([]processing.Observation, error) {
	file, err := os.Open(videoPath)
	if err != nil {
		return nil, &processing.TransientIOError{Err: fmt.Errorf("open chunk video: %w", err)}
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("video", filepath.Base(videoPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", pr)
	if err != nil {
		return nil, &processing.ModelInferenceError{Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &processing.ModelInferenceError{Err: fmt.Errorf("analyze request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &processing.CorruptInputError{
			Err: fmt.Errorf("sidecar rejected video: status %d: %s", resp.StatusCode, body),
		}
	default:
		return nil, &processing.ModelInferenceError{Err: fmt.Errorf("sidecar status %d", resp.StatusCode)}
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &processing.ModelInferenceError{Err: fmt.Errorf("decode observations: %w", err)}
	}
	return decoded.Observations, nil
}

// WaitHealthy blocks until the sidecar's gRPC health endpoint reports SERVING
// or the context expires. Workers call this on startup so the first claimed
// chunk does not burn an attempt against a sidecar that is still loading models.
func (c *Client) WaitHealthy(ctx context.Context) error {
	if c.healthAddr == "" {
		return nil
	}

	conn, err := grpc.NewClient(
		c.healthAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial health endpoint: %w", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	probe := func() error {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("sidecar not serving: %s", resp.GetStatus())
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = time.Second

	if err := backoff.Retry(probe, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("sidecar never became healthy: %w", err)
	}
	c.logger.Info(ctx, "inference sidecar healthy", "addr", c.healthAddr)
	return nil
}
