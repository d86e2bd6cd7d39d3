// Package notification delivers terminal job lifecycle notifications to the
// webhook a job was submitted with. Notification is best effort: it never gates
// job progress, and a permanently unreachable endpoint only logs.
package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maskwright/cloakwork/internal/domain/events"
	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

// presignExpiry is how long the download URL in a completion notification stays
// valid.
const presignExpiry = 24 * time.Hour

// signatureHeader carries the hex HMAC-SHA256 of the request body, so receivers
// can authenticate deliveries.
const signatureHeader = "X-Cloakwork-Signature"

// WebhookNotifier consumes job lifecycle events and POSTs a JSON notification
// to the job's webhook URL, when one was provided.
type WebhookNotifier struct {
	jobStore   processing.JobStore
	blobStore  processing.BlobStore
	httpClient *http.Client
	signingKey []byte

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWebhookNotifier creates a webhook notifier. With a non-empty signingKey
// every delivery carries an HMAC-SHA256 signature header over the body; an
// empty key sends unsigned deliveries.
func NewWebhookNotifier(
	jobStore processing.JobStore,
	blobStore processing.BlobStore,
	signingKey []byte,
	logger *logger.Logger,
	tracer trace.Tracer,
) *WebhookNotifier {
	return &WebhookNotifier{
		jobStore:   jobStore,
		blobStore:  blobStore,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signingKey: signingKey,
		logger:     logger.With("component", "webhook_notifier"),
		tracer:     tracer,
	}
}

// SupportedEvents lists the lifecycle events the notifier consumes.
func (n *WebhookNotifier) SupportedEvents() []events.EventType {
	return []events.EventType{
		processing.EventTypeJobCompleted,
		processing.EventTypeJobFailed,
		processing.EventTypeJobCancelled,
	}
}

// payload is the JSON body POSTed to the webhook.
type payload struct {
	JobID       uuid.UUID           `json:"job_id"`
	Status      string              `json:"status"`
	DownloadURL string              `json:"download_url,omitempty"`
	Failure     *processing.Failure `json:"failure,omitempty"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// HandleEvent delivers one lifecycle notification. Delivery failures are
// retried with backoff inside the handler; the event is acked regardless so a
// dead endpoint cannot wedge the lifecycle topic.
func (n *WebhookNotifier) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := n.tracer.Start(ctx, "webhook_notifier.handle_event",
		trace.WithAttributes(attribute.String("event_type", string(evt.Type))),
	)
	defer span.End()
	defer ack(nil)

	body, url, jobID, err := n.buildPayload(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "building notification failed")
		n.logger.Error(ctx, "failed to build webhook payload", "error", err)
		return nil
	}
	if body == nil {
		// Job has no webhook URL (or was erased); nothing to deliver.
		return nil
	}

	if err := n.post(ctx, url, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook delivery failed")
		n.logger.Error(ctx, "webhook delivery failed", "job_id", jobID, "error", err)
		return nil
	}

	n.logger.Info(ctx, "webhook delivered", "job_id", jobID, "status", evt.Type)
	return nil
}

// buildPayload maps the event to the notification body and the destination
// URL. A nil body with nil error means there is nothing to send.
func (n *WebhookNotifier) buildPayload(ctx context.Context, evt events.EventEnvelope) ([]byte, string, uuid.UUID, error) {
	var body payload

	switch e := evt.Payload.(type) {
	case processing.JobCompletedEvent:
		body = payload{JobID: e.JobID, Status: string(processing.JobStatusCompleted), OccurredAt: evt.Timestamp}
		url, err := n.blobStore.PresignGet(ctx, e.OutputRef, presignExpiry)
		if err != nil {
			n.logger.Warn(ctx, "failed to presign output for notification", "job_id", e.JobID, "error", err)
		} else {
			body.DownloadURL = url
		}
	case processing.JobFailedEvent:
		cause := e.Cause
		body = payload{JobID: e.JobID, Status: string(processing.JobStatusFailed), Failure: &cause, OccurredAt: evt.Timestamp}
	case processing.JobCancelledEvent:
		body = payload{JobID: e.JobID, Status: string(processing.JobStatusCancelled), OccurredAt: evt.Timestamp}
	default:
		return nil, "", uuid.Nil, fmt.Errorf("unexpected payload type %T", evt.Payload)
	}

	job, err := n.jobStore.GetJob(ctx, body.JobID)
	if err != nil {
		if errors.Is(err, processing.ErrJobNotFound) {
			// Erased before the lifecycle event drained; nothing to notify.
			return nil, "", body.JobID, nil
		}
		return nil, "", body.JobID, fmt.Errorf("loading job for notification: %w", err)
	}
	if job.WebhookURL() == "" {
		return nil, "", body.JobID, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", body.JobID, fmt.Errorf("marshal notification: %w", err)
	}
	return data, job.WebhookURL(), body.JobID, nil
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if len(n.signingKey) > 0 {
			req.Header.Set(signatureHeader, sign(n.signingKey, body))
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// The endpoint rejected the payload; retrying the same body is futile.
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}

func sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
