// Package blob provides the blob storage implementations behind the engine's
// opaque-ref contract: an S3-compatible object store for production and a
// filesystem store for tests and local development.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/maskwright/cloakwork/internal/domain/processing"
	"github.com/maskwright/cloakwork/pkg/common/logger"
)

var _ processing.BlobStore = (*S3Store)(nil)

// S3Config holds the configuration for the S3-backed blob store.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for S3-compatible endpoints (MinIO, etc.)
	AccessKeyID     string // Optional: static credentials
	SecretAccessKey string
}

// S3Store implements processing.BlobStore on any S3-compatible object store.
// Refs map directly to object keys within a single bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *logger.Logger
}

// NewS3Store creates an S3-backed blob store.
func NewS3Store(ctx context.Context, cfg S3Config, log *logger.Logger) (*S3Store, error) {
	configOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  log.With("component", "s3_blob_store"),
	}, nil
}

// Get opens the object at ref for reading.
func (s *S3Store) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("blob %s: %w", ref, err)
		}
		return nil, &processing.TransientIOError{Err: fmt.Errorf("get %s: %w", ref, err)}
	}
	return out.Body, nil
}

// Put streams the reader into the object at ref.
func (s *S3Store) Put(ctx context.Context, ref string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
		Body:   r,
	})
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("put %s: %w", ref, err)}
	}
	return nil
}

// Delete removes the object at ref. Deleting a missing object is not an error.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return &processing.TransientIOError{Err: fmt.Errorf("delete %s: %w", ref, err)}
	}
	return nil
}

// DeletePrefix removes every object under the prefix, paging through listings.
// Used by right-to-erasure deletion to purge all of a job's artifacts.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &processing.TransientIOError{Err: fmt.Errorf("list %s: %w", prefix, err)}
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &processing.TransientIOError{Err: fmt.Errorf("delete prefix %s: %w", prefix, err)}
		}
		s.logger.Debug(ctx, "deleted blob batch", "prefix", prefix, "count", len(objects))
	}
	return nil
}

// PresignGet returns a time-limited download URL for the ref.
func (s *S3Store) PresignGet(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return req.URL, nil
}
