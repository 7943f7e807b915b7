package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearth/backend/internal/config"
)

var tracer = otel.Tracer("github.com/hearth/backend/internal/storage")

// MinioMirror copies stored files into a MinIO bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
}

// NewMinioMirror connects to cfg.Endpoint and creates the bucket when absent.
func NewMinioMirror(ctx context.Context, cfg config.MirrorConfig) (*MinioMirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio mirror: bucket is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("minio mirror: endpoint is required")
	}

	client, err := minio.New(endpointHost(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check minio bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create minio bucket: %w", err)
		}
	}

	return &MinioMirror{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads r under key.
func (m *MinioMirror) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	ctx, span := tracer.Start(ctx, "minio.put", trace.WithAttributes(
		attribute.String("object_key", key),
		attribute.Int64("size_bytes", size),
	))
	defer span.End()

	_, err := m.client.PutObject(ctx, m.bucket, strings.TrimLeft(key, "/"), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("minio mirror upload %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (m *MinioMirror) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete", trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	if err := m.client.RemoveObject(ctx, m.bucket, strings.TrimLeft(key, "/"), minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("minio mirror delete %s: %w", key, err)
	}
	return nil
}

// endpointHost strips a scheme, since minio.New expects host[:port].
func endpointHost(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}
