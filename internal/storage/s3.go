package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hearth/backend/internal/config"
)

// S3Mirror copies stored files into an S3-compatible bucket.
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Mirror configures a client targeting cfg.Bucket. Static credentials
// are used when both keys are set; otherwise the default AWS chain applies.
func NewS3Mirror(ctx context.Context, cfg config.MirrorConfig) (*S3Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 mirror: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	return &S3Mirror{client: client, uploader: uploader, bucket: cfg.Bucket}, nil
}

// Put uploads r under key.
func (s *S3Mirror) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return errors.New("s3 mirror: empty key")
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3 mirror upload %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing objects are not an error.
func (s *S3Mirror) Delete(ctx context.Context, key string) error {
	key = strings.TrimLeft(key, "/")
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 mirror delete %s: %w", key, err)
	}
	return nil
}
