// Package storage provides object-store mirrors for uploaded files.
package storage

import (
	"context"
	"fmt"

	"github.com/hearth/backend/internal/config"
	"github.com/hearth/backend/internal/files"
)

// NewMirror builds the mirror selected by cfg.Driver. It returns nil when
// mirroring is disabled.
func NewMirror(ctx context.Context, cfg config.MirrorConfig) (files.Mirror, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "s3":
		m, err := NewS3Mirror(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "minio":
		m, err := NewMinioMirror(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mirror driver %q", cfg.Driver)
	}
}

var (
	_ files.Mirror = (*S3Mirror)(nil)
	_ files.Mirror = (*MinioMirror)(nil)
)
