package storage

import (
	"context"
	"fmt"

	"github.com/dogchuchu/apiserver/config"
)

// NewBackend builds the object storage backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Backend {
	case config.StorageBackendMinio:
		return NewMinioClient(cfg.Minio)
	case config.StorageBackendGCS:
		return NewGCSClient(ctx, cfg.GCS)
	case config.StorageBackendS3:
		return NewS3Client(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
