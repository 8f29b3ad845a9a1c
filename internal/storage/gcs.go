package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dogchuchu/apiserver/config"
	"google.golang.org/api/option"
)

const gcsImageCacheControl = "public, max-age=86400"

// GCSClient stores images in a Google Cloud Storage bucket whose objects
// are publicly readable.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	projectID string
	publicURL string
}

// NewGCSClient constructs a GCS client from config.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}

	return &GCSClient{
		client:    client,
		bucket:    bucket,
		projectID: strings.TrimSpace(cfg.ProjectID),
		publicURL: gcsPublicBase(bucket, cfg.PublicURL),
	}, nil
}

func gcsPublicBase(bucket, override string) string {
	if base := strings.TrimSpace(override); base != "" {
		return strings.TrimSuffix(base, "/")
	}
	return "https://storage.googleapis.com/" + bucket
}

// EnsureBucket creates the bucket with uniform access when it is missing.
// Public read access is granted to allUsers on creation.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	handle := g.client.Bucket(g.bucket)
	if _, err := handle.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("gcs bucket attrs: %w", err)
	}

	if g.projectID == "" {
		return errors.New("gcs project id is required to create bucket")
	}
	attrs := &storage.BucketAttrs{
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	}
	if err := handle.Create(ctx, g.projectID, attrs); err != nil {
		return fmt.Errorf("gcs create bucket: %w", err)
	}

	policy, err := handle.IAM().Policy(ctx)
	if err != nil {
		return fmt.Errorf("gcs bucket policy: %w", err)
	}
	policy.Add("allUsers", "roles/storage.objectViewer")
	return handle.IAM().SetPolicy(ctx, policy)
}

// Put writes an image. The writer is sized to the payload so small images
// go up in a single request.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = gcsImageCacheControl
	if size > 0 && size < int64(writer.ChunkSize) {
		writer.ChunkSize = int(size)
	}

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	return writer.Close()
}

// Delete removes an object. A missing object counts as deleted.
func (g *GCSClient) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (g *GCSClient) PublicURL(key string) string {
	return joinURL(g.publicURL, key)
}

func (g *GCSClient) Bucket() string {
	return g.bucket
}
