package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrEmptyObject is returned when an upload carries no bytes.
	ErrEmptyObject = errors.New("empty object")
	// ErrForeignURL is returned by Remove for links the backend did not issue.
	ErrForeignURL = errors.New("url does not belong to this bucket")
)

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
	Bucket() string
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend ObjectStorage
	newKey  func() string
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend, newKey: uuid.NewString}
}

// Upload stores data under prefix with a generated key and returns the
// object's public URL.
func (s *Storage) Upload(ctx context.Context, prefix string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyObject
	}

	contentType := http.DetectContentType(data)
	key := path.Join(strings.Trim(prefix, "/"), s.newKey()+extensionFor(contentType))

	if err := s.backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.backend.PublicURL(key), nil
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Remove deletes the object behind a URL previously returned by Upload.
// Removing an object that no longer exists is not an error.
func (s *Storage) Remove(ctx context.Context, publicURL string) error {
	key, err := s.keyFromURL(publicURL)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Storage) keyFromURL(publicURL string) (string, error) {
	base := s.backend.PublicURL("")
	key, ok := strings.CutPrefix(publicURL, base)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, publicURL)
	}
	return key, nil
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

func extensionFor(contentType string) string {
	switch strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ""
	}
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}
