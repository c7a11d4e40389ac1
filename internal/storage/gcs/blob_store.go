// Package gcs mirrors shard files into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// shardCacheControl keeps readers from serving a stale part after a rewrite.
const shardCacheControl = "no-cache"

// Config names the destination bucket.
type Config struct {
	Bucket string
}

// BlobStore implements catalog.BlobStore on one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New binds a store to cfg.Bucket. The client stays owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("gcs: storage client is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("gcs: bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// PutObject replaces the object at name with the content of r and returns
// its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("gcs: object name is required")
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = shardCacheControl
	if _, err := io.Copy(w, r); err != nil {
		// Close after a failed copy aborts the upload; its error adds nothing.
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.name + "/" + name, nil
}

// DeleteObject removes a mirrored part. A missing object is not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, name string) error {
	name = strings.TrimLeft(name, "/")
	if err := s.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
