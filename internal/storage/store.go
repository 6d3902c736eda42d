// Package storage writes upload artifacts to an object store. S3, GCS and the
// local filesystem share the ObjectStore interface.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/internal/config"
)

// ObjectInfo describes a stored artifact.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// PutOptions carries the per-object attributes written alongside the data.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the minimal surface the uploader and the stats command need.
type ObjectStore interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	// List returns objects under prefix modified at or after since.
	List(ctx context.Context, prefix string, since time.Time) ([]ObjectInfo, error)
	// Ping verifies the bucket is reachable with the current credentials.
	Ping(ctx context.Context) error
	Close() error
}

// New creates the store selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch cfg.StorageBackend {
	case "fs":
		return NewFSStore(cfg.LocalStoragePath)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket)
	case "s3":
		return NewS3Store(ctx, cfg.S3Bucket, cfg.AWSRegion, cfg.S3Endpoint)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
