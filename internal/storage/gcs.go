package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/pkg/logger"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore for Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore uses application default credentials unless opts override them.
func NewGCSStore(ctx context.Context, bucketName string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.Info("GCS store initialized for bucket: %s", bucketName)

	return &GCSStore{
		client: client,
		bucket: bucketName,
	}, nil
}

func (c *GCSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	w := c.client.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata
	w.CacheControl = "no-cache, max-age=0"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return classifyGCSError(fmt.Errorf("failed to write to GCS object %s: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return classifyGCSError(fmt.Errorf("failed to close GCS writer for %s: %w", key, err))
	}
	return nil
}

func (c *GCSStore) List(ctx context.Context, prefix string, since time.Time) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := c.client.Bucket(c.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCSError(fmt.Errorf("failed to list gs://%s/%s: %w", c.bucket, prefix, err))
		}
		if attrs.Updated.Before(since) {
			continue
		}
		out = append(out, ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	return out, nil
}

func (c *GCSStore) Ping(ctx context.Context) error {
	if _, err := c.client.Bucket(c.bucket).Attrs(ctx); err != nil {
		return classifyGCSError(fmt.Errorf("failed to access bucket %s: %w", c.bucket, err))
	}
	return nil
}

func (c *GCSStore) Close() error {
	return c.client.Close()
}

func classifyGCSError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.Wrap(apperrors.ErrAuth, err)
		}
	}
	return err
}
