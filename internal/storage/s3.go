package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements ObjectStore for Amazon S3 and S3-compatible endpoints.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store loads AWS credentials from the default chain (environment,
// shared config, instance role). Retries are handled by the caller, so the
// SDK is limited to a single attempt.
func NewS3Store(ctx context.Context, bucket, region, endpoint string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 3
	})

	logger.Info("S3 store initialized for bucket: %s in region: %s", bucket, region)

	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
	}, nil
}

func (c *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(opts.ContentType),
		Metadata:     opts.Metadata,
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("failed to upload to s3://%s/%s: %w", c.bucket, key, err))
	}
	return nil
}

func (c *S3Store) List(ctx context.Context, prefix string, since time.Time) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(fmt.Errorf("failed to list s3://%s/%s: %w", c.bucket, prefix, err))
		}
		for _, obj := range page.Contents {
			modified := aws.ToTime(obj.LastModified)
			if modified.Before(since) {
				continue
			}
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: modified,
			})
		}
	}
	return out, nil
}

func (c *S3Store) Ping(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("failed to access bucket %s: %w", c.bucket, err))
	}
	return nil
}

func (c *S3Store) Close() error {
	return nil
}

// classifyS3Error marks credential rejections as ErrAuth so they are not retried.
func classifyS3Error(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.Wrap(apperrors.ErrAuth, err)
		}
	}
	return err
}
