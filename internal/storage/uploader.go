package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/retry"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/utils"
	"github.com/klauspost/compress/gzip"
)

const (
	artifactFormat      = "jsonl"
	artifactContentType = "application/gzip"
)

// Uploader encodes a batch as gzip-compressed JSON lines and writes it under a
// date partitioned key. One Upload call produces at most one artifact.
type Uploader struct {
	store  ObjectStore
	prefix string
	layout string
	source string
	policy retry.Policy
	now    func() time.Time

	mu     sync.Mutex
	second string
	used   map[string]int
}

// NewUploader builds an uploader writing below prefix. partitionFormat may be
// a strftime pattern (%Y/%m/%d) or a Go time layout. source is recorded in
// every artifact's metadata.
func NewUploader(store ObjectStore, prefix, partitionFormat, source string, policy retry.Policy) (*Uploader, error) {
	layout, err := utils.PartitionLayout(partitionFormat)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, err)
	}
	return &Uploader{
		store:  store,
		prefix: prefix,
		layout: layout,
		source: source,
		policy: policy,
		now:    time.Now,
	}, nil
}

// Rows adapts a typed slice for Upload.
func Rows[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

// Upload writes rows and returns the artifact key. Empty input returns ""
// without touching storage. The key is fixed before the first attempt so a
// retried write lands on the same object.
func (u *Uploader) Upload(ctx context.Context, entityType string, rows []any) (string, error) {
	if len(rows) == 0 {
		logger.Warn("No %s rows to upload", entityType)
		return "", nil
	}

	ts := u.now().UTC()
	key := u.key(ts, entityType, len(rows))

	data, err := encodeJSONL(rows)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s batch: %w", entityType, err)
	}

	opts := PutOptions{
		ContentType: artifactContentType,
		Metadata: map[string]string{
			"source":              u.source,
			"count":               strconv.Itoa(len(rows)),
			"format":              artifactFormat,
			"ingestion_timestamp": ts.Format(time.RFC3339),
		},
	}

	err = retry.Do(ctx, u.policy, "upload "+key, func(ctx context.Context) error {
		return u.store.Put(ctx, key, data, opts)
	})
	if err != nil {
		logger.Get().Error().
			Str("key", key).
			Int("count", len(rows)).
			Err(err).
			Msg("failed to upload batch")
		return "", apperrors.Wrap(apperrors.ErrUpload, err)
	}

	logger.Get().Info().
		Str("key", key).
		Int("count", len(rows)).
		Int("compressed_size", len(data)).
		Msg("uploaded batch")
	return key, nil
}

// key builds {prefix}/{partition}/{type}_{YYYYMMDD_HHMMSS}_batch_{count}.json.gz.
// Every repeat of a name within the same second gets an increasing sequence
// suffix so distinct batches never share a key.
func (u *Uploader) key(ts time.Time, entityType string, count int) string {
	stamp := ts.Format("20060102_150405")
	base := fmt.Sprintf("%s_%s_batch_%d", entityType, stamp, count)
	partition := ts.Format(u.layout)

	u.mu.Lock()
	defer u.mu.Unlock()
	if stamp != u.second || u.used == nil {
		u.second = stamp
		u.used = make(map[string]int)
	}
	name := base
	if n := u.used[base]; n > 0 {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	u.used[base]++

	key := partition + "/" + name + ".json.gz"
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key
}

func encodeJSONL(rows []any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
