package etl

import (
	"context"
	"time"

	"github.com/BartekS5/tracksync/internal/enrich"
	"github.com/BartekS5/tracksync/internal/storage"
	"github.com/BartekS5/tracksync/pkg/models"
)

// Source pages through events strictly after a cursor, oldest first.
type Source interface {
	Authenticate(ctx context.Context) error
	FetchPage(ctx context.Context, afterMs int64, limit int) (models.Page, error)
}

// WatermarkStore persists the ingestion cursor.
type WatermarkStore interface {
	Read(ctx context.Context) (models.Watermark, bool, error)
	Write(ctx context.Context, wm models.Watermark) error
}

// ArtifactStore is the part of the object store the pipeline checks and lists.
type ArtifactStore interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, prefix string, since time.Time) ([]storage.ObjectInfo, error)
}

// BatchUploader writes one batch as one artifact.
type BatchUploader interface {
	Upload(ctx context.Context, entityType string, rows []any) (string, error)
}

// EntityProcessor enriches the entities referenced by committed records.
type EntityProcessor interface {
	ProcessRecords(ctx context.Context, records []models.Record) enrich.Report
	Ledger() *enrich.Ledger
}
