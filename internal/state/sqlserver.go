package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/pkg/models"
)

const sqlStateTable = "pipeline_state"

// SQLWatermarkStore keeps the watermark in a one-row SQL Server table.
type SQLWatermarkStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLWatermarkStore(db *sql.DB) *SQLWatermarkStore {
	return &SQLWatermarkStore{db: db, now: time.Now}
}

// EnsureSchema creates the state table when it does not exist yet.
func (s *SQLWatermarkStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
CREATE TABLE %[1]s (
	name NVARCHAR(64) NOT NULL PRIMARY KEY,
	last_processed_timestamp BIGINT NOT NULL,
	last_updated DATETIME2 NOT NULL
)`, sqlStateTable)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", sqlStateTable, err)
	}
	return nil
}

func (s *SQLWatermarkStore) Read(ctx context.Context) (models.Watermark, bool, error) {
	query := fmt.Sprintf("SELECT last_processed_timestamp, last_updated FROM %s WHERE name = @p1", sqlStateTable)
	var wm models.Watermark
	err := s.db.QueryRowContext(ctx, query, "watermark").Scan(&wm.LastProcessedTimestamp, &wm.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Watermark{}, false, nil
	}
	if err != nil {
		return models.Watermark{}, false, fmt.Errorf("failed to read watermark row: %w", err)
	}
	return wm, wm.LastProcessedTimestamp > 0, nil
}

func (s *SQLWatermarkStore) Write(ctx context.Context, wm models.Watermark) error {
	if wm.LastUpdated.IsZero() {
		wm.LastUpdated = s.now().UTC()
	}
	query := fmt.Sprintf(`MERGE %s AS target
USING (SELECT @p1 AS name) AS source
ON target.name = source.name
WHEN MATCHED THEN UPDATE SET last_processed_timestamp = @p2, last_updated = @p3
WHEN NOT MATCHED THEN INSERT (name, last_processed_timestamp, last_updated) VALUES (@p1, @p2, @p3);`, sqlStateTable)
	if _, err := s.db.ExecContext(ctx, query, "watermark", wm.LastProcessedTimestamp, wm.LastUpdated); err != nil {
		return fmt.Errorf("failed to write watermark row: %w", err)
	}
	return nil
}
