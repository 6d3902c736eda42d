package etl

import (
	"context"
	"fmt"
	"time"
)

// recentWindow is how far back Stats looks for uploaded artifacts.
const recentWindow = 7 * 24 * time.Hour

// Summary is the operator view printed by the stats command.
type Summary struct {
	HasWatermark  bool
	Watermark     int64
	WatermarkTime time.Time
	LastUpdated   time.Time

	RecentArtifacts int
	RecentBytes     int64

	BatchSize           int
	FetchInterval       time.Duration
	StoragePrefix       string
	EntityStoragePrefix string
	EntityProcessing    bool
	LedgerSize          int
}

// Stats reports the watermark, artifacts written over the last 7 days and
// the pipeline settings.
func (p *Pipeline) Stats(ctx context.Context) (*Summary, error) {
	s := &Summary{
		BatchSize:           p.opts.BatchSize,
		FetchInterval:       p.opts.FetchInterval,
		StoragePrefix:       p.opts.StoragePrefix,
		EntityStoragePrefix: p.opts.EntityStoragePrefix,
		EntityProcessing:    p.opts.EnableEntityProcessing,
	}

	wm, ok, err := p.state.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}
	if ok {
		s.HasWatermark = true
		s.Watermark = wm.LastProcessedTimestamp
		s.WatermarkTime = wm.Time()
		s.LastUpdated = wm.LastUpdated
	}

	objects, err := p.store.List(ctx, p.opts.StoragePrefix+"/", p.now().Add(-recentWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent artifacts: %w", err)
	}
	for _, o := range objects {
		s.RecentArtifacts++
		s.RecentBytes += o.Size
	}

	if p.entities != nil {
		s.LedgerSize = p.entities.Ledger().Len()
	}
	return s, nil
}
