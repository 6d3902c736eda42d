package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/config"
	"github.com/BartekS5/tracksync/internal/scheduler"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/models"
)

// entityChunkFactor sizes backfill-entities chunks relative to batch_size.
const entityChunkFactor = 5

// Options are the pipeline knobs taken from configuration.
type Options struct {
	BatchSize              int
	PageSize               int
	MaxRuntime             time.Duration
	Lookback               time.Duration
	MaxHistoryDays         int
	FetchInterval          time.Duration
	StoragePrefix          string
	EntityStoragePrefix    string
	EnableEntityProcessing bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:              cfg.BatchSize,
		PageSize:               cfg.PageSize,
		MaxRuntime:             cfg.MaxRuntime,
		Lookback:               cfg.Lookback,
		MaxHistoryDays:         cfg.MaxHistoryDays,
		FetchInterval:          cfg.FetchInterval,
		StoragePrefix:          cfg.StoragePrefix,
		EntityStoragePrefix:    cfg.EntityStoragePrefix,
		EnableEntityProcessing: cfg.EnableEntityProcessing,
	}
}

// Pipeline moves events from the source to object storage and advances the
// watermark only after a batch's upload succeeded.
type Pipeline struct {
	source      Source
	state       WatermarkStore
	store       ArtifactStore
	uploader    BatchUploader
	entities    EntityProcessor
	validator   *Validator
	transformer *Transformer
	opts        Options
	now         func() time.Time
}

func NewPipeline(src Source, state WatermarkStore, store ArtifactStore, uploader BatchUploader, opts Options) *Pipeline {
	if opts.PageSize <= 0 || opts.PageSize > config.MaxPageSize {
		opts.PageSize = config.MaxPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Pipeline{
		source:      src,
		state:       state,
		store:       store,
		uploader:    uploader,
		validator:   NewValidator(),
		transformer: NewTransformer(),
		opts:        opts,
		now:         time.Now,
	}
}

// WithEntityProcessing attaches the enrichment workflow. It runs after every
// committed batch when Options.EnableEntityProcessing is set, and always for
// BackfillEntities.
func (p *Pipeline) WithEntityProcessing(e EntityProcessor) *Pipeline {
	p.entities = e
	return p
}

// RunOnce ingests everything after the persisted watermark. A nil error
// means every attempted upload succeeded and the source was drained.
func (p *Pipeline) RunOnce(ctx context.Context) (*RunStats, error) {
	r := newRun("run-once", p.now())
	if err := p.preflight(ctx, r); err != nil {
		return r.finish(p.now(), err)
	}

	wm, ok, err := p.state.Read(ctx)
	if err != nil {
		return r.finish(p.now(), fmt.Errorf("failed to read watermark: %w", err))
	}
	start := wm.LastProcessedTimestamp
	r.stats.Watermark = start
	if !ok {
		start = p.now().Add(-p.opts.Lookback).UnixMilli()
		logger.Info("No watermark found, starting %s back at %d", p.opts.Lookback, start)
	}

	return r.finish(p.now(), p.ingest(ctx, r, start))
}

// Backfill re-ingests the last days of history. The persisted watermark
// never moves backwards.
func (p *Pipeline) Backfill(ctx context.Context, days int) (*RunStats, error) {
	r := newRun("backfill", p.now())
	days, err := p.historyDays(days)
	if err != nil {
		return r.finish(p.now(), err)
	}
	if err := p.preflight(ctx, r); err != nil {
		return r.finish(p.now(), err)
	}

	start := p.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	logger.Info("Backfilling %d days starting at %d", days, start)
	return r.finish(p.now(), p.ingest(ctx, r, start))
}

// BackfillEntities feeds the last days of history to the enrichment
// workflow in chunks of 5*batch_size records. The watermark is not touched.
func (p *Pipeline) BackfillEntities(ctx context.Context, days int) (*RunStats, error) {
	r := newRun("backfill-entities", p.now())
	if p.entities == nil {
		return r.finish(p.now(), apperrors.Newf(apperrors.ErrConfig, "entity processing is not configured"))
	}
	days, err := p.historyDays(days)
	if err != nil {
		return r.finish(p.now(), err)
	}
	if err := p.preflight(ctx, r); err != nil {
		return r.finish(p.now(), err)
	}

	chunkSize := entityChunkFactor * p.opts.BatchSize
	var chunk []models.Record
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		report := p.entities.ProcessRecords(ctx, chunk)
		r.stats.EntitiesProcessed += report.Processed
		r.stats.EntityFailures += report.FailedBatches
		chunk = nil
	}

	cursor := p.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	r.stats.StartCursor = cursor
	err = p.fetchAll(ctx, r, cursor, func(rec models.Record) error {
		chunk = append(chunk, rec)
		if len(chunk) >= chunkSize {
			flush()
		}
		return nil
	})
	flush()
	return r.finish(p.now(), err)
}

// RunContinuous runs once immediately and then every interval until ctx is
// done. Failed cycles are logged and do not stop the loop.
func (p *Pipeline) RunContinuous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = p.opts.FetchInterval
	}
	logger.Info("Starting continuous pipeline with interval %s", interval)
	s := scheduler.New(interval, func(ctx context.Context) {
		// Errors are already logged by finish.
		_, _ = p.RunOnce(ctx)
	})
	return s.Run(ctx)
}

// TestConnectivity checks the source credentials and the object store.
func (p *Pipeline) TestConnectivity(ctx context.Context) error {
	r := newRun("test-connectivity", p.now())
	_, err := r.finish(p.now(), p.preflight(ctx, r))
	return err
}

func (p *Pipeline) historyDays(days int) (int, error) {
	if days <= 0 {
		return 0, apperrors.Newf(apperrors.ErrConfig, "days must be positive, got %d", days)
	}
	if p.opts.MaxHistoryDays > 0 && days > p.opts.MaxHistoryDays {
		logger.Warn("Source keeps at most %d days of history, capping backfill from %d days", p.opts.MaxHistoryDays, days)
		days = p.opts.MaxHistoryDays
	}
	return days, nil
}

// preflight runs the precondition checks. Nothing is written on failure.
func (p *Pipeline) preflight(ctx context.Context, r *run) error {
	r.transition(StateAuthenticating)
	if err := p.source.Authenticate(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrAuth, fmt.Errorf("source authentication failed: %w", err))
	}
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("object store is not reachable: %w", err)
	}
	return nil
}

// ingest runs the fetch loop from start, committing full batches as they
// fill. On a timeout or fetch failure the partial batch is still committed
// and the run is reported as failed.
func (p *Pipeline) ingest(ctx context.Context, r *run, start int64) error {
	r.stats.StartCursor = start

	var batch []models.Record
	var uploadErr error
	fetchErr := p.fetchAll(ctx, r, start, func(rec models.Record) error {
		r.transition(StateBatching)
		batch = append(batch, rec)
		if len(batch) < p.opts.BatchSize {
			return nil
		}
		if err := p.commit(ctx, r, batch); err != nil {
			uploadErr = err
			return err
		}
		batch = nil
		return nil
	})
	if uploadErr != nil {
		return uploadErr
	}

	if len(batch) > 0 {
		if fetchErr != nil {
			logger.Warn("Draining %d buffered records after failure: %v", len(batch), fetchErr)
		}
		if err := p.commit(ctx, r, batch); err != nil {
			return errors.Join(fetchErr, err)
		}
	}
	return fetchErr
}

// fetchAll pages through the source from cursor and hands each record to
// fn. It stops when the source returns fewer items than page_size, on a
// fetch error, an fn error, or when max_runtime expires; the guard is also
// the deadline of each fetch.
func (p *Pipeline) fetchAll(ctx context.Context, r *run, cursor int64, fn func(models.Record) error) error {
	fetchCtx := ctx
	if p.opts.MaxRuntime > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.opts.MaxRuntime)
		defer cancel()
	}

	for {
		if err := fetchCtx.Err(); err != nil {
			return p.fetchStopped(ctx, err)
		}

		r.transition(StateFetching)
		page, err := p.source.FetchPage(fetchCtx, cursor, p.opts.PageSize)
		if err != nil {
			if fetchCtx.Err() != nil {
				return p.fetchStopped(ctx, err)
			}
			return fmt.Errorf("failed to fetch page after %d: %w", cursor, err)
		}
		r.stats.Fetched += len(page.Records)
		r.stats.Dropped += page.Items - len(page.Records)

		for _, rec := range page.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}

		if page.Items < p.opts.PageSize {
			return nil
		}
		maxMs := models.MaxEventMillis(page.Records)
		if maxMs <= cursor {
			// A full page of unusable items cannot move the cursor.
			logger.Warn("Full page of %d items after %d had no usable records, stopping", page.Items, cursor)
			return nil
		}
		cursor = maxMs
	}
}

// fetchStopped reports why the fetch context ended: the parent's
// cancellation, or the max_runtime guard.
func (p *Pipeline) fetchStopped(parent context.Context, cause error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return apperrors.Wrap(apperrors.ErrTimeout, fmt.Errorf("max runtime %s exceeded: %w", p.opts.MaxRuntime, cause))
}

// commit uploads one batch and then advances the watermark to its maximum
// event time.
func (p *Pipeline) commit(ctx context.Context, r *run, batch []models.Record) error {
	r.transition(StateUploading)
	valid, dropped := p.validator.Filter(batch)
	r.stats.Dropped += dropped

	rows := p.transformer.Transform(valid)
	out := make([]any, len(rows))
	for i := range rows {
		out[i] = rows[i]
	}
	key, err := p.uploader.Upload(ctx, TrackEntityType, out)
	if err != nil {
		return fmt.Errorf("failed to upload batch of %d records: %w", len(batch), err)
	}

	r.transition(StateCheckpointing)
	wm, err := p.advance(ctx, models.MaxEventMillis(batch))
	if err != nil {
		return err
	}

	r.stats.Watermark = wm
	r.stats.Batches++
	r.stats.Uploaded += len(rows)
	if key != "" {
		r.stats.Keys = append(r.stats.Keys, key)
	}
	logger.Get().Info().
		Str("run_id", r.stats.RunID).
		Str("key", key).
		Int("records", len(rows)).
		Int64("watermark", wm).
		Msg("batch committed")

	if p.entities != nil && p.opts.EnableEntityProcessing {
		report := p.entities.ProcessRecords(ctx, batch)
		r.stats.EntitiesProcessed += report.Processed
		r.stats.EntityFailures += report.FailedBatches
	}
	return nil
}

// advance persists max(persisted, candidate) so the watermark never
// regresses, and returns the stored value.
func (p *Pipeline) advance(ctx context.Context, candidate int64) (int64, error) {
	current, ok, err := p.state.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	if ok && current.LastProcessedTimestamp >= candidate {
		return current.LastProcessedTimestamp, nil
	}
	next := models.Watermark{
		LastProcessedTimestamp: candidate,
		LastUpdated:            p.now().UTC(),
	}
	if err := p.state.Write(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to persist watermark %d: %w", candidate, err)
	}
	return candidate, nil
}
