package enrich

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/source"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/BartekS5/tracksync/pkg/models"
)

// EntityType names uploaded artist artifacts.
const EntityType = "spotify_artists"

const dataSource = "spotify_artist_api"

// EntitySource fetches entity details by id.
type EntitySource interface {
	FetchEntities(ctx context.Context, ids []string) ([]models.Entity, error)
}

// BatchUploader writes one artifact per call.
type BatchUploader interface {
	Upload(ctx context.Context, entityType string, rows []any) (string, error)
}

// Report summarizes one enrichment invocation.
type Report struct {
	Candidates    int
	Processed     int
	FailedBatches int
	FailedIDs     []string
	Keys          []string
}

// Workflow enriches new entities in sub-batches. A failed sub-batch is logged
// and skipped; earlier sub-batches stay committed.
type Workflow struct {
	source   EntitySource
	uploader BatchUploader
	ledger   *Ledger
	chain    *Chain
	subBatch int
	pause    time.Duration
	now      func() time.Time
}

// NewWorkflow wires the workflow. subBatch is clamped to the source limit.
func NewWorkflow(src EntitySource, uploader BatchUploader, ledger *Ledger, chain *Chain, subBatch int) *Workflow {
	if subBatch <= 0 || subBatch > source.MaxLimit {
		subBatch = source.MaxLimit
	}
	if chain == nil {
		chain = NewChain()
	}
	return &Workflow{
		source:   src,
		uploader: uploader,
		ledger:   ledger,
		chain:    chain,
		subBatch: subBatch,
		now:      time.Now,
	}
}

// SetPause sets a delay between sub-batches to stay under the source's
// rate limit.
func (w *Workflow) SetPause(d time.Duration) {
	w.pause = d
}

func (w *Workflow) Ledger() *Ledger {
	return w.ledger
}

// ExtractNewEntities returns ids referenced by records that are not in the
// ledger, in first-seen order.
func (w *Workflow) ExtractNewEntities(records []models.Record) []string {
	refs := source.ExtractEntities(records)
	var ids []string
	for _, ref := range refs {
		if !w.ledger.Contains(ref.ID) {
			ids = append(ids, ref.ID)
		}
	}
	logger.Get().Info().
		Int("total_artists", len(refs)).
		Int("new_artists", len(ids)).
		Int("already_processed", len(refs)-len(ids)).
		Msg("extracted new artists")
	return ids
}

// Process fetches details for ids and builds storage rows, classifying
// entities the source returned without labels.
func (w *Workflow) Process(ctx context.Context, ids []string) ([]models.EnrichedEntity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	entities, err := w.source.FetchEntities(ctx, ids)
	if err != nil {
		return nil, err
	}
	ingestedAt := w.now().UTC().Format(time.RFC3339Nano)
	rows := make([]models.EnrichedEntity, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, w.enrich(ctx, e, ingestedAt))
	}
	return rows, nil
}

func (w *Workflow) enrich(ctx context.Context, e models.Entity, ingestedAt string) models.EnrichedEntity {
	labels := e.Labels
	row := models.EnrichedEntity{
		ArtistID:       e.ID,
		ArtistName:     e.Name,
		ArtistURI:      e.URI,
		Popularity:     e.Popularity,
		FollowersTotal: e.Followers,
		ExternalURLs:   e.ExternalURLs,
		Images:         e.Images,
		IngestedAt:     ingestedAt,
		DataSource:     dataSource,
	}

	if len(labels) == 0 {
		var method string
		labels, method = w.chain.Classify(ctx, e)
		methods, _ := json.Marshal([]string{method})
		row.OriginalGenresEmpty = true
		row.GenreInferenceMethods = string(methods)
		row.DataSource = dataSource + "_enhanced_" + method
	}

	encoded, _ := json.Marshal(labels)
	row.Genres = string(encoded)
	row.GenresList = labels
	row.GenreCount = len(labels)
	if len(labels) > 0 {
		primary := labels[0]
		row.PrimaryGenre = &primary
	}
	return row
}

// Upload writes enriched rows as one artifact. Empty input returns "".
func (w *Workflow) Upload(ctx context.Context, rows []models.EnrichedEntity) (string, error) {
	out := make([]any, len(rows))
	for i := range rows {
		out[i] = rows[i]
	}
	return w.uploader.Upload(ctx, EntityType, out)
}

// ProcessRecords enriches the new entities referenced by records. It never
// returns an error; failures are reported and logged.
func (w *Workflow) ProcessRecords(ctx context.Context, records []models.Record) Report {
	if len(records) == 0 {
		return Report{}
	}
	ids := w.ExtractNewEntities(records)
	if len(ids) == 0 {
		logger.Info("No new artists to process")
		return Report{}
	}
	return w.run(ctx, ids)
}

// ProcessIDs enriches the given ids whether or not they are in the ledger.
func (w *Workflow) ProcessIDs(ctx context.Context, ids []string) Report {
	return w.run(ctx, dedupe(ids))
}

// ForceReprocess removes ids from the ledger so the next run enriches them
// again. It returns how many were present.
func (w *Workflow) ForceReprocess(ctx context.Context, ids []string) (int, error) {
	removed, err := w.ledger.Remove(ctx, dedupe(ids))
	if err != nil {
		return 0, err
	}
	logger.Get().Info().
		Int("requested", len(ids)).
		Int("removed", removed).
		Msg("removed artists from ledger")
	return removed, nil
}

func (w *Workflow) run(ctx context.Context, ids []string) Report {
	report := Report{Candidates: len(ids)}
	for start := 0; start < len(ids); start += w.subBatch {
		if ctx.Err() != nil {
			report.FailedBatches++
			report.FailedIDs = append(report.FailedIDs, ids[start:]...)
			break
		}
		end := start + w.subBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		batchNo := start/w.subBatch + 1

		key, processed, err := w.commit(ctx, batch)
		if err != nil {
			err = apperrors.Wrap(apperrors.ErrEnrichment, err)
			logger.Get().Error().
				Int("batch_number", batchNo).
				Str("ids", strings.Join(batch, ",")).
				Err(err).
				Msg("artist sub-batch failed, skipping")
			report.FailedBatches++
			report.FailedIDs = append(report.FailedIDs, batch...)
		} else {
			report.Processed += processed
			if key != "" {
				report.Keys = append(report.Keys, key)
			}
			logger.Get().Info().
				Int("batch_number", batchNo).
				Int("requested", len(batch)).
				Int("processed", processed).
				Str("key", key).
				Msg("processed artist sub-batch")
		}

		if w.pause > 0 && end < len(ids) {
			select {
			case <-ctx.Done():
			case <-time.After(w.pause):
			}
		}
	}

	logger.Get().Info().
		Int("candidates", report.Candidates).
		Int("processed", report.Processed).
		Int("failed_batches", report.FailedBatches).
		Msg("completed artist processing")
	return report
}

// commit processes, uploads and then records one sub-batch. Ids only enter
// the ledger once their artifact is durable.
func (w *Workflow) commit(ctx context.Context, batch []string) (string, int, error) {
	rows, err := w.Process(ctx, batch)
	if err != nil {
		return "", 0, err
	}
	if len(rows) == 0 {
		return "", 0, nil
	}
	key, err := w.Upload(ctx, rows)
	if err != nil {
		return "", 0, err
	}
	done := make([]string, 0, len(rows))
	for _, r := range rows {
		done = append(done, r.ArtistID)
	}
	if err := w.ledger.Add(ctx, done); err != nil {
		return key, 0, err
	}
	return key, len(rows), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
