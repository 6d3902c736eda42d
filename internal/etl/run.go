package etl

import (
	"time"

	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/google/uuid"
)

// RunState is a step of one pipeline run.
type RunState string

const (
	StateInit           RunState = "INIT"
	StateAuthenticating RunState = "AUTHENTICATING"
	StateFetching       RunState = "FETCHING"
	StateBatching       RunState = "BATCHING"
	StateUploading      RunState = "UPLOADING"
	StateCheckpointing  RunState = "CHECKPOINTING"
	StateDone           RunState = "DONE"
	StateFailed         RunState = "FAILED"
)

// RunStats describes one run. It is returned even when the run fails.
type RunStats struct {
	RunID       string
	Mode        string
	State       RunState
	StartCursor int64
	Watermark   int64

	Fetched  int
	Dropped  int
	Uploaded int
	Batches  int
	Keys     []string

	EntitiesProcessed int
	EntityFailures    int

	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

type run struct {
	stats   *RunStats
	started time.Time
}

func newRun(mode string, now time.Time) *run {
	r := &run{
		stats: &RunStats{
			RunID:     uuid.NewString(),
			Mode:      mode,
			State:     StateInit,
			StartedAt: now,
		},
		started: now,
	}
	logger.Get().Info().
		Str("run_id", r.stats.RunID).
		Str("mode", mode).
		Msg("pipeline run started")
	return r
}

func (r *run) transition(next RunState) {
	if r.stats.State == next {
		return
	}
	logger.Get().Debug().
		Str("run_id", r.stats.RunID).
		Str("from", string(r.stats.State)).
		Str("to", string(next)).
		Msg("run state")
	r.stats.State = next
}

func (r *run) finish(now time.Time, err error) (*RunStats, error) {
	r.stats.Duration = now.Sub(r.started)
	r.stats.Err = err
	if err != nil {
		r.transition(StateFailed)
		logger.Get().Error().
			Str("run_id", r.stats.RunID).
			Str("mode", r.stats.Mode).
			Int("uploaded", r.stats.Uploaded).
			Int("batches", r.stats.Batches).
			Int64("watermark", r.stats.Watermark).
			Dur("duration", r.stats.Duration).
			Err(err).
			Msg("pipeline run failed")
		return r.stats, err
	}
	r.transition(StateDone)
	logger.Get().Info().
		Str("run_id", r.stats.RunID).
		Str("mode", r.stats.Mode).
		Int("fetched", r.stats.Fetched).
		Int("uploaded", r.stats.Uploaded).
		Int("batches", r.stats.Batches).
		Int("entities_processed", r.stats.EntitiesProcessed).
		Int64("watermark", r.stats.Watermark).
		Dur("duration", r.stats.Duration).
		Msg("pipeline run completed")
	return r.stats, nil
}
