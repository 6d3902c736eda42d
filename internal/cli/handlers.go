package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/internal/config"
	"github.com/BartekS5/tracksync/internal/enrich"
	"github.com/BartekS5/tracksync/internal/etl"
	"github.com/BartekS5/tracksync/internal/source"
	"github.com/BartekS5/tracksync/internal/state"
	"github.com/BartekS5/tracksync/internal/storage"
	"github.com/BartekS5/tracksync/pkg/database"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/spf13/cobra"
)

const (
	trackMetadataSource  = "spotify-api"
	entityMetadataSource = "spotify-artist-api"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	pipeline *etl.Pipeline
	workflow *enrich.Workflow
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Error while shutting down: %v", err)
		}
	}
	logger.Close()
}

func newApp(ctx context.Context, opts *GlobalOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.EnableEntityProcessing {
		cfg.EnableEntityProcessing = true
	}
	if err := logger.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		return nil, err
	}
	if err := cfg.RequireSource(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	policy := cfg.RetryPolicy()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)

	watermarks, ledgerStore, err := a.openState(ctx)
	if err != nil {
		return err
	}

	trackUploader, err := storage.NewUploader(store, cfg.StoragePrefix, cfg.DatePartitionFormat, trackMetadataSource, policy)
	if err != nil {
		return err
	}
	entityUploader, err := storage.NewUploader(store, cfg.EntityStoragePrefix, cfg.DatePartitionFormat, entityMetadataSource, policy)
	if err != nil {
		return err
	}

	client := source.NewClient(
		source.Credentials{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
			RefreshToken: cfg.SpotifyRefreshToken,
			TokenURL:     cfg.SourceTokenURL,
		},
		source.WithBaseURL(cfg.SourceBaseURL),
		source.WithRateLimit(cfg.SourceRequestsPerMin),
		source.WithRetryPolicy(policy),
	)

	ledger, err := enrich.NewLedger(ctx, ledgerStore)
	if err != nil {
		return err
	}
	chain, err := buildChain(cfg)
	if err != nil {
		return err
	}
	a.workflow = enrich.NewWorkflow(client, entityUploader, ledger, chain, cfg.EntitySubBatchSize())
	a.workflow.SetPause(cfg.EntityBatchPause)

	a.pipeline = etl.NewPipeline(client, watermarks, store, trackUploader, etl.OptionsFromConfig(cfg)).
		WithEntityProcessing(a.workflow)
	return nil
}

// openState picks the watermark and ledger backends. sqlserver only holds
// the watermark; its ledger stays in the ledger file.
func (a *app) openState(ctx context.Context) (etl.WatermarkStore, enrich.LedgerStore, error) {
	cfg := a.cfg
	switch cfg.StateBackend {
	case "file":
		return state.NewFileWatermarkStore(cfg.StateFile), state.NewFileLedgerStore(cfg.LedgerFile), nil

	case "badger":
		db, err := database.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		s := state.NewBadgerStore(db)
		return s, s, nil

	case "mongo":
		client, err := database.ConnectMongo(ctx, cfg.MongoConnString)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() error { return client.Disconnect(context.Background()) })
		return state.NewMongoWatermarkStore(client, cfg.MongoDatabase), state.NewMongoLedgerStore(client, cfg.MongoDatabase), nil

	case "sqlserver":
		db, err := database.ConnectSQL(ctx, cfg.SQLConnString)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		wm := state.NewSQLWatermarkStore(db)
		if err := wm.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return wm, state.NewFileLedgerStore(cfg.LedgerFile), nil
	}
	return nil, nil, apperrors.Newf(apperrors.ErrConfig, "unsupported state backend: %s", cfg.StateBackend)
}

// buildChain orders the classification strategies from most to least
// trusted. The lookup table and the page lookup are optional.
func buildChain(cfg *config.Config) (*enrich.Chain, error) {
	var strategies []enrich.ClassificationStrategy
	if cfg.GenreTableFile != "" {
		mapping, err := config.LoadGenreTable(cfg.GenreTableFile)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, err)
		}
		strategies = append(strategies, enrich.NewLookupTable(mapping))
	}
	strategies = append(strategies, enrich.NamePattern{})
	if lookup := enrich.NewPageLookup(cfg.GenreLookupURL, nil); lookup != nil {
		strategies = append(strategies, lookup)
	}
	strategies = append(strategies, enrich.Popularity{})
	return enrich.NewChain(strategies...), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func withApp(opts *GlobalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runOnce(cmd *cobra.Command, opts *GlobalOptions) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		stats, err := a.pipeline.RunOnce(ctx)
		printRunStats(cmd, stats)
		return err
	})
}

func runContinuous(cmd *cobra.Command, opts *GlobalOptions, interval time.Duration) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting continuous pipeline, press Ctrl+C to stop.\n")
		err := a.pipeline.RunContinuous(ctx, interval)
		if ctx.Err() != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Pipeline stopped.")
			return nil
		}
		return err
	})
}

func runBackfill(cmd *cobra.Command, opts *GlobalOptions, days int) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		stats, err := a.pipeline.Backfill(ctx, days)
		printRunStats(cmd, stats)
		return err
	})
}

func runBackfillEntities(cmd *cobra.Command, opts *GlobalOptions, days int) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		stats, err := a.pipeline.BackfillEntities(ctx, days)
		printRunStats(cmd, stats)
		return err
	})
}

func runStats(cmd *cobra.Command, opts *GlobalOptions) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		s, err := a.pipeline.Stats(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Pipeline statistics")
		fmt.Fprintln(out, "----------------------------------")
		if s.HasWatermark {
			fmt.Fprintf(out, "Last processed:      %s (%d)\n", s.WatermarkTime.Format(time.RFC3339), s.Watermark)
			fmt.Fprintf(out, "Last updated:        %s\n", s.LastUpdated.Format(time.RFC3339))
		} else {
			fmt.Fprintln(out, "Last processed:      never")
		}
		fmt.Fprintf(out, "Artifacts (7 days):  %d (%d bytes)\n", s.RecentArtifacts, s.RecentBytes)
		fmt.Fprintf(out, "Batch size:          %d\n", s.BatchSize)
		fmt.Fprintf(out, "Fetch interval:      %s\n", s.FetchInterval)
		fmt.Fprintf(out, "Storage prefix:      %s\n", s.StoragePrefix)
		fmt.Fprintf(out, "Entity prefix:       %s\n", s.EntityStoragePrefix)
		fmt.Fprintf(out, "Entity processing:   %t\n", s.EntityProcessing)
		fmt.Fprintf(out, "Processed entities:  %d\n", s.LedgerSize)
		return nil
	})
}

func runTestConnectivity(cmd *cobra.Command, opts *GlobalOptions) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		if err := a.pipeline.TestConnectivity(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Source and storage are reachable.")
		return nil
	})
}

func runProcessEntities(cmd *cobra.Command, opts *GlobalOptions, ids []string) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		report := a.workflow.ProcessIDs(ctx, ids)
		return printReport(cmd, report)
	})
}

func runForceReprocess(cmd *cobra.Command, opts *GlobalOptions, ids []string) error {
	return withApp(opts, func(ctx context.Context, a *app) error {
		removed, err := a.workflow.ForceReprocess(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d ids from the processed set.\n", removed)
		return printReport(cmd, a.workflow.ProcessIDs(ctx, ids))
	})
}

func printRunStats(cmd *cobra.Command, stats *etl.RunStats) {
	if stats == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: fetched=%d uploaded=%d batches=%d dropped=%d entities=%d watermark=%d duration=%s\n",
		stats.Mode, stats.State, stats.Fetched, stats.Uploaded, stats.Batches, stats.Dropped,
		stats.EntitiesProcessed, stats.Watermark, stats.Duration.Round(time.Millisecond))
}

func printReport(cmd *cobra.Command, r enrich.Report) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Entities: candidates=%d processed=%d failed_batches=%d\n",
		r.Candidates, r.Processed, r.FailedBatches)
	if r.FailedBatches > 0 {
		return apperrors.Newf(apperrors.ErrEnrichment, "%d sub-batches failed (%s)", r.FailedBatches, strings.Join(r.FailedIDs, ","))
	}
	return nil
}

// splitIDs accepts ids as separate arguments or comma separated.
func splitIDs(args []string) []string {
	var ids []string
	for _, arg := range args {
		for _, id := range strings.Split(arg, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
