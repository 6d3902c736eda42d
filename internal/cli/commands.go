package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// GlobalOptions are the flags shared by every command.
type GlobalOptions struct {
	ConfigFile             string
	EnableEntityProcessing bool
}

func newRunOnceCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Fetch everything after the watermark and upload it",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runOnce(c, opts)
		},
	}
}

func newRunContinuousCmd(opts *GlobalOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run-continuous",
		Short: "Run the pipeline on a fixed interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runContinuous(c, opts, interval)
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Override fetch_interval")
	return cmd
}

func newBackfillCmd(opts *GlobalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-ingest the last N days of history",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runBackfill(c, opts, days)
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 7, "Number of days to backfill")
	return cmd
}

func newBackfillEntitiesCmd(opts *GlobalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "backfill-entities",
		Short: "Enrich the artists found in the last N days of history",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runBackfillEntities(c, opts, days)
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 7, "Number of days to scan")
	return cmd
}

func newStatsCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the watermark, recent uploads and settings",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runStats(c, opts)
		},
	}
}

func newTestConnectivityCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connectivity",
		Short: "Check source credentials and storage access",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return runTestConnectivity(c, opts)
		},
	}
}

func newProcessEntitiesCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process-entities <ids>",
		Short: "Enrich the given artist ids, including ones already processed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runProcessEntities(c, opts, splitIDs(args))
		},
	}
}

func newForceReprocessCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "force-reprocess <ids>",
		Short: "Forget and enrich the given artist ids again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runForceReprocess(c, opts, splitIDs(args))
		},
	}
}
