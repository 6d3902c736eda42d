// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tracksync",
		Short: "tracksync - listening history ingestion into object storage",
		Long: `tracksync pulls recently played tracks from the Spotify Web API, writes them
as gzipped JSON lines batches to S3, GCS or a local directory and keeps a
watermark so every event is uploaded once. Optionally it enriches the artists
it sees with genre labels.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().BoolVar(&opts.EnableEntityProcessing, "enable-entity-processing", false, "Enrich artists after each committed batch")

	rootCmd.AddCommand(
		newRunOnceCmd(opts),
		newRunContinuousCmd(opts),
		newBackfillCmd(opts),
		newBackfillEntitiesCmd(opts),
		newStatsCmd(opts),
		newTestConnectivityCmd(opts),
		newProcessEntitiesCmd(opts),
		newForceReprocessCmd(opts),
	)

	return rootCmd
}
