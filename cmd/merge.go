package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/batch"
	"github.com/promodata/harvester/internal/clock"
)

// newMergeCmd creates the 'merge' subcommand, which consolidates batch
// files into the record log without running the pipeline.
func newMergeCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge batch files into the record log",
		Long: `Concatenates every batch file in flush order, collapses duplicate
identities keeping the freshest copy, and atomically replaces the
destination log.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMerge(dest)
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination file overriding run.record_log")
	return cmd
}

func runMerge(dest string) error {
	if dest == "" {
		dest = cfg.Run.RecordLog
	}

	batcher, err := batch.New(batch.Config{
		Dir:            cfg.Batch.Dir,
		Capacity:       cfg.Batch.Capacity,
		Prefix:         cfg.Batch.Prefix,
		IdentityFields: cfg.Run.IdentityFields,
	}, clock.NewSystem(), logger)
	if err != nil {
		return fmt.Errorf("build batcher: %w", err)
	}

	merged, err := batcher.Merge(dest)
	if err != nil {
		return fmt.Errorf("merge batches: %w", err)
	}
	logger.Info("merge finished", zap.Int("records", merged), zap.String("dest", dest))
	return nil
}
