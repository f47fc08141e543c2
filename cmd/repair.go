package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/checkpoint"
)

// newRepairCmd creates the 'repair' subcommand, which rebuilds a clean
// record log and checkpoint without fetching anything.
func newRepairCmd() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair the record log and rewrite its checkpoint",
		Long: `Scans the record log, salvages every well-formed document from
corrupted lines, collapses duplicate identities, rewrites the log
atomically, and refreshes the resume checkpoint.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runRepair(validate)
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "reconcile the stored checkpoint against a fresh scan")
	return cmd
}

func runRepair(validate bool) error {
	mgr, err := checkpoint.New(checkpoint.Config{
		LogPath:        cfg.Run.RecordLog,
		IdentityFields: cfg.Run.IdentityFields,
		RequiredFields: cfg.Run.RequiredFields,
		KeepLast:       cfg.Checkpoint.KeepLast,
		Backup:         cfg.Checkpoint.Backup,
	}, logger)
	if err != nil {
		return fmt.Errorf("build checkpoint manager: %w", err)
	}

	var report *checkpoint.Report
	if validate {
		report, err = mgr.Validate()
	} else {
		report, err = mgr.Repair()
	}
	if err != nil {
		return fmt.Errorf("repair record log: %w", err)
	}

	logger.Info("repair finished",
		zap.String("log", cfg.Run.RecordLog),
		zap.Int("survivors", report.Survivors),
		zap.Int("invalid_lines", len(report.InvalidLines)),
		zap.Int("duplicate_identities", len(report.Duplicates)),
		zap.String("last_identity", report.LastIdentity),
	)
	return nil
}
