package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var etlSnapshotID int64

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Process pending snapshots into attribute and valuation history",
	Long:  "Runs one ETL batch over pending snapshots in capture order, or a single snapshot with --snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "etl")
		if err != nil {
			return err
		}
		defer env.Close()

		if etlSnapshotID > 0 {
			status, err := env.ETL.ProcessOne(ctx, etlSnapshotID)
			if err != nil {
				return eris.Wrapf(err, "etl snapshot %d", etlSnapshotID)
			}
			fmt.Fprintf(os.Stdout, "snapshot %d: %s\n", etlSnapshotID, status)
			return nil
		}

		report, err := env.ETL.ProcessPending(ctx)
		if err != nil {
			return eris.Wrap(err, "etl batch")
		}
		fmt.Fprintf(os.Stdout, "processed=%d errored=%d skipped=%d failed=%d duration=%s\n",
			report.Processed, report.Errored, report.Skipped, report.Failed, report.Duration.Round(1e6))
		if report.Failed > 0 {
			zap.L().Warn("etl batch left snapshots pending after infrastructure failures", zap.Int("failed", report.Failed))
		}
		return nil
	},
}

func init() {
	etlCmd.Flags().Int64Var(&etlSnapshotID, "snapshot", 0, "process a single snapshot by id")
	rootCmd.AddCommand(etlCmd)
}
