package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/model"
)

var acquireJSON bool

var acquireCmd = &cobra.Command{
	Use:   "acquire <address> [address...]",
	Short: "Acquire listing-site snapshots for one or more addresses",
	Long:  "Normalizes each address, fans out to every registered listing source and persists one pending snapshot per successful source.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "acquire")
		if err != nil {
			return err
		}
		defer env.Close()

		var failed int
		for _, input := range args {
			report, err := env.Orchestrator.Run(ctx, input)
			if err != nil {
				failed++
				zap.L().Error("acquire failed", zap.String("address", input), zap.Error(err))
				fmt.Fprintf(os.Stderr, "%s: %v\n", input, err)
				continue
			}
			if acquireJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return eris.Wrap(err, "encode report")
				}
				continue
			}
			formatReport(os.Stdout, report)
		}

		if failed > 0 {
			return eris.Errorf("acquire: %d of %d addresses failed", failed, len(args))
		}
		return nil
	},
}

func formatReport(w io.Writer, r *model.AcquisitionReport) {
	fmt.Fprintf(w, "Property %d  %s\n", r.PropertyID, r.CanonicalAddress)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tOUTCOME\tSNAPSHOT\tDURATION\tREASON")
	for _, res := range r.Results {
		snap := "-"
		if res.SnapshotID > 0 {
			snap = fmt.Sprint(res.SnapshotID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Source, res.Outcome, snap, res.Duration.Round(1e6), res.Reason)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "ingested=%d source-error=%d no-endpoint=%d\n\n",
		r.Count(model.OutcomeIngested), r.Count(model.OutcomeSourceError), r.Count(model.OutcomeNoEndpoint))
}

func init() {
	acquireCmd.Flags().BoolVar(&acquireJSON, "json", false, "print reports as JSON")
	rootCmd.AddCommand(acquireCmd)
}
