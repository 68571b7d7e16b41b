package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/property-cli/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show snapshot counts by status and the source catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		counts, err := st.CountSnapshotsByStatus(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		sources, err := st.ListSources(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatStatus(os.Stdout, statusCounts(counts), sources)
		return nil
	},
}

func formatStatus(w io.Writer, counts map[string]int, sources []model.Source) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tSNAPSHOTS")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k, counts[k])
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "SOURCE\tKIND\tBASE URL")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Kind, s.BaseURL)
	}
	_ = tw.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
