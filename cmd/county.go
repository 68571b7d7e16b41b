package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/property-cli/internal/address"
)

var countyConcurrency int

var countyCmd = &cobra.Command{
	Use:   "county <address> [address...]",
	Short: "Resolve county assessor records",
	Long:  "Normalizes each address and resolves its county record through the parcel layer, then page extraction. Unresolved addresses are reported, not treated as failures. Addresses that fail to normalize are reported with their error and make the command exit non-zero.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "county")
		if err != nil {
			return err
		}
		defer env.Close()

		out, failed := resolveAll(ctx, env.Normalizer, env.Resolver, args, countyConcurrency)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return eris.Wrap(err, "encode resolutions")
		}

		resolved := 0
		for _, r := range out {
			if r.Resolution.Resolved() {
				resolved++
			}
		}
		fmt.Fprintf(os.Stderr, "resolved %d of %d\n", resolved, len(out))
		if failed > 0 {
			return eris.Errorf("county: %d of %d addresses failed", failed, len(out))
		}
		return nil
	},
}

// resolveAll resolves inputs with at most limit in flight. An address that
// fails to normalize gets an error entry in its slot and does not stop the
// others. It returns the results in input order and the failure count.
func resolveAll(ctx context.Context, n address.Normalizer, r countyResolver, inputs []string, limit int) ([]countyResponse, int) {
	out := make([]countyResponse, len(inputs))
	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i, input := range inputs {
		g.Go(func() error {
			addr, err := n.Normalize(ctx, input)
			if err != nil {
				zap.L().Warn("county: normalize failed", zap.String("address", input), zap.Error(err))
				out[i] = countyResponse{Input: input, Error: err.Error()}
				return nil
			}
			out[i] = countyResponse{Input: input, Address: addr, Resolution: r.Resolve(ctx, *addr)}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, resp := range out {
		if resp.Error != "" {
			failed++
		}
	}
	return out, failed
}

func init() {
	countyCmd.Flags().IntVar(&countyConcurrency, "concurrency", 4, "addresses resolved in parallel")
	rootCmd.AddCommand(countyCmd)
}
