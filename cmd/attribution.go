package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crestline-capital/valuation-cli/internal/attribution"
	"github.com/crestline-capital/valuation-cli/internal/model"
)

var attributionCmd = &cobra.Command{
	Use:   "attribution <portfolio-id>",
	Short: "Compute currency attribution for a portfolio",
	Long: "Decomposes the portfolio's return into local, FX, and interaction components " +
		"using prices and FX rates pinned to one pricing pack.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, asOf, packID, base, cleanup, err := attributionSetup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := svc.ComputeAttribution(cmd.Context(), args[0], asOf, packID, base)
		if err != nil {
			return eris.Wrap(err, "attribution")
		}

		formatAttributionResult(os.Stdout, result)
		return nil
	},
}

var attributionBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Compute attribution for several portfolios concurrently",
	RunE: func(cmd *cobra.Command, _ []string) error {
		portfolios, _ := cmd.Flags().GetStringSlice("portfolios")
		if len(portfolios) == 0 {
			return eris.New("at least one portfolio is required (--portfolios)")
		}

		svc, asOf, packID, base, cleanup, err := attributionSetup(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		results := make([]*attribution.Result, len(portfolios))
		g, ctx := errgroup.WithContext(cmd.Context())
		for i, pid := range portfolios {
			g.Go(func() error {
				r, err := svc.ComputeAttribution(ctx, pid, asOf, packID, base)
				if err != nil {
					return eris.Wrapf(err, "attribution for %s", pid)
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, r := range results {
			if i > 0 {
				fmt.Fprintln(os.Stdout)
			}
			formatAttributionResult(os.Stdout, r)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{attributionCmd, attributionBatchCmd} {
		c.Flags().String("as-of", "", "valuation date YYYY-MM-DD (required)")
		c.Flags().String("pack", "", "pricing pack id to pin the computation to (required)")
		c.Flags().String("base-currency", "", "base currency (default from config)")
		_ = c.MarkFlagRequired("as-of")
		_ = c.MarkFlagRequired("pack")
	}
	attributionBatchCmd.Flags().StringSlice("portfolios", nil, "portfolio ids to process")

	attributionCmd.AddCommand(attributionBatchCmd)
	rootCmd.AddCommand(attributionCmd)
}

// attributionSetup builds the service and parses the shared flags.
func attributionSetup(cmd *cobra.Command) (*attribution.Service, time.Time, string, string, func(), error) {
	ctx := cmd.Context()

	asOfStr, _ := cmd.Flags().GetString("as-of")
	packID, _ := cmd.Flags().GetString("pack")
	base, _ := cmd.Flags().GetString("base-currency")
	if base == "" {
		base = cfg.Valuation.BaseCurrency
	}

	asOf, err := parseDate(asOfStr)
	if err != nil {
		return nil, time.Time{}, "", "", nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, time.Time{}, "", "", nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, time.Time{}, "", "", nil, err
	}

	calc := attribution.NewCalculator(cfg.Valuation.AttributionTolerance)
	cleanup := func() { st.Close() } //nolint:errcheck
	return attribution.NewService(st, calc), asOf, packID, base, cleanup, nil
}

// formatAttributionResult writes the decomposition to w.
func formatAttributionResult(out io.Writer, r *attribution.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Portfolio:\t%s\n", r.PortfolioID)
	_, _ = fmt.Fprintf(w, "As of:\t%s\n", r.AsOfDate.Format(model.DateLayout))
	_, _ = fmt.Fprintf(w, "Pack:\t%s\n", r.PricingPackID)
	_, _ = fmt.Fprintf(w, "Base currency:\t%s\n", r.BaseCurrency)
	_, _ = fmt.Fprintf(w, "Local return:\t%s\n", formatPct(r.LocalReturn))
	_, _ = fmt.Fprintf(w, "FX return:\t%s\n", formatPct(r.FXReturn))
	_, _ = fmt.Fprintf(w, "Interaction:\t%s\n", formatPct(r.InteractionReturn))
	_, _ = fmt.Fprintf(w, "Total return:\t%s\n", formatPct(r.TotalReturn))
	_, _ = fmt.Fprintf(w, "Error (bps):\t%s\n", r.ErrorBps.StringFixed(4))
	if !r.WithinTolerance {
		_, _ = fmt.Fprintln(w, "WARNING:\tadditivity gap exceeds tolerance")
	}
	_ = w.Flush()
}

// formatPct renders a decimal return as a percentage.
func formatPct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(4) + "%"
}
