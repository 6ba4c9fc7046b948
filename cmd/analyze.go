package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/crestline-capital/valuation-cli/internal/impact"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <pack-id>",
	Short: "Report the blast radius of a pricing pack",
	Long:  "Counts every metric and attribution record pinned to the pack and reports whether it can be superseded. Read-only.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		report, err := impact.NewAnalyzer(st).Analyze(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		formatImpactReport(os.Stdout, report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

// formatImpactReport writes a tabular impact report to w.
func formatImpactReport(out io.Writer, r *impact.Report) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = p.Fprintf(w, "Pack:\t%s\n", r.PackID)
	_, _ = p.Fprintf(w, "Affected metrics:\t%d\n", r.AffectedMetricsCount)
	_, _ = p.Fprintf(w, "Affected attributions:\t%d\n", r.AffectedAttributionCount)
	_, _ = p.Fprintf(w, "Affected portfolios:\t%d\n", r.AffectedPortfoliosCount)
	for _, pid := range r.PortfolioIDs {
		_, _ = fmt.Fprintf(w, "  \t%s\n", pid)
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Validation.Status)
	_, _ = fmt.Fprintf(w, "Fresh:\t%t\n", r.Validation.IsFresh)
	if r.Validation.IsSuperseded {
		_, _ = fmt.Fprintf(w, "Superseded by:\t%s\n", *r.Validation.SupersededBy)
	}
	_, _ = fmt.Fprintf(w, "Can supersede:\t%t\n", r.Validation.CanSupersede)
	_ = w.Flush()
}
