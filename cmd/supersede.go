package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crestline-capital/valuation-cli/internal/impact"
	"github.com/crestline-capital/valuation-cli/internal/supersede"
)

var supersedeCmd = &cobra.Command{
	Use:   "supersede <pack-id>",
	Short: "Issue a correction pack for a pricing pack",
	Long: "Derives a successor pack and reports impact. Dry-run by default: " +
		"pass --execute to atomically commit the correction.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		reason, _ := cmd.Flags().GetString("reason")
		overrides, _ := cmd.Flags().GetStringSlice("override")
		execute, _ := cmd.Flags().GetBool("execute")

		sourceOverrides, err := parseOverrides(overrides)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		coordinator := supersede.NewCoordinator(st, impact.NewAnalyzer(st))
		result, err := coordinator.Run(ctx, supersede.Request{
			PackID:          args[0],
			Reason:          reason,
			SourceOverrides: sourceOverrides,
			Execute:         execute,
		})
		if err != nil {
			return eris.Wrap(err, "supersede")
		}

		formatSupersedeResult(os.Stdout, result)
		return nil
	},
}

func init() {
	supersedeCmd.Flags().String("reason", "", "audit reason for the correction (required)")
	supersedeCmd.Flags().StringSlice("override", nil, "source override as key=value, e.g. sources.prices.uri=s3://corrected")
	supersedeCmd.Flags().Bool("execute", false, "commit the correction; without it the run is a dry run")
	_ = supersedeCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(supersedeCmd)
}

// parseOverrides splits key=value flags into a map.
func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, eris.Errorf("invalid override %q, expected key=value", pair)
		}
		overrides[key] = value
	}
	return overrides, nil
}

// formatSupersedeResult writes the correction outcome to w.
func formatSupersedeResult(out io.Writer, r *supersede.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	mode := "DRY RUN (no changes made)"
	if r.Executed {
		mode = "EXECUTED"
	}
	_, _ = fmt.Fprintf(w, "Mode:\t%s\n", mode)
	_, _ = fmt.Fprintf(w, "Request:\t%s\n", r.RequestID)
	_, _ = fmt.Fprintf(w, "D0 pack:\t%s\n", r.D0PackID)
	_, _ = fmt.Fprintf(w, "D1 pack:\t%s\n", r.D1PackID)
	_, _ = fmt.Fprintf(w, "Reason:\t%s\n", r.Reason)
	_, _ = fmt.Fprintf(w, "Timestamp:\t%s\n", r.Timestamp.Format("2006-01-02 15:04:05 MST"))
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	formatImpactReport(out, r.Impact)
}
