package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <pack-id>",
	Short: "Reconcile pack-derived metrics against a ledger snapshot",
	Long: "Compares the ledger feed against the metrics pinned to the pack. " +
		"A component off by more than the tolerance flags the pack reconciliation_failed and exits non-zero.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ledgerPath, _ := cmd.Flags().GetString("ledger")
		snap, err := loadLedgerSnapshot(ledgerPath)
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

		checker := reconcile.NewChecker(st, cfg.Valuation.ReconcileToleranceBps)
		report, err := checker.Check(ctx, args[0], *snap)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}

		formatReconcileReport(os.Stdout, report)
		if !report.Pass {
			return eris.Errorf("reconciliation failed for pack %s (worst component: %s)", report.PackID, report.WorstComponent)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("ledger", "", "path to the ledger snapshot file (required)")
	_ = reconcileCmd.MarkFlagRequired("ledger")
	rootCmd.AddCommand(reconcileCmd)
}

// ledgerFile is the on-disk shape of the ledger feed.
type ledgerFile struct {
	PortfolioID    string `yaml:"portfolio_id"`
	Date           string `yaml:"date"`
	PositionsValue string `yaml:"positions_value"`
	Cash           string `yaml:"cash"`
	AccruedIncome  string `yaml:"accrued_income"`
}

// loadLedgerSnapshot reads and validates a ledger snapshot file.
func loadLedgerSnapshot(path string) (*reconcile.LedgerSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read ledger file %s", path)
	}

	var lf ledgerFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, eris.Wrapf(err, "parse ledger file %s", path)
	}
	if lf.PortfolioID == "" {
		return nil, eris.Errorf("ledger file %s: portfolio_id is required", path)
	}

	date, err := parseDate(lf.Date)
	if err != nil {
		return nil, err
	}

	snap := &reconcile.LedgerSnapshot{PortfolioID: lf.PortfolioID, Date: date}
	for _, field := range []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"positions_value", lf.PositionsValue, &snap.PositionsValue},
		{"cash", lf.Cash, &snap.Cash},
		{"accrued_income", lf.AccruedIncome, &snap.AccruedIncome},
	} {
		if field.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(field.raw)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger file %s: invalid %s", path, field.name)
		}
		*field.value = d
	}
	return snap, nil
}

// formatReconcileReport writes component deltas to w.
func formatReconcileReport(out io.Writer, r *reconcile.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Pack:\t%s\n", r.PackID)
	_, _ = fmt.Fprintf(w, "Portfolio:\t%s\n", r.PortfolioID)
	_, _ = fmt.Fprintf(w, "Date:\t%s\n", r.Date.Format(model.DateLayout))
	_, _ = fmt.Fprintln(w, "COMPONENT\tLEDGER\tCOMPUTED\tDELTA_BPS\tPASS")
	for _, d := range r.Deltas {
		computed := d.ComputedValue.StringFixed(2)
		if d.MetricMissing {
			computed = "(missing)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			d.Component, d.LedgerValue.StringFixed(2), computed, d.DeltaBps.StringFixed(4), d.Pass)
	}
	if r.Pass {
		_, _ = fmt.Fprintln(w, "Result:\tPASS")
	} else {
		_, _ = fmt.Fprintf(w, "Result:\tFAIL (worst: %s)\n", r.WorstComponent)
	}
	_ = w.Flush()
}
