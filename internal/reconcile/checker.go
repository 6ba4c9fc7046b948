// Package reconcile compares ledger-derived truth against pack-derived
// computed metrics and flags packs whose values drift beyond tolerance.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

var tenThousand = decimal.NewFromInt(10000)

// LedgerSnapshot is the externally supplied ledger feed for one portfolio
// and date. Parsing the ledger itself is out of scope; only its output
// values arrive here.
type LedgerSnapshot struct {
	PortfolioID    string          `json:"portfolio_id" yaml:"portfolio_id"`
	Date           time.Time       `json:"date" yaml:"-"`
	PositionsValue decimal.Decimal `json:"positions_value" yaml:"positions_value"`
	Cash           decimal.Decimal `json:"cash" yaml:"cash"`
	AccruedIncome  decimal.Decimal `json:"accrued_income" yaml:"accrued_income"`
}

// components returns the snapshot as named values keyed by metric name.
func (s LedgerSnapshot) components() []struct {
	name  string
	value decimal.Decimal
} {
	return []struct {
		name  string
		value decimal.Decimal
	}{
		{model.MetricPositionsValue, s.PositionsValue},
		{model.MetricCash, s.Cash},
		{model.MetricAccruedIncome, s.AccruedIncome},
	}
}

// ComponentDelta is one component's ledger-vs-computed comparison. The
// per-component detail is what lets an operator tell a missing corporate
// action (positions off, cash fine) from a stale FX fixing (everything
// off proportionally) from a ledger entry error (cash off).
type ComponentDelta struct {
	Component     string          `json:"component"`
	LedgerValue   decimal.Decimal `json:"ledger_value"`
	ComputedValue decimal.Decimal `json:"computed_value"`
	DeltaBps      decimal.Decimal `json:"delta_bps"`
	MetricMissing bool            `json:"metric_missing,omitempty"`
	Pass          bool            `json:"pass"`
}

// Report is the outcome of one reconciliation check.
type Report struct {
	PackID         string           `json:"pack_id"`
	PortfolioID    string           `json:"portfolio_id"`
	Date           time.Time        `json:"date"`
	Deltas         []ComponentDelta `json:"deltas"`
	WorstComponent string           `json:"worst_component,omitempty"`
	Pass           bool             `json:"pass"`
}

// Checker compares ledger snapshots against pack-pinned metrics.
type Checker struct {
	store        store.Store
	toleranceBps decimal.Decimal
}

// NewChecker creates a Checker with a per-component tolerance in basis points.
func NewChecker(st store.Store, toleranceBps float64) *Checker {
	return &Checker{store: st, toleranceBps: decimal.NewFromFloat(toleranceBps)}
}

// Check compares the snapshot against the metrics pinned to packID. On a
// breach it writes reconciliation_failed through the narrow status API and
// still returns the full report; the discrepancy is data, never swallowed.
func (c *Checker) Check(ctx context.Context, packID string, snap LedgerSnapshot) (*Report, error) {
	if _, err := c.store.GetPack(ctx, packID); err != nil {
		return nil, err
	}

	metrics, err := c.store.GetMetrics(ctx, snap.PortfolioID, snap.Date, packID)
	if err != nil {
		return nil, err
	}
	computed := make(map[string]decimal.Decimal, len(metrics))
	for _, m := range metrics {
		computed[m.Name] = m.Value
	}

	report := &Report{
		PackID:      packID,
		PortfolioID: snap.PortfolioID,
		Date:        snap.Date,
		Pass:        true,
	}

	worst := decimal.Zero
	for _, comp := range snap.components() {
		value, found := computed[comp.name]
		delta := ComponentDelta{
			Component:     comp.name,
			LedgerValue:   comp.value,
			ComputedValue: value,
			MetricMissing: !found,
		}
		delta.DeltaBps = deltaBps(comp.value, value)
		delta.Pass = found && delta.DeltaBps.LessThanOrEqual(c.toleranceBps)

		if !delta.Pass {
			report.Pass = false
		}
		if delta.DeltaBps.GreaterThan(worst) || (report.WorstComponent == "" && !delta.Pass) {
			worst = delta.DeltaBps
			report.WorstComponent = comp.name
		}
		report.Deltas = append(report.Deltas, delta)
	}
	if report.Pass {
		report.WorstComponent = ""
	}

	if !report.Pass {
		if err := c.store.SetPackStatus(ctx, packID, model.PackStatusReconciliationFailed); err != nil {
			return nil, eris.Wrapf(err, "reconcile: flag pack %s", packID)
		}
		zap.L().Warn("reconciliation failed",
			zap.String("component", "reconcile.checker"),
			zap.String("pack_id", packID),
			zap.String("portfolio_id", snap.PortfolioID),
			zap.String("worst_component", report.WorstComponent),
		)
	}
	return report, nil
}

// deltaBps is the absolute difference in basis points relative to the
// ledger value. A zero ledger value compares absolutely: any nonzero
// computed value is an unbounded relative error.
func deltaBps(ledger, computed decimal.Decimal) decimal.Decimal {
	diff := computed.Sub(ledger).Abs()
	if ledger.IsZero() {
		return diff.Mul(tenThousand)
	}
	return diff.Div(ledger.Abs()).Mul(tenThousand)
}
