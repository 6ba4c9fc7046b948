// Package impact answers "what was computed against this pack": counts of
// pinned metric and attribution rows, the portfolios they span, and
// whether the pack is in a state where a correction may be issued.
package impact

import (
	"context"

	"go.uber.org/zap"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

// Validation summarizes a pack's chain position and readiness.
type Validation struct {
	IsSuperseded bool             `json:"is_superseded"`
	SupersededBy *string          `json:"superseded_by"`
	CanSupersede bool             `json:"can_supersede"`
	IsFresh      bool             `json:"is_fresh"`
	Status       model.PackStatus `json:"status"`
}

// Report is the blast-radius summary for one pack.
type Report struct {
	PackID                   string     `json:"pack_id"`
	AffectedMetricsCount     int        `json:"affected_metrics_count"`
	AffectedAttributionCount int        `json:"affected_attribution_count"`
	AffectedPortfoliosCount  int        `json:"affected_portfolios_count"`
	PortfolioIDs             []string   `json:"portfolio_ids"`
	Validation               Validation `json:"validation"`
}

// Analyzer produces impact reports. It performs no writes.
type Analyzer struct {
	store store.Store
}

// NewAnalyzer creates an Analyzer over the given store.
func NewAnalyzer(st store.Store) *Analyzer {
	return &Analyzer{store: st}
}

// Analyze counts every downstream artifact referencing the pack. The
// counts come from a single store snapshot, so concurrent commits are
// seen either fully or not at all.
func (a *Analyzer) Analyze(ctx context.Context, packID string) (*Report, error) {
	pack, err := a.store.GetPack(ctx, packID)
	if err != nil {
		return nil, err
	}

	counts, err := a.store.CountImpact(ctx, packID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		PackID:                   packID,
		AffectedMetricsCount:     counts.MetricCount,
		AffectedAttributionCount: counts.AttributionCount,
		AffectedPortfoliosCount:  len(counts.PortfolioIDs),
		PortfolioIDs:             counts.PortfolioIDs,
		Validation:               validate(pack),
	}

	zap.L().Debug("impact analysis complete",
		zap.String("component", "impact.analyzer"),
		zap.String("pack_id", packID),
		zap.Int("metrics", report.AffectedMetricsCount),
		zap.Int("attributions", report.AffectedAttributionCount),
		zap.Int("portfolios", report.AffectedPortfoliosCount),
	)
	return report, nil
}

// validate derives the validation block. A pack can be superseded only
// when it is the head of its chain and fully built: fresh, prewarmed, and
// in ready status.
func validate(p *model.PricingPack) Validation {
	return Validation{
		IsSuperseded: !p.IsHead(),
		SupersededBy: p.SupersededBy,
		CanSupersede: p.IsHead() && p.IsFresh && p.PrewarmDone && p.Status == model.PackStatusReady,
		IsFresh:      p.IsFresh,
		Status:       p.Status,
	}
}
