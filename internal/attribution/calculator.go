// Package attribution decomposes a portfolio's base-currency return into
// local, FX, and interaction components against a pack-pinned FX snapshot.
package attribution

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

// weightSumTolerance is how far holding weights may drift from 1.
var weightSumTolerance = decimal.New(1, -6)

var (
	one         = decimal.NewFromInt(1)
	tenThousand = decimal.NewFromInt(10000)
)

// HoldingBreakdown is the per-holding decomposition carried in a result
// for diagnosis.
type HoldingBreakdown struct {
	SecurityID        string          `json:"security_id"`
	Currency          string          `json:"currency"`
	Weight            decimal.Decimal `json:"weight"`
	LocalReturn       decimal.Decimal `json:"local_return"`
	FXReturn          decimal.Decimal `json:"fx_return"`
	InteractionReturn decimal.Decimal `json:"interaction_return"`
}

// Result is the portfolio-level decomposition.
// LocalReturn + FXReturn + InteractionReturn must equal TotalReturn within
// tolerance; ErrorBps carries the gap either way.
type Result struct {
	PortfolioID       string             `json:"portfolio_id"`
	AsOfDate          time.Time          `json:"as_of_date"`
	PricingPackID     string             `json:"pricing_pack_id"`
	BaseCurrency      string             `json:"base_currency"`
	LocalReturn       decimal.Decimal    `json:"local_return"`
	FXReturn          decimal.Decimal    `json:"fx_return"`
	InteractionReturn decimal.Decimal    `json:"interaction_return"`
	TotalReturn       decimal.Decimal    `json:"total_return"`
	ErrorBps          decimal.Decimal    `json:"error_bps"`
	WithinTolerance   bool               `json:"within_tolerance"`
	Holdings          []HoldingBreakdown `json:"holdings,omitempty"`
}

// Calculator is the pure decomposition engine.
type Calculator struct {
	tolerance decimal.Decimal
}

// NewCalculator creates a Calculator with an absolute additivity
// tolerance (0.1 bp = 1e-5).
func NewCalculator(tolerance float64) *Calculator {
	return &Calculator{tolerance: decimal.NewFromFloat(tolerance)}
}

// Compute decomposes the weighted return of the holdings. For each
// holding, fx = rate/prev − 1 from the pack snapshot (zero for holdings
// already in the base currency), interaction = local·fx, and the holding's
// total is (1+local)(1+fx) − 1. Components aggregate value-weighted; the
// total is computed independently from the multiplicative form and
// compared against the component sum.
func (c *Calculator) Compute(baseCurrency string, holdings []model.HoldingReturn, rates []model.FXRate) (*Result, error) {
	if len(holdings) == 0 {
		return nil, eris.New("attribution: no holdings")
	}

	rateByCurrency := make(map[string]model.FXRate, len(rates))
	for _, r := range rates {
		rateByCurrency[r.Currency] = r
	}

	weightSum := decimal.Zero
	local := decimal.Zero
	fx := decimal.Zero
	interaction := decimal.Zero
	total := decimal.Zero
	breakdown := make([]HoldingBreakdown, 0, len(holdings))

	for _, h := range holdings {
		weightSum = weightSum.Add(h.Weight)

		fxReturn := decimal.Zero
		if h.Currency != baseCurrency {
			r, ok := rateByCurrency[h.Currency]
			if !ok {
				return nil, eris.Wrapf(store.ErrNotFound, "attribution: no FX rate for %s in pack snapshot", h.Currency)
			}
			if r.PrevRate.IsZero() {
				return nil, eris.Errorf("attribution: zero prior fixing for %s", h.Currency)
			}
			fxReturn = r.Rate.Div(r.PrevRate).Sub(one)
		}

		cross := h.LocalReturn.Mul(fxReturn)
		holdingTotal := one.Add(h.LocalReturn).Mul(one.Add(fxReturn)).Sub(one)

		local = local.Add(h.Weight.Mul(h.LocalReturn))
		fx = fx.Add(h.Weight.Mul(fxReturn))
		interaction = interaction.Add(h.Weight.Mul(cross))
		total = total.Add(h.Weight.Mul(holdingTotal))

		breakdown = append(breakdown, HoldingBreakdown{
			SecurityID:        h.SecurityID,
			Currency:          h.Currency,
			Weight:            h.Weight,
			LocalReturn:       h.LocalReturn,
			FXReturn:          fxReturn,
			InteractionReturn: cross,
		})
	}

	if weightSum.Sub(one).Abs().GreaterThan(weightSumTolerance) {
		return nil, eris.Errorf("attribution: holding weights sum to %s, expected 1", weightSum)
	}

	gap := total.Sub(local.Add(fx).Add(interaction)).Abs()

	return &Result{
		BaseCurrency:      baseCurrency,
		LocalReturn:       local,
		FXReturn:          fx,
		InteractionReturn: interaction,
		TotalReturn:       total,
		ErrorBps:          gap.Mul(tenThousand),
		WithinTolerance:   gap.LessThanOrEqual(c.tolerance),
		Holdings:          breakdown,
	}, nil
}

// Service loads pack-pinned inputs, runs the calculator, and persists the
// attribution record against the same pack.
type Service struct {
	store store.Store
	calc  *Calculator
}

// NewService creates a Service.
func NewService(st store.Store, calc *Calculator) *Service {
	return &Service{store: st, calc: calc}
}

// ComputeAttribution reads prices and FX exclusively from the named pack,
// never live data, so the result is reproducible for any historical date
// even after later packs exist. The persisted record pins the pack id.
func (s *Service) ComputeAttribution(ctx context.Context, portfolioID string, asOf time.Time, packID, baseCurrency string) (*Result, error) {
	if _, err := s.store.GetPack(ctx, packID); err != nil {
		return nil, err
	}

	holdings, err := s.store.GetHoldingReturns(ctx, portfolioID, asOf)
	if err != nil {
		return nil, err
	}
	if len(holdings) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "no holding returns for portfolio %s on %s", portfolioID, asOf.Format(model.DateLayout))
	}

	rates, err := s.store.GetFXRates(ctx, packID)
	if err != nil {
		return nil, err
	}

	result, err := s.calc.Compute(baseCurrency, holdings, rates)
	if err != nil {
		return nil, err
	}
	result.PortfolioID = portfolioID
	result.AsOfDate = asOf
	result.PricingPackID = packID

	record := model.AttributionRecord{
		PortfolioID:       portfolioID,
		AsOfDate:          asOf,
		BaseCurrency:      baseCurrency,
		LocalReturn:       result.LocalReturn,
		FXReturn:          result.FXReturn,
		InteractionReturn: result.InteractionReturn,
		TotalReturn:       result.TotalReturn,
		ErrorBps:          result.ErrorBps,
		PricingPackID:     packID,
	}
	if err := s.store.InsertAttribution(ctx, record); err != nil {
		return nil, err
	}

	if !result.WithinTolerance {
		zap.L().Warn("attribution additivity gap exceeds tolerance",
			zap.String("component", "attribution.service"),
			zap.String("portfolio_id", portfolioID),
			zap.String("pack_id", packID),
			zap.String("error_bps", result.ErrorBps.String()),
		)
	}
	return result, nil
}
