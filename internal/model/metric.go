package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Component names used by metric records that the reconciliation checker
// compares against the ledger feed.
const (
	MetricPositionsValue = "positions_value"
	MetricCash           = "cash"
	MetricAccruedIncome  = "accrued_income"
)

// MetricRecord is a computed metric pinned to the pricing pack it was
// computed against. PricingPackID is write-once: it is never rewritten
// when the pack is later superseded.
type MetricRecord struct {
	ID            string          `json:"id"`
	PortfolioID   string          `json:"portfolio_id"`
	Date          time.Time       `json:"date"`
	Name          string          `json:"name"`
	Value         decimal.Decimal `json:"value"`
	PricingPackID string          `json:"pricing_pack_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AttributionRecord is a persisted currency attribution result, pinned to
// the pack that supplied its FX snapshot.
type AttributionRecord struct {
	ID                string          `json:"id"`
	PortfolioID       string          `json:"portfolio_id"`
	AsOfDate          time.Time       `json:"as_of_date"`
	BaseCurrency      string          `json:"base_currency"`
	LocalReturn       decimal.Decimal `json:"local_return"`
	FXReturn          decimal.Decimal `json:"fx_return"`
	InteractionReturn decimal.Decimal `json:"interaction_return"`
	TotalReturn       decimal.Decimal `json:"total_return"`
	ErrorBps          decimal.Decimal `json:"error_bps"`
	PricingPackID     string          `json:"pricing_pack_id"`
	CreatedAt         time.Time       `json:"created_at"`
}

// FXRate is one currency's fixing frozen inside a pack: the rate for the
// pack date and the prior fixing, both expressed as base-currency units
// per unit of Currency.
type FXRate struct {
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
	PrevRate decimal.Decimal `json:"prev_rate"`
}

// HoldingReturn is one holding's externally supplied local-currency return
// and portfolio weight for a date. The build pipeline writes these; the
// attribution calculator reads them.
type HoldingReturn struct {
	PortfolioID string          `json:"portfolio_id"`
	AsOfDate    time.Time       `json:"as_of_date"`
	SecurityID  string          `json:"security_id"`
	Currency    string          `json:"currency"`
	Weight      decimal.Decimal `json:"weight"`
	LocalReturn decimal.Decimal `json:"local_return"`
}
