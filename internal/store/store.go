// Package store persists pricing packs and the records pinned to them.
// The interface is deliberately narrow: there is no general pack update.
// The supersede pointer and the build-pipeline flags are the only mutable
// fields, each behind its own method.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestline-capital/valuation-cli/internal/model"
)

// Sentinel errors. Callers test with errors.Is; implementations wrap them
// with the offending id.
var (
	ErrNotFound          = eris.New("pack not found")
	ErrAlreadyExists     = eris.New("pack already exists")
	ErrAlreadySuperseded = eris.New("pack already superseded")
)

// ImpactCounts is the result of a single-snapshot count of downstream
// artifacts referencing one pack.
type ImpactCounts struct {
	MetricCount      int      `json:"metric_count"`
	AttributionCount int      `json:"attribution_count"`
	PortfolioIDs     []string `json:"portfolio_ids"`
}

// Store defines the persistence contract for the valuation core.
type Store interface {
	// Packs
	GetPack(ctx context.Context, id string) (*model.PricingPack, error)
	InsertPack(ctx context.Context, p model.PricingPack) error
	ListPacks(ctx context.Context) ([]model.PricingPack, error)

	// CommitSupersede atomically inserts d1 and points d0 at it. The
	// superseded_by precondition is re-checked inside the transaction;
	// a losing concurrent attempt gets ErrAlreadySuperseded and neither
	// half of the write is visible.
	CommitSupersede(ctx context.Context, d0ID string, d1 model.PricingPack) error

	// Build-pipeline-owned flags. Nothing else on a pack is writable.
	SetPackStatus(ctx context.Context, id string, status model.PackStatus) error
	SetPackFreshness(ctx context.Context, id string, isFresh, prewarmDone bool) error

	// CountImpact counts metric rows, attribution rows, and distinct
	// portfolios referencing the pack, all from one read snapshot.
	CountImpact(ctx context.Context, packID string) (*ImpactCounts, error)

	// Pack-pinned FX snapshot
	InsertFXRates(ctx context.Context, packID string, rates []model.FXRate) error
	GetFXRates(ctx context.Context, packID string) ([]model.FXRate, error)

	// Holding returns feed (build pipeline writes, attribution reads)
	InsertHoldingReturns(ctx context.Context, returns []model.HoldingReturn) error
	GetHoldingReturns(ctx context.Context, portfolioID string, asOf time.Time) ([]model.HoldingReturn, error)

	// Pinned computation records
	InsertMetric(ctx context.Context, m model.MetricRecord) error
	InsertMetrics(ctx context.Context, ms []model.MetricRecord) error
	GetMetrics(ctx context.Context, portfolioID string, date time.Time, packID string) ([]model.MetricRecord, error)
	InsertAttribution(ctx context.Context, a model.AttributionRecord) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// notFound wraps ErrNotFound with the offending pack id.
func notFound(id string) error {
	return eris.Wrapf(ErrNotFound, "pack %s", id)
}
