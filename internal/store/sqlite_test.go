package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-capital/valuation-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testPack(id string) model.PricingPack {
	return model.PricingPack{
		ID:          id,
		Date:        time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC),
		Policy:      "LONDON_1600",
		Status:      model.PackStatusReady,
		ContentHash: "hash-" + id,
		IsFresh:     true,
		PrewarmDone: true,
		Sources: model.PackSources{
			Prices: model.SourceRef{Provider: "refinitiv", URI: "s3://packs/prices"},
			FX:     model.SourceRef{Provider: "wmr", URI: "s3://packs/fx"},
		},
	}
}

// --- Packs ---

func TestSQLite_InsertGetPack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := testPack("PP_2025-10-21")
	require.NoError(t, st.InsertPack(ctx, p))

	got, err := st.GetPack(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "2025-10-21", got.Date.Format(model.DateLayout))
	assert.Equal(t, p.Policy, got.Policy)
	assert.Equal(t, p.ContentHash, got.ContentHash)
	assert.Equal(t, model.PackStatusReady, got.Status)
	assert.True(t, got.IsFresh)
	assert.True(t, got.PrewarmDone)
	assert.Nil(t, got.SupersededBy)
	assert.Equal(t, "refinitiv", got.Sources.Prices.Provider)
	assert.Equal(t, "wmr", got.Sources.FX.Provider)
}

func TestSQLite_GetPack_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetPack(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestSQLite_InsertPack_AlreadyExists(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	err := st.InsertPack(ctx, testPack("PP_2025-10-21"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestSQLite_ListPacks_Ordered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p2 := testPack("PP_2025-10-22")
	p2.Date = time.Date(2025, 10, 22, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertPack(ctx, p2))
	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))

	packs, err := st.ListPacks(ctx)
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, "PP_2025-10-21", packs[0].ID)
	assert.Equal(t, "PP_2025-10-22", packs[1].ID)
}

// --- Supersede commit ---

func TestSQLite_CommitSupersede(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))

	d1 := testPack("PP_2025-10-21_D1")
	d1.ContentHash = "hash-corrected"
	require.NoError(t, st.CommitSupersede(ctx, "PP_2025-10-21", d1))

	d0, err := st.GetPack(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	require.NotNil(t, d0.SupersededBy)
	assert.Equal(t, "PP_2025-10-21_D1", *d0.SupersededBy)

	got, err := st.GetPack(ctx, "PP_2025-10-21_D1")
	require.NoError(t, err)
	assert.Nil(t, got.SupersededBy)
}

func TestSQLite_CommitSupersede_AlreadySuperseded(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	require.NoError(t, st.CommitSupersede(ctx, "PP_2025-10-21", testPack("PP_2025-10-21_D1")))

	err := st.CommitSupersede(ctx, "PP_2025-10-21", testPack("PP_2025-10-21_D2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadySuperseded))

	// The losing attempt left nothing behind.
	_, err = st.GetPack(ctx, "PP_2025-10-21_D2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_CommitSupersede_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CommitSupersede(context.Background(), "missing", testPack("missing_D1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_CommitSupersede_Atomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	// Successor id already taken: the insert half fails, so the pointer
	// update must roll back with it.
	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21_D1")))

	err := st.CommitSupersede(ctx, "PP_2025-10-21", testPack("PP_2025-10-21_D1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	d0, err := st.GetPack(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	assert.Nil(t, d0.SupersededBy, "failed commit must not leave a partial write")
}

// --- Build-pipeline flags ---

func TestSQLite_SetPackStatusAndFreshness(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))

	require.NoError(t, st.SetPackStatus(ctx, "PP_2025-10-21", model.PackStatusReconciliationFailed))
	require.NoError(t, st.SetPackFreshness(ctx, "PP_2025-10-21", false, true))

	got, err := st.GetPack(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, model.PackStatusReconciliationFailed, got.Status)
	assert.False(t, got.IsFresh)
	assert.True(t, got.PrewarmDone)
}

func TestSQLite_SetPackStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SetPackStatus(context.Background(), "missing", model.PackStatusReady)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Impact counts ---

func TestSQLite_CountImpact(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-22")))

	date := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertMetric(ctx, model.MetricRecord{
			PortfolioID:   "alpha",
			Date:          date,
			Name:          model.MetricPositionsValue,
			Value:         decimal.NewFromInt(int64(1000 + i)),
			PricingPackID: "PP_2025-10-21",
		}))
	}
	require.NoError(t, st.InsertAttribution(ctx, model.AttributionRecord{
		PortfolioID:   "beta",
		AsOfDate:      date,
		BaseCurrency:  "CAD",
		PricingPackID: "PP_2025-10-21",
	}))
	// A row pinned to a different pack stays out of the counts.
	require.NoError(t, st.InsertMetric(ctx, model.MetricRecord{
		PortfolioID:   "gamma",
		Date:          date,
		Name:          model.MetricCash,
		Value:         decimal.NewFromInt(5),
		PricingPackID: "PP_2025-10-22",
	}))

	counts, err := st.CountImpact(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.MetricCount)
	assert.Equal(t, 1, counts.AttributionCount)
	assert.Equal(t, []string{"alpha", "beta"}, counts.PortfolioIDs)
}

func TestSQLite_CountImpact_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.CountImpact(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- FX rates ---

func TestSQLite_FXRates_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))

	rates := []model.FXRate{
		{Currency: "EUR", Rate: decimal.RequireFromString("1.5120"), PrevRate: decimal.RequireFromString("1.5080")},
		{Currency: "USD", Rate: decimal.RequireFromString("1.3800"), PrevRate: decimal.RequireFromString("1.3750")},
	}
	require.NoError(t, st.InsertFXRates(ctx, "PP_2025-10-21", rates))

	got, err := st.GetFXRates(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "EUR", got[0].Currency)
	assert.True(t, got[0].Rate.Equal(decimal.RequireFromString("1.5120")))
	assert.Equal(t, "USD", got[1].Currency)
	assert.True(t, got[1].PrevRate.Equal(decimal.RequireFromString("1.3750")))
}

func TestSQLite_FXRates_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	require.NoError(t, st.InsertFXRates(ctx, "PP_2025-10-21", []model.FXRate{
		{Currency: "USD", Rate: decimal.RequireFromString("1.38"), PrevRate: decimal.RequireFromString("1.37")},
	}))
	require.NoError(t, st.InsertFXRates(ctx, "PP_2025-10-21", []model.FXRate{
		{Currency: "USD", Rate: decimal.RequireFromString("1.39"), PrevRate: decimal.RequireFromString("1.38")},
	}))

	got, err := st.GetFXRates(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Rate.Equal(decimal.RequireFromString("1.39")))
}

// --- Holding returns and metrics ---

func TestSQLite_HoldingReturns_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)

	returns := []model.HoldingReturn{
		{PortfolioID: "alpha", AsOfDate: date, SecurityID: "AAPL", Currency: "USD",
			Weight: decimal.RequireFromString("0.6"), LocalReturn: decimal.RequireFromString("0.012")},
		{PortfolioID: "alpha", AsOfDate: date, SecurityID: "RY", Currency: "CAD",
			Weight: decimal.RequireFromString("0.4"), LocalReturn: decimal.RequireFromString("-0.004")},
	}
	require.NoError(t, st.InsertHoldingReturns(ctx, returns))

	got, err := st.GetHoldingReturns(ctx, "alpha", date)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AAPL", got[0].SecurityID)
	assert.True(t, got[0].Weight.Equal(decimal.RequireFromString("0.6")))
	assert.True(t, got[1].LocalReturn.Equal(decimal.RequireFromString("-0.004")))

	// Other portfolio and date stay empty.
	other, err := st.GetHoldingReturns(ctx, "beta", date)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLite_InsertMetrics_Batch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	require.NoError(t, st.InsertMetrics(ctx, []model.MetricRecord{
		{PortfolioID: "alpha", Date: date, Name: model.MetricPositionsValue,
			Value: decimal.NewFromInt(1000000), PricingPackID: "PP_2025-10-21"},
		{PortfolioID: "alpha", Date: date, Name: model.MetricCash,
			Value: decimal.NewFromInt(50000), PricingPackID: "PP_2025-10-21"},
	}))
	require.NoError(t, st.InsertMetrics(ctx, nil))

	got, err := st.GetMetrics(ctx, "alpha", date, "PP_2025-10-21")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.MetricCash, got[0].Name)
	assert.NotEmpty(t, got[0].ID)
}

func TestSQLite_GetMetrics_FilteredByPack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	date := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21")))
	require.NoError(t, st.InsertPack(ctx, testPack("PP_2025-10-21_D1")))

	require.NoError(t, st.InsertMetric(ctx, model.MetricRecord{
		PortfolioID: "alpha", Date: date, Name: model.MetricCash,
		Value: decimal.NewFromInt(100), PricingPackID: "PP_2025-10-21",
	}))
	require.NoError(t, st.InsertMetric(ctx, model.MetricRecord{
		PortfolioID: "alpha", Date: date, Name: model.MetricCash,
		Value: decimal.NewFromInt(200), PricingPackID: "PP_2025-10-21_D1",
	}))

	got, err := st.GetMetrics(ctx, "alpha", date, "PP_2025-10-21")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Value.Equal(decimal.NewFromInt(100)))
}
