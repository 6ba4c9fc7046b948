package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

const testFixture = `
packs:
  - id: PP_2025-10-21
    date: "2025-10-21"
    policy: LONDON_1600
    status: ready
    content_hash: abc123
    is_fresh: true
    prewarm_done: true
    sources:
      prices:
        provider: refinitiv
        uri: s3://packs/prices
      fx:
        provider: wmr
        uri: s3://packs/fx
fx_rates:
  - pack_id: PP_2025-10-21
    currency: USD
    rate: "1.30"
    prev_rate: "1.25"
holding_returns:
  - portfolio_id: growth-fund
    as_of_date: "2025-10-21"
    security_id: AAPL
    currency: USD
    weight: "0.6"
    local_return: "0.01"
  - portfolio_id: growth-fund
    as_of_date: "2025-10-21"
    security_id: RY
    currency: CAD
    weight: "0.4"
    local_return: "-0.02"
metrics:
  - portfolio_id: growth-fund
    metric_date: "2025-10-21"
    name: positions_value
    value: "1000000"
    pricing_pack_id: PP_2025-10-21
`

func writeTestFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFixture(t *testing.T) {
	f, err := loadFixture(writeTestFixture(t, testFixture))
	require.NoError(t, err)
	require.Len(t, f.Packs, 1)
	assert.Equal(t, "PP_2025-10-21", f.Packs[0].ID)
	assert.Equal(t, "refinitiv", f.Packs[0].Sources.Prices.Provider)
	require.Len(t, f.FXRates, 1)
	require.Len(t, f.HoldingReturns, 2)
	require.Len(t, f.Metrics, 1)
}

func TestLoadFixture_Invalid(t *testing.T) {
	_, err := loadFixture(writeTestFixture(t, "packs: [not a mapping"))
	require.Error(t, err)

	_, err = loadFixture(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestImportFixture(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	f, err := loadFixture(writeTestFixture(t, testFixture))
	require.NoError(t, err)

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	counts, err := importFixture(cmd, st, f)
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 1, 2, 1}, counts)

	pack, err := st.GetPack(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, model.PackStatusReady, pack.Status)
	assert.True(t, pack.IsFresh)

	rates, err := st.GetFXRates(ctx, "PP_2025-10-21")
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.True(t, rates[0].Rate.Equal(decimal.RequireFromString("1.30")))
}

func TestLoadLedgerSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
portfolio_id: growth-fund
date: "2025-10-21"
positions_value: "1000000"
cash: "50000"
accrued_income: "1200"
`), 0o644))

	snap, err := loadLedgerSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "growth-fund", snap.PortfolioID)
	assert.Equal(t, "2025-10-21", snap.Date.Format(model.DateLayout))
	assert.True(t, snap.PositionsValue.Equal(decimal.RequireFromString("1000000")))
	assert.True(t, snap.Cash.Equal(decimal.RequireFromString("50000")))
	assert.True(t, snap.AccruedIncome.Equal(decimal.RequireFromString("1200")))
}

func TestLoadLedgerSnapshot_MissingPortfolio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
date: "2025-10-21"
positions_value: "1000000"
`), 0o644))

	_, err := loadLedgerSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portfolio_id is required")
}
