package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "valuation.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "CAD", cfg.Valuation.BaseCurrency)
	assert.InDelta(t, 1e-5, cfg.Valuation.AttributionTolerance, 1e-12)
	assert.InDelta(t, 1.0, cfg.Valuation.ReconcileToleranceBps, 1e-12)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VALUATION_STORE_DRIVER", "postgres")
	t.Setenv("VALUATION_STORE_DATABASE_URL", "postgres://localhost:5432/valuation")
	t.Setenv("VALUATION_VALUATION_BASE_CURRENCY", "USD")
	t.Setenv("VALUATION_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost:5432/valuation", cfg.Store.DatabaseURL)
	assert.Equal(t, "USD", cfg.Valuation.BaseCurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
