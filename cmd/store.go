package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "valuation.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// parseDate parses a CLI date argument in YYYY-MM-DD form.
func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}
