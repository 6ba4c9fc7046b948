package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crestline-capital/valuation-cli/internal/model"
	"github.com/crestline-capital/valuation-cli/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <fixture.yaml>",
	Short: "Load packs, FX rates, holding returns, and metrics from a fixture file",
	Long:  "Stand-in for the build pipeline: loads a YAML fixture into the store for local runs and testing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fixture, err := loadFixture(args[0])
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

		counts, err := importFixture(cmd, st, fixture)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		fmt.Fprintf(os.Stdout, "Imported %d packs, %d fx rates, %d holding returns, %d metrics.\n",
			counts[0], counts[1], counts[2], counts[3])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// fixtureFile is the YAML shape accepted by the import command. Decimal
// values ride as strings so they survive parsing untouched.
type fixtureFile struct {
	Packs []struct {
		ID          string            `yaml:"id"`
		Date        string            `yaml:"date"`
		Policy      string            `yaml:"policy"`
		Status      string            `yaml:"status"`
		ContentHash string            `yaml:"content_hash"`
		IsFresh     bool              `yaml:"is_fresh"`
		PrewarmDone bool              `yaml:"prewarm_done"`
		Sources     model.PackSources `yaml:"sources"`
	} `yaml:"packs"`
	FXRates []struct {
		PackID   string `yaml:"pack_id"`
		Currency string `yaml:"currency"`
		Rate     string `yaml:"rate"`
		PrevRate string `yaml:"prev_rate"`
	} `yaml:"fx_rates"`
	HoldingReturns []struct {
		PortfolioID string `yaml:"portfolio_id"`
		AsOfDate    string `yaml:"as_of_date"`
		SecurityID  string `yaml:"security_id"`
		Currency    string `yaml:"currency"`
		Weight      string `yaml:"weight"`
		LocalReturn string `yaml:"local_return"`
	} `yaml:"holding_returns"`
	Metrics []struct {
		PortfolioID   string `yaml:"portfolio_id"`
		MetricDate    string `yaml:"metric_date"`
		Name          string `yaml:"name"`
		Value         string `yaml:"value"`
		PricingPackID string `yaml:"pricing_pack_id"`
	} `yaml:"metrics"`
}

func loadFixture(path string) (*fixtureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read fixture %s", path)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "parse fixture %s", path)
	}
	return &f, nil
}

func importFixture(cmd *cobra.Command, st store.Store, f *fixtureFile) ([4]int, error) {
	ctx := cmd.Context()
	var counts [4]int

	for _, p := range f.Packs {
		date, err := parseDate(p.Date)
		if err != nil {
			return counts, err
		}
		status := model.PackStatus(p.Status)
		if status == "" {
			status = model.PackStatusBuilding
		}
		err = st.InsertPack(ctx, model.PricingPack{
			ID:          p.ID,
			Date:        date,
			Policy:      p.Policy,
			Status:      status,
			ContentHash: p.ContentHash,
			IsFresh:     p.IsFresh,
			PrewarmDone: p.PrewarmDone,
			Sources:     p.Sources,
		})
		if err != nil {
			return counts, err
		}
		counts[0]++
	}

	fxByPack := make(map[string][]model.FXRate)
	for _, r := range f.FXRates {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil {
			return counts, eris.Wrapf(err, "fx rate %s/%s", r.PackID, r.Currency)
		}
		prev, err := decimal.NewFromString(r.PrevRate)
		if err != nil {
			return counts, eris.Wrapf(err, "fx prev rate %s/%s", r.PackID, r.Currency)
		}
		fxByPack[r.PackID] = append(fxByPack[r.PackID], model.FXRate{Currency: r.Currency, Rate: rate, PrevRate: prev})
	}
	for packID, rates := range fxByPack {
		if err := st.InsertFXRates(ctx, packID, rates); err != nil {
			return counts, err
		}
		counts[1] += len(rates)
	}

	var holdings []model.HoldingReturn
	for _, h := range f.HoldingReturns {
		date, err := parseDate(h.AsOfDate)
		if err != nil {
			return counts, err
		}
		weight, err := decimal.NewFromString(h.Weight)
		if err != nil {
			return counts, eris.Wrapf(err, "weight for %s/%s", h.PortfolioID, h.SecurityID)
		}
		localReturn, err := decimal.NewFromString(h.LocalReturn)
		if err != nil {
			return counts, eris.Wrapf(err, "local return for %s/%s", h.PortfolioID, h.SecurityID)
		}
		holdings = append(holdings, model.HoldingReturn{
			PortfolioID: h.PortfolioID,
			AsOfDate:    date,
			SecurityID:  h.SecurityID,
			Currency:    h.Currency,
			Weight:      weight,
			LocalReturn: localReturn,
		})
	}
	if len(holdings) > 0 {
		if err := st.InsertHoldingReturns(ctx, holdings); err != nil {
			return counts, err
		}
		counts[2] = len(holdings)
	}

	var metrics []model.MetricRecord
	for _, m := range f.Metrics {
		date, err := parseDate(m.MetricDate)
		if err != nil {
			return counts, err
		}
		value, err := decimal.NewFromString(m.Value)
		if err != nil {
			return counts, eris.Wrapf(err, "metric value %s/%s", m.PortfolioID, m.Name)
		}
		metrics = append(metrics, model.MetricRecord{
			PortfolioID:   m.PortfolioID,
			Date:          date,
			Name:          m.Name,
			Value:         value,
			PricingPackID: m.PricingPackID,
		})
	}
	if len(metrics) > 0 {
		if err := st.InsertMetrics(ctx, metrics); err != nil {
			return counts, err
		}
		counts[3] = len(metrics)
	}

	return counts, nil
}
