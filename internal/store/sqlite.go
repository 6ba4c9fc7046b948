package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/crestline-capital/valuation-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS packs (
	id            TEXT PRIMARY KEY,
	pack_date     TEXT NOT NULL,
	policy        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'building',
	content_hash  TEXT NOT NULL,
	is_fresh      INTEGER NOT NULL DEFAULT 0,
	prewarm_done  INTEGER NOT NULL DEFAULT 0,
	superseded_by TEXT REFERENCES packs(id),
	sources       TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS metrics (
	id              TEXT PRIMARY KEY,
	portfolio_id    TEXT NOT NULL,
	metric_date     TEXT NOT NULL,
	name            TEXT NOT NULL,
	value           TEXT NOT NULL,
	pricing_pack_id TEXT NOT NULL REFERENCES packs(id),
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS attributions (
	id                 TEXT PRIMARY KEY,
	portfolio_id       TEXT NOT NULL,
	as_of_date         TEXT NOT NULL,
	base_currency      TEXT NOT NULL,
	local_return       TEXT NOT NULL,
	fx_return          TEXT NOT NULL,
	interaction_return TEXT NOT NULL,
	total_return       TEXT NOT NULL,
	error_bps          TEXT NOT NULL,
	pricing_pack_id    TEXT NOT NULL REFERENCES packs(id),
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pack_fx_rates (
	pack_id   TEXT NOT NULL REFERENCES packs(id),
	currency  TEXT NOT NULL,
	rate      TEXT NOT NULL,
	prev_rate TEXT NOT NULL,
	PRIMARY KEY (pack_id, currency)
);

CREATE TABLE IF NOT EXISTS holding_returns (
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	security_id  TEXT NOT NULL,
	currency     TEXT NOT NULL,
	weight       TEXT NOT NULL,
	local_return TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date, security_id)
);

CREATE INDEX IF NOT EXISTS idx_packs_date ON packs(pack_date);
CREATE INDEX IF NOT EXISTS idx_packs_superseded_by ON packs(superseded_by);
CREATE INDEX IF NOT EXISTS idx_metrics_pack ON metrics(pricing_pack_id);
CREATE INDEX IF NOT EXISTS idx_metrics_portfolio_date ON metrics(portfolio_id, metric_date);
CREATE INDEX IF NOT EXISTS idx_attributions_pack ON attributions(pricing_pack_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetPack(ctx context.Context, id string) (*model.PricingPack, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at
		 FROM packs WHERE id = ?`,
		id,
	)
	return scanPack(row, id)
}

func (s *SQLiteStore) InsertPack(ctx context.Context, p model.PricingPack) error {
	sourcesJSON, err := json.Marshal(p.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO packs (id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Date.Format(model.DateLayout), p.Policy, string(p.Status), p.ContentHash,
		p.IsFresh, p.PrewarmDone, p.SupersededBy, string(sourcesJSON), p.CreatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "pack %s", p.ID)
		}
		return eris.Wrapf(err, "sqlite: insert pack %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) ListPacks(ctx context.Context) ([]model.PricingPack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at
		 FROM packs ORDER BY pack_date, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list packs")
	}
	defer rows.Close()

	var packs []model.PricingPack
	for rows.Next() {
		p, err := scanPack(rows, "")
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, eris.Wrap(rows.Err(), "sqlite: list packs iterate")
}

// CommitSupersede runs the two-part correction write as one transaction.
// The superseded_by IS NULL guard on the UPDATE is the optimistic
// precondition: a concurrent winner makes it match zero rows and the whole
// transaction rolls back.
func (s *SQLiteStore) CommitSupersede(ctx context.Context, d0ID string, d1 model.PricingPack) error {
	sourcesJSON, err := json.Marshal(d1.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	if d1.CreatedAt.IsZero() {
		d1.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin supersede tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT superseded_by FROM packs WHERE id = ?`, d0ID).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound(d0ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load pack %s", d0ID)
	}
	if current.Valid {
		return eris.Wrapf(ErrAlreadySuperseded, "pack %s superseded by %s", d0ID, current.String)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO packs (id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d1.ID, d1.Date.Format(model.DateLayout), d1.Policy, string(d1.Status), d1.ContentHash,
		d1.IsFresh, d1.PrewarmDone, d1.SupersededBy, string(sourcesJSON), d1.CreatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "pack %s", d1.ID)
		}
		return eris.Wrapf(err, "sqlite: insert successor %s", d1.ID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE packs SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
		d1.ID, d0ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update supersede pointer %s", d0ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrAlreadySuperseded, "pack %s", d0ID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit supersede")
}

func (s *SQLiteStore) SetPackStatus(ctx context.Context, id string, status model.PackStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE packs SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set pack status %s", id)
	}
	return checkPackAffected(res, id)
}

func (s *SQLiteStore) SetPackFreshness(ctx context.Context, id string, isFresh, prewarmDone bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE packs SET is_fresh = ?, prewarm_done = ? WHERE id = ?`,
		isFresh, prewarmDone, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set pack freshness %s", id)
	}
	return checkPackAffected(res, id)
}

// CountImpact runs all counting queries in one read transaction so the
// report reflects a single snapshot of the store.
func (s *SQLiteStore) CountImpact(ctx context.Context, packID string) (*ImpactCounts, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin impact tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM packs WHERE id = ?`, packID).Scan(&exists)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: check pack %s", packID)
	}
	if exists == 0 {
		return nil, notFound(packID)
	}

	var counts ImpactCounts
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE pricing_pack_id = ?`, packID).Scan(&counts.MetricCount)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count metrics for %s", packID)
	}
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attributions WHERE pricing_pack_id = ?`, packID).Scan(&counts.AttributionCount)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count attributions for %s", packID)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT portfolio_id FROM metrics WHERE pricing_pack_id = ?
		 UNION
		 SELECT portfolio_id FROM attributions WHERE pricing_pack_id = ?
		 ORDER BY portfolio_id`,
		packID, packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list affected portfolios for %s", packID)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan portfolio id")
		}
		counts.PortfolioIDs = append(counts.PortfolioIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate portfolios")
	}

	return &counts, eris.Wrap(tx.Commit(), "sqlite: commit impact tx")
}

func (s *SQLiteStore) InsertFXRates(ctx context.Context, packID string, rates []model.FXRate) error {
	for _, r := range rates {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pack_fx_rates (pack_id, currency, rate, prev_rate) VALUES (?, ?, ?, ?)
			 ON CONFLICT (pack_id, currency) DO UPDATE SET rate = excluded.rate, prev_rate = excluded.prev_rate`,
			packID, r.Currency, r.Rate.String(), r.PrevRate.String(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert fx rate %s/%s", packID, r.Currency)
		}
	}
	return nil
}

func (s *SQLiteStore) GetFXRates(ctx context.Context, packID string) ([]model.FXRate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT currency, rate, prev_rate FROM pack_fx_rates WHERE pack_id = ? ORDER BY currency`,
		packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get fx rates %s", packID)
	}
	defer rows.Close()

	var rates []model.FXRate
	for rows.Next() {
		var r model.FXRate
		var rate, prev string
		if err := rows.Scan(&r.Currency, &rate, &prev); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fx rate")
		}
		if r.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse rate %s", rate)
		}
		if r.PrevRate, err = decimal.NewFromString(prev); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse prev rate %s", prev)
		}
		rates = append(rates, r)
	}
	return rates, eris.Wrap(rows.Err(), "sqlite: iterate fx rates")
}

func (s *SQLiteStore) InsertHoldingReturns(ctx context.Context, returns []model.HoldingReturn) error {
	for _, h := range returns {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO holding_returns (portfolio_id, as_of_date, security_id, currency, weight, local_return)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (portfolio_id, as_of_date, security_id) DO UPDATE
			 SET currency = excluded.currency, weight = excluded.weight, local_return = excluded.local_return`,
			h.PortfolioID, h.AsOfDate.Format(model.DateLayout), h.SecurityID, h.Currency,
			h.Weight.String(), h.LocalReturn.String(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert holding return %s/%s", h.PortfolioID, h.SecurityID)
		}
	}
	return nil
}

func (s *SQLiteStore) GetHoldingReturns(ctx context.Context, portfolioID string, asOf time.Time) ([]model.HoldingReturn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_id, as_of_date, security_id, currency, weight, local_return
		 FROM holding_returns WHERE portfolio_id = ? AND as_of_date = ? ORDER BY security_id`,
		portfolioID, asOf.Format(model.DateLayout),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get holding returns %s", portfolioID)
	}
	defer rows.Close()

	var returns []model.HoldingReturn
	for rows.Next() {
		h, err := scanHoldingReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, *h)
	}
	return returns, eris.Wrap(rows.Err(), "sqlite: iterate holding returns")
}

func (s *SQLiteStore) InsertMetric(ctx context.Context, m model.MetricRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (id, portfolio_id, metric_date, name, value, pricing_pack_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PortfolioID, m.Date.Format(model.DateLayout), m.Name, m.Value.String(), m.PricingPackID, m.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert metric %s", m.Name)
}

// InsertMetrics writes a batch of metric rows in one transaction.
func (s *SQLiteStore) InsertMetrics(ctx context.Context, ms []model.MetricRecord) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin metrics tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (id, portfolio_id, metric_date, name, value, pricing_pack_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare metrics insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, m := range ms {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			m.ID, m.PortfolioID, m.Date.Format(model.DateLayout), m.Name, m.Value.String(), m.PricingPackID, m.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert metric %s", m.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit metrics tx")
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, portfolioID string, date time.Time, packID string) ([]model.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, portfolio_id, metric_date, name, value, pricing_pack_id, created_at
		 FROM metrics WHERE portfolio_id = ? AND metric_date = ? AND pricing_pack_id = ? ORDER BY name`,
		portfolioID, date.Format(model.DateLayout), packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get metrics %s", portfolioID)
	}
	defer rows.Close()

	var metrics []model.MetricRecord
	for rows.Next() {
		var m model.MetricRecord
		var dateStr, value string
		if err := rows.Scan(&m.ID, &m.PortfolioID, &dateStr, &m.Name, &value, &m.PricingPackID, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		if m.Date, err = time.Parse(model.DateLayout, dateStr); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse metric date %s", dateStr)
		}
		if m.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse metric value %s", value)
		}
		metrics = append(metrics, m)
	}
	return metrics, eris.Wrap(rows.Err(), "sqlite: iterate metrics")
}

func (s *SQLiteStore) InsertAttribution(ctx context.Context, a model.AttributionRecord) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attributions (id, portfolio_id, as_of_date, base_currency, local_return, fx_return, interaction_return, total_return, error_bps, pricing_pack_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PortfolioID, a.AsOfDate.Format(model.DateLayout), a.BaseCurrency,
		a.LocalReturn.String(), a.FXReturn.String(), a.InteractionReturn.String(),
		a.TotalReturn.String(), a.ErrorBps.String(), a.PricingPackID, a.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert attribution %s", a.PortfolioID)
}

// helpers

func checkPackAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPack(row scannable, id string) (*model.PricingPack, error) {
	var p model.PricingPack
	var dateStr, sourcesJSON string
	var supersededBy sql.NullString

	err := row.Scan(&p.ID, &dateStr, &p.Policy, &p.Status, &p.ContentHash,
		&p.IsFresh, &p.PrewarmDone, &supersededBy, &sourcesJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan pack")
	}

	if p.Date, err = time.Parse(model.DateLayout, dateStr); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse pack date %s", dateStr)
	}
	if supersededBy.Valid {
		p.SupersededBy = &supersededBy.String
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &p.Sources); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal sources")
	}
	return &p, nil
}

func scanHoldingReturn(rows *sql.Rows) (*model.HoldingReturn, error) {
	var h model.HoldingReturn
	var dateStr, weight, localReturn string
	if err := rows.Scan(&h.PortfolioID, &dateStr, &h.SecurityID, &h.Currency, &weight, &localReturn); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan holding return")
	}
	var err error
	if h.AsOfDate, err = time.Parse(model.DateLayout, dateStr); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse as-of date %s", dateStr)
	}
	if h.Weight, err = decimal.NewFromString(weight); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse weight %s", weight)
	}
	if h.LocalReturn, err = decimal.NewFromString(localReturn); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse local return %s", localReturn)
	}
	return &h, nil
}
