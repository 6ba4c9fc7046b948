package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/crestline-capital/valuation-cli/internal/db"
	"github.com/crestline-capital/valuation-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_pack":           selectPackSQL + ` WHERE id = $1`,
	"count_pack_metrics": `SELECT COUNT(*) FROM metrics WHERE pricing_pack_id = $1`,
	"count_pack_attrib":  `SELECT COUNT(*) FROM attributions WHERE pricing_pack_id = $1`,
	"get_fx_rates":       `SELECT currency, rate, prev_rate FROM pack_fx_rates WHERE pack_id = $1 ORDER BY currency`,
}

const selectPackSQL = `SELECT id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at FROM packs`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS packs (
	id            TEXT PRIMARY KEY,
	pack_date     DATE NOT NULL,
	policy        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'building',
	content_hash  TEXT NOT NULL,
	is_fresh      BOOLEAN NOT NULL DEFAULT FALSE,
	prewarm_done  BOOLEAN NOT NULL DEFAULT FALSE,
	superseded_by TEXT REFERENCES packs(id),
	sources       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS metrics (
	id              TEXT PRIMARY KEY,
	portfolio_id    TEXT NOT NULL,
	metric_date     DATE NOT NULL,
	name            TEXT NOT NULL,
	value           NUMERIC NOT NULL,
	pricing_pack_id TEXT NOT NULL REFERENCES packs(id),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attributions (
	id                 TEXT PRIMARY KEY,
	portfolio_id       TEXT NOT NULL,
	as_of_date         DATE NOT NULL,
	base_currency      TEXT NOT NULL,
	local_return       NUMERIC NOT NULL,
	fx_return          NUMERIC NOT NULL,
	interaction_return NUMERIC NOT NULL,
	total_return       NUMERIC NOT NULL,
	error_bps          NUMERIC NOT NULL,
	pricing_pack_id    TEXT NOT NULL REFERENCES packs(id),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pack_fx_rates (
	pack_id   TEXT NOT NULL REFERENCES packs(id),
	currency  TEXT NOT NULL,
	rate      NUMERIC NOT NULL,
	prev_rate NUMERIC NOT NULL,
	PRIMARY KEY (pack_id, currency)
);

CREATE TABLE IF NOT EXISTS holding_returns (
	portfolio_id TEXT NOT NULL,
	as_of_date   DATE NOT NULL,
	security_id  TEXT NOT NULL,
	currency     TEXT NOT NULL,
	weight       NUMERIC NOT NULL,
	local_return NUMERIC NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date, security_id)
);

CREATE INDEX IF NOT EXISTS idx_packs_date ON packs(pack_date);
CREATE INDEX IF NOT EXISTS idx_packs_superseded_by ON packs(superseded_by);
CREATE INDEX IF NOT EXISTS idx_metrics_pack ON metrics(pricing_pack_id);
CREATE INDEX IF NOT EXISTS idx_metrics_portfolio_date ON metrics(portfolio_id, metric_date);
CREATE INDEX IF NOT EXISTS idx_attributions_pack ON attributions(pricing_pack_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetPack(ctx context.Context, id string) (*model.PricingPack, error) {
	row := s.pool.QueryRow(ctx, selectPackSQL+` WHERE id = $1`, id)
	return scanPGPack(row, id)
}

func (s *PostgresStore) InsertPack(ctx context.Context, p model.PricingPack) error {
	sourcesJSON, err := json.Marshal(p.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sources")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO packs (id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Date, p.Policy, string(p.Status), p.ContentHash,
		p.IsFresh, p.PrewarmDone, p.SupersededBy, sourcesJSON, p.CreatedAt,
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "pack %s", p.ID)
		}
		return eris.Wrapf(err, "postgres: insert pack %s", p.ID)
	}
	return nil
}

func (s *PostgresStore) ListPacks(ctx context.Context) ([]model.PricingPack, error) {
	rows, err := s.pool.Query(ctx, selectPackSQL+` ORDER BY pack_date, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list packs")
	}
	defer rows.Close()

	var packs []model.PricingPack
	for rows.Next() {
		p, err := scanPGPack(rows, "")
		if err != nil {
			return nil, err
		}
		packs = append(packs, *p)
	}
	return packs, eris.Wrap(rows.Err(), "postgres: list packs iterate")
}

// CommitSupersede runs the two-part correction write as one transaction
// with the superseded_by IS NULL guard as the optimistic precondition.
func (s *PostgresStore) CommitSupersede(ctx context.Context, d0ID string, d1 model.PricingPack) error {
	sourcesJSON, err := json.Marshal(d1.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal sources")
	}
	if d1.CreatedAt.IsZero() {
		d1.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin supersede tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current *string
	err = tx.QueryRow(ctx, `SELECT superseded_by FROM packs WHERE id = $1 FOR UPDATE`, d0ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(d0ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: load pack %s", d0ID)
	}
	if current != nil {
		return eris.Wrapf(ErrAlreadySuperseded, "pack %s superseded by %s", d0ID, *current)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO packs (id, pack_date, policy, status, content_hash, is_fresh, prewarm_done, superseded_by, sources, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d1.ID, d1.Date, d1.Policy, string(d1.Status), d1.ContentHash,
		d1.IsFresh, d1.PrewarmDone, d1.SupersededBy, sourcesJSON, d1.CreatedAt,
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "pack %s", d1.ID)
		}
		return eris.Wrapf(err, "postgres: insert successor %s", d1.ID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE packs SET superseded_by = $1 WHERE id = $2 AND superseded_by IS NULL`,
		d1.ID, d0ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update supersede pointer %s", d0ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrAlreadySuperseded, "pack %s", d0ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit supersede")
}

func (s *PostgresStore) SetPackStatus(ctx context.Context, id string, status model.PackStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE packs SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set pack status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) SetPackFreshness(ctx context.Context, id string, isFresh, prewarmDone bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE packs SET is_fresh = $1, prewarm_done = $2 WHERE id = $3`, isFresh, prewarmDone, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set pack freshness %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// CountImpact runs all counting queries in one repeatable-read transaction
// so the report reflects a single snapshot of the store.
func (s *PostgresStore) CountImpact(ctx context.Context, packID string) (*ImpactCounts, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin impact tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM packs WHERE id = $1`, packID).Scan(&exists); err != nil {
		return nil, eris.Wrapf(err, "postgres: check pack %s", packID)
	}
	if exists == 0 {
		return nil, notFound(packID)
	}

	var counts ImpactCounts
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM metrics WHERE pricing_pack_id = $1`, packID).Scan(&counts.MetricCount); err != nil {
		return nil, eris.Wrapf(err, "postgres: count metrics for %s", packID)
	}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM attributions WHERE pricing_pack_id = $1`, packID).Scan(&counts.AttributionCount); err != nil {
		return nil, eris.Wrapf(err, "postgres: count attributions for %s", packID)
	}

	rows, err := tx.Query(ctx,
		`SELECT portfolio_id FROM metrics WHERE pricing_pack_id = $1
		 UNION
		 SELECT portfolio_id FROM attributions WHERE pricing_pack_id = $2
		 ORDER BY portfolio_id`,
		packID, packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list affected portfolios for %s", packID)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, eris.Wrap(err, "postgres: scan portfolio id")
		}
		counts.PortfolioIDs = append(counts.PortfolioIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate portfolios")
	}

	return &counts, eris.Wrap(tx.Commit(ctx), "postgres: commit impact tx")
}

func (s *PostgresStore) InsertFXRates(ctx context.Context, packID string, rates []model.FXRate) error {
	rows := make([][]any, 0, len(rates))
	for _, r := range rates {
		rows = append(rows, []any{packID, r.Currency, r.Rate, r.PrevRate})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "pack_fx_rates",
		Columns:      []string{"pack_id", "currency", "rate", "prev_rate"},
		ConflictKeys: []string{"pack_id", "currency"},
	}, rows)
	return eris.Wrapf(err, "postgres: insert fx rates %s", packID)
}

func (s *PostgresStore) GetFXRates(ctx context.Context, packID string) ([]model.FXRate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency, rate, prev_rate FROM pack_fx_rates WHERE pack_id = $1 ORDER BY currency`,
		packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get fx rates %s", packID)
	}
	defer rows.Close()

	var rates []model.FXRate
	for rows.Next() {
		var r model.FXRate
		if err := rows.Scan(&r.Currency, &r.Rate, &r.PrevRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fx rate")
		}
		rates = append(rates, r)
	}
	return rates, eris.Wrap(rows.Err(), "postgres: iterate fx rates")
}

func (s *PostgresStore) InsertHoldingReturns(ctx context.Context, returns []model.HoldingReturn) error {
	rows := make([][]any, 0, len(returns))
	for _, h := range returns {
		rows = append(rows, []any{h.PortfolioID, h.AsOfDate, h.SecurityID, h.Currency, h.Weight, h.LocalReturn})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "holding_returns",
		Columns:      []string{"portfolio_id", "as_of_date", "security_id", "currency", "weight", "local_return"},
		ConflictKeys: []string{"portfolio_id", "as_of_date", "security_id"},
	}, rows)
	return eris.Wrap(err, "postgres: insert holding returns")
}

func (s *PostgresStore) GetHoldingReturns(ctx context.Context, portfolioID string, asOf time.Time) ([]model.HoldingReturn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, as_of_date, security_id, currency, weight, local_return
		 FROM holding_returns WHERE portfolio_id = $1 AND as_of_date = $2 ORDER BY security_id`,
		portfolioID, asOf,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get holding returns %s", portfolioID)
	}
	defer rows.Close()

	var returns []model.HoldingReturn
	for rows.Next() {
		var h model.HoldingReturn
		if err := rows.Scan(&h.PortfolioID, &h.AsOfDate, &h.SecurityID, &h.Currency, &h.Weight, &h.LocalReturn); err != nil {
			return nil, eris.Wrap(err, "postgres: scan holding return")
		}
		returns = append(returns, h)
	}
	return returns, eris.Wrap(rows.Err(), "postgres: iterate holding returns")
}

func (s *PostgresStore) InsertMetric(ctx context.Context, m model.MetricRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metrics (id, portfolio_id, metric_date, name, value, pricing_pack_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.PortfolioID, m.Date, m.Name, m.Value, m.PricingPackID, m.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert metric %s", m.Name)
}

// InsertMetrics writes a batch of metric rows over the COPY protocol.
func (s *PostgresStore) InsertMetrics(ctx context.Context, ms []model.MetricRecord) error {
	rows := make([][]any, 0, len(ms))
	now := time.Now().UTC()
	for _, m := range ms {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		rows = append(rows, []any{m.ID, m.PortfolioID, m.Date, m.Name, m.Value, m.PricingPackID, m.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, s.pool, "metrics",
		[]string{"id", "portfolio_id", "metric_date", "name", "value", "pricing_pack_id", "created_at"}, rows)
	return eris.Wrap(err, "postgres: insert metrics")
}

func (s *PostgresStore) GetMetrics(ctx context.Context, portfolioID string, date time.Time, packID string) ([]model.MetricRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, metric_date, name, value, pricing_pack_id, created_at
		 FROM metrics WHERE portfolio_id = $1 AND metric_date = $2 AND pricing_pack_id = $3 ORDER BY name`,
		portfolioID, date, packID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get metrics %s", portfolioID)
	}
	defer rows.Close()

	var metrics []model.MetricRecord
	for rows.Next() {
		var m model.MetricRecord
		if err := rows.Scan(&m.ID, &m.PortfolioID, &m.Date, &m.Name, &m.Value, &m.PricingPackID, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		metrics = append(metrics, m)
	}
	return metrics, eris.Wrap(rows.Err(), "postgres: iterate metrics")
}

func (s *PostgresStore) InsertAttribution(ctx context.Context, a model.AttributionRecord) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attributions (id, portfolio_id, as_of_date, base_currency, local_return, fx_return, interaction_return, total_return, error_bps, pricing_pack_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.PortfolioID, a.AsOfDate, a.BaseCurrency,
		a.LocalReturn, a.FXReturn, a.InteractionReturn, a.TotalReturn, a.ErrorBps,
		a.PricingPackID, a.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert attribution %s", a.PortfolioID)
}

// helpers

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPGPack(row pgScannable, id string) (*model.PricingPack, error) {
	var p model.PricingPack
	var sourcesJSON []byte

	err := row.Scan(&p.ID, &p.Date, &p.Policy, &p.Status, &p.ContentHash,
		&p.IsFresh, &p.PrewarmDone, &p.SupersededBy, &sourcesJSON, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan pack")
	}

	if err := json.Unmarshal(sourcesJSON, &p.Sources); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal sources")
	}
	return &p, nil
}
