package store

import "context"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS loops (
    id BIGSERIAL PRIMARY KEY,
    protocol TEXT NOT NULL,
    chain_id BIGINT NOT NULL,
    supply_asset_address TEXT NOT NULL,
    supply_asset_symbol TEXT NOT NULL,
    borrow_asset_address TEXT NOT NULL,
    borrow_asset_symbol TEXT NOT NULL,
    supply_apr_daily DOUBLE PRECISION NOT NULL DEFAULT 0,
    supply_apr_weekly DOUBLE PRECISION NOT NULL DEFAULT 0,
    supply_apr_monthly DOUBLE PRECISION NOT NULL DEFAULT 0,
    supply_apr_yearly DOUBLE PRECISION NOT NULL DEFAULT 0,
    borrow_apr_daily DOUBLE PRECISION NOT NULL DEFAULT 0,
    borrow_apr_weekly DOUBLE PRECISION NOT NULL DEFAULT 0,
    borrow_apr_monthly DOUBLE PRECISION NOT NULL DEFAULT 0,
    borrow_apr_yearly DOUBLE PRECISION NOT NULL DEFAULT 0,
    liquidity_usd DOUBLE PRECISION,
    max_ltv DOUBLE PRECISION NOT NULL,
    lltv DOUBLE PRECISION NOT NULL,
    link TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS loops_protocol_idx ON loops (protocol);
CREATE INDEX IF NOT EXISTS loops_chain_id_idx ON loops (chain_id);

CREATE TABLE IF NOT EXISTS yields (
    symbol TEXT PRIMARY KEY,
    daily DOUBLE PRECISION,
    weekly DOUBLE PRECISION,
    monthly DOUBLE PRECISION,
    yearly DOUBLE PRECISION,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE VIEW loops_with_yields AS
SELECT
    l.*,
    ys.daily AS supply_yield_daily,
    ys.weekly AS supply_yield_weekly,
    ys.monthly AS supply_yield_monthly,
    ys.yearly AS supply_yield_yearly,
    yb.daily AS borrow_yield_daily,
    yb.weekly AS borrow_yield_weekly,
    yb.monthly AS borrow_yield_monthly,
    yb.yearly AS borrow_yield_yearly
FROM loops l
LEFT JOIN yields ys ON ys.symbol = lower(l.supply_asset_symbol)
LEFT JOIN yields yb ON yb.symbol = lower(l.borrow_asset_symbol);
`

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migrationSQL)
	return err
}
