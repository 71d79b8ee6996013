package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Loops ---

// LoopRow is one row of the loops table. LTV is not stored: max_ltv and
// lltv are kept raw so readers apply their own depeg tolerance.
type LoopRow struct {
	Protocol           string    `db:"protocol"`
	ChainID            int64     `db:"chain_id"`
	SupplyAssetAddress string    `db:"supply_asset_address"`
	SupplyAssetSymbol  string    `db:"supply_asset_symbol"`
	BorrowAssetAddress string    `db:"borrow_asset_address"`
	BorrowAssetSymbol  string    `db:"borrow_asset_symbol"`
	SupplyAprDaily     float64   `db:"supply_apr_daily"`
	SupplyAprWeekly    float64   `db:"supply_apr_weekly"`
	SupplyAprMonthly   float64   `db:"supply_apr_monthly"`
	SupplyAprYearly    float64   `db:"supply_apr_yearly"`
	BorrowAprDaily     float64   `db:"borrow_apr_daily"`
	BorrowAprWeekly    float64   `db:"borrow_apr_weekly"`
	BorrowAprMonthly   float64   `db:"borrow_apr_monthly"`
	BorrowAprYearly    float64   `db:"borrow_apr_yearly"`
	LiquidityUSD       *float64  `db:"liquidity_usd"`
	MaxLTV             float64   `db:"max_ltv"`
	LLTV               float64   `db:"lltv"`
	Link               string    `db:"link"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// LoopWithYields is a loops_with_yields row: the loop plus the token yields
// of both legs, NULL when the symbol has no yields row.
type LoopWithYields struct {
	LoopRow
	SupplyYieldDaily   *float64 `db:"supply_yield_daily"`
	SupplyYieldWeekly  *float64 `db:"supply_yield_weekly"`
	SupplyYieldMonthly *float64 `db:"supply_yield_monthly"`
	SupplyYieldYearly  *float64 `db:"supply_yield_yearly"`
	BorrowYieldDaily   *float64 `db:"borrow_yield_daily"`
	BorrowYieldWeekly  *float64 `db:"borrow_yield_weekly"`
	BorrowYieldMonthly *float64 `db:"borrow_yield_monthly"`
	BorrowYieldYearly  *float64 `db:"borrow_yield_yearly"`
}

var loopColumns = []string{
	"protocol", "chain_id",
	"supply_asset_address", "supply_asset_symbol", "borrow_asset_address", "borrow_asset_symbol",
	"supply_apr_daily", "supply_apr_weekly", "supply_apr_monthly", "supply_apr_yearly",
	"borrow_apr_daily", "borrow_apr_weekly", "borrow_apr_monthly", "borrow_apr_yearly",
	"liquidity_usd", "max_ltv", "lltv", "link",
}

var yieldColumns = []string{
	"supply_yield_daily", "supply_yield_weekly", "supply_yield_monthly", "supply_yield_yearly",
	"borrow_yield_daily", "borrow_yield_weekly", "borrow_yield_monthly", "borrow_yield_yearly",
}

// LoopQuery filters loop reads. A nil field does not filter.
type LoopQuery struct {
	ChainIDs     []int64
	MinLiquidity *float64
	Protocols    []string
}

// buildLoopsQuery renders the SELECT for relation with only the requested
// predicates. A zero minimum liquidity does not filter.
func buildLoopsQuery(relation string, columns []string, q LoopQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.ChainIDs != nil {
		args = append(args, q.ChainIDs)
		where = append(where, fmt.Sprintf("chain_id = ANY($%d)", len(args)))
	}
	if q.MinLiquidity != nil && *q.MinLiquidity != 0 {
		args = append(args, *q.MinLiquidity)
		where = append(where, fmt.Sprintf("liquidity_usd >= $%d", len(args)))
	}
	if q.Protocols != nil {
		args = append(args, q.Protocols)
		where = append(where, fmt.Sprintf("protocol = ANY($%d)", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(relation)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id")
	return b.String(), args
}

func withUpdatedAt(cols ...[]string) []string {
	var out []string
	for _, c := range cols {
		out = append(out, c...)
	}
	return append(out, "updated_at")
}

// GetLoops reads the loops table.
func (s *Store) GetLoops(ctx context.Context, q LoopQuery) ([]LoopRow, error) {
	sql, args := buildLoopsQuery("loops", withUpdatedAt(loopColumns), q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query loops: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[LoopRow])
}

// GetLoopsWithYields reads the loops_with_yields view.
func (s *Store) GetLoopsWithYields(ctx context.Context, q LoopQuery) ([]LoopWithYields, error) {
	sql, args := buildLoopsQuery("loops_with_yields", withUpdatedAt(loopColumns, yieldColumns), q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query loops_with_yields: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[LoopWithYields])
}

// ReplaceLoops swaps every row of protocol for rows in one transaction.
func (s *Store) ReplaceLoops(ctx context.Context, protocol string, rows []LoopRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM loops WHERE protocol = $1`, protocol); err != nil {
		return fmt.Errorf("delete %s loops: %w", protocol, err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"loops"}, loopColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				protocol, r.ChainID,
				r.SupplyAssetAddress, r.SupplyAssetSymbol, r.BorrowAssetAddress, r.BorrowAssetSymbol,
				r.SupplyAprDaily, r.SupplyAprWeekly, r.SupplyAprMonthly, r.SupplyAprYearly,
				r.BorrowAprDaily, r.BorrowAprWeekly, r.BorrowAprMonthly, r.BorrowAprYearly,
				r.LiquidityUSD, r.MaxLTV, r.LLTV, r.Link,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy %s loops: %w", protocol, err)
	}
	return tx.Commit(ctx)
}

// --- Yields ---

// TokenYield is the enrichment figure of one token symbol per horizon.
type TokenYield struct {
	Symbol  string
	Daily   float64
	Weekly  float64
	Monthly float64
	Yearly  float64
}

// UpsertYields writes token yields keyed by lower-cased symbol.
func (s *Store) UpsertYields(ctx context.Context, yields []TokenYield) error {
	if len(yields) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, y := range yields {
		batch.Queue(`INSERT INTO yields (symbol, daily, weekly, monthly, yearly, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (symbol) DO UPDATE SET
				daily = EXCLUDED.daily, weekly = EXCLUDED.weekly,
				monthly = EXCLUDED.monthly, yearly = EXCLUDED.yearly,
				updated_at = now()`,
			strings.ToLower(y.Symbol), y.Daily, y.Weekly, y.Monthly, y.Yearly)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert yields: %w", err)
	}
	return nil
}
