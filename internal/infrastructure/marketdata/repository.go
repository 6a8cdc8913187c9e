package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "footprint/internal/domain/entity/marketdata"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository is the Postgres trade log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const createTableQuery = `
	CREATE TABLE IF NOT EXISTS trades (
		symbol         TEXT        NOT NULL,
		trade_id       TEXT        NOT NULL,
		executed_at    TIMESTAMPTZ NOT NULL,
		side           TEXT        NOT NULL,
		size           NUMERIC     NOT NULL,
		price          NUMERIC     NOT NULL,
		tick_direction TEXT,
		PRIMARY KEY (symbol, trade_id)
	)`

const createIndexQuery = `
	CREATE INDEX IF NOT EXISTS trades_symbol_executed_at_idx ON trades (symbol, executed_at)`

// EnsureSchema creates the trades table and its index when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createTableQuery); err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}
	if _, err := r.pool.Exec(ctx, createIndexQuery); err != nil {
		return fmt.Errorf("create trades index: %w", err)
	}
	return nil
}

// Trades

// Sizes and prices travel as text and are cast server side, so no precision
// is lost in either direction.
const insertTradeQuery = `
	INSERT INTO trades (symbol, trade_id, executed_at, side, size, price, tick_direction)
	VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, NULLIF($7, ''))
	ON CONFLICT (symbol, trade_id) DO NOTHING`

const selectTradeColumns = `
	SELECT symbol, trade_id, executed_at, side, size::text, price::text, COALESCE(tick_direction, '')
	FROM trades`

// AddTrades inserts trades in one round trip. Rows whose (symbol, trade_id)
// is already stored are ignored; the number of inserted rows is returned.
func (r *Repository) AddTrades(ctx context.Context, trades []domain.Trade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := range trades {
		batch.Queue(insertTradeQuery, tradeArgs(trades[i])...)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range trades {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert trade: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func tradeArgs(trade domain.Trade) []any {
	return []any{
		trade.Symbol,
		trade.ID,
		trade.ExecutedAt.UTC(),
		string(trade.Side),
		trade.Size.String(),
		trade.Price.String(),
		trade.TickDirection,
	}
}

func (r *Repository) GetTradesBetween(ctx context.Context, symbol string, from, to time.Time) ([]domain.Trade, error) {
	const query = selectTradeColumns + `
		WHERE symbol=$1 AND executed_at >= $2 AND executed_at <= $3
		ORDER BY executed_at ASC, trade_id ASC`
	rows, err := r.pool.Query(ctx, query, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (r *Repository) GetLastTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const query = selectTradeColumns + `
		WHERE symbol=$1
		ORDER BY executed_at DESC, trade_id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		trade       domain.Trade
		side        string
		size, price string
	)
	err := row.Scan(
		&trade.Symbol,
		&trade.ID,
		&trade.ExecutedAt,
		&side,
		&size,
		&price,
		&trade.TickDirection,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	return decodeTrade(trade, side, size, price)
}

func decodeTrade(trade domain.Trade, side, size, price string) (domain.Trade, error) {
	var err error
	trade.ExecutedAt = trade.ExecutedAt.UTC().Truncate(domain.Precision)
	if trade.Side, err = domain.ParseSide(side); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %s: %w", trade.ID, err)
	}
	if trade.Size, err = decimal.NewFromString(size); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %s: parse size: %w", trade.ID, err)
	}
	if trade.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %s: parse price: %w", trade.ID, err)
	}
	return trade, nil
}
