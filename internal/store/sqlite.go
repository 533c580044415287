package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/model"
)

// SQLitePriceLog is a PriceStore backed by a local SQLite file in WAL mode.
// It lets the price history live apart from the account data.
type SQLitePriceLog struct {
	db *sql.DB
}

// NewSQLitePriceLog opens (or creates) the price log at path.
func NewSQLitePriceLog(path string) (*SQLitePriceLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS price_observations (
			symbol TEXT NOT NULL,
			seq INTEGER NOT NULL,
			price TEXT NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			cause TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			PRIMARY KEY (symbol, seq)
		);
		CREATE INDEX IF NOT EXISTS price_observations_ts ON price_observations (symbol, ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create price_observations table: %w", err)
	}

	return &SQLitePriceLog{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLitePriceLog) Close() error {
	return s.db.Close()
}

func (s *SQLitePriceLog) AppendPriceObservation(ctx context.Context, o *model.PriceObservation) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO price_observations (symbol, seq, price, volume, cause, reason, ts) VALUES (?, ?, ?, ?, ?, ?, ?)",
		o.Symbol, o.Seq, o.Price.String(), o.Volume, string(o.Cause), o.Reason, o.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert price observation: %w", err)
	}
	return nil
}

func (s *SQLitePriceLog) QueryPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error) {
	endNs := int64(1<<63 - 1)
	if !end.IsZero() {
		endNs = end.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, seq, price, volume, cause, reason, ts FROM price_observations
		 WHERE symbol = ? AND ts >= ? AND ts < ? ORDER BY seq`,
		symbol, start.UnixNano(), endNs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()
	return scanSQLiteObservations(rows)
}

func (s *SQLitePriceLog) LatestPriceObservation(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, seq, price, volume, cause, reason, ts FROM price_observations
		 WHERE symbol = ? ORDER BY seq DESC LIMIT 1`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest price: %w", err)
	}
	defer rows.Close()

	obs, err := scanSQLiteObservations(rows)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("price history for %s: %w", symbol, model.ErrNotFound)
	}
	return &obs[0], nil
}

func (s *SQLitePriceLog) RecentTrades(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, seq, price, volume, cause, reason, ts FROM price_observations
		 WHERE symbol = ? AND cause IN ('buy', 'sell') ORDER BY seq DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()
	return scanSQLiteObservations(rows)
}

func scanSQLiteObservations(rows *sql.Rows) ([]model.PriceObservation, error) {
	var result []model.PriceObservation
	for rows.Next() {
		var o model.PriceObservation
		var price, cause string
		var ts int64
		if err := rows.Scan(&o.Symbol, &o.Seq, &price, &o.Volume, &cause, &o.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan price observation: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("corrupt price at seq %d", o.Seq), err)
		}
		o.Price = p
		o.Cause = model.Cause(cause)
		o.Timestamp = time.Unix(0, ts).UTC()
		result = append(result, o)
	}
	return result, rows.Err()
}

// PriceLogStore routes price observation calls to a dedicated PriceStore and
// everything else to the embedded Store.
type PriceLogStore struct {
	Store
	Prices PriceStore
}

func (s *PriceLogStore) AppendPriceObservation(ctx context.Context, obs *model.PriceObservation) error {
	return s.Prices.AppendPriceObservation(ctx, obs)
}

func (s *PriceLogStore) QueryPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error) {
	return s.Prices.QueryPriceHistory(ctx, symbol, start, end)
}

func (s *PriceLogStore) LatestPriceObservation(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	return s.Prices.LatestPriceObservation(ctx, symbol)
}

func (s *PriceLogStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	return s.Prices.RecentTrades(ctx, symbol, limit)
}
