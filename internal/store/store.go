// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), SQLite (dedicated price log) and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/orangestock/market-engine/internal/model"
)

// PriceStore is the append-only log of price observations.
type PriceStore interface {
	// AppendPriceObservation persists an observation. Seq is assigned by
	// the caller and is monotonic per symbol.
	AppendPriceObservation(ctx context.Context, obs *model.PriceObservation) error

	// QueryPriceHistory returns observations with start <= timestamp < end,
	// ordered by Seq. A zero end means "until now".
	QueryPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error)

	// LatestPriceObservation returns the most recent observation, or
	// model.ErrNotFound if the log is empty.
	LatestPriceObservation(ctx context.Context, symbol string) (*model.PriceObservation, error)

	// RecentTrades returns up to limit buy/sell observations, newest first.
	RecentTrades(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error)
}

// Tx is the unit of work used by the ledger. Reads through a Tx observe
// the Tx's own pending writes; nothing is visible to other readers until
// the surrounding RunInTx commits.
type Tx interface {
	// GetUser loads a user for update.
	GetUser(ctx context.Context, id string) (*model.User, error)
	SaveUser(ctx context.Context, u *model.User) error

	// GetHolding returns the user's holding, or a zero holding if none exists.
	GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error)
	SaveHolding(ctx context.Context, h *model.Holding) error

	AppendTransaction(ctx context.Context, tx *model.Transaction) error

	GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	PriceStore

	// --- Users ---

	// CreateUser persists a new user. Duplicate username or email yields
	// model.ErrConflict.
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Holdings ---

	GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error)
	ListHoldings(ctx context.Context, symbol string) ([]model.Holding, error)

	// --- Immutable transaction log ---

	// QueryTransactions returns the user's newest transactions first.
	QueryTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error)

	// --- Limit orders ---

	GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error

	// QueryActiveLimitOrders returns active orders in FIFO order
	// (CreatedAt ascending, then ID).
	QueryActiveLimitOrders(ctx context.Context, symbol string) ([]model.LimitOrder, error)

	// QueryUserLimitOrders returns a user's orders, newest first. Empty
	// status matches every status.
	QueryUserLimitOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.LimitOrder, error)

	// --- Unit of work ---

	// RunInTx runs fn inside one atomic unit. If fn returns an error, or
	// the commit fails, no write made through the Tx is applied.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}
