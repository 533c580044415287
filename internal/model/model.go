// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSymbol is the single security traded by the exchange.
const DefaultSymbol = "ORANGE"

// Role is a user's permission level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Side is the direction of a trade or limit order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Cause records what moved the price.
type Cause string

const (
	CauseBuy         Cause = "buy"
	CauseSell        Cause = "sell"
	CauseFluctuation Cause = "fluctuation"
	CauseAdminAdjust Cause = "admin_adjust"
)

// OrderStatus is the lifecycle state of a limit order. Executed and
// cancelled are terminal.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
)

// User is a registered trader. Points is mutated only by the ledger.
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Role         Role            `json:"role" db:"role"`
	Points       decimal.Decimal `json:"points" db:"points"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a user's share position in one symbol.
type Holding struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Shares      int64           `json:"shares" db:"shares"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceObservation is an immutable point in a symbol's price history.
type PriceObservation struct {
	Seq       int64           `json:"seq" db:"seq"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Volume    int64           `json:"volume" db:"volume"`
	Cause     Cause           `json:"cause" db:"cause"`
	Reason    string          `json:"reason,omitempty" db:"reason"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Transaction is an immutable record of a settled trade.
// Schema: {user, symbol, side, quantity, price, total, timestamp}
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`               // pre-trade market price
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"` // price * quantity
	LimitOrderID string          `json:"limit_order_id,omitempty" db:"limit_order_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// LimitOrder is a resting instruction to trade once the price crosses
// TargetPrice.
type LimitOrder struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Side          Side            `json:"side" db:"side"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	TargetPrice   decimal.Decimal `json:"target_price" db:"target_price"`
	Status        OrderStatus     `json:"status" db:"status"`
	CancelReason  string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	ExecutedPrice decimal.Decimal `json:"executed_price" db:"executed_price"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Triggered reports whether the order's condition holds at price.
// Buys fire once the market is at or below target, sells at or above.
func (o *LimitOrder) Triggered(price decimal.Decimal) bool {
	if o.Status != OrderActive {
		return false
	}
	switch o.Side {
	case SideBuy:
		return o.TargetPrice.GreaterThanOrEqual(price)
	case SideSell:
		return o.TargetPrice.LessThanOrEqual(price)
	}
	return false
}

// PriceImpactSettings are the tunable parameters of the impact model.
type PriceImpactSettings struct {
	BuyImpactMultiplier    decimal.Decimal `json:"buy_impact_multiplier" yaml:"buy_impact_multiplier"`
	SellImpactMultiplier   decimal.Decimal `json:"sell_impact_multiplier" yaml:"sell_impact_multiplier"`
	VolumeDecayFactor      decimal.Decimal `json:"volume_decay_factor" yaml:"volume_decay_factor"`
	RandomFluctuationRange decimal.Decimal `json:"random_fluctuation_range" yaml:"random_fluctuation_range"`
}

// SettingsPatch is a partial update of PriceImpactSettings; nil fields are
// left unchanged.
type SettingsPatch struct {
	BuyImpactMultiplier    *decimal.Decimal `json:"buy_impact_multiplier,omitempty"`
	SellImpactMultiplier   *decimal.Decimal `json:"sell_impact_multiplier,omitempty"`
	VolumeDecayFactor      *decimal.Decimal `json:"volume_decay_factor,omitempty"`
	RandomFluctuationRange *decimal.Decimal `json:"random_fluctuation_range,omitempty"`
}

// PriceUpdate is the event pushed to subscribers after every price move.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Cause     Cause           `json:"cause"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Portfolio is a user's balance and mark-to-market position.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Points        decimal.Decimal `json:"points"`
	Symbol        string          `json:"symbol"`
	Shares        int64           `json:"shares"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`  // shares * price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // value - shares * avg cost
	TotalAssets   decimal.Decimal `json:"total_assets"`   // points + value
}

// Ranking is one row of the leaderboard ordered by total assets.
type Ranking struct {
	Rank        int             `json:"rank"`
	UserID      string          `json:"user_id"`
	Username    string          `json:"username"`
	Points      decimal.Decimal `json:"points"`
	Shares      int64           `json:"shares"`
	TotalAssets decimal.Decimal `json:"total_assets"`
}
