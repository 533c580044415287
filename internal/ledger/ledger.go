// Package ledger is the only code that changes user balances and holdings.
// Every mutation runs inside a store.Tx supplied by the caller, so one trade's
// debit, credit, holding change and transaction record commit together.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/store"
)

// CostScale is the number of decimal places kept for average cost.
const CostScale int32 = 4

// Ledger applies balance and holding changes and serializes them per user.
type Ledger struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger.
func New() *Ledger {
	return &Ledger{now: time.Now, locks: make(map[string]*userLock)}
}

// LockUser acquires the user's lock and returns its release function.
// Callers that also hold a symbol lock must take that one first.
func (l *Ledger) LockUser(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// Debit removes amount from the user's points.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.User, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("debit %s: %w", amount, model.ErrInvalidArgument)
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Points.LessThan(amount) {
		return nil, fmt.Errorf("need %s, have %s: %w", amount, u.Points, model.ErrInsufficientFunds)
	}
	u.Points = u.Points.Sub(amount)
	u.UpdatedAt = l.now().UTC()
	if err := tx.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Credit adds amount to the user's points.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.User, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("credit %s: %w", amount, model.ErrInvalidArgument)
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Points = u.Points.Add(amount)
	u.UpdatedAt = l.now().UTC()
	if err := tx.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// AdjustHolding changes the user's share count by delta at price. Buys
// (delta > 0) fold price into the volume-weighted average cost; sells leave
// it unchanged, even when they close the position.
func (l *Ledger) AdjustHolding(ctx context.Context, tx store.Tx, userID, symbol string, delta int64, price decimal.Decimal) (*model.Holding, error) {
	if delta == 0 {
		return nil, fmt.Errorf("zero share delta: %w", model.ErrInvalidArgument)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("price %s: %w", price, model.ErrInvalidArgument)
	}
	h, err := tx.GetHolding(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	next := h.Shares + delta
	switch {
	case next < 0:
		return nil, fmt.Errorf("need %d shares, have %d: %w", -delta, h.Shares, model.ErrInsufficientShares)
	case delta > 0:
		held := h.AverageCost.Mul(decimal.NewFromInt(h.Shares))
		bought := price.Mul(decimal.NewFromInt(delta))
		h.AverageCost = held.Add(bought).Div(decimal.NewFromInt(next)).Round(CostScale)
	}
	h.Shares = next
	h.UpdatedAt = l.now().UTC()
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}
