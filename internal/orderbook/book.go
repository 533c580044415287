// Package orderbook holds resting limit orders and executes them through
// trade settlement once the market price crosses their target.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/metrics"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/pricing"
	"github.com/orangestock/market-engine/internal/store"
	"github.com/orangestock/market-engine/internal/trade"
)

// DefaultDepth is the number of quote levels per side.
const DefaultDepth = 5

// Trader settles market orders. Implemented by *trade.Service.
type Trader interface {
	ExecuteTrade(ctx context.Context, req trade.Request) (*trade.Result, error)
}

// Book is the limit order book of one symbol. It implements
// trade.PriceListener.
type Book struct {
	store  store.Store
	trader Trader
	symbol string
	now    func() time.Time

	// A single goroutine scans at a time. Price changes that arrive while it
	// runs only update latest; the scanner picks them up before it exits.
	mu       sync.Mutex
	scanning bool
	dirty    bool
	latest   decimal.Decimal
}

// New creates the book for symbol.
func New(st store.Store, trader Trader, symbol string) *Book {
	return &Book{
		store:  st,
		trader: trader,
		symbol: symbol,
		now:    time.Now,
	}
}

// Place creates an active limit order.
func (b *Book) Place(ctx context.Context, userID string, side model.Side, quantity int64, target decimal.Decimal) (*model.LimitOrder, error) {
	rounded := target.Round(pricing.PriceScale)
	switch {
	case !side.Valid():
		return nil, fmt.Errorf("side %q must be buy or sell: %w", side, model.ErrInvalidArgument)
	case quantity <= 0:
		return nil, fmt.Errorf("quantity %d must be positive: %w", quantity, model.ErrInvalidArgument)
	case !rounded.IsPositive():
		return nil, fmt.Errorf("target price %s must be at least 0.01: %w", target, model.ErrInvalidArgument)
	}
	if _, err := b.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	o := &model.LimitOrder{
		ID:          uuid.New().String(),
		UserID:      userID,
		Symbol:      b.symbol,
		Side:        side,
		Quantity:    quantity,
		TargetPrice: rounded,
		Status:      model.OrderActive,
		CreatedAt:   b.now().UTC(),
	}
	if err := b.store.SaveLimitOrder(ctx, o); err != nil {
		return nil, err
	}

	metrics.LimitOrdersTotal.WithLabelValues("placed").Inc()
	slog.Info("limit order placed",
		"order_id", o.ID,
		"user", userID,
		"side", side,
		"qty", quantity,
		"target", o.TargetPrice.String(),
	)
	return o, nil
}

// Cancel cancels an active order owned by userID. Orders that already
// executed or were cancelled are reported as not found.
func (b *Book) Cancel(ctx context.Context, orderID, userID string) (*model.LimitOrder, error) {
	var out *model.LimitOrder
	err := b.store.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetLimitOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("limit order %s: %w", orderID, model.ErrForbidden)
		}
		if o.Status != model.OrderActive {
			return fmt.Errorf("limit order %s is already %s: %w", orderID, o.Status, model.ErrNotFound)
		}
		now := b.now().UTC()
		o.Status = model.OrderCancelled
		o.CancelledAt = &now
		o.CancelReason = "cancelled by user"
		out = o
		return tx.SaveLimitOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	metrics.LimitOrdersTotal.WithLabelValues("cancelled").Inc()
	slog.Info("limit order cancelled", "order_id", orderID, "user", userID)
	return out, nil
}

// List returns the user's orders with the given status, newest first. An
// empty status means every order.
func (b *Book) List(ctx context.Context, userID string, status model.OrderStatus) ([]model.LimitOrder, error) {
	switch status {
	case "", model.OrderActive, model.OrderExecuted, model.OrderCancelled:
	default:
		return nil, fmt.Errorf("status %q: %w", status, model.ErrInvalidArgument)
	}
	return b.store.QueryUserLimitOrders(ctx, userID, status)
}

// Level is one aggregated price level of the book.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Quotes is the aggregated depth of active orders. Bids are buy orders,
// best (highest) first; asks are sell orders, best (lowest) first.
type Quotes struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Depth aggregates active orders by target price, up to levels per side.
func (b *Book) Depth(ctx context.Context, levels int) (*Quotes, error) {
	if levels <= 0 {
		levels = DefaultDepth
	}
	orders, err := b.store.QueryActiveLimitOrders(ctx, b.symbol)
	if err != nil {
		return nil, err
	}

	var buys, sells []model.LimitOrder
	for _, o := range orders {
		if o.Side == model.SideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	bids := aggregate(buys)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	asks := aggregate(sells)
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	return &Quotes{
		Symbol: b.symbol,
		Bids:   truncate(bids, levels),
		Asks:   truncate(asks, levels),
	}, nil
}

func aggregate(orders []model.LimitOrder) []Level {
	index := make(map[string]int)
	levels := make([]Level, 0)
	for _, o := range orders {
		key := o.TargetPrice.String()
		i, ok := index[key]
		if !ok {
			i = len(levels)
			index[key] = i
			levels = append(levels, Level{Price: o.TargetPrice})
		}
		levels[i].Quantity += o.Quantity
		levels[i].Orders++
	}
	return levels
}

func truncate(levels []Level, n int) []Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

// OnPriceChange executes every active order triggered at price, oldest
// first. Calls that arrive while a scan is running are folded into it, so a
// cascade of executions re-scans iteratively instead of recursing.
func (b *Book) OnPriceChange(ctx context.Context, symbol string, price decimal.Decimal) {
	if symbol != b.symbol {
		return
	}

	b.mu.Lock()
	b.latest = price
	b.dirty = true
	if b.scanning {
		b.mu.Unlock()
		return
	}
	b.scanning = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if !b.dirty {
			b.scanning = false
			b.mu.Unlock()
			return
		}
		b.dirty = false
		b.mu.Unlock()

		b.scan(ctx)
	}
}

// current returns the latest price seen by the book.
func (b *Book) current() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *Book) scan(ctx context.Context) {
	orders, err := b.store.QueryActiveLimitOrders(ctx, b.symbol)
	if err != nil {
		slog.Error("load active limit orders failed", "symbol", b.symbol, "err", err)
		return
	}

	for i := range orders {
		o := &orders[i]
		// Each execution moves the price, so re-read it for every order.
		price := b.current()
		if !o.Triggered(price) {
			continue
		}
		b.execute(ctx, o, price)
	}
}

func (b *Book) execute(ctx context.Context, o *model.LimitOrder, price decimal.Decimal) {
	res, err := b.trader.ExecuteTrade(ctx, trade.Request{
		UserID:       o.UserID,
		Side:         o.Side,
		Quantity:     o.Quantity,
		LimitOrderID: o.ID,
	})
	switch {
	case err == nil:
		metrics.LimitOrdersTotal.WithLabelValues("executed").Inc()
		slog.Info("limit order executed",
			"order_id", o.ID,
			"user", o.UserID,
			"side", o.Side,
			"qty", o.Quantity,
			"target", o.TargetPrice.String(),
			"trigger_price", price.String(),
			"executed_price", res.ExecutedPrice.String(),
		)
	case errors.Is(err, model.ErrConflict):
		// Cancelled or executed since the scan loaded it.
	case errors.Is(err, model.ErrUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.LimitOrdersTotal.WithLabelValues("deferred").Inc()
		slog.Warn("limit order deferred", "order_id", o.ID, "err", err)
	default:
		b.cancelFailed(ctx, o.ID, err)
	}
}

// cancelFailed cancels an order whose settlement was rejected, so it is not
// retried on every tick.
func (b *Book) cancelFailed(ctx context.Context, orderID string, cause error) {
	reason := failureReason(cause)
	err := b.store.RunInTx(context.WithoutCancel(ctx), func(tx store.Tx) error {
		o, err := tx.GetLimitOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderActive {
			return nil
		}
		now := b.now().UTC()
		o.Status = model.OrderCancelled
		o.CancelledAt = &now
		o.CancelReason = reason
		return tx.SaveLimitOrder(ctx, o)
	})
	if err != nil {
		slog.Error("cancel failed limit order", "order_id", orderID, "err", err)
		return
	}

	metrics.LimitOrdersTotal.WithLabelValues("failed").Inc()
	slog.Warn("limit order cancelled after failed settlement", "order_id", orderID, "reason", reason, "cause", cause.Error())
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient points at execution"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient shares at execution"
	case errors.Is(err, model.ErrNotFound):
		return "user no longer exists"
	}
	return "settlement failed"
}
