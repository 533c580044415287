package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/ledger"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/pricing"
	"github.com/orangestock/market-engine/internal/store"
	"github.com/orangestock/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stepClock returns a clock that advances one second per call, so orders
// placed in sequence have distinct creation times.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type testEnv struct {
	st     *store.MemoryStore
	svc    *trade.Service
	ledger *ledger.Ledger
	book   *Book
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	engine, err := pricing.NewEngine(ms, func() float64 { return 0 }, pricing.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New()
	svc := trade.NewService(ms, engine, l, nil)
	book := New(ms, svc, model.DefaultSymbol)
	book.now = stepClock()
	svc.SetPriceListener(book)
	return &testEnv{st: ms, svc: svc, ledger: l, book: book}
}

func (e *testEnv) seedUser(t *testing.T, id string, points float64, shares int64) {
	t.Helper()
	ctx := context.Background()
	u := &model.User{ID: id, Username: id, Email: id + "@example.com", Role: model.RoleUser, Points: d(points)}
	if err := e.st.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if shares == 0 {
		return
	}
	err := e.st.RunInTx(ctx, func(tx store.Tx) error {
		_, err := e.ledger.AdjustHolding(ctx, tx, id, model.DefaultSymbol, shares, d(10))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) walk(t *testing.T, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		if _, err := e.svc.ForceSetPrice(context.Background(), d(p), "test path"); err != nil {
			t.Fatal(err)
		}
	}
}

func (e *testEnv) order(t *testing.T, id string) *model.LimitOrder {
	t.Helper()
	o, err := e.st.GetLimitOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestPlace_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 1000, 0)

	tests := []struct {
		name   string
		user   string
		side   model.Side
		qty    int64
		target decimal.Decimal
		want   error
	}{
		{"bad side", "alice", "hold", 1, d(10), model.ErrInvalidArgument},
		{"zero qty", "alice", model.SideBuy, 0, d(10), model.ErrInvalidArgument},
		{"zero target", "alice", model.SideBuy, 1, decimal.Zero, model.ErrInvalidArgument},
		{"negative target", "alice", model.SideSell, 1, d(-2), model.ErrInvalidArgument},
		{"sub-cent target", "alice", model.SideBuy, 1, decimal.RequireFromString("0.004"), model.ErrInvalidArgument},
		{"unknown user", "ghost", model.SideBuy, 1, d(10), model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.book.Place(context.Background(), tt.user, tt.side, tt.qty, tt.target)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	o, err := env.book.Place(context.Background(), "alice", model.SideBuy, 5, d(9.876))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.OrderActive || !o.TargetPrice.Equal(d(9.88)) {
		t.Errorf("order = %+v", o)
	}
}

func TestSellOrder_ExecutesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "seller", 0, 100)
	ctx := context.Background()

	o, err := env.book.Place(ctx, "seller", model.SideSell, 10, d(12))
	if err != nil {
		t.Fatal(err)
	}

	env.walk(t, 11)
	if env.order(t, o.ID).Status != model.OrderActive {
		t.Fatal("sell must not trigger below target")
	}

	env.walk(t, 12.5, 13)

	got := env.order(t, o.ID)
	if got.Status != model.OrderExecuted || !got.ExecutedPrice.Equal(d(12.5)) {
		t.Errorf("order = %+v, want executed at 12.5", got)
	}
	txs, _ := env.st.QueryTransactions(ctx, "seller", 0)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want exactly 1", len(txs))
	}
	u, _ := env.st.GetUser(ctx, "seller")
	if !u.Points.Equal(d(125)) {
		t.Errorf("points = %s, want 125", u.Points)
	}
}

func TestBuyOrder_ExecutesOnFallingPath(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "buyer", 10000, 0)
	ctx := context.Background()

	o, _ := env.book.Place(ctx, "buyer", model.SideBuy, 10, d(9))
	env.walk(t, 9.5, 8.8, 8)

	got := env.order(t, o.ID)
	if got.Status != model.OrderExecuted || !got.ExecutedPrice.Equal(d(8.8)) {
		t.Errorf("order = %+v, want executed at 8.8", got)
	}
	u, _ := env.st.GetUser(ctx, "buyer")
	if !u.Points.Equal(d(9912)) {
		t.Errorf("points = %s, want 9912", u.Points)
	}
	if txs, _ := env.st.QueryTransactions(ctx, "buyer", 0); len(txs) != 1 {
		t.Errorf("transactions = %d, want 1", len(txs))
	}
}

func TestOnPriceChange_FIFO(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "a", 0, 100)
	env.seedUser(t, "b", 0, 100)
	ctx := context.Background()

	first, _ := env.book.Place(ctx, "a", model.SideSell, 100, d(11))
	second, _ := env.book.Place(ctx, "b", model.SideSell, 100, d(11))

	env.walk(t, 12)

	o1, o2 := env.order(t, first.ID), env.order(t, second.ID)
	if o1.Status != model.OrderExecuted || o2.Status != model.OrderExecuted {
		t.Fatalf("statuses = %s, %s", o1.Status, o2.Status)
	}
	if !o1.ExecutedPrice.Equal(d(12)) {
		t.Errorf("oldest order executed at %s, want 12", o1.ExecutedPrice)
	}
	if !o2.ExecutedPrice.LessThan(o1.ExecutedPrice) {
		t.Errorf("second order executed at %s, should follow the first sale's impact", o2.ExecutedPrice)
	}
}

func TestOnPriceChange_FailedSettlementCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "poor", 10, 0)
	ctx := context.Background()

	o, _ := env.book.Place(ctx, "poor", model.SideBuy, 100, d(11))
	env.walk(t, 9)

	got := env.order(t, o.ID)
	if got.Status != model.OrderCancelled || got.CancelReason != "insufficient points at execution" || got.CancelledAt == nil {
		t.Errorf("order = %+v", got)
	}
	u, _ := env.st.GetUser(ctx, "poor")
	if !u.Points.Equal(d(10)) {
		t.Errorf("points = %s, want 10", u.Points)
	}

	env.walk(t, 8)
	if txs, _ := env.st.QueryTransactions(ctx, "poor", 0); len(txs) != 0 {
		t.Errorf("cancelled order must not execute later")
	}
}

func TestOnPriceChange_IgnoresOtherSymbols(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "buyer", 10000, 0)
	ctx := context.Background()
	o, _ := env.book.Place(ctx, "buyer", model.SideBuy, 1, d(50))

	env.book.OnPriceChange(ctx, "APPLE", d(1))
	if env.order(t, o.ID).Status != model.OrderActive {
		t.Error("price of another symbol must not trigger orders")
	}
}

// reentrantTrader marks orders executed and, on its first call, reports a
// new price back into the book the way trade settlement does.
type reentrantTrader struct {
	st      *store.MemoryStore
	book    *Book
	next    decimal.Decimal
	calls   []string
	depth   int
	maxSeen int
}

func (r *reentrantTrader) ExecuteTrade(ctx context.Context, req trade.Request) (*trade.Result, error) {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth > r.maxSeen {
		r.maxSeen = r.depth
	}
	r.calls = append(r.calls, req.LimitOrderID)

	o, _ := r.st.GetLimitOrder(ctx, req.LimitOrderID)
	o.Status = model.OrderExecuted
	r.st.SaveLimitOrder(ctx, o)

	if len(r.calls) == 1 {
		r.book.OnPriceChange(ctx, model.DefaultSymbol, r.next)
	}
	return &trade.Result{ExecutedPrice: r.next}, nil
}

func TestOnPriceChange_CoalescesReentrantCalls(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	ms.CreateUser(ctx, &model.User{ID: "u", Username: "u", Email: "u@example.com", Points: d(1000)})

	tr := &reentrantTrader{st: ms, next: d(8)}
	book := New(ms, tr, model.DefaultSymbol)
	book.now = stepClock()
	tr.book = book

	high, _ := book.Place(ctx, "u", model.SideBuy, 1, d(9.5))
	low, _ := book.Place(ctx, "u", model.SideBuy, 1, d(8.5))

	// 9 triggers only the first order; its execution moves the price to 8,
	// which must then trigger the second.
	book.OnPriceChange(ctx, model.DefaultSymbol, d(9))

	if len(tr.calls) != 2 || tr.calls[0] != high.ID || tr.calls[1] != low.ID {
		t.Errorf("calls = %v", tr.calls)
	}
	if tr.maxSeen != 1 {
		t.Errorf("nesting depth = %d, scans must not recurse", tr.maxSeen)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 10000, 0)
	env.seedUser(t, "bob", 10000, 0)
	ctx := context.Background()

	o, _ := env.book.Place(ctx, "alice", model.SideBuy, 1, d(5))

	if _, err := env.book.Cancel(ctx, o.ID, "bob"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("other owner err = %v, want ErrForbidden", err)
	}
	if _, err := env.book.Cancel(ctx, "missing", "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown err = %v, want ErrNotFound", err)
	}

	got, err := env.book.Cancel(ctx, o.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.OrderCancelled || got.CancelledAt == nil {
		t.Errorf("order = %+v", got)
	}
	if _, err := env.book.Cancel(ctx, o.ID, "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancel_ExecutedOrderUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 10000, 0)
	ctx := context.Background()

	o, _ := env.book.Place(ctx, "alice", model.SideBuy, 1, d(9))
	env.walk(t, 9)

	if _, err := env.book.Cancel(ctx, o.ID, "alice"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if got := env.order(t, o.ID); got.Status != model.OrderExecuted || got.CancelledAt != nil {
		t.Errorf("executed order changed: %+v", got)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 10000, 0)
	ctx := context.Background()

	a, _ := env.book.Place(ctx, "alice", model.SideBuy, 1, d(5))
	b, _ := env.book.Place(ctx, "alice", model.SideBuy, 1, d(6))
	env.book.Cancel(ctx, a.ID, "alice")

	active, _ := env.book.List(ctx, "alice", model.OrderActive)
	if len(active) != 1 || active[0].ID != b.ID {
		t.Errorf("active = %+v", active)
	}
	all, _ := env.book.List(ctx, "alice", "")
	if len(all) != 2 || all[0].ID != b.ID {
		t.Errorf("all = %+v, want newest first", all)
	}
	if _, err := env.book.List(ctx, "alice", "pending"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestDepth(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 10000, 1000)
	ctx := context.Background()

	for _, p := range []struct {
		side   model.Side
		qty    int64
		target float64
	}{
		{model.SideBuy, 10, 9},
		{model.SideBuy, 5, 9},
		{model.SideBuy, 3, 9.5},
		{model.SideBuy, 1, 8},
		{model.SideSell, 7, 11},
		{model.SideSell, 2, 10.5},
		{model.SideSell, 4, 11},
	} {
		if _, err := env.book.Place(ctx, "alice", p.side, p.qty, d(p.target)); err != nil {
			t.Fatal(err)
		}
	}

	q, err := env.book.Depth(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Bids) != 2 || !q.Bids[0].Price.Equal(d(9.5)) || q.Bids[1].Quantity != 15 || q.Bids[1].Orders != 2 {
		t.Errorf("bids = %+v", q.Bids)
	}
	if len(q.Asks) != 2 || !q.Asks[0].Price.Equal(d(10.5)) || q.Asks[1].Quantity != 11 {
		t.Errorf("asks = %+v", q.Asks)
	}
}

// --- HTTP ---

func newRouter(b *Book, userID string) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/v1/stock/quotes", b.HandleQuotes)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := auth.WithIdentity(req.Context(), auth.Identity{UserID: userID, Role: model.RoleUser})
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
		r.Post("/api/v1/limit-orders", b.HandlePlace)
		r.Get("/api/v1/limit-orders", b.HandleList)
		r.Delete("/api/v1/limit-orders/{orderID}", b.HandleCancel)
	})
	return r
}

func TestHandlers(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", 10000, 0)
	router := newRouter(env.book, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/limit-orders",
		strings.NewReader(`{"side":"buy","quantity":3,"target_price":"9.5"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("place: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var o model.LimitOrder
	json.Unmarshal(w.Body.Bytes(), &o)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/limit-orders",
		strings.NewReader(`{"side":"buy","quantity":-1,"target_price":"9.5"}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/limit-orders", nil))
	var orders []model.LimitOrder
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 1 || orders[0].ID != o.ID {
		t.Errorf("list = %+v", orders)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stock/quotes", nil))
	var q Quotes
	json.Unmarshal(w.Body.Bytes(), &q)
	if w.Code != http.StatusOK || len(q.Bids) != 1 || q.Bids[0].Quantity != 3 {
		t.Errorf("quotes %d: %+v", w.Code, q)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/limit-orders/"+o.ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/limit-orders/"+o.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel twice: expected 404, got %d", w.Code)
	}
}
