package orderbook

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/httpx"
	"github.com/orangestock/market-engine/internal/model"
)

// PlaceRequest is the JSON body for POST /limit-orders.
type PlaceRequest struct {
	Side        model.Side      `json:"side"`
	Quantity    int64           `json:"quantity"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

// HandlePlace handles POST /api/v1/limit-orders
func (b *Book) HandlePlace(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req PlaceRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Fail(w, r, err)
		return
	}
	o, err := b.Place(r.Context(), id.UserID, req.Side, req.Quantity, req.TargetPrice)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, o)
}

// HandleList handles GET /api/v1/limit-orders?status=active
// The status defaults to active; "all" lists every order.
func (b *Book) HandleList(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	status := model.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = model.OrderActive
	case "all":
		status = ""
	}
	orders, err := b.List(r.Context(), id.UserID, status)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	httpx.WriteJSON(w, http.StatusOK, orders)
}

// HandleCancel handles DELETE /api/v1/limit-orders/{orderID}
func (b *Book) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	o, err := b.Cancel(r.Context(), chi.URLParam(r, "orderID"), id.UserID)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

// HandleQuotes handles GET /api/v1/stock/quotes?levels=5
func (b *Book) HandleQuotes(w http.ResponseWriter, r *http.Request) {
	levels, _ := strconv.Atoi(r.URL.Query().Get("levels"))
	if levels > 50 {
		levels = 50
	}
	q, err := b.Depth(r.Context(), levels)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, q)
}
