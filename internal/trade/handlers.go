package trade

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/auth"
	"github.com/orangestock/market-engine/internal/httpx"
	"github.com/orangestock/market-engine/internal/model"
)

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Side     model.Side `json:"side"`
	Quantity int64      `json:"quantity"`
}

// ForcePriceRequest is the JSON body for POST /admin/price.
type ForcePriceRequest struct {
	Price  decimal.Decimal `json:"price"`
	Reason string          `json:"reason"`
}

// HandleTrade handles POST /api/v1/trade
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req TradeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Fail(w, r, err)
		return
	}

	res, err := s.ExecuteTrade(r.Context(), Request{
		UserID:   id.UserID,
		Side:     req.Side,
		Quantity: req.Quantity,
	})
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// HandlePrice handles GET /api/v1/stock/price
func (s *Service) HandlePrice(w http.ResponseWriter, r *http.Request) {
	obs, err := s.CurrentPrice(r.Context())
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, obs)
}

// HandleHistory handles GET /api/v1/stock/history?period=24h
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	obs, err := s.PriceHistory(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	if obs == nil {
		obs = []model.PriceObservation{}
	}
	httpx.WriteJSON(w, http.StatusOK, obs)
}

// HandleStats handles GET /api/v1/stock/stats?period=24h
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// HandleRecentTrades handles GET /api/v1/stock/recent-trades?limit=20
func (s *Service) HandleRecentTrades(w http.ResponseWriter, r *http.Request) {
	obs, err := s.RecentTrades(r.Context(), queryInt(r, "limit"))
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	if obs == nil {
		obs = []model.PriceObservation{}
	}
	httpx.WriteJSON(w, http.StatusOK, obs)
}

// HandleRankings handles GET /api/v1/stock/rankings?limit=10
func (s *Service) HandleRankings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Rankings(r.Context(), queryInt(r, "limit"))
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rows)
}

// HandlePortfolio handles GET /api/v1/portfolio
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	p, err := s.Portfolio(r.Context(), id.UserID)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

// HandleTransactions handles GET /api/v1/transactions?limit=50
func (s *Service) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	txs, err := s.Transactions(r.Context(), id.UserID, queryInt(r, "limit"))
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	httpx.WriteJSON(w, http.StatusOK, txs)
}

// HandleGetSettings handles GET /api/v1/admin/price-impact-settings
func (s *Service) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Settings())
}

// HandleUpdateSettings handles PUT /api/v1/admin/price-impact-settings
// Only the fields present in the body change.
func (s *Service) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	if err := httpx.DecodeJSON(w, r, &patch); err != nil {
		httpx.Fail(w, r, err)
		return
	}
	settings, err := s.UpdateSettings(patch)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, settings)
}

// HandleForcePrice handles POST /api/v1/admin/price
func (s *Service) HandleForcePrice(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req ForcePriceRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Fail(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "set by " + id.Username
	}
	obs, err := s.ForceSetPrice(r.Context(), req.Price, reason)
	if err != nil {
		httpx.Fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, obs)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
