// Package trade provides the HTTP handlers for placing and cancelling
// paper-trading orders and querying portfolios, positions and trades.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/model"
)

const dateLayout = "2006-01-02"

// Service exposes the order engine over HTTP. Concurrency control lives in
// the engine's per-user ledger transactions, so handlers hold no locks.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	UserID     string              `json:"user_id"`
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`       // buy, sell, short_sell, short_cover
	Quantity   int64               `json:"quantity"`   // whole shares, > 0
	OrderType  string              `json:"order_type"` // market (default) or limit
	LimitPrice decimal.NullDecimal `json:"limit_price"`
}

// OrderResponse is the JSON body returned from POST /orders.
type OrderResponse struct {
	OrderID            string       `json:"order_id"`
	Status             string       `json:"status"`
	Message            string       `json:"message"`
	Order              *model.Order `json:"order"`
	Trade              *model.Trade `json:"trade,omitempty"`
	EstimatedExecution *time.Time   `json:"estimated_execution,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// CancelRequest is the JSON body for POST /orders/{orderID}/cancel.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

// CancelResponse is the JSON body returned from a cancellation.
type CancelResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   *model.Order `json:"order,omitempty"`
}

// CreatePortfolioRequest is the optional JSON body for portfolio creation.
type CreatePortfolioRequest struct {
	InitialCash decimal.NullDecimal `json:"initial_cash"`
}

// DailyPnLResponse is the JSON body for the daily P&L query.
type DailyPnLResponse struct {
	UserID   string          `json:"user_id"`
	Date     string          `json:"date"`
	DailyPnL decimal.Decimal `json:"daily_pnl"`
}

// --- HTTP Handlers ---

// MarketStatus handles GET /api/v1/market/status
func (s *Service) MarketStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.MarketStatus())
}

// PlaceOrder handles POST /api/v1/orders
// Fills immediately while the market is open; otherwise the order is queued.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderType == "" {
		req.OrderType = string(model.Market)
	}

	res, err := s.engine.PlaceOrder(r.Context(), engine.OrderRequest{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Side:       model.Side(req.Side),
		Quantity:   req.Quantity,
		OrderType:  model.OrderType(req.OrderType),
		LimitPrice: req.LimitPrice,
	})
	if res == nil {
		writeEngineError(w, err)
		return
	}

	resp := OrderResponse{
		OrderID:            res.Order.OrderID,
		Status:             string(res.Order.Status),
		Message:            res.Message,
		Order:              res.Order,
		Trade:              res.Trade,
		EstimatedExecution: res.EstimatedExecution,
	}
	status := http.StatusCreated
	if err != nil {
		// The order exists but settlement failed.
		resp.Error = engine.UserMessage(err)
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.engine.CancelOrder(r.Context(), req.UserID, orderID)
	if err != nil {
		writeJSON(w, statusFor(err), CancelResponse{Message: engine.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Success: true,
		Message: "Order cancelled",
		Order:   o,
	})
}

// PendingOrders handles GET /api/v1/orders/pending
// Optionally filtered by ?user_id=<id>.
func (s *Service) PendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.PendingOrders(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []engine.PendingOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.Orders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CreatePortfolio handles POST /api/v1/users/{userID}/portfolio
// An empty body funds the portfolio with the default initial cash.
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.engine.CreatePortfolio(r.Context(), chi.URLParam(r, "userID"), req.InitialCash)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns cash, positions marked to market, and total value.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if sum.Positions == nil {
		sum.Positions = []engine.PositionView{}
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/users/{userID}/positions/{symbol}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engine.Position(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "symbol"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// DailyPnL handles GET /api/v1/users/{userID}/pnl/daily
func (s *Service) DailyPnL(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pnl, err := s.engine.DailyPnL(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DailyPnLResponse{
		UserID:   userID,
		Date:     s.engine.Today().Format(dateLayout),
		DailyPnL: pnl,
	})
}

// Performance handles GET /api/v1/users/{userID}/performance
// ?from= and ?to= are inclusive calendar days (YYYY-MM-DD).
func (s *Service) Performance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := s.parseDay(q.Get("from"))
	if err != nil {
		writeError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := s.parseDay(q.Get("to"))
	if err != nil {
		writeError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}

	perf, err := s.engine.Performance(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
// Optionally filtered by ?since=<YYYY-MM-DD or RFC 3339>.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, ok := s.trades(w, r)
	if !ok {
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ExportTrades handles GET /api/v1/users/{userID}/trades.csv
func (s *Service) ExportTrades(w http.ResponseWriter, r *http.Request) {
	trades, ok := s.trades(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="trades.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"trade_id", "order_id", "executed_at", "symbol", "side", "quantity", "price", "value", "cost_basis", "realized_pnl"})
	for _, t := range trades {
		cw.Write([]string{
			t.TradeID,
			t.OrderID,
			t.ExecutedAt.UTC().Format(time.RFC3339),
			t.Symbol,
			string(t.Side),
			strconv.FormatInt(t.Quantity, 10),
			t.Price.String(),
			t.Value.String(),
			t.CostBasis.String(),
			t.RealizedPnL.String(),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("trade export failed", "err", err)
	}
}

func (s *Service) trades(w http.ResponseWriter, r *http.Request) ([]model.Trade, bool) {
	since, err := s.parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, "since must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
		return nil, false
	}
	trades, err := s.engine.Trades(r.Context(), chi.URLParam(r, "userID"), since)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return trades, true
}

// AdminStats handles GET /api/v1/admin/stats
func (s *Service) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DailyStats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AdminSweep handles POST /api/v1/admin/sweep
// Settles queued orders now instead of waiting for the next tick.
func (s *Service) AdminSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.SettlePending(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("manual sweep", "visited", res.Visited, "filled", res.Filled, "failed", res.Failed)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) parseDay(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, v, s.engine.Location())
}

func (s *Service) parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return s.parseDay(v)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInsufficientShortShares),
		errors.Is(err, engine.ErrPositionLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrOrderNotFound), errors.Is(err, engine.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidOrderState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrPersistence):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err's user-facing message with its mapped status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, engine.UserMessage(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
