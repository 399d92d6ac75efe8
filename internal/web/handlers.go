package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type tradeView struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Side          domain.Side       `json:"side"`
	Mode          domain.Mode       `json:"mode"`
	Channel       string            `json:"channel"`
	State         domain.TradeState `json:"state"`
	Leverage      decimal.Decimal   `json:"leverage"`
	Entries       []decimal.Decimal `json:"entries"`
	TakeProfits   []decimal.Decimal `json:"take_profits"`
	StopLoss      decimal.Decimal   `json:"stop_loss"`
	AutoStopLoss  bool              `json:"auto_stop_loss"`
	OriginalEntry decimal.Decimal   `json:"original_entry"`
	AverageEntry  decimal.Decimal   `json:"average_entry"`
	PositionSize  decimal.Decimal   `json:"position_size"`
	RealizedPnL   decimal.Decimal   `json:"realized_pnl"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

func newTradeView(t *domain.Trade) tradeView {
	return tradeView{
		ID:            t.ID,
		Symbol:        t.Symbol,
		Side:          t.Side,
		Mode:          t.Mode,
		Channel:       t.ChannelName,
		State:         t.State,
		Leverage:      t.Leverage,
		Entries:       t.Entries,
		TakeProfits:   t.TakeProfits,
		StopLoss:      t.StopLoss,
		AutoStopLoss:  t.AutoStopLoss,
		OriginalEntry: t.OriginalEntryPrice,
		AverageEntry:  t.AverageEntryPrice,
		PositionSize:  t.PositionSize,
		RealizedPnL:   t.RealizedPnL,
		Error:         t.ErrorReason,
		CreatedAt:     t.CreatedAt,
		ClosedAt:      t.ClosedAt,
	}
}

type orderView struct {
	LinkID       string             `json:"link_id"`
	OrderID      string             `json:"order_id,omitempty"`
	Role         domain.OrderRole   `json:"role"`
	Side         string             `json:"side"`
	Type         domain.OrderType   `json:"type"`
	Price        decimal.Decimal    `json:"price"`
	TriggerPrice decimal.Decimal    `json:"trigger_price"`
	Qty          decimal.Decimal    `json:"qty"`
	ReduceOnly   bool               `json:"reduce_only"`
	Status       domain.OrderStatus `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status": "ok",
		"run_id": s.runID,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.trades.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check: storage unreachable", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["storage"] = err.Error()
	}
	s.writeJSON(w, status, body)
}

// handleListTrades returns the active trades, or the most recent ones
// with ?scope=recent.
func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	var (
		trades []*domain.Trade
		err    error
	)
	switch r.URL.Query().Get("scope") {
	case "", "active":
		trades, err = s.trades.ListActiveTrades(r.Context())
	case "recent":
		trades, err = s.trades.ListRecentTrades(r.Context(), queryInt(r, "limit", 50, 500))
	default:
		s.writeError(w, http.StatusBadRequest, "scope must be active or recent")
		return
	}
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trade, err := s.trades.GetTrade(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get trade", zap.String("trade_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	orders, err := s.trades.ListOrders(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list orders", zap.String("trade_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	ov := make([]orderView, 0, len(orders))
	for _, o := range orders {
		ov = append(ov, orderView{
			LinkID:       o.LinkID,
			OrderID:      o.OrderID,
			Role:         o.Role,
			Side:         o.Side,
			Type:         o.Type,
			Price:        o.Price,
			TriggerPrice: o.TriggerPrice,
			Qty:          o.Qty,
			ReduceOnly:   o.ReduceOnly,
			Status:       o.Status,
		})
	}
	s.writeJSON(w, http.StatusOK, struct {
		tradeView
		Orders []orderView `json:"orders"`
	}{newTradeView(trade), ov})
}

// handleVerifyJournal re-checks the hash chain. A broken chain is reported
// with 409 so probes can alert on it.
func (s *Server) handleVerifyJournal(w http.ResponseWriter, r *http.Request) {
	report, err := s.journal.Verify()
	if err != nil {
		s.logger.Error("Journal verification failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "journal unreadable")
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, report)
}
