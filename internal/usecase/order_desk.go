package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// LinkID builds the client order-link-id for one step of a trade. The same
// trade and step always give the same id, so a replayed placement is
// rejected by the exchange as a duplicate instead of opening a second order.
func LinkID(tradeID, step string) string {
	id := tradeID + "-" + step
	if len(id) <= domain.MaxLinkIDLen {
		return id
	}
	sum := sha256.Sum256([]byte(tradeID))
	short := hex.EncodeToString(sum[:])[:domain.MaxLinkIDLen-len(step)-1]
	return short + "-" + step
}

// orderDesk places and cancels orders on behalf of a trade, keeping the
// orders table and the journal in step with every exchange acknowledgement.
type orderDesk struct {
	ex        domain.Exchange
	repo      domain.TradeRepository
	journal   domain.Journal
	metrics   MetricsRecorder
	logger    *zap.Logger
	hedgeMode bool
}

// positionIdx selects the one-way (0) or hedge-mode (1 long, 2 short) slot.
func (d *orderDesk) positionIdx(side domain.Side) int {
	if !d.hedgeMode {
		return 0
	}
	if side == domain.SideLong {
		return 1
	}
	return 2
}

func (d *orderDesk) place(ctx context.Context, tradeID string, req domain.OrderRequest) (*domain.OrderRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ack, err := d.ex.PlaceOrder(ctx, req)
	switch {
	case err == nil:
	case domain.IsDuplicateLink(err):
		d.logger.Info("Order already on exchange, treating as placed", zap.String("link_id", req.LinkID))
		ack = &domain.OrderAck{LinkID: req.LinkID}
	default:
		d.metrics.OrderPlaced(string(req.Role), false)
		return nil, fmt.Errorf("place %s order %s: %w", req.Role, req.LinkID, err)
	}
	d.metrics.OrderPlaced(string(req.Role), true)

	now := time.Now().UTC()
	rec := &domain.OrderRecord{
		LinkID:       req.LinkID,
		OrderID:      ack.OrderID,
		TradeID:      tradeID,
		Symbol:       req.Symbol,
		Role:         req.Role,
		Side:         req.Side,
		Type:         req.Type,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
		ReduceOnly:   req.ReduceOnly,
		Status:       domain.OrderStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.repo.SaveOrder(ctx, rec); err != nil {
		d.logger.Error("Failed to persist order", zap.String("link_id", rec.LinkID), zap.Error(err))
	}
	d.record(domain.EventOrderPlaced, map[string]any{
		"trade_id":      tradeID,
		"link_id":       rec.LinkID,
		"order_id":      rec.OrderID,
		"symbol":        rec.Symbol,
		"role":          string(rec.Role),
		"side":          rec.Side,
		"type":          string(rec.Type),
		"qty":           rec.Qty.String(),
		"price":         rec.Price.String(),
		"trigger_price": rec.TriggerPrice.String(),
		"reduce_only":   rec.ReduceOnly,
	})
	return rec, nil
}

func (d *orderDesk) cancel(ctx context.Context, rec *domain.OrderRecord) error {
	if err := d.ex.CancelOrder(ctx, rec.Symbol, rec.LinkID); err != nil && !domain.IsOrderNotFound(err) {
		return fmt.Errorf("cancel %s: %w", rec.LinkID, err)
	}
	return d.setStatus(ctx, rec, domain.OrderStatusCancelled)
}

func (d *orderDesk) markFilled(ctx context.Context, rec *domain.OrderRecord) error {
	return d.setStatus(ctx, rec, domain.OrderStatusFilled)
}

func (d *orderDesk) setStatus(ctx context.Context, rec *domain.OrderRecord, status domain.OrderStatus) error {
	if rec.Status == status {
		return nil
	}
	rec.Status = status
	if err := d.repo.UpdateOrderStatus(ctx, rec.LinkID, status); err != nil {
		return fmt.Errorf("update order %s: %w", rec.LinkID, err)
	}
	event := domain.EventOrderFilled
	if status == domain.OrderStatusCancelled {
		event = domain.EventOrderCancelled
	}
	d.record(event, map[string]any{
		"trade_id": rec.TradeID,
		"link_id":  rec.LinkID,
		"order_id": rec.OrderID,
		"role":     string(rec.Role),
	})
	return nil
}

// openOrders returns the trade's records still marked NEW, filtered by role.
func (d *orderDesk) openOrders(ctx context.Context, tradeID string, roles ...domain.OrderRole) ([]*domain.OrderRecord, error) {
	all, err := d.repo.ListOrders(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []*domain.OrderRecord
	for _, o := range all {
		if !o.IsOpen() {
			continue
		}
		if len(roles) == 0 {
			out = append(out, o)
			continue
		}
		for _, r := range roles {
			if o.Role == r {
				out = append(out, o)
				break
			}
		}
	}
	return out, nil
}

// stopLossRequest builds the mark-price triggered reduce-only market stop
// for a position of side.
func (d *orderDesk) stopLossRequest(role domain.OrderRole, symbol string, side domain.Side, qty, trigger decimal.Decimal, linkID string) domain.OrderRequest {
	direction := 2 // a long stops out when price falls
	if side == domain.SideShort {
		direction = 1
	}
	req := domain.NewOrderRequest(role, symbol, side.ExitSide(), domain.OrderTypeMarket, qty, decimal.Zero, domain.TIFGoodTillCancel, linkID)
	req.PositionIdx = d.positionIdx(side)
	return req.WithTrigger(trigger, direction)
}

// moveStop re-prices the live stop. It amends in place and falls back to
// cancel-and-replace when the exchange no longer knows the order.
func (d *orderDesk) moveStop(ctx context.Context, rt *tradeRuntime, role domain.OrderRole, trigger, qty decimal.Decimal) (string, error) {
	trade, progress := rt.Snapshot()
	linkID := progress.StopLossLinkID

	if linkID != "" {
		err := d.ex.AmendOrder(ctx, trade.Symbol, linkID, qty, trigger)
		if err == nil || domain.IsNotModified(err) {
			return linkID, nil
		}
		if !domain.IsOrderNotFound(err) {
			return "", fmt.Errorf("amend stop %s: %w", linkID, err)
		}
	}

	stops, err := d.openOrders(ctx, trade.ID, domain.RoleStopLoss, domain.RoleTrailingStop)
	if err != nil {
		return "", err
	}
	for _, s := range stops {
		if err := d.cancel(ctx, s); err != nil {
			d.logger.Warn("Failed to cancel stale stop", zap.String("link_id", s.LinkID), zap.Error(err))
		}
	}
	all, err := d.repo.ListOrders(ctx, trade.ID)
	if err != nil {
		return "", fmt.Errorf("list orders: %w", err)
	}
	newLink := LinkID(trade.ID, fmt.Sprintf("SLR%d", len(all)))
	rec, err := d.place(ctx, trade.ID, d.stopLossRequest(role, trade.Symbol, trade.Side, qty, trigger, newLink))
	if err != nil {
		return "", err
	}
	return rec.LinkID, nil
}

func (d *orderDesk) record(event domain.EventType, data map[string]any) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Append(event, data); err != nil {
		d.logger.Error("Journal append failed", zap.String("event", string(event)), zap.Error(err))
	}
}
