package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
	"go.uber.org/zap"
)

// HedgeStrategy opens an opposite position of equal size when the trade is
// a fixed percentage under water. The hedge takes profit at the signal's
// stop and stops out at the original entry. It needs the account in hedge
// position mode.
type HedgeStrategy struct {
	env *strategyEnv
}

func NewHedgeStrategy(env *strategyEnv) *HedgeStrategy {
	return &HedgeStrategy{env: env}
}

func (s *HedgeStrategy) Name() string { return "hedge" }

func (s *HedgeStrategy) Evaluate(ctx context.Context, price decimal.Decimal) (bool, error) {
	gain := s.env.favorableMove(price)
	_, progress := s.env.rt.Snapshot()

	if progress.HedgeActive {
		return false, s.maybeRearm(ctx, gain)
	}
	if progress.HedgeCount >= s.env.cfg.MaxHedges {
		return true, nil
	}
	if gain.GreaterThan(s.env.cfg.HedgeTriggerPct.Neg()) {
		return false, nil
	}
	return false, s.open(ctx, price)
}

func (s *HedgeStrategy) open(ctx context.Context, price decimal.Decimal) error {
	s.env.rt.protectMu.Lock()
	defer s.env.rt.protectMu.Unlock()

	if _, p := s.env.rt.Snapshot(); p.HedgeActive || p.HedgeCount >= s.env.cfg.MaxHedges {
		return nil
	}
	// claim the slot before touching the exchange so a second tick cannot
	// open another hedge while this one is in flight
	var n int
	s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.HedgeActive = true
		p.HedgeCount++
		n = p.HedgeCount
	})
	if err := s.env.rt.persist(ctx, s.env.repo); err != nil {
		s.release()
		return err
	}

	trade, _ := s.env.rt.Snapshot()
	hedgeSide := trade.Side.Opposite()
	qty := trade.PositionSize

	req := domain.NewOrderRequest(domain.RoleHedge, trade.Symbol, hedgeSide.OrderSide(),
		domain.OrderTypeMarket, qty, decimal.Zero, domain.TIFImmediate, LinkID(trade.ID, fmt.Sprintf("HG%d", n)))
	req.PositionIdx = s.env.desk.positionIdx(hedgeSide)
	rec, err := s.env.desk.place(ctx, trade.ID, req)
	if err != nil {
		s.release()
		if perr := s.env.rt.persist(ctx, s.env.repo); perr != nil {
			s.env.logger.Warn("Failed to persist hedge rollback", zap.Error(perr))
		}
		return fmt.Errorf("open hedge: %w", err)
	}
	if err := s.env.desk.markFilled(ctx, rec); err != nil {
		s.env.logger.Warn("Failed to mark hedge filled", zap.Error(err))
	}

	filters, err := s.env.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	tpPrice := numeric.QuantizePrice(trade.StopLoss, filters.TickSize)
	tp := domain.NewOrderRequest(domain.RoleHedgeTP, trade.Symbol, hedgeSide.ExitSide(),
		domain.OrderTypeLimit, qty, tpPrice, domain.TIFGoodTillCancel, LinkID(trade.ID, fmt.Sprintf("HG%dTP", n)))
	tp.PositionIdx = s.env.desk.positionIdx(hedgeSide)
	if _, err := s.env.desk.place(ctx, trade.ID, tp); err != nil {
		return fmt.Errorf("hedge take-profit: %w", err)
	}

	slPrice := numeric.QuantizePrice(trade.OriginalEntryPrice, filters.TickSize)
	sl := s.env.desk.stopLossRequest(domain.RoleHedgeSL, trade.Symbol, hedgeSide, qty, slPrice, LinkID(trade.ID, fmt.Sprintf("HG%dSL", n)))
	if _, err := s.env.desk.place(ctx, trade.ID, sl); err != nil {
		return fmt.Errorf("hedge stop-loss: %w", err)
	}

	s.env.desk.record(domain.EventHedgeStarted, map[string]any{
		"trade_id": trade.ID,
		"hedge":    n,
		"side":     string(hedgeSide),
		"qty":      qty.String(),
		"price":    price.String(),
		"tp":       tpPrice.String(),
		"sl":       slPrice.String(),
	})
	s.env.metrics.StrategyAction("hedge")
	s.env.logger.Info("Hedge opened",
		zap.String("trade_id", trade.ID),
		zap.Stringer("qty", qty),
		zap.Stringer("price", price))
	s.env.notify(ctx, msgHedgeStarted(&trade, qty, price))
	return nil
}

func (s *HedgeStrategy) release() {
	s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.HedgeActive = false
		p.HedgeCount--
	})
}

// maybeRearm clears the active flag once price is back at or above entry
// and the hedge leg has closed. The hedge count is never reset.
func (s *HedgeStrategy) maybeRearm(ctx context.Context, gain decimal.Decimal) error {
	if gain.IsNegative() {
		return nil
	}
	trade, _ := s.env.rt.Snapshot()
	leg, err := s.env.ex.GetPosition(ctx, trade.Symbol, trade.Side.Opposite())
	if err != nil {
		return fmt.Errorf("hedge position: %w", err)
	}
	if leg.IsOpen() {
		return nil
	}
	s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.HedgeActive = false })
	s.env.logger.Info("Hedge closed, guard cleared", zap.String("trade_id", trade.ID))
	return s.env.rt.persist(ctx, s.env.repo)
}
