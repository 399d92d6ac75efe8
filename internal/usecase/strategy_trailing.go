package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
	"go.uber.org/zap"
)

// TrailingStrategy takes over the exit once the move passes the trigger:
// the take-profits are pulled and the stop follows the best price seen at a
// fixed distance. The stop only ever tightens.
type TrailingStrategy struct {
	env *strategyEnv
}

func NewTrailingStrategy(env *strategyEnv) *TrailingStrategy {
	return &TrailingStrategy{env: env}
}

func (s *TrailingStrategy) Name() string { return "trailing" }

func (s *TrailingStrategy) Evaluate(ctx context.Context, price decimal.Decimal) (bool, error) {
	_, progress := s.env.rt.Snapshot()
	if !progress.TrailingActive {
		if s.env.favorableMove(price).LessThan(s.env.cfg.TrailingTriggerPct) {
			return false, nil
		}
		if err := s.activate(ctx, price); err != nil {
			return false, err
		}
	}
	return false, s.follow(ctx, price)
}

func (s *TrailingStrategy) activate(ctx context.Context, price decimal.Decimal) error {
	s.env.rt.protectMu.Lock()
	defer s.env.rt.protectMu.Unlock()

	trade, _ := s.env.rt.Snapshot()
	tps, err := s.env.desk.openOrders(ctx, trade.ID, domain.RoleTakeProfit)
	if err != nil {
		return err
	}
	for _, tp := range tps {
		if err := s.env.desk.cancel(ctx, tp); err != nil {
			return fmt.Errorf("cancel take-profit: %w", err)
		}
	}

	s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.TrailingActive = true
		p.TrailingExtreme = price
	})
	if err := s.env.rt.persist(ctx, s.env.repo); err != nil {
		return err
	}
	s.env.desk.record(domain.EventTrailingActivated, map[string]any{
		"trade_id":     trade.ID,
		"price":        price.String(),
		"cancelled_tp": len(tps),
	})
	s.env.metrics.StrategyAction("trailing")
	s.env.logger.Info("Trailing stop activated", zap.String("trade_id", trade.ID), zap.Stringer("price", price))
	s.env.notify(ctx, msgTrailingActivated(&trade, price))
	return nil
}

func (s *TrailingStrategy) follow(ctx context.Context, price decimal.Decimal) error {
	s.env.rt.protectMu.Lock()
	defer s.env.rt.protectMu.Unlock()

	trade, progress := s.env.rt.Snapshot()
	extreme := progress.TrailingExtreme
	if tighter(trade.Side, price, extreme) {
		extreme = price
		s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.TrailingExtreme = extreme })
	}

	filters, err := s.env.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	distance := s.env.cfg.TrailingDistancePct.Neg()
	if trade.Side == domain.SideShort {
		distance = distance.Neg()
	}
	candidate := numeric.QuantizePrice(numeric.ApplyPct(extreme, distance), filters.TickSize)

	moved, err := s.env.moveStop(ctx, domain.RoleTrailingStop, candidate)
	if err != nil {
		return err
	}
	if !moved {
		return s.env.rt.persist(ctx, s.env.repo)
	}
	s.env.desk.record(domain.EventTrailingMoved, map[string]any{
		"trade_id": trade.ID,
		"extreme":  extreme.String(),
		"sl":       candidate.String(),
	})
	s.env.logger.Info("Trailing stop moved",
		zap.String("trade_id", trade.ID),
		zap.Stringer("extreme", extreme),
		zap.Stringer("sl", candidate))
	return nil
}
