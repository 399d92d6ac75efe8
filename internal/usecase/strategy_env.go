package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
	"go.uber.org/zap"
)

// strategyEnv is what every strategy of one trade shares.
type strategyEnv struct {
	rt       *tradeRuntime
	desk     *orderDesk
	ex       domain.Exchange
	repo     domain.TradeRepository
	notifier domain.Notifier
	policy   *LeveragePolicy
	cfg      StrategySettings
	metrics  MetricsRecorder
	logger   *zap.Logger
}

func (e *strategyEnv) notify(ctx context.Context, text string) {
	if err := e.notifier.Send(ctx, text); err != nil {
		e.logger.Warn("Notification failed", zap.Error(err))
	}
}

func (e *strategyEnv) favorableMove(price decimal.Decimal) decimal.Decimal {
	trade, _ := e.rt.Snapshot()
	return numeric.FavorableMove(trade.Side == domain.SideLong, trade.OriginalEntryPrice, price)
}

// tighter reports whether candidate is a stop closer to profit than current.
func tighter(side domain.Side, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == domain.SideLong {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// moveStop moves the live stop to trigger if that tightens it. Callers must
// hold rt.protectMu.
func (e *strategyEnv) moveStop(ctx context.Context, role domain.OrderRole, trigger decimal.Decimal) (bool, error) {
	trade, progress := e.rt.Snapshot()
	if !tighter(trade.Side, trigger, progress.StopLossPrice) {
		return false, nil
	}
	linkID, err := e.desk.moveStop(ctx, e.rt, role, trigger, trade.PositionSize)
	if err != nil {
		return false, err
	}
	// Trade.StopLoss keeps the signal's stop; the live one lives in progress
	e.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.StopLossPrice = trigger
		p.StopLossLinkID = linkID
	})
	return true, e.rt.persist(ctx, e.repo)
}

// breakevenPrice is the original entry shifted by the offset toward profit.
func (e *strategyEnv) breakevenPrice(filters *domain.InstrumentFilters) decimal.Decimal {
	trade, _ := e.rt.Snapshot()
	offset := e.cfg.BreakevenOffsetPct
	if trade.Side == domain.SideShort {
		offset = offset.Neg()
	}
	return numeric.QuantizePrice(numeric.ApplyPct(trade.OriginalEntryPrice, offset), filters.TickSize)
}

// moveStopToBreakeven is shared by the breakeven strategy and the pyramid
// breakeven step; whichever runs first wins and the other becomes a no-op.
func (e *strategyEnv) moveStopToBreakeven(ctx context.Context, reason string) error {
	e.rt.protectMu.Lock()
	defer e.rt.protectMu.Unlock()

	trade, progress := e.rt.Snapshot()
	if progress.BreakevenDone {
		return nil
	}
	filters, err := e.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	target := e.breakevenPrice(filters)
	moved, err := e.moveStop(ctx, domain.RoleStopLoss, target)
	if err != nil {
		return err
	}
	e.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.BreakevenDone = true })
	if err := e.rt.persist(ctx, e.repo); err != nil {
		return err
	}
	if moved {
		e.desk.record(domain.EventBreakevenMoved, map[string]any{
			"trade_id": trade.ID,
			"sl":       target.String(),
			"reason":   reason,
		})
		e.metrics.StrategyAction("breakeven")
		e.notify(ctx, msgStopMoved(&trade, reason, target))
	}
	return nil
}

// refreshPosition copies the exchange position into the trade after a fill.
func (e *strategyEnv) refreshPosition(ctx context.Context) (*domain.Position, error) {
	trade, _ := e.rt.Snapshot()
	pos, err := e.ex.GetPosition(ctx, trade.Symbol, trade.Side)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if pos.IsOpen() {
		e.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) {
			t.PositionSize = pos.Size
			t.AverageEntryPrice = pos.AvgPrice
		})
	}
	return pos, nil
}
