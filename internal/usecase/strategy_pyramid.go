package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
	"go.uber.org/zap"
)

// PyramidAction is the closed set of things a ladder step can do.
type PyramidAction interface {
	fmt.Stringer
	pyramidAction()
}

// CheckMargin tops the position's initial margin up to TargetIM if it fell short.
type CheckMargin struct{ TargetIM decimal.Decimal }

// RaiseMargin adds to the position until its initial margin reaches TargetIM.
type RaiseMargin struct{ TargetIM decimal.Decimal }

// MoveStopToBreakeven moves the stop to the original entry plus the breakeven offset.
type MoveStopToBreakeven struct{}

// RaiseLeverage lifts leverage to Cap, bounded by the instrument maximum.
type RaiseLeverage struct{ Cap decimal.Decimal }

func (CheckMargin) pyramidAction()         {}
func (RaiseMargin) pyramidAction()         {}
func (MoveStopToBreakeven) pyramidAction() {}
func (RaiseLeverage) pyramidAction()       {}

func (a CheckMargin) String() string       { return "check IM " + a.TargetIM.String() }
func (a RaiseMargin) String() string       { return "IM " + a.TargetIM.String() }
func (MoveStopToBreakeven) String() string { return "SL breakeven" }
func (a RaiseLeverage) String() string     { return "leverage max " + a.Cap.String() }

type PyramidStep struct {
	TriggerPct decimal.Decimal
	Action     PyramidAction
}

func DefaultPyramidLadder() []PyramidStep {
	d := decimal.RequireFromString
	return []PyramidStep{
		{TriggerPct: d("1.5"), Action: CheckMargin{TargetIM: d("20")}},
		{TriggerPct: d("2.3"), Action: MoveStopToBreakeven{}},
		{TriggerPct: d("2.4"), Action: RaiseLeverage{Cap: d("50")}},
		{TriggerPct: d("2.5"), Action: RaiseMargin{TargetIM: d("40")}},
		{TriggerPct: d("4.0"), Action: RaiseMargin{TargetIM: d("60")}},
		{TriggerPct: d("6.0"), Action: RaiseMargin{TargetIM: d("80")}},
		{TriggerPct: d("8.6"), Action: RaiseMargin{TargetIM: d("100")}},
	}
}

// PyramidStrategy walks the ladder in order. Each step fires once, and a
// step is only looked at after every lower step has fired.
type PyramidStrategy struct {
	env    *strategyEnv
	ladder []PyramidStep
}

func NewPyramidStrategy(env *strategyEnv, ladder []PyramidStep) *PyramidStrategy {
	return &PyramidStrategy{env: env, ladder: ladder}
}

func (s *PyramidStrategy) Name() string { return "pyramid" }

func (s *PyramidStrategy) Evaluate(ctx context.Context, price decimal.Decimal) (bool, error) {
	gain := s.env.favorableMove(price)
	for {
		_, progress := s.env.rt.Snapshot()
		idx := progress.PyramidStep
		if idx >= len(s.ladder) {
			return true, nil
		}
		step := s.ladder[idx]
		if gain.LessThan(step.TriggerPct) {
			return false, nil
		}
		if err := s.execute(ctx, idx+1, step.Action, price); err != nil {
			return false, fmt.Errorf("pyramid step %d (%s): %w", idx+1, step.Action, err)
		}

		s.env.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.PyramidStep = idx + 1 })
		if err := s.env.rt.persist(ctx, s.env.repo); err != nil {
			return false, err
		}
		trade, _ := s.env.rt.Snapshot()
		s.env.desk.record(domain.EventPyramidStep, map[string]any{
			"trade_id": trade.ID,
			"step":     idx + 1,
			"trigger":  step.TriggerPct.String(),
			"action":   step.Action.String(),
			"price":    price.String(),
		})
		s.env.metrics.StrategyAction("pyramid")
		s.env.logger.Info("Pyramid step fired",
			zap.String("trade_id", trade.ID),
			zap.Int("step", idx+1),
			zap.Stringer("action", step.Action),
			zap.Stringer("gain_pct", gain))
		s.env.notify(ctx, msgPyramidStep(&trade, idx+1, step.Action.String()))
	}
}

func (s *PyramidStrategy) execute(ctx context.Context, step int, action PyramidAction, price decimal.Decimal) error {
	switch a := action.(type) {
	case CheckMargin:
		return s.topUpMargin(ctx, step, a.TargetIM, price)
	case RaiseMargin:
		return s.topUpMargin(ctx, step, a.TargetIM, price)
	case MoveStopToBreakeven:
		return s.env.moveStopToBreakeven(ctx, fmt.Sprintf("pyramid step %d", step))
	case RaiseLeverage:
		return s.raiseLeverage(ctx, a.Cap)
	default:
		return fmt.Errorf("unknown pyramid action %T", action)
	}
}

func (s *PyramidStrategy) topUpMargin(ctx context.Context, step int, target, price decimal.Decimal) error {
	trade, _ := s.env.rt.Snapshot()
	pos, err := s.env.ex.GetPosition(ctx, trade.Symbol, trade.Side)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("no open position")
	}
	im := pos.PositionIM
	if im.IsZero() && trade.Leverage.IsPositive() {
		im = pos.Size.Mul(pos.AvgPrice).Div(trade.Leverage)
	}
	missing := target.Sub(im)
	if !missing.IsPositive() {
		return nil
	}

	filters, err := s.env.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	qty, err := s.env.policy.SizeForMargin(missing, price, trade.Leverage, filters)
	if err != nil {
		return err
	}

	req := domain.NewOrderRequest(domain.RolePyramidAdd, trade.Symbol, trade.Side.OrderSide(),
		domain.OrderTypeMarket, qty, decimal.Zero, domain.TIFImmediate, LinkID(trade.ID, s.env.rt.cycleStep("PY%d", step)))
	req.PositionIdx = s.env.desk.positionIdx(trade.Side)

	s.env.rt.protectMu.Lock()
	defer s.env.rt.protectMu.Unlock()

	rec, err := s.env.desk.place(ctx, trade.ID, req)
	if err != nil {
		return err
	}
	if err := s.env.desk.markFilled(ctx, rec); err != nil {
		s.env.logger.Warn("Failed to mark pyramid add filled", zap.Error(err))
	}
	if _, err := s.env.refreshPosition(ctx); err != nil {
		return err
	}

	// the stop has to cover the enlarged position
	updated, progress := s.env.rt.Snapshot()
	if progress.StopLossLinkID != "" {
		err := s.env.ex.AmendOrder(ctx, updated.Symbol, progress.StopLossLinkID, updated.PositionSize, progress.StopLossPrice)
		if err != nil && !domain.IsNotModified(err) {
			return fmt.Errorf("resize stop: %w", err)
		}
	}
	return s.env.rt.persist(ctx, s.env.repo)
}

func (s *PyramidStrategy) raiseLeverage(ctx context.Context, limit decimal.Decimal) error {
	trade, _ := s.env.rt.Snapshot()
	filters, err := s.env.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	target := limit
	if filters.MaxLeverage.IsPositive() {
		target = numeric.Min(limit, filters.MaxLeverage)
	}
	if !target.GreaterThan(trade.Leverage) {
		return nil
	}
	if err := s.env.ex.SetLeverage(ctx, trade.Symbol, target); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	s.env.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) { t.Leverage = target })
	return s.env.rt.persist(ctx, s.env.repo)
}
