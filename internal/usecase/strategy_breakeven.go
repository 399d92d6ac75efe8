package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// BreakevenStrategy moves the stop just past the original entry once the
// pyramid ladder has progressed far enough and the trade is in profit.
type BreakevenStrategy struct {
	env *strategyEnv
}

func NewBreakevenStrategy(env *strategyEnv) *BreakevenStrategy {
	return &BreakevenStrategy{env: env}
}

func (s *BreakevenStrategy) Name() string { return "breakeven" }

func (s *BreakevenStrategy) Evaluate(ctx context.Context, price decimal.Decimal) (bool, error) {
	_, progress := s.env.rt.Snapshot()
	if progress.BreakevenDone {
		return true, nil
	}
	if progress.PyramidStep < s.env.cfg.BreakevenAfterStep {
		return false, nil
	}
	if !s.env.favorableMove(price).IsPositive() {
		return false, nil
	}
	reason := fmt.Sprintf("breakeven after pyramid step %d", progress.PyramidStep)
	if err := s.env.moveStopToBreakeven(ctx, reason); err != nil {
		return false, err
	}
	return true, nil
}
