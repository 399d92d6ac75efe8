package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// ResumeActive relaunches every non-terminal trade from its stored state
// and strategy progress. Trades already running are skipped, so calling it
// twice does not start a second run or a second set of monitors.
func (s *SignalService) ResumeActive(ctx context.Context) (int, error) {
	trades, err := s.repo.ListActiveTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active trades: %w", err)
	}

	resumed := 0
	for _, t := range trades {
		s.capacity.Restore(t.ID)
		progress, err := s.repo.GetProgress(ctx, t.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			progress = nil
		case err != nil:
			s.logger.Error("Failed to load strategy progress", zap.String("trade_id", t.ID), zap.Error(err))
			continue
		}
		if s.engine.Strategies().Attached(t.ID) {
			continue
		}
		if s.launch(t, progress, nil) {
			resumed++
			s.logger.Info("Trade resumed", zap.String("trade_id", t.ID), zap.String("state", string(t.State)))
		}
	}
	s.metrics.ActiveTrades(s.capacity.Active())
	return resumed, nil
}
