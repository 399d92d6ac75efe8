package usecase

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// reenter re-opens the trade after a stop-out with a fresh entry pair at
// the signalled prices. Each attempt waits out the cooldown first; when the
// attempts are used up the trade ends as DONE.
func (r *tradeRun) reenter(ctx context.Context) error {
	for {
		trade, progress := r.rt.Snapshot()
		if progress.ReentryAttempts >= r.e.scfg.ReentryMaxAttempts {
			r.log.Info("Re-entry attempts exhausted", zap.Int("attempts", progress.ReentryAttempts))
			return r.finish(ctx, ExitStopLoss)
		}
		if err := sleepCtx(ctx, r.e.scfg.ReentryCooldown); err != nil {
			return err
		}

		attempt := progress.ReentryAttempts + 1
		r.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
			p.ReentryAttempts = attempt
			p.Cycle = attempt
			resetCycle(p)
		})
		if trade.State == domain.StateTPSLPlaced {
			if err := r.transition(ctx, domain.StateEntriesPlaced); err != nil {
				return err
			}
		} else if err := r.rt.persist(ctx, r.e.repo); err != nil {
			return err
		}
		r.e.desk.record(domain.EventReentryAttempt, map[string]any{
			"trade_id": trade.ID,
			"attempt":  attempt,
			"max":      r.e.scfg.ReentryMaxAttempts,
		})
		r.e.metrics.StrategyAction("reentry")
		r.notify(ctx, msgReentry(&trade, attempt, r.e.scfg.ReentryMaxAttempts))

		confirmed, err := r.attemptReentry(ctx)
		if err != nil {
			return err
		}
		if confirmed {
			return nil
		}
	}
}

// resumeReentry picks up an attempt that was in flight when the process
// stopped. Re-placing the pair is absorbed by the link ids.
func (r *tradeRun) resumeReentry(ctx context.Context) error {
	confirmed, err := r.attemptReentry(ctx)
	if err != nil {
		return err
	}
	if confirmed {
		return nil
	}
	return r.reenter(ctx)
}

// attemptReentry returns an error only when the attempt cannot be judged at
// all; exchange failures just burn the attempt.
func (r *tradeRun) attemptReentry(ctx context.Context) (bool, error) {
	trade, progress := r.rt.Snapshot()
	log := r.log.With(zap.Int("attempt", progress.ReentryAttempts))

	filters, err := r.e.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("Re-entry skipped, no instrument filters", zap.Error(err))
		return false, nil
	}
	if _, _, err := r.placeEntryPair(ctx, domain.RoleReentry, filters); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("Re-entry placement failed", zap.Error(err))
		r.cancelReentryOrders(ctx)
		return false, nil
	}

	status, pos, err := r.confirmPosition(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn("Re-entry confirmation failed", zap.Error(err))
		r.cancelReentryOrders(ctx)
		return false, nil
	}
	if status == ConfirmConfirmed {
		log.Info("Re-entry filled", zap.Stringer("size", pos.Size))
		return true, r.onConfirmed(ctx, pos)
	}
	log.Info("Re-entry not filled in time")
	r.cancelReentryOrders(ctx)
	return false, nil
}

func (r *tradeRun) cancelReentryOrders(ctx context.Context) {
	trade, _ := r.rt.Snapshot()
	orders, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleReentry)
	if err != nil {
		r.log.Warn("Failed to list re-entry orders", zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := r.e.desk.cancel(ctx, o); err != nil {
			r.log.Warn("Failed to cancel re-entry order", zap.String("link_id", o.LinkID), zap.Error(err))
		}
	}
}

// resetCycle clears the per-position progress for a new cycle. The hedge
// count spans the whole trade, and HedgeActive stays set while a leg from
// the previous cycle is still open; the hedge strategy clears it once flat.
func resetCycle(p *domain.StrategyProgress) {
	p.PyramidStep = 0
	p.BreakevenDone = false
	p.TrailingActive = false
	p.TrailingExtreme = decimal.Zero
	p.StopLossPrice = decimal.Zero
	p.StopLossLinkID = ""
}
