package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
	"go.uber.org/zap"
)

func (r *tradeRun) step(format string, args ...any) string {
	return r.rt.cycleStep(format, args...)
}

func (r *tradeRun) setLeverage(ctx context.Context) error {
	trade, _ := r.rt.Snapshot()
	err := r.e.ex.SetLeverage(ctx, trade.Symbol, trade.Leverage)
	if err != nil && !domain.IsNotModified(err) {
		return fmt.Errorf("set leverage: %w", err)
	}
	r.e.desk.record(domain.EventLeverageSet, map[string]any{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
		"leverage": trade.Leverage.String(),
	})
	if err := r.transition(ctx, domain.StateLeverageSet); err != nil {
		return err
	}
	r.notify(ctx, msgLeverageSet(&trade))
	return nil
}

// guardMarket refuses to enter a symbol that is not trading or whose book
// is too wide for maker entries.
func (r *tradeRun) guardMarket(ctx context.Context, filters *domain.InstrumentFilters) error {
	if !filters.Tradable() {
		return fmt.Errorf("%w: %s status %q", domain.ErrMarketGuard, filters.Symbol, filters.Status)
	}
	if !r.e.cfg.MaxSpreadPct.IsPositive() {
		return nil
	}
	ticker, err := r.e.ex.GetTicker(ctx, filters.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if spread := ticker.SpreadPct(); spread.GreaterThan(r.e.cfg.MaxSpreadPct) {
		return fmt.Errorf("%w: %s spread %s%% above %s%%", domain.ErrMarketGuard,
			filters.Symbol, spread.StringFixed(3), r.e.cfg.MaxSpreadPct)
	}
	return nil
}

func (r *tradeRun) placeEntries(ctx context.Context) error {
	trade, _ := r.rt.Snapshot()
	filters, err := r.e.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	if err := r.guardMarket(ctx, filters); err != nil {
		return err
	}
	prices, qtys, err := r.placeEntryPair(ctx, domain.RoleEntry, filters)
	if err != nil {
		return err
	}
	if err := r.transition(ctx, domain.StateEntriesPlaced); err != nil {
		return err
	}
	r.notify(ctx, msgEntriesPlaced(&trade, prices, qtys))
	return nil
}

// placeEntryPair places one post-only limit per signal entry, splitting the
// margin budget evenly between them.
func (r *tradeRun) placeEntryPair(ctx context.Context, role domain.OrderRole, filters *domain.InstrumentFilters) ([]decimal.Decimal, []decimal.Decimal, error) {
	trade, _ := r.rt.Snapshot()
	if len(trade.Entries) == 0 {
		return nil, nil, fmt.Errorf("%w: trade has no entries", domain.ErrInvalidSignal)
	}
	margin := r.e.policy.cfg.IMTarget.Div(decimal.NewFromInt(int64(len(trade.Entries))))

	prices := make([]decimal.Decimal, 0, len(trade.Entries))
	qtys := make([]decimal.Decimal, 0, len(trade.Entries))
	for i, entry := range trade.Entries {
		price := numeric.QuantizePrice(entry, filters.TickSize)
		qty, err := r.e.policy.SizeForMargin(margin, price, trade.Leverage, filters)
		if err != nil {
			return nil, nil, err
		}
		req := domain.NewOrderRequest(role, trade.Symbol, trade.Side.OrderSide(),
			domain.OrderTypeLimit, qty, price, domain.TIFPostOnly, LinkID(trade.ID, r.step("E%d", i+1)))
		req.PositionIdx = r.e.desk.positionIdx(trade.Side)

		rec, err := r.placeWithMinNotional(ctx, trade.ID, req)
		if err != nil {
			return nil, nil, err
		}
		prices = append(prices, rec.Price)
		qtys = append(qtys, rec.Qty)
	}
	return prices, qtys, nil
}

// placeWithMinNotional doubles the quantity each time the exchange rejects
// the order for being below its minimum notional.
func (r *tradeRun) placeWithMinNotional(ctx context.Context, tradeID string, req domain.OrderRequest) (*domain.OrderRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := r.e.desk.place(ctx, tradeID, req)
		if err == nil {
			return rec, nil
		}
		if !domain.IsMinNotional(err) || attempt >= r.e.cfg.MinNotionalRetries {
			return nil, err
		}
		r.log.Info("Below minimum notional, doubling quantity",
			zap.String("link_id", req.LinkID),
			zap.Stringer("qty", req.Qty),
			zap.Int("attempt", attempt+1))
		req.Qty = req.Qty.Mul(decimal.NewFromInt(2))
	}
}

// confirmPosition polls the position until it is open or the budget runs out.
func (r *tradeRun) confirmPosition(ctx context.Context) (ConfirmStatus, *domain.Position, error) {
	trade, _ := r.rt.Snapshot()
	for attempt := 1; attempt <= r.e.cfg.ConfirmAttempts; attempt++ {
		pos, err := r.e.ex.GetPosition(ctx, trade.Symbol, trade.Side)
		if err != nil {
			return ConfirmPending, nil, fmt.Errorf("get position: %w", err)
		}
		if pos.IsOpen() {
			return ConfirmConfirmed, pos, nil
		}
		r.log.Debug("Position not open yet", zap.Int("attempt", attempt))
		if attempt < r.e.cfg.ConfirmAttempts {
			if err := sleepCtx(ctx, r.e.cfg.ConfirmInterval); err != nil {
				return ConfirmPending, nil, err
			}
		}
	}
	return ConfirmTimedOut, nil, nil
}

func (r *tradeRun) confirm(ctx context.Context) error {
	_, progress := r.rt.Snapshot()
	if progress.ReentryAttempts > 0 {
		return r.resumeReentry(ctx)
	}

	status, pos, err := r.confirmPosition(ctx)
	if err != nil {
		return err
	}
	switch status {
	case ConfirmConfirmed:
		return r.onConfirmed(ctx, pos)
	case ConfirmTimedOut:
		return fmt.Errorf("%w after %d attempts", domain.ErrConfirmTimeout, r.e.cfg.ConfirmAttempts)
	default:
		return fmt.Errorf("unexpected confirm status %d", status)
	}
}

// onConfirmed records the live position. The original entry is set from
// the first confirmation only and never moves afterwards.
func (r *tradeRun) onConfirmed(ctx context.Context, pos *domain.Position) error {
	var setErr error
	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) {
		if t.OriginalEntryPrice.IsZero() {
			setErr = t.SetOriginalEntry(pos.AvgPrice)
		}
		t.AverageEntryPrice = pos.AvgPrice
		t.PositionSize = pos.Size
	})
	if setErr != nil {
		return setErr
	}
	r.syncEntryFills(ctx)

	trade, _ := r.rt.Snapshot()
	r.e.desk.record(domain.EventPositionOpened, map[string]any{
		"trade_id":       trade.ID,
		"size":           pos.Size.String(),
		"avg_price":      pos.AvgPrice.String(),
		"original_entry": trade.OriginalEntryPrice.String(),
	})
	if err := r.transition(ctx, domain.StatePositionConfirmed); err != nil {
		return err
	}
	r.notify(ctx, msgPositionConfirmed(&trade))
	return nil
}

// syncEntryFills marks entry orders no longer resting on the exchange as
// filled and records the fill.
func (r *tradeRun) syncEntryFills(ctx context.Context) {
	trade, _ := r.rt.Snapshot()
	entries, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleEntry, domain.RoleReentry)
	if err != nil || len(entries) == 0 {
		return
	}
	open, err := r.e.ex.GetOpenOrders(ctx, trade.Symbol)
	if err != nil {
		r.log.Warn("Failed to fetch open orders", zap.Error(err))
		return
	}
	resting := linkSet(open)
	for _, o := range entries {
		if resting[o.LinkID] {
			continue
		}
		if err := r.e.desk.markFilled(ctx, o); err != nil {
			r.log.Warn("Failed to mark entry filled", zap.String("link_id", o.LinkID), zap.Error(err))
			continue
		}
		fill := &domain.Fill{
			TradeID:    trade.ID,
			LinkID:     o.LinkID,
			Price:      o.Price,
			Qty:        o.Qty,
			ExecutedAt: time.Now().UTC(),
		}
		if err := r.e.repo.RecordFill(ctx, fill); err != nil {
			r.log.Warn("Failed to record fill", zap.String("link_id", o.LinkID), zap.Error(err))
		}
	}
}

func linkSet(open []domain.OpenOrder) map[string]bool {
	set := make(map[string]bool, len(open))
	for _, o := range open {
		set[o.LinkID] = true
	}
	return set
}

// splitTakeProfits divides size over the targets: floored equal parts with
// the remainder on the last one. Targets are dropped from the far end while
// a part would be below the minimum order quantity.
func splitTakeProfits(size decimal.Decimal, targets []decimal.Decimal, filters *domain.InstrumentFilters) ([]decimal.Decimal, []decimal.Decimal) {
	n := len(targets)
	if n == 0 || !size.IsPositive() {
		return nil, nil
	}
	var part decimal.Decimal
	for ; n > 1; n-- {
		part = numeric.QuantizeQty(size.Div(decimal.NewFromInt(int64(n))), filters.QtyStep)
		if part.GreaterThanOrEqual(filters.MinOrderQty) && part.IsPositive() {
			break
		}
	}
	if n == 1 {
		return targets[:1], []decimal.Decimal{size}
	}
	qtys := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		qtys[i] = part
	}
	qtys[n-1] = size.Sub(part.Mul(decimal.NewFromInt(int64(n - 1))))
	return targets[:n], qtys
}

// protect places the stop first and then the take-profits. Replays after a
// crash are absorbed by the deterministic link ids.
func (r *tradeRun) protect(ctx context.Context) error {
	trade, err := r.placeProtection(ctx)
	if err != nil {
		return err
	}
	if err := r.transition(ctx, domain.StateTPSLPlaced); err != nil {
		return err
	}
	r.ticket.Resolve(true)
	_, progress := r.rt.Snapshot()
	r.notify(ctx, msgProtectionPlaced(&trade, progress.StopLossPrice, trade.TakeProfits))
	return nil
}

func (r *tradeRun) placeProtection(ctx context.Context) (domain.Trade, error) {
	r.rt.protectMu.Lock()
	defer r.rt.protectMu.Unlock()

	trade, _ := r.rt.Snapshot()
	filters, err := r.e.ex.GetInstrumentFilters(ctx, trade.Symbol)
	if err != nil {
		return trade, fmt.Errorf("instrument filters: %w", err)
	}

	slPrice := numeric.QuantizePrice(trade.StopLoss, filters.TickSize)
	slReq := r.e.desk.stopLossRequest(domain.RoleStopLoss, trade.Symbol, trade.Side,
		trade.PositionSize, slPrice, LinkID(trade.ID, r.step("SL")))
	sl, err := r.e.desk.place(ctx, trade.ID, slReq)
	if err != nil {
		return trade, fmt.Errorf("stop-loss: %w", err)
	}
	r.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.StopLossPrice = slPrice
		p.StopLossLinkID = sl.LinkID
	})

	targets, qtys := splitTakeProfits(trade.PositionSize, trade.TakeProfits, filters)
	for i, target := range targets {
		price := numeric.QuantizePrice(target, filters.TickSize)
		req := domain.NewOrderRequest(domain.RoleTakeProfit, trade.Symbol, trade.Side.ExitSide(),
			domain.OrderTypeLimit, qtys[i], price, domain.TIFGoodTillCancel, LinkID(trade.ID, r.step("TP%d", i+1)))
		req.PositionIdx = r.e.desk.positionIdx(trade.Side)
		if _, err := r.e.desk.place(ctx, trade.ID, req); err != nil {
			return trade, fmt.Errorf("take-profit %d: %w", i+1, err)
		}
	}
	return trade, r.rt.persist(ctx, r.e.repo)
}

// EvaluateOCO decides the exit from the open orders. A side counts as gone
// only when none of its orders is resting; siblings are cancelled only once
// exactly one side is gone.
func EvaluateOCO(open []domain.OpenOrder, tpLinks []string, slLink string) ExitOutcome {
	resting := linkSet(open)
	slOpen := slLink != "" && resting[slLink]
	tpOpen := 0
	for _, l := range tpLinks {
		if resting[l] {
			tpOpen++
		}
	}

	switch {
	case len(tpLinks) == 0 && !slOpen:
		// no targets left to track: the stop was the exit
		return ExitStopLoss
	case len(tpLinks) > 0 && tpOpen == 0 && slOpen:
		return ExitTakeProfit
	case !slOpen && tpOpen > 0:
		return ExitStopLoss
	case !slOpen && tpOpen == 0:
		return ExitClosed
	default:
		return ExitPending
	}
}

// monitor runs the exit watch for the current cycle. It returns timedOut
// when the poll budget ran out with the position still open.
func (r *tradeRun) monitor(ctx context.Context) (bool, error) {
	r.e.strategies.Attach(ctx, r.rt)

	outcome, err := r.watchExit(ctx)
	if err != nil {
		return false, err
	}
	if outcome == ExitPending {
		trade, _ := r.rt.Snapshot()
		r.log.Warn("Exit not observed within poll budget", zap.Int("polls", r.e.cfg.OCOMaxPolls))
		r.e.metrics.TradeOutcome("timeout")
		r.notify(ctx, msgExitTimeout(&trade))
		return true, nil
	}

	_, progress := r.rt.Snapshot()
	trailed := progress.TrailingActive
	r.e.strategies.Detach(r.rt.ID())
	if err := r.closeCycle(ctx, outcome); err != nil {
		return false, err
	}

	if outcome == ExitStopLoss && !trailed && r.e.scfg.ReentryEnabled && progress.ReentryAttempts < r.e.scfg.ReentryMaxAttempts {
		return false, r.reenter(ctx)
	}
	return false, r.finish(ctx, outcome)
}

func (r *tradeRun) watchExit(ctx context.Context) (ExitOutcome, error) {
	for poll := 0; poll < r.e.cfg.OCOMaxPolls; poll++ {
		if poll > 0 {
			if err := sleepCtx(ctx, r.e.cfg.OCOInterval); err != nil {
				return ExitPending, err
			}
		}
		outcome, err := r.checkExit(ctx)
		if err != nil {
			if isCancelled(err) && ctx.Err() != nil {
				return ExitPending, err
			}
			r.log.Warn("Exit check failed", zap.Error(err))
			continue
		}
		if outcome != ExitPending {
			return outcome, nil
		}
	}
	return ExitPending, nil
}

// checkExit runs one OCO poll under the protective-order lock so strategies
// cannot swap the stop between the read and the reaction.
func (r *tradeRun) checkExit(ctx context.Context) (ExitOutcome, error) {
	r.rt.protectMu.Lock()
	defer r.rt.protectMu.Unlock()

	trade, progress := r.rt.Snapshot()
	tps, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleTakeProfit)
	if err != nil {
		return ExitPending, err
	}
	tpLinks := make([]string, len(tps))
	for i, tp := range tps {
		tpLinks[i] = tp.LinkID
	}
	open, err := r.e.ex.GetOpenOrders(ctx, trade.Symbol)
	if err != nil {
		return ExitPending, fmt.Errorf("open orders: %w", err)
	}
	resting := linkSet(open)

	outcome := EvaluateOCO(open, tpLinks, progress.StopLossLinkID)
	switch outcome {
	case ExitPending:
		r.markTakeProfitsHit(ctx, tps, resting)
		return ExitPending, r.syncPosition(ctx)

	case ExitTakeProfit:
		r.markTakeProfitsHit(ctx, tps, resting)
		if err := r.cancelStops(ctx); err != nil {
			return ExitPending, err
		}
		if err := r.flattenRemainder(ctx); err != nil {
			return ExitPending, err
		}
		return ExitTakeProfit, nil

	default:
		flat, err := r.positionFlat(ctx)
		if err != nil {
			return ExitPending, err
		}
		if !flat {
			r.log.Warn("Stop gone but position still open", zap.String("sl_link", progress.StopLossLinkID))
			return ExitPending, nil
		}
		if outcome == ExitStopLoss {
			r.markStopHit(ctx, progress.StopLossLinkID)
		} else if err := r.cancelStops(ctx); err != nil {
			// the exchange dropped the stop with the position; only the rows are stale
			r.log.Warn("Failed to retire dropped stop", zap.Error(err))
		}
		for _, tp := range tps {
			if resting[tp.LinkID] {
				if err := r.e.desk.cancel(ctx, tp); err != nil {
					return ExitPending, err
				}
			}
		}
		r.markTakeProfitsHit(ctx, tps, resting)
		return outcome, nil
	}
}

// markTakeProfitsHit marks tracked targets that left the book as filled.
func (r *tradeRun) markTakeProfitsHit(ctx context.Context, tps []*domain.OrderRecord, resting map[string]bool) {
	for _, tp := range tps {
		if resting[tp.LinkID] || !tp.IsOpen() {
			continue
		}
		if err := r.e.desk.markFilled(ctx, tp); err != nil {
			r.log.Warn("Failed to mark take-profit filled", zap.String("link_id", tp.LinkID), zap.Error(err))
			continue
		}
		r.e.desk.record(domain.EventTPHit, map[string]any{
			"trade_id": tp.TradeID,
			"link_id":  tp.LinkID,
			"price":    tp.Price.String(),
			"qty":      tp.Qty.String(),
		})
	}
}

func (r *tradeRun) markStopHit(ctx context.Context, slLink string) {
	trade, progress := r.rt.Snapshot()
	stops, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleStopLoss, domain.RoleTrailingStop)
	if err != nil {
		r.log.Warn("Failed to list stops", zap.Error(err))
	}
	for _, s := range stops {
		if s.LinkID != slLink {
			continue
		}
		if err := r.e.desk.markFilled(ctx, s); err != nil {
			r.log.Warn("Failed to mark stop filled", zap.String("link_id", s.LinkID), zap.Error(err))
		}
	}
	r.e.desk.record(domain.EventSLHit, map[string]any{
		"trade_id": trade.ID,
		"link_id":  slLink,
		"sl":       progress.StopLossPrice.String(),
		"trailing": progress.TrailingActive,
	})
}

func (r *tradeRun) cancelStops(ctx context.Context) error {
	trade, _ := r.rt.Snapshot()
	stops, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleStopLoss, domain.RoleTrailingStop)
	if err != nil {
		return err
	}
	for _, s := range stops {
		if err := r.e.desk.cancel(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// flattenRemainder closes what the take-profits did not cover, which only
// happens after pyramid adds grew the position.
func (r *tradeRun) flattenRemainder(ctx context.Context) error {
	trade, progress := r.rt.Snapshot()
	pos, err := r.e.ex.GetPosition(ctx, trade.Symbol, trade.Side)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if !pos.IsOpen() {
		return nil
	}
	req := domain.NewOrderRequest(domain.RoleTakeProfit, trade.Symbol, trade.Side.ExitSide(),
		domain.OrderTypeMarket, pos.Size, decimal.Zero, domain.TIFImmediate, LinkID(trade.ID, r.step("TPX%d", progress.PyramidStep)))
	req.PositionIdx = r.e.desk.positionIdx(trade.Side)
	rec, err := r.e.desk.place(ctx, trade.ID, req)
	if err != nil {
		return fmt.Errorf("flatten remainder: %w", err)
	}
	return r.e.desk.markFilled(ctx, rec)
}

func (r *tradeRun) positionFlat(ctx context.Context) (bool, error) {
	trade, _ := r.rt.Snapshot()
	pos, err := r.e.ex.GetPosition(ctx, trade.Symbol, trade.Side)
	if err != nil {
		return false, fmt.Errorf("get position: %w", err)
	}
	return !pos.IsOpen(), nil
}

// syncPosition follows late entry fills: when the position grew the stop is
// resized to cover it.
func (r *tradeRun) syncPosition(ctx context.Context) error {
	trade, progress := r.rt.Snapshot()
	pos, err := r.e.ex.GetPosition(ctx, trade.Symbol, trade.Side)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if !pos.IsOpen() || pos.Size.Equal(trade.PositionSize) {
		return nil
	}
	grew := pos.Size.GreaterThan(trade.PositionSize)
	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) {
		t.PositionSize = pos.Size
		if grew {
			t.AverageEntryPrice = pos.AvgPrice
		}
	})
	if grew {
		r.syncEntryFills(ctx)
		if progress.StopLossLinkID != "" {
			err := r.e.ex.AmendOrder(ctx, trade.Symbol, progress.StopLossLinkID, pos.Size, progress.StopLossPrice)
			if err != nil && !domain.IsNotModified(err) {
				r.log.Warn("Failed to resize stop", zap.Error(err))
			}
		}
	}
	return r.rt.persist(ctx, r.e.repo)
}

// closeCycle books the realized PnL of the cycle that just ended. The
// exchange figure covers every cycle since the trade opened, so the cycle
// share is that total minus what is already booked.
func (r *tradeRun) closeCycle(ctx context.Context, outcome ExitOutcome) error {
	trade, progress := r.rt.Snapshot()
	pnl, err := r.e.ex.GetClosedPnL(ctx, trade.Symbol, trade.CreatedAt)
	var cycle decimal.Decimal
	if err == nil {
		cycle = pnl.Sub(trade.RealizedPnL)
	} else {
		r.log.Warn("Closed PnL unavailable, estimating", zap.Error(err))
		cycle = r.estimatePnL(ctx, trade, progress, outcome)
	}

	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) {
		t.RealizedPnL = t.RealizedPnL.Add(cycle)
		t.PositionSize = decimal.Zero
	})
	if err := r.rt.persist(ctx, r.e.repo); err != nil {
		return err
	}
	r.e.desk.record(domain.EventPositionClosed, map[string]any{
		"trade_id": trade.ID,
		"outcome":  outcome.String(),
		"pnl":      cycle.String(),
		"cycle":    progress.Cycle,
	})
	r.log.Info("Position closed", zap.Stringer("outcome", outcome), zap.Stringer("pnl", cycle))
	return nil
}

// estimatePnL prices the exit at the stop or the last target actually used.
func (r *tradeRun) estimatePnL(ctx context.Context, trade domain.Trade, progress domain.StrategyProgress, outcome ExitOutcome) decimal.Decimal {
	exit := progress.StopLossPrice
	if outcome == ExitTakeProfit && len(trade.TakeProfits) > 0 {
		exit = trade.TakeProfits[len(trade.TakeProfits)-1]
	}
	if outcome == ExitClosed {
		if ticker, err := r.e.ex.GetTicker(ctx, trade.Symbol); err == nil {
			exit = ticker.MarkPrice
		}
	}
	if exit.IsZero() {
		return decimal.Zero
	}
	return exit.Sub(trade.AverageEntryPrice).Mul(trade.PositionSize).Mul(trade.Side.Sign())
}
