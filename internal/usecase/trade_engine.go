package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type TradeSettings struct {
	ConfirmAttempts    int
	ConfirmInterval    time.Duration
	OCOInterval        time.Duration
	OCOMaxPolls        int
	MinNotionalRetries int
	// MaxSpreadPct rejects entries into a book wider than this; zero disables the check.
	MaxSpreadPct decimal.Decimal
	// HedgeMode is the account's position mode; hedging needs it.
	HedgeMode bool
}

func DefaultTradeSettings() TradeSettings {
	return TradeSettings{
		ConfirmAttempts:    10,
		ConfirmInterval:    3 * time.Second,
		OCOInterval:        2 * time.Second,
		OCOMaxPolls:        43200,
		MinNotionalRetries: 3,
		MaxSpreadPct:       decimal.RequireFromString("0.5"),
	}
}

type ConfirmStatus int

const (
	ConfirmPending ConfirmStatus = iota
	ConfirmConfirmed
	ConfirmTimedOut
)

type ExitOutcome int

const (
	ExitPending ExitOutcome = iota
	ExitTakeProfit
	ExitStopLoss
	ExitClosed
)

func (o ExitOutcome) String() string {
	switch o {
	case ExitTakeProfit:
		return "TP"
	case ExitStopLoss:
		return "SL"
	case ExitClosed:
		return "CLOSED"
	default:
		return "PENDING"
	}
}

// RunOutcome is how one FSM run ended.
type RunOutcome int

const (
	RunDone RunOutcome = iota
	RunError
	// RunTimeout leaves the trade protected and active; a later run resumes it.
	RunTimeout
	// RunInterrupted means the context was cancelled; the trade is untouched.
	RunInterrupted
)

func (o RunOutcome) String() string {
	switch o {
	case RunDone:
		return "done"
	case RunError:
		return "error"
	case RunTimeout:
		return "timeout"
	default:
		return "interrupted"
	}
}

type TradeEngineDeps struct {
	Exchange domain.Exchange
	Repo     domain.TradeRepository
	Journal  domain.Journal
	Notifier domain.Notifier
	Prices   domain.PriceSource
	Policy   *LeveragePolicy
	Capacity *CapacityGate
	Metrics  MetricsRecorder
	Logger   *zap.Logger
}

// TradeEngine drives trades through their lifecycle. One Run call owns one
// trade at a time; strategies run beside it once the position is protected.
type TradeEngine struct {
	ex         domain.Exchange
	repo       domain.TradeRepository
	journal    domain.Journal
	notifier   domain.Notifier
	policy     *LeveragePolicy
	capacity   *CapacityGate
	desk       *orderDesk
	strategies *StrategyManager
	cfg        TradeSettings
	scfg       StrategySettings
	metrics    MetricsRecorder
	logger     *zap.Logger
}

func NewTradeEngine(deps TradeEngineDeps, cfg TradeSettings, scfg StrategySettings) *TradeEngine {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	e := &TradeEngine{
		ex:       deps.Exchange,
		repo:     deps.Repo,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		policy:   deps.Policy,
		capacity: deps.Capacity,
		cfg:      cfg,
		scfg:     scfg,
		metrics:  metrics,
		logger:   deps.Logger,
	}
	e.desk = &orderDesk{
		ex:        deps.Exchange,
		repo:      deps.Repo,
		journal:   deps.Journal,
		metrics:   metrics,
		logger:    deps.Logger,
		hedgeMode: cfg.HedgeMode,
	}
	e.strategies = NewStrategyManager(deps.Prices, scfg, e.buildStrategies, metrics, deps.Logger)
	return e
}

func (e *TradeEngine) Strategies() *StrategyManager {
	return e.strategies
}

func (e *TradeEngine) buildStrategies(rt *tradeRuntime) []Strategy {
	env := &strategyEnv{
		rt:       rt,
		desk:     e.desk,
		ex:       e.ex,
		repo:     e.repo,
		notifier: e.notifier,
		policy:   e.policy,
		cfg:      e.scfg,
		metrics:  e.metrics,
		logger:   e.logger.With(zap.String("trade_id", rt.ID())),
	}
	var out []Strategy
	if e.scfg.PyramidEnabled && len(e.scfg.Pyramid) > 0 {
		out = append(out, NewPyramidStrategy(env, e.scfg.Pyramid))
	}
	if e.scfg.BreakevenEnabled {
		out = append(out, NewBreakevenStrategy(env))
	}
	if e.scfg.TrailingEnabled {
		out = append(out, NewTrailingStrategy(env))
	}
	// in one-way mode an opposite order would just reduce the position
	if e.scfg.HedgeEnabled && e.cfg.HedgeMode {
		out = append(out, NewHedgeStrategy(env))
	}
	return out
}

// tradeRun is the state of one Run call.
type tradeRun struct {
	e      *TradeEngine
	rt     *tradeRuntime
	ticket *Ticket
	log    *zap.Logger
}

// Run advances the trade from its current state until it is terminal, the
// exit monitor times out, or ctx is cancelled. It is safe to call on a
// trade loaded from storage: every step is idempotent on the exchange.
func (e *TradeEngine) Run(ctx context.Context, rt *tradeRuntime, ticket *Ticket) RunOutcome {
	r := &tradeRun{
		e:      e,
		rt:     rt,
		ticket: ticket,
		log:    e.logger.With(zap.String("trade_id", rt.ID())),
	}
	for {
		if ctx.Err() != nil {
			return RunInterrupted
		}

		var err error
		switch rt.State() {
		case domain.StateReceived:
			err = r.setLeverage(ctx)
		case domain.StateLeverageSet:
			err = r.placeEntries(ctx)
		case domain.StateEntriesPlaced:
			err = r.confirm(ctx)
		case domain.StatePositionConfirmed:
			err = r.protect(ctx)
		case domain.StateTPSLPlaced:
			var timedOut bool
			timedOut, err = r.monitor(ctx)
			if err == nil && timedOut {
				return RunTimeout
			}
		case domain.StateDone:
			return RunDone
		case domain.StateError:
			return RunError
		default:
			err = fmt.Errorf("unknown trade state %q", rt.State())
		}

		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("Trade run interrupted", zap.String("state", string(rt.State())))
				return RunInterrupted
			}
			r.fail(ctx, err)
			return RunError
		}
	}
}

// transition moves the trade to the next state, persists it and journals
// the change. Callers notify after it returns.
func (r *tradeRun) transition(ctx context.Context, to domain.TradeState) error {
	trade, _ := r.rt.Snapshot()
	from := trade.State
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) { t.State = to })
	if err := r.rt.persist(ctx, r.e.repo); err != nil {
		return err
	}
	r.e.desk.record(domain.EventTradeState, map[string]any{
		"trade_id": trade.ID,
		"from":     string(from),
		"to":       string(to),
	})
	r.log.Info("Trade state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

func (r *tradeRun) notify(ctx context.Context, text string) {
	if err := r.e.notifier.Send(ctx, text); err != nil {
		r.log.Warn("Notification failed", zap.Error(err))
	}
}

// release gives back everything a live trade holds.
func (r *tradeRun) release() {
	id := r.rt.ID()
	r.e.capacity.Release(id)
	r.e.strategies.Detach(id)
	r.e.metrics.ActiveTrades(r.e.capacity.Active())
}

// fail moves the trade to ERROR: resting entries are pulled, one error
// message is sent and the breaker learns the outcome.
func (r *tradeRun) fail(ctx context.Context, cause error) {
	trade, _ := r.rt.Snapshot()
	if trade.State.IsTerminal() {
		return
	}
	r.log.Error("Trade failed", zap.String("state", string(trade.State)), zap.Error(cause))

	entries, err := r.e.desk.openOrders(ctx, trade.ID, domain.RoleEntry, domain.RoleReentry)
	if err != nil {
		r.log.Warn("Failed to list entries for cleanup", zap.Error(err))
	}
	for _, o := range entries {
		if err := r.e.desk.cancel(ctx, o); err != nil {
			r.log.Warn("Failed to cancel entry", zap.String("link_id", o.LinkID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) {
		t.State = domain.StateError
		t.ErrorReason = cause.Error()
		t.ClosedAt = &now
	})
	if err := r.rt.persist(ctx, r.e.repo); err != nil {
		r.log.Error("Failed to persist error state", zap.Error(err))
	}
	if err := r.e.repo.CloseTrade(ctx, trade.ID, domain.StateError, trade.RealizedPnL, now); err != nil {
		r.log.Error("Failed to close trade", zap.Error(err))
	}
	r.e.desk.record(domain.EventTradeState, map[string]any{
		"trade_id": trade.ID,
		"from":     string(trade.State),
		"to":       string(domain.StateError),
	})
	r.e.desk.record(domain.EventTradeError, map[string]any{
		"trade_id": trade.ID,
		"state":    string(trade.State),
		"error":    cause.Error(),
	})

	r.release()
	r.ticket.Resolve(!domain.IsFatalExchange(cause))
	r.e.metrics.TradeOutcome("error")
	r.notify(ctx, msgTradeError(&trade, cause))
}

// finish closes the trade as DONE with its accumulated PnL.
func (r *tradeRun) finish(ctx context.Context, outcome ExitOutcome) error {
	if err := r.transition(ctx, domain.StateDone); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.rt.Update(func(t *domain.Trade, _ *domain.StrategyProgress) { t.ClosedAt = &now })
	trade, _ := r.rt.Snapshot()
	if err := r.e.repo.CloseTrade(ctx, trade.ID, domain.StateDone, trade.RealizedPnL, now); err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	r.release()
	r.e.metrics.TradeOutcome(outcome.String())
	r.notify(ctx, msgTradeClosed(&trade, outcome, trade.RealizedPnL))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
