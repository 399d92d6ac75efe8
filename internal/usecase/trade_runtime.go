package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/signal_copy_trader/internal/domain"
)

// tradeRuntime is the in-memory state of one live trade shared by its FSM
// run and its strategy monitors.
type tradeRuntime struct {
	// protectMu serialises every change to the trade's protective orders.
	protectMu sync.Mutex

	mu       sync.Mutex
	trade    domain.Trade
	progress domain.StrategyProgress
}

func newTradeRuntime(trade *domain.Trade, progress *domain.StrategyProgress) *tradeRuntime {
	rt := &tradeRuntime{trade: *trade}
	if progress != nil {
		rt.progress = *progress
	}
	rt.progress.TradeID = trade.ID
	return rt
}

func (rt *tradeRuntime) ID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.trade.ID
}

func (rt *tradeRuntime) State() domain.TradeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.trade.State
}

// Snapshot returns copies safe to read without holding the lock.
func (rt *tradeRuntime) Snapshot() (domain.Trade, domain.StrategyProgress) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := rt.trade
	t.Entries = append(t.Entries[:0:0], rt.trade.Entries...)
	t.TakeProfits = append(t.TakeProfits[:0:0], rt.trade.TakeProfits...)
	return t, rt.progress
}

func (rt *tradeRuntime) Update(fn func(t *domain.Trade, p *domain.StrategyProgress)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn(&rt.trade, &rt.progress)
	now := time.Now().UTC()
	rt.trade.UpdatedAt = now
	rt.progress.UpdatedAt = now
}

// cycleStep prefixes a link-id step with the re-entry cycle so every cycle
// gets its own ids: E1 on the first cycle, R2E1 on the second re-entry.
func (rt *tradeRuntime) cycleStep(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	rt.mu.Lock()
	cycle := rt.progress.Cycle
	rt.mu.Unlock()
	if cycle == 0 {
		return s
	}
	return fmt.Sprintf("R%d%s", cycle, s)
}

// persist writes the current trade row and strategy progress.
func (rt *tradeRuntime) persist(ctx context.Context, repo domain.TradeRepository) error {
	trade, progress := rt.Snapshot()
	if err := repo.SaveTrade(ctx, &trade); err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}
	if err := repo.SaveProgress(ctx, &progress); err != nil {
		return fmt.Errorf("save progress %s: %w", trade.ID, err)
	}
	return nil
}

// MetricsRecorder receives business counters. A nil recorder is replaced by a no-op.
type MetricsRecorder interface {
	SignalOutcome(result string)
	TradeOutcome(outcome string)
	OrderPlaced(role string, ok bool)
	StrategyAction(strategy string)
	ActiveTrades(n int)
}

type nopMetrics struct{}

func (nopMetrics) SignalOutcome(string)     {}
func (nopMetrics) TradeOutcome(string)      {}
func (nopMetrics) OrderPlaced(string, bool) {}
func (nopMetrics) StrategyAction(string)    {}
func (nopMetrics) ActiveTrades(int)         {}
