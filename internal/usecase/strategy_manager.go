package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// Strategy is one position-management monitor. Evaluate is called with the
// current mark price on every tick and returns done once the strategy has
// nothing left to do for this trade.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, price decimal.Decimal) (done bool, err error)
}

type StrategySettings struct {
	Interval      time.Duration
	DetachTimeout time.Duration

	PyramidEnabled bool
	Pyramid        []PyramidStep

	BreakevenEnabled   bool
	BreakevenAfterStep int
	BreakevenOffsetPct decimal.Decimal

	TrailingEnabled     bool
	TrailingTriggerPct  decimal.Decimal
	TrailingDistancePct decimal.Decimal

	HedgeEnabled    bool
	HedgeTriggerPct decimal.Decimal
	MaxHedges       int

	ReentryEnabled     bool
	ReentryMaxAttempts int
	ReentryCooldown    time.Duration
}

func DefaultStrategySettings() StrategySettings {
	return StrategySettings{
		Interval:            5 * time.Second,
		DetachTimeout:       10 * time.Second,
		PyramidEnabled:      true,
		Pyramid:             DefaultPyramidLadder(),
		BreakevenEnabled:    true,
		BreakevenAfterStep:  2,
		BreakevenOffsetPct:  decimal.RequireFromString("0.0015"),
		TrailingEnabled:     true,
		TrailingTriggerPct:  decimal.RequireFromString("6.1"),
		TrailingDistancePct: decimal.RequireFromString("2.5"),
		HedgeEnabled:        true,
		HedgeTriggerPct:     decimal.NewFromInt(2),
		MaxHedges:           1,
		ReentryEnabled:      true,
		ReentryMaxAttempts:  3,
		ReentryCooldown:     60 * time.Second,
	}
}

type strategyFactory func(rt *tradeRuntime) []Strategy

type attachment struct {
	rt     *tradeRuntime
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StrategyManager runs the monitors of every live trade, at most one set
// per trade id.
type StrategyManager struct {
	prices  domain.PriceSource
	cfg     StrategySettings
	build   strategyFactory
	metrics MetricsRecorder
	logger  *zap.Logger

	mu       sync.Mutex
	attached map[string]*attachment
}

func NewStrategyManager(prices domain.PriceSource, cfg StrategySettings, build strategyFactory, metrics MetricsRecorder, logger *zap.Logger) *StrategyManager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &StrategyManager{
		prices:   prices,
		cfg:      cfg,
		build:    build,
		metrics:  metrics,
		logger:   logger,
		attached: make(map[string]*attachment),
	}
}

type symbolWatcher interface {
	Watch(symbol string)
}

// Attach starts the trade's monitors. It returns false when the trade is
// already attached, so resume paths can call it unconditionally.
func (m *StrategyManager) Attach(parent context.Context, rt *tradeRuntime) bool {
	id := rt.ID()

	m.mu.Lock()
	if _, ok := m.attached[id]; ok {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	a := &attachment{rt: rt, cancel: cancel}
	m.attached[id] = a
	m.mu.Unlock()

	trade, _ := rt.Snapshot()
	if w, ok := m.prices.(symbolWatcher); ok {
		w.Watch(trade.Symbol)
	}

	strategies := m.build(rt)
	for _, s := range strategies {
		a.wg.Add(1)
		go func(s Strategy) {
			defer a.wg.Done()
			m.run(ctx, rt, s)
		}(s)
	}
	m.logger.Info("Strategies attached", zap.String("trade_id", id), zap.Int("count", len(strategies)))
	return true
}

func (m *StrategyManager) Attached(tradeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[tradeID]
	return ok
}

// Runtime returns the shared runtime of an attached trade.
func (m *StrategyManager) Runtime(tradeID string) (*tradeRuntime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attached[tradeID]
	if !ok {
		return nil, false
	}
	return a.rt, true
}

// Detach cancels a trade's monitors and waits for them up to DetachTimeout.
func (m *StrategyManager) Detach(tradeID string) {
	m.mu.Lock()
	a, ok := m.attached[tradeID]
	delete(m.attached, tradeID)
	m.mu.Unlock()
	if !ok {
		return
	}
	a.cancel()
	if !waitTimeout(&a.wg, m.cfg.DetachTimeout) {
		m.logger.Warn("Strategies did not stop in time", zap.String("trade_id", tradeID))
	}
}

// Shutdown cancels every monitor and waits for all of them within timeout.
func (m *StrategyManager) Shutdown(timeout time.Duration) bool {
	m.mu.Lock()
	all := m.attached
	m.attached = make(map[string]*attachment)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range all {
		a.cancel()
		wg.Add(1)
		go func(a *attachment) {
			defer wg.Done()
			a.wg.Wait()
		}(a)
	}
	return waitTimeout(&wg, timeout)
}

func (m *StrategyManager) run(ctx context.Context, rt *tradeRuntime, s Strategy) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	log := m.logger.With(zap.String("trade_id", rt.ID()), zap.String("strategy", s.Name()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		trade, _ := rt.Snapshot()
		if trade.State.IsTerminal() {
			return
		}
		// only a protected open position is managed
		if trade.State != domain.StateTPSLPlaced || !trade.PositionSize.IsPositive() {
			continue
		}

		price, err := m.prices.MarkPrice(ctx, trade.Symbol)
		if err != nil {
			log.Debug("No price", zap.Error(err))
			continue
		}
		done, err := s.Evaluate(ctx, price)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Strategy evaluation failed", zap.Error(err))
			continue
		}
		if done {
			log.Info("Strategy finished")
			return
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
