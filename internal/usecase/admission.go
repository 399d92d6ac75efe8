package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// CapacityGate caps the number of active trades. Reservations are taken
// before a Trade row exists, so a rejected signal leaves nothing behind.
type CapacityGate struct {
	mu     sync.Mutex
	max    int
	active map[string]struct{}
}

func NewCapacityGate(max int) *CapacityGate {
	return &CapacityGate{max: max, active: make(map[string]struct{})}
}

func (g *CapacityGate) TryAcquire(tradeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[tradeID]; ok {
		return nil
	}
	if len(g.active) >= g.max {
		return fmt.Errorf("%w: %d/%d", domain.ErrCapacityExceeded, len(g.active), g.max)
	}
	g.active[tradeID] = struct{}{}
	return nil
}

// Restore registers a trade that was already active before a restart,
// regardless of the limit.
func (g *CapacityGate) Restore(tradeID string) {
	g.mu.Lock()
	g.active[tradeID] = struct{}{}
	g.mu.Unlock()
}

func (g *CapacityGate) Release(tradeID string) {
	g.mu.Lock()
	delete(g.active, tradeID)
	g.mu.Unlock()
}

func (g *CapacityGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Sync reseeds the gate from the store's active trades.
func (g *CapacityGate) Sync(ctx context.Context, repo domain.TradeRepository) error {
	trades, err := repo.ListActiveTrades(ctx)
	if err != nil {
		return fmt.Errorf("list active trades: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = make(map[string]struct{}, len(trades))
	for _, t := range trades {
		g.active[t.ID] = struct{}{}
	}
	return nil
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	Window              time.Duration
	Cooldown            time.Duration
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 3, Window: 10 * time.Minute, Cooldown: 120 * time.Second}
}

// AdmissionBreaker pauses new-trade admission after consecutive fatal trade
// outcomes. Every admitted ticket must be resolved exactly once.
type AdmissionBreaker struct {
	cb     *gobreaker.TwoStepCircuitBreaker
	logger *zap.Logger
}

func NewAdmissionBreaker(cfg BreakerSettings, logger *zap.Logger, onChange func(from, to gobreaker.State)) *AdmissionBreaker {
	st := gobreaker.Settings{
		Name:        "trade-admission",
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Admission breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onChange != nil {
				onChange(from, to)
			}
		},
	}
	return &AdmissionBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(st), logger: logger}
}

// Ticket reports a trade's entry-phase outcome back to the breaker.
type Ticket struct {
	once sync.Once
	done func(success bool)
}

// Resolve records the outcome. Only the first call counts.
func (t *Ticket) Resolve(success bool) {
	if t == nil {
		return
	}
	t.once.Do(func() { t.done(success) })
}

func (b *AdmissionBreaker) Admit() (*Ticket, error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrAdmissionPaused, err)
		}
		return nil, err
	}
	return &Ticket{done: done}, nil
}

func (b *AdmissionBreaker) State() gobreaker.State {
	return b.cb.State()
}
