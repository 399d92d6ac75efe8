package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type SignalServiceDeps struct {
	Parser   *SignalParser
	Dedup    *DedupEngine
	Policy   *LeveragePolicy
	Breaker  *AdmissionBreaker
	Capacity *CapacityGate
	Engine   *TradeEngine
	Repo     domain.TradeRepository
	Journal  domain.Journal
	Notifier domain.Notifier
	Metrics  MetricsRecorder
	Logger   *zap.Logger
}

// SignalService turns inbound channel text into running trades.
type SignalService struct {
	parser   *SignalParser
	dedup    *DedupEngine
	policy   *LeveragePolicy
	breaker  *AdmissionBreaker
	capacity *CapacityGate
	engine   *TradeEngine
	repo     domain.TradeRepository
	journal  domain.Journal
	notifier domain.Notifier
	metrics  MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time

	// channels maps allowed source ids to channel names; empty allows all
	channels map[int64]string

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

func NewSignalService(deps SignalServiceDeps, channels map[int64]string) *SignalService {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalService{
		parser:    deps.Parser,
		dedup:     deps.Dedup,
		policy:    deps.Policy,
		breaker:   deps.Breaker,
		capacity:  deps.Capacity,
		engine:    deps.Engine,
		repo:      deps.Repo,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		metrics:   metrics,
		logger:    deps.Logger,
		now:       time.Now,
		channels:  channels,
		runCtx:    ctx,
		cancelRun: cancel,
		running:   make(map[string]struct{}),
	}
}

func (s *SignalService) channelName(sourceID int64) (string, bool) {
	if len(s.channels) == 0 {
		return fmt.Sprintf("source-%d", sourceID), true
	}
	name, ok := s.channels[sourceID]
	return name, ok
}

// OnNewText is the single inbound entry point. A returned error explains
// why the text did not become a trade; none of them is fatal to the bot.
func (s *SignalService) OnNewText(ctx context.Context, sourceID int64, text string) (*domain.Trade, error) {
	channel, ok := s.channelName(sourceID)
	if !ok {
		s.metrics.SignalOutcome("unknown_source")
		return nil, fmt.Errorf("%w: %d", domain.ErrUnknownSource, sourceID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrInvalidSignal
	}
	if s.dedup.CheckText(ctx, text) {
		s.metrics.SignalOutcome("duplicate")
		return nil, fmt.Errorf("%w: repeated text", domain.ErrDuplicateSignal)
	}

	sig, err := s.parser.Parse(channel, text)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignal):
			s.metrics.SignalOutcome("ignored")
			s.logger.Debug("Not a signal", zap.String("channel", channel))
		default:
			s.metrics.SignalOutcome("rejected")
			s.logger.Warn("Signal rejected by policy", zap.String("channel", channel), zap.Error(err))
		}
		return nil, err
	}
	log := s.logger.With(zap.String("symbol", sig.Symbol), zap.String("side", string(sig.Side)), zap.String("channel", channel))

	if err := s.dedup.Admit(ctx, sig); err != nil {
		s.metrics.SignalOutcome("duplicate")
		log.Info("Duplicate signal dropped")
		return nil, err
	}

	leverage, mode := s.policy.Classify(sig.ModeHint, sig.HasExplicitStopLoss(), sig.LeverageHint)
	now := s.now().UTC()
	id := domain.NewTradeID(sig.Symbol, sig.Side, now)
	if _, err := s.repo.GetTrade(ctx, id); err == nil {
		s.metrics.SignalOutcome("duplicate")
		return nil, fmt.Errorf("%w: trade %s exists", domain.ErrDuplicateSignal, id)
	}

	if err := s.capacity.TryAcquire(id); err != nil {
		s.metrics.SignalOutcome("capacity")
		log.Warn("Signal dropped, capacity reached", zap.Error(err))
		return nil, err
	}
	ticket, err := s.breaker.Admit()
	if err != nil {
		s.capacity.Release(id)
		s.metrics.SignalOutcome("paused")
		log.Warn("Signal dropped, admission paused", zap.Error(err))
		return nil, err
	}

	trade := &domain.Trade{
		ID:           id,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Mode:         mode,
		Leverage:     leverage,
		ChannelName:  channel,
		Entries:      sig.Entries,
		TakeProfits:  sig.TakeProfits,
		StopLoss:     sig.StopLoss,
		AutoStopLoss: sig.AutoStopLoss,
		State:        domain.StateReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.SaveTrade(ctx, trade); err != nil {
		s.capacity.Release(id)
		ticket.Resolve(true)
		return nil, fmt.Errorf("save trade: %w", err)
	}
	s.engine.desk.record(domain.EventSignalReceived, map[string]any{
		"trade_id":     id,
		"channel":      channel,
		"symbol":       sig.Symbol,
		"side":         string(sig.Side),
		"entries":      decimalStrings(sig.Entries),
		"take_profits": decimalStrings(sig.TakeProfits),
		"stop_loss":    sig.StopLoss.String(),
		"auto_sl":      sig.AutoStopLoss,
		"leverage":     leverage.String(),
		"mode":         string(mode),
		"fingerprint":  SignalFingerprint(sig),
	})
	s.metrics.SignalOutcome("accepted")
	s.metrics.ActiveTrades(s.capacity.Active())
	log.Info("Signal accepted", zap.String("trade_id", id), zap.Stringer("leverage", leverage), zap.String("mode", string(mode)))
	if err := s.notifier.Send(ctx, msgSignalAccepted(trade)); err != nil {
		log.Warn("Notification failed", zap.Error(err))
	}

	s.launch(trade, nil, ticket)
	return trade, nil
}

// launch starts the trade's FSM run unless one is already going.
func (s *SignalService) launch(trade *domain.Trade, progress *domain.StrategyProgress, ticket *Ticket) bool {
	s.mu.Lock()
	if _, ok := s.running[trade.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.running[trade.ID] = struct{}{}
	s.mu.Unlock()

	rt := newTradeRuntime(trade, progress)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, trade.ID)
			s.mu.Unlock()
		}()
		outcome := s.engine.Run(s.runCtx, rt, ticket)
		s.logger.Info("Trade run finished", zap.String("trade_id", trade.ID), zap.Stringer("outcome", outcome))
	}()
	return true
}

// Wait blocks until every launched run has returned.
func (s *SignalService) Wait() {
	s.wg.Wait()
}

// Shutdown cancels all trade runs and their strategies and waits for them
// up to timeout. Interrupted trades keep their state for the next start.
func (s *SignalService) Shutdown(timeout time.Duration) bool {
	s.cancelRun()
	runsDone := waitTimeout(&s.wg, timeout)
	strategiesDone := s.engine.Strategies().Shutdown(timeout)
	if !runsDone || !strategiesDone {
		s.logger.Warn("Shutdown timed out", zap.Bool("runs", runsDone), zap.Bool("strategies", strategiesDone))
	}
	return runsDone && strategiesDone
}

func decimalStrings(values []decimal.Decimal) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}
