package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type strategyFixture struct {
	*harness
	rt     *tradeRuntime
	env    *strategyEnv
	slLink string
}

// newStrategyFixture builds a protected 1-contract trade entered at 100 with
// leverage 10, its stop and two targets resting on the exchange.
func newStrategyFixture(t *testing.T, side domain.Side, mutate func(*StrategySettings)) *strategyFixture {
	t.Helper()
	h := newHarness(t, func(c *TradeSettings, s *StrategySettings) {
		c.HedgeMode = true
		if mutate != nil {
			mutate(s)
		}
	})
	h.ex.filters.TickSize = dec("0.0001")
	h.ex.ticker.MarkPrice = dec("100")
	h.prices.set("BTCUSDT", dec("100"))

	sl := dec("98")
	tps := []decimal.Decimal{dec("105"), dec("110")}
	if side == domain.SideShort {
		sl = dec("102")
		tps = []decimal.Decimal{dec("95"), dec("90")}
	}
	now := time.Unix(1700000000, 0).UTC()
	trade := &domain.Trade{
		ID:                 domain.NewTradeID("BTCUSDT", side, now),
		Symbol:             "BTCUSDT",
		Side:               side,
		Mode:               domain.ModeFast,
		Leverage:           dec("10"),
		ChannelName:        "alpha",
		Entries:            []decimal.Decimal{dec("100")},
		TakeProfits:        tps,
		StopLoss:           sl,
		OriginalEntryPrice: dec("100"),
		AverageEntryPrice:  dec("100"),
		PositionSize:       dec("1"),
		State:              domain.StateTPSLPlaced,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	ctx := context.Background()
	require.NoError(t, h.repo.SaveTrade(ctx, trade))
	h.ex.setPosition(side, dec("1"), dec("100"))

	rt := newTradeRuntime(trade, nil)
	desk := h.engine.desk
	slLink := LinkID(trade.ID, "SL")
	_, err := desk.place(ctx, trade.ID, desk.stopLossRequest(domain.RoleStopLoss, trade.Symbol, side, dec("1"), sl, slLink))
	require.NoError(t, err)
	rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.StopLossPrice = sl
		p.StopLossLinkID = slLink
	})
	for i, tp := range tps {
		req := domain.NewOrderRequest(domain.RoleTakeProfit, trade.Symbol, side.ExitSide(), domain.OrderTypeLimit,
			dec("0.5"), tp, domain.TIFGoodTillCancel, LinkID(trade.ID, fmt.Sprintf("TP%d", i+1)))
		req.PositionIdx = desk.positionIdx(side)
		_, err := desk.place(ctx, trade.ID, req)
		require.NoError(t, err)
	}

	env := &strategyEnv{
		rt:       rt,
		desk:     desk,
		ex:       h.ex,
		repo:     h.repo,
		notifier: h.notifier,
		policy:   h.engine.policy,
		cfg:      h.engine.scfg,
		metrics:  nopMetrics{},
		logger:   zap.NewNop(),
	}
	return &strategyFixture{harness: h, rt: rt, env: env, slLink: slLink}
}

func (f *strategyFixture) evaluate(t *testing.T, s Strategy, price string) bool {
	t.Helper()
	done, err := s.Evaluate(context.Background(), dec(price))
	require.NoError(t, err, "%s at %s", s.Name(), price)
	return done
}

func (f *strategyFixture) stop() (string, string) {
	_, p := f.rt.Snapshot()
	o := f.ex.openOrder(p.StopLossLinkID)
	return p.StopLossPrice.String(), o.TriggerPrice.String()
}

func TestPyramidBreakevenStep(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewPyramidStrategy(f.env, []PyramidStep{{TriggerPct: dec("2.3"), Action: MoveStopToBreakeven{}}})

	assert.False(t, f.evaluate(t, s, "101"))
	_, p := f.rt.Snapshot()
	assert.Equal(t, 0, p.PyramidStep)

	assert.True(t, f.evaluate(t, s, "102.3"))
	_, p = f.rt.Snapshot()
	assert.Equal(t, 1, p.PyramidStep)
	assert.True(t, p.BreakevenDone)
	progressSL, exchangeSL := f.stop()
	assert.Equal(t, "100.0015", progressSL)
	assert.Equal(t, "100.0015", exchangeSL)

	assert.True(t, f.evaluate(t, s, "103"))
	assert.Len(t, f.journal.events(domain.EventPyramidStep), 1)
	assert.Len(t, f.journal.events(domain.EventBreakevenMoved), 1)

	trade, _ := f.rt.Snapshot()
	assert.Equal(t, "98", trade.StopLoss.String(), "the signalled stop is kept")
}

func TestPyramidRaiseMarginAddsToPosition(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("102.5")
	s := NewPyramidStrategy(f.env, []PyramidStep{{TriggerPct: dec("2.5"), Action: RaiseMargin{TargetIM: dec("40")}}})

	assert.True(t, f.evaluate(t, s, "102.5"))

	adds := f.ex.placedByRole(domain.RolePyramidAdd)
	require.Len(t, adds, 1)
	add := adds[0]
	assert.False(t, add.ReduceOnly)
	assert.Equal(t, domain.OrderTypeMarket, add.Type)
	assert.Equal(t, "Buy", add.Side)
	assert.Equal(t, "2.9268", add.Qty.String())
	assert.Equal(t, LinkID(f.rt.ID(), "PY1"), add.LinkID)

	trade, _ := f.rt.Snapshot()
	assert.Equal(t, "3.9268", trade.PositionSize.String())
	assert.Equal(t, "100", trade.OriginalEntryPrice.String())
	assert.True(t, trade.AverageEntryPrice.GreaterThan(dec("100")))
	assert.Equal(t, "3.9268", f.ex.openOrder(f.slLink).Qty.String(), "stop covers the enlarged position")

	rec, ok := f.repo.order(add.LinkID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, rec.Status)
}

func TestPyramidSkipsWhenMarginAlreadyMet(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewPyramidStrategy(f.env, []PyramidStep{{TriggerPct: dec("1.5"), Action: CheckMargin{TargetIM: dec("5")}}})

	assert.True(t, f.evaluate(t, s, "101.5"))
	assert.Empty(t, f.ex.placedByRole(domain.RolePyramidAdd))
	_, p := f.rt.Snapshot()
	assert.Equal(t, 1, p.PyramidStep)
}

func TestPyramidLadderFiresInOrderOnJump(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("104.5")
	s := NewPyramidStrategy(f.env, DefaultPyramidLadder())

	assert.False(t, f.evaluate(t, s, "104.5"))

	steps := f.journal.events(domain.EventPyramidStep)
	require.Len(t, steps, 5)
	for i, e := range steps {
		assert.Equal(t, i+1, e.Data["step"])
	}
	_, p := f.rt.Snapshot()
	assert.Equal(t, 5, p.PyramidStep)
	assert.True(t, p.BreakevenDone)

	var links []string
	for _, r := range f.ex.placedByRole(domain.RolePyramidAdd) {
		links = append(links, r.LinkID)
	}
	id := f.rt.ID()
	assert.Equal(t, []string{LinkID(id, "PY1"), LinkID(id, "PY4"), LinkID(id, "PY5")}, links)

	trade, _ := f.rt.Snapshot()
	assert.Equal(t, "50", trade.Leverage.String())
	require.Len(t, f.ex.leverage, 1)
	assert.Equal(t, "50", f.ex.leverage[0].String())
	assertReduceOnlyInvariant(t, f.ex.placedOrders())
}

func TestPyramidShortTrade(t *testing.T) {
	f := newStrategyFixture(t, domain.SideShort, nil)
	s := NewPyramidStrategy(f.env, []PyramidStep{{TriggerPct: dec("2.3"), Action: MoveStopToBreakeven{}}})

	assert.False(t, f.evaluate(t, s, "102.3"), "adverse move")
	assert.True(t, f.evaluate(t, s, "97.7"))
	progressSL, _ := f.stop()
	assert.Equal(t, "99.9985", progressSL)
}

func TestBreakevenWaitsForPyramidProgress(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewBreakevenStrategy(f.env)
	f.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.PyramidStep = 1 })

	assert.False(t, f.evaluate(t, s, "101"))
	progressSL, _ := f.stop()
	assert.Equal(t, "98", progressSL)

	f.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) { p.PyramidStep = 2 })
	assert.False(t, f.evaluate(t, s, "99.5"), "not in profit")
	assert.True(t, f.evaluate(t, s, "101"))
	progressSL, exchangeSL := f.stop()
	assert.Equal(t, "100.0015", progressSL)
	assert.Equal(t, "100.0015", exchangeSL)
	assert.Equal(t, 1, f.notifier.count("SL moved"))
}

func TestBreakevenNeverLoosensStop(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.PyramidStep = 2
		p.StopLossPrice = dec("101")
	})
	s := NewBreakevenStrategy(f.env)

	assert.True(t, f.evaluate(t, s, "103"))
	progressSL, _ := f.stop()
	assert.Equal(t, "101", progressSL)
	assert.Empty(t, f.journal.events(domain.EventBreakevenMoved))
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewTrailingStrategy(f.env)
	id := f.rt.ID()

	assert.False(t, f.evaluate(t, s, "106"))
	_, p := f.rt.Snapshot()
	assert.False(t, p.TrailingActive)
	assert.True(t, f.ex.isOpen(LinkID(id, "TP1")))

	steps := []struct{ price, want string }{
		{"106.2", "103.545"},
		{"110", "107.25"},
		{"108", "107.25"},
		{"112", "109.2"},
	}
	for _, st := range steps {
		assert.False(t, f.evaluate(t, s, st.price), "trailing never finishes")
		progressSL, exchangeSL := f.stop()
		assert.Equal(t, st.want, progressSL, "at %s", st.price)
		assert.Equal(t, st.want, exchangeSL, "at %s", st.price)
	}

	_, p = f.rt.Snapshot()
	assert.True(t, p.TrailingActive)
	assert.Equal(t, "112", p.TrailingExtreme.String())
	for _, link := range []string{LinkID(id, "TP1"), LinkID(id, "TP2")} {
		assert.False(t, f.ex.isOpen(link))
		rec, _ := f.repo.order(link)
		assert.Equal(t, domain.OrderStatusCancelled, rec.Status)
	}
	assert.Len(t, f.journal.events(domain.EventTrailingActivated), 1)
	assert.Len(t, f.journal.events(domain.EventTrailingMoved), 3)
	assert.Equal(t, 1, f.notifier.count("Trailing activated"))
}

func TestTrailingShortTrade(t *testing.T) {
	f := newStrategyFixture(t, domain.SideShort, nil)
	s := NewTrailingStrategy(f.env)

	f.evaluate(t, s, "93.8")
	progressSL, _ := f.stop()
	assert.Equal(t, "96.145", progressSL)

	f.evaluate(t, s, "95")
	progressSL, _ = f.stop()
	assert.Equal(t, "96.145", progressSL)
}

func TestTrailingReplacesVanishedStop(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewTrailingStrategy(f.env)
	require.NoError(t, f.ex.CancelOrder(context.Background(), "BTCUSDT", f.slLink))

	f.evaluate(t, s, "106.2")
	_, p := f.rt.Snapshot()
	assert.NotEqual(t, f.slLink, p.StopLossLinkID)
	assert.Contains(t, p.StopLossLinkID, "-SLR")
	stops := f.ex.placedByRole(domain.RoleTrailingStop)
	require.Len(t, stops, 1)
	assert.Equal(t, "103.545", stops[0].TriggerPrice.String())
	assert.True(t, stops[0].ReduceOnly)
}

func TestHedgeOpensOnceAndRearms(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("97.5")
	s := NewHedgeStrategy(f.env)
	id := f.rt.ID()

	assert.False(t, f.evaluate(t, s, "98.5"))
	assert.Empty(t, f.ex.placedByRole(domain.RoleHedge))

	for i := 0; i < 5; i++ {
		f.evaluate(t, s, "97.5")
	}
	hedges := f.ex.placedByRole(domain.RoleHedge)
	require.Len(t, hedges, 1)
	assert.Equal(t, "Sell", hedges[0].Side)
	assert.Equal(t, "1", hedges[0].Qty.String())
	assert.Equal(t, 2, hedges[0].PositionIdx)
	assert.Equal(t, LinkID(id, "HG1"), hedges[0].LinkID)

	tp := f.ex.placedByRole(domain.RoleHedgeTP)
	require.Len(t, tp, 1)
	assert.Equal(t, "Buy", tp[0].Side)
	assert.Equal(t, "98", tp[0].Price.String())
	sl := f.ex.placedByRole(domain.RoleHedgeSL)
	require.Len(t, sl, 1)
	assert.Equal(t, "100", sl[0].TriggerPrice.String())
	assert.Equal(t, 1, sl[0].TriggerDirection)
	assert.Len(t, f.journal.events(domain.EventHedgeStarted), 1)

	// back above entry but the hedge leg is still open
	f.evaluate(t, s, "100.5")
	_, p := f.rt.Snapshot()
	assert.True(t, p.HedgeActive)

	f.ex.fill(LinkID(id, "HG1SL"))
	f.evaluate(t, s, "100.5")
	_, p = f.rt.Snapshot()
	assert.False(t, p.HedgeActive)
	assert.Equal(t, 1, p.HedgeCount)

	assert.True(t, f.evaluate(t, s, "97"), "hedge budget used up")
	assert.Len(t, f.ex.placedByRole(domain.RoleHedge), 1)
	assertReduceOnlyInvariant(t, f.ex.placedOrders())
}

func TestHedgeFailureReleasesGuard(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("97.5")
	f.ex.placeErr = func(req domain.OrderRequest) error {
		if req.Role == domain.RoleHedge {
			return exErr(domain.RetCodeInsufficientFunds)
		}
		return nil
	}
	s := NewHedgeStrategy(f.env)

	_, err := s.Evaluate(context.Background(), dec("97.5"))
	require.Error(t, err)
	_, p := f.rt.Snapshot()
	assert.False(t, p.HedgeActive)
	assert.Equal(t, 0, p.HedgeCount)

	f.ex.mu.Lock()
	f.ex.placeErr = nil
	f.ex.mu.Unlock()
	f.evaluate(t, s, "97.5")
	_, p = f.rt.Snapshot()
	assert.True(t, p.HedgeActive)
	assert.Equal(t, 1, p.HedgeCount)
	assert.Len(t, f.ex.placedByRole(domain.RoleHedge), 1)
}

func TestHedgeIsSingleUnderConcurrentTicks(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("97.5")
	f.prices.set("BTCUSDT", dec("97.5"))
	build := func(*tradeRuntime) []Strategy {
		return []Strategy{NewHedgeStrategy(f.env), NewHedgeStrategy(f.env), NewHedgeStrategy(f.env)}
	}
	m := NewStrategyManager(f.prices, f.env.cfg, build, nil, zap.NewNop())

	require.True(t, m.Attach(context.Background(), f.rt))
	require.False(t, m.Attach(context.Background(), f.rt))
	require.Eventually(t, func() bool { return len(f.journal.events(domain.EventHedgeStarted)) == 1 },
		2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Detach(f.rt.ID())

	assert.False(t, m.Attached(f.rt.ID()))
	assert.Len(t, f.ex.placedByRole(domain.RoleHedge), 1)
}

func TestStrategyManagerSkipsUnprotectedTrades(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.rt.Update(func(tr *domain.Trade, _ *domain.StrategyProgress) { tr.State = domain.StateEntriesPlaced })
	f.prices.set("BTCUSDT", dec("120"))
	m := NewStrategyManager(f.prices, f.env.cfg, func(*tradeRuntime) []Strategy {
		return []Strategy{NewTrailingStrategy(f.env)}
	}, nil, zap.NewNop())

	require.True(t, m.Attach(context.Background(), f.rt))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Shutdown(time.Second))
	assert.Empty(t, f.journal.events(domain.EventTrailingActivated))
}

func TestBuildStrategiesHonoursPositionMode(t *testing.T) {
	oneWay := newHarness(t, nil)
	rt := newTradeRuntime(&domain.Trade{ID: "T"}, nil)
	names := func(ss []Strategy) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.Name())
		}
		return out
	}
	assert.Equal(t, []string{"pyramid", "breakeven", "trailing"}, names(oneWay.engine.buildStrategies(rt)))

	hedged := newHarness(t, func(c *TradeSettings, _ *StrategySettings) { c.HedgeMode = true })
	assert.Equal(t, []string{"pyramid", "breakeven", "trailing", "hedge"}, names(hedged.engine.buildStrategies(rt)))
}

// startCycle stands in for a stop-out followed by a filled re-entry: the
// previous cycle's protection is gone, the position is back to 1 @ 100 and
// fresh cycle-prefixed stop and targets rest on the exchange.
func (f *strategyFixture) startCycle(t *testing.T, cycle int) {
	t.Helper()
	ctx := context.Background()
	desk := f.env.desk
	trade, _ := f.rt.Snapshot()

	stale, err := desk.openOrders(ctx, trade.ID, domain.RoleStopLoss, domain.RoleTrailingStop, domain.RoleTakeProfit)
	require.NoError(t, err)
	for _, o := range stale {
		require.NoError(t, desk.cancel(ctx, o))
	}
	f.ex.setPosition(trade.Side, dec("1"), dec("100"))
	f.rt.Update(func(tr *domain.Trade, p *domain.StrategyProgress) {
		p.Cycle = cycle
		p.ReentryAttempts = cycle
		resetCycle(p)
		tr.PositionSize = dec("1")
		tr.AverageEntryPrice = dec("100")
	})

	slLink := LinkID(trade.ID, f.rt.cycleStep("SL"))
	_, err = desk.place(ctx, trade.ID, desk.stopLossRequest(domain.RoleStopLoss, trade.Symbol, trade.Side, dec("1"), trade.StopLoss, slLink))
	require.NoError(t, err)
	for i, tp := range trade.TakeProfits {
		req := domain.NewOrderRequest(domain.RoleTakeProfit, trade.Symbol, trade.Side.ExitSide(), domain.OrderTypeLimit,
			dec("0.5"), tp, domain.TIFGoodTillCancel, LinkID(trade.ID, f.rt.cycleStep("TP%d", i+1)))
		req.PositionIdx = desk.positionIdx(trade.Side)
		_, err := desk.place(ctx, trade.ID, req)
		require.NoError(t, err)
	}
	f.rt.Update(func(_ *domain.Trade, p *domain.StrategyProgress) {
		p.StopLossPrice = trade.StopLoss
		p.StopLossLinkID = slLink
	})
	f.slLink = slLink
}

func TestPyramidAddRepeatsOnReentryCycle(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	f.ex.ticker.MarkPrice = dec("102.5")
	s := NewPyramidStrategy(f.env, []PyramidStep{{TriggerPct: dec("2.5"), Action: RaiseMargin{TargetIM: dec("40")}}})
	id := f.rt.ID()

	assert.True(t, f.evaluate(t, s, "102.5"))
	require.Len(t, f.ex.placedByRole(domain.RolePyramidAdd), 1)

	f.startCycle(t, 1)
	_, p := f.rt.Snapshot()
	require.Equal(t, 0, p.PyramidStep)

	assert.True(t, f.evaluate(t, s, "102.5"))
	adds := f.ex.placedByRole(domain.RolePyramidAdd)
	require.Len(t, adds, 2, "second cycle add must reach the exchange")
	assert.Equal(t, LinkID(id, "PY1"), adds[0].LinkID)
	assert.Equal(t, LinkID(id, "R1PY1"), adds[1].LinkID)

	pos, err := f.ex.GetPosition(context.Background(), "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	assert.Equal(t, "3.9268", pos.Size.String())
	trade, _ := f.rt.Snapshot()
	assert.Equal(t, "3.9268", trade.PositionSize.String())
	assert.Equal(t, "3.9268", f.ex.openOrder(LinkID(id, "R1SL")).Qty.String())

	rec, ok := f.repo.order(LinkID(id, "R1PY1"))
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, rec.Status)
	assert.Len(t, f.journal.events(domain.EventPyramidStep), 2)
}

func TestStrategiesRunAgainOnReentryCycle(t *testing.T) {
	tests := []struct {
		name      string
		build     func(*strategyEnv) Strategy
		price     string
		wantSL    string
		wantEvent domain.EventType
	}{
		{
			name: "pyramid breakeven step",
			build: func(env *strategyEnv) Strategy {
				return NewPyramidStrategy(env, []PyramidStep{{TriggerPct: dec("2.3"), Action: MoveStopToBreakeven{}}})
			},
			price:     "102.3",
			wantSL:    "100.0015",
			wantEvent: domain.EventBreakevenMoved,
		},
		{
			name:      "trailing",
			build:     func(env *strategyEnv) Strategy { return NewTrailingStrategy(env) },
			price:     "106.2",
			wantSL:    "103.545",
			wantEvent: domain.EventTrailingActivated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStrategyFixture(t, domain.SideLong, nil)
			s := tt.build(f.env)
			id := f.rt.ID()

			f.evaluate(t, s, "110")
			f.startCycle(t, 1)
			progressSL, exchangeSL := f.stop()
			if progressSL != "98" || exchangeSL != "98" {
				t.Fatalf("fresh cycle stop = %s/%s, want 98", progressSL, exchangeSL)
			}

			f.evaluate(t, s, tt.price)
			_, p := f.rt.Snapshot()
			if p.StopLossLinkID != LinkID(id, "R1SL") {
				t.Fatalf("stop link = %s, want the cycle's own stop", p.StopLossLinkID)
			}
			progressSL, exchangeSL = f.stop()
			assert.Equal(t, tt.wantSL, progressSL)
			assert.Equal(t, tt.wantSL, exchangeSL)
			assert.Len(t, f.journal.events(tt.wantEvent), 2)
			assertReduceOnlyInvariant(t, f.ex.placedOrders())
		})
	}
}

func TestTrailingPullsReentryTargets(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, nil)
	s := NewTrailingStrategy(f.env)
	id := f.rt.ID()

	f.evaluate(t, s, "110")
	f.startCycle(t, 1)
	assert.True(t, f.ex.isOpen(LinkID(id, "R1TP1")))

	f.evaluate(t, s, "106.2")
	_, p := f.rt.Snapshot()
	assert.True(t, p.TrailingActive)
	assert.Equal(t, "106.2", p.TrailingExtreme.String(), "extreme starts over with the cycle")
	for _, link := range []string{LinkID(id, "R1TP1"), LinkID(id, "R1TP2")} {
		assert.False(t, f.ex.isOpen(link))
	}
}

func TestHedgeGuardSurvivesReentryWhileLegOpen(t *testing.T) {
	f := newStrategyFixture(t, domain.SideLong, func(s *StrategySettings) { s.MaxHedges = 2 })
	f.ex.ticker.MarkPrice = dec("97.5")
	s := NewHedgeStrategy(f.env)
	id := f.rt.ID()

	f.evaluate(t, s, "97.5")
	require.Len(t, f.ex.placedByRole(domain.RoleHedge), 1)

	f.startCycle(t, 1)
	_, p := f.rt.Snapshot()
	assert.True(t, p.HedgeActive, "previous leg is still open")

	f.evaluate(t, s, "97.5")
	assert.Len(t, f.ex.placedByRole(domain.RoleHedge), 1)

	f.ex.fill(LinkID(id, "HG1SL"))
	f.evaluate(t, s, "100.5")
	_, p = f.rt.Snapshot()
	assert.False(t, p.HedgeActive)

	f.evaluate(t, s, "97.5")
	hedges := f.ex.placedByRole(domain.RoleHedge)
	require.Len(t, hedges, 2)
	assert.Equal(t, LinkID(id, "HG2"), hedges[1].LinkID)
}
