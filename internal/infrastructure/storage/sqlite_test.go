package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_copy_trader/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleTrade(id string, state domain.TradeState, created time.Time) *domain.Trade {
	return &domain.Trade{
		ID:          id,
		Symbol:      "BTCUSDT",
		Side:        domain.SideLong,
		Mode:        domain.ModeDynamic,
		Leverage:    d("12.5"),
		ChannelName: "alpha",
		Entries:     []decimal.Decimal{d("60000"), d("59940")},
		TakeProfits: []decimal.Decimal{d("61000"), d("62000.5")},
		StopLoss:    d("59000"),
		State:       state,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestTradeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	trade := sampleTrade("BTCUSDT-L-1", domain.StateReceived, created)
	require.NoError(t, store.SaveTrade(ctx, trade))

	trade.State = domain.StateTPSLPlaced
	require.NoError(t, trade.SetOriginalEntry(d("59970")))
	trade.AverageEntryPrice = d("59970")
	trade.PositionSize = d("0.0032")
	trade.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.SaveTrade(ctx, trade))

	got, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTPSLPlaced, got.State)
	assert.Equal(t, "12.5", got.Leverage.String())
	assert.Equal(t, "59970", got.OriginalEntryPrice.String())
	assert.Equal(t, "0.0032", got.PositionSize.String())
	require.Len(t, got.TakeProfits, 2)
	assert.Equal(t, "62000.5", got.TakeProfits[1].String())
	assert.Equal(t, "59940", got.Entries[1].String())
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.ClosedAt)
}

func TestGetTradeNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTrade(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "%v", err)

	err = store.UpdateTradeState(context.Background(), "missing", domain.StateError, "x")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "%v", err)
}

func TestActiveAndClosedTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveTrade(ctx, sampleTrade("A", domain.StateReceived, base)))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("B", domain.StateTPSLPlaced, base.Add(time.Minute))))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("C", domain.StateTPSLPlaced, base.Add(2*time.Minute))))
	require.NoError(t, store.SaveTrade(ctx, sampleTrade("D", domain.StateTPSLPlaced, base.Add(3*time.Minute))))

	require.NoError(t, store.CloseTrade(ctx, "C", domain.StateDone, d("4.25"), base.Add(time.Hour)))
	require.NoError(t, store.CloseTrade(ctx, "D", domain.StateDone, d("-1"), base.Add(-time.Hour)))
	require.NoError(t, store.UpdateTradeState(ctx, "A", domain.StateError, "leverage rejected"))

	active, err := store.ListActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].ID)

	n, err := store.CountActiveTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	closed, err := store.ListClosedTrades(ctx, base)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "C", closed[0].ID)
	assert.Equal(t, "4.25", closed[0].RealizedPnL.String())
	require.NotNil(t, closed[0].ClosedAt)
	assert.True(t, closed[0].ClosedAt.Equal(base.Add(time.Hour)))

	errored, err := store.GetTrade(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "leverage rejected", errored.ErrorReason)

	recent, err := store.ListRecentTrades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "D", recent[0].ID)
}

func TestOrdersKeepInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	order := func(link string, role domain.OrderRole) *domain.OrderRecord {
		return &domain.OrderRecord{
			LinkID: link, OrderID: "O-" + link, TradeID: "T1", Symbol: "BTCUSDT", Role: role,
			Side: "Buy", Type: domain.OrderTypeLimit, Price: d("60000"), Qty: d("0.0016"),
			ReduceOnly: role.ReduceOnly(), Status: domain.OrderStatusNew, CreatedAt: now, UpdatedAt: now,
		}
	}
	require.NoError(t, store.SaveOrder(ctx, order("T1-E1", domain.RoleEntry)))
	require.NoError(t, store.SaveOrder(ctx, order("T1-E2", domain.RoleEntry)))
	sl := order("T1-SL", domain.RoleStopLoss)
	sl.TriggerPrice = d("59000")
	require.NoError(t, store.SaveOrder(ctx, sl))
	require.NoError(t, store.SaveOrder(ctx, order("OTHER-E1", domain.RoleEntry)))

	// re-saving keeps the original position
	e1 := order("T1-E1", domain.RoleEntry)
	e1.Qty = d("0.002")
	require.NoError(t, store.SaveOrder(ctx, e1))
	require.NoError(t, store.UpdateOrderStatus(ctx, "T1-E2", domain.OrderStatusFilled))

	orders, err := store.ListOrders(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, []string{"T1-E1", "T1-E2", "T1-SL"}, []string{orders[0].LinkID, orders[1].LinkID, orders[2].LinkID})
	assert.Equal(t, "0.002", orders[0].Qty.String())
	assert.Equal(t, domain.OrderStatusFilled, orders[1].Status)
	assert.True(t, orders[2].ReduceOnly)
	assert.Equal(t, "59000", orders[2].TriggerPrice.String())
	assert.Equal(t, domain.RoleStopLoss, orders[2].Role)

	err = store.UpdateOrderStatus(ctx, "nope", domain.OrderStatusFilled)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestFills(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fill := &domain.Fill{TradeID: "T1", LinkID: "T1-E1", Price: d("59970"), Qty: d("0.0016"), Fee: d("0.01"), ExecutedAt: time.Now()}
	require.NoError(t, store.RecordFill(ctx, fill))
	assert.NotZero(t, fill.ID)

	fills, err := store.ListFills(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "59970", fills[0].Price.String())
	assert.Equal(t, "0.01", fills[0].Fee.String())
}

func TestProgressRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetProgress(ctx, "T1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	p := &domain.StrategyProgress{
		TradeID: "T1", PyramidStep: 3, BreakevenDone: true, TrailingActive: true,
		TrailingExtreme: d("64000.5"), StopLossPrice: d("60000.09"), StopLossLinkID: "T1-SLR4",
		HedgeActive: true, HedgeCount: 1, ReentryAttempts: 2, Cycle: 2,
	}
	require.NoError(t, store.SaveProgress(ctx, p))
	p.PyramidStep = 4
	require.NoError(t, store.SaveProgress(ctx, p))

	got, err := store.GetProgress(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.PyramidStep)
	assert.True(t, got.BreakevenDone)
	assert.Equal(t, "64000.5", got.TrailingExtreme.String())
	assert.Equal(t, "60000.09", got.StopLossPrice.String())
	assert.Equal(t, "T1-SLR4", got.StopLossLinkID)
	assert.Equal(t, 2, got.Cycle)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestFingerprints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ttl := 3 * time.Hour

	insert := func(at time.Time) bool {
		t.Helper()
		ok, err := store.InsertFingerprint(ctx, "fp1", at, at.Add(-ttl))
		require.NoError(t, err)
		return ok
	}

	assert.True(t, insert(t0), "first sighting")
	assert.False(t, insert(t0.Add(time.Hour)), "inside ttl")
	assert.False(t, insert(t0.Add(ttl-time.Second)), "just inside ttl")
	assert.True(t, insert(t0.Add(ttl)), "expired row is refreshed")
	assert.False(t, insert(t0.Add(ttl+time.Minute)), "refreshed row blocks again")

	ok, err := store.InsertFingerprint(ctx, "fp2", t0, t0.Add(-ttl))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.PurgeFingerprints(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
