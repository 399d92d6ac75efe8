package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the subset of the Bybit v5 linear API the bot trades through.
type Exchange interface {
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	AmendOrder(ctx context.Context, symbol, linkID string, qty, triggerPrice decimal.Decimal) error
	CancelOrder(ctx context.Context, symbol, linkID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetPosition(ctx context.Context, symbol string, side Side) (*Position, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetInstrumentFilters(ctx context.Context, symbol string) (*InstrumentFilters, error)
	GetClosedPnL(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error)
}

// TradeRepository is the durable store behind trades, orders and strategy state.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	ListActiveTrades(ctx context.Context) ([]*Trade, error)
	ListClosedTrades(ctx context.Context, since time.Time) ([]*Trade, error)
	CountActiveTrades(ctx context.Context) (int, error)
	UpdateTradeState(ctx context.Context, id string, state TradeState, reason string) error
	CloseTrade(ctx context.Context, id string, state TradeState, realizedPnL decimal.Decimal, closedAt time.Time) error

	SaveOrder(ctx context.Context, order *OrderRecord) error
	UpdateOrderStatus(ctx context.Context, linkID string, status OrderStatus) error
	ListOrders(ctx context.Context, tradeID string) ([]*OrderRecord, error)
	RecordFill(ctx context.Context, fill *Fill) error

	SaveProgress(ctx context.Context, progress *StrategyProgress) error
	GetProgress(ctx context.Context, tradeID string) (*StrategyProgress, error)
}

// FingerprintStore persists idempotency fingerprints across restarts.
type FingerprintStore interface {
	InsertFingerprint(ctx context.Context, fingerprint string, seenAt, expiredBefore time.Time) (bool, error)
	PurgeFingerprints(ctx context.Context, before time.Time) (int64, error)
}

// Journal is the append-only audit chain.
type Journal interface {
	Append(eventType EventType, data map[string]any) (*JournalEntry, error)
}

// Notifier delivers a user-facing message to the output channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// PriceSource returns the current mark price of a symbol.
type PriceSource interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
