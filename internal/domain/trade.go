package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TradeState string

const (
	StateReceived          TradeState = "RECEIVED"
	StateLeverageSet       TradeState = "LEVERAGE_SET"
	StateEntriesPlaced     TradeState = "ENTRIES_PLACED"
	StatePositionConfirmed TradeState = "POSITION_CONFIRMED"
	StateTPSLPlaced        TradeState = "TPSL_PLACED"
	StateDone              TradeState = "DONE"
	StateError             TradeState = "ERROR"
)

func (s TradeState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

var transitions = map[TradeState][]TradeState{
	StateReceived:          {StateLeverageSet},
	StateLeverageSet:       {StateEntriesPlaced},
	// DONE from ENTRIES_PLACED closes a trade whose re-entries never filled
	StateEntriesPlaced:     {StatePositionConfirmed, StateDone},
	StatePositionConfirmed: {StateTPSLPlaced},
	// re-entry after a stop-out opens a fresh entry pair on the same trade
	StateTPSLPlaced: {StateDone, StateEntriesPlaced},
}

// CanTransition reports whether from -> to is a legal FSM edge. ERROR is
// reachable from every non-terminal state.
func CanTransition(from, to TradeState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Trade is the durable aggregate for one copied signal.
type Trade struct {
	ID          string
	Symbol      string
	Side        Side
	Mode        Mode
	Leverage    decimal.Decimal
	ChannelName string

	Entries      []decimal.Decimal
	TakeProfits  []decimal.Decimal
	StopLoss     decimal.Decimal
	AutoStopLoss bool

	OriginalEntryPrice decimal.Decimal
	AverageEntryPrice  decimal.Decimal
	PositionSize       decimal.Decimal

	State       TradeState
	RealizedPnL decimal.Decimal
	ErrorReason string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// NewTradeID derives the trade id from symbol, side and signal time so a
// restarted process computes the same key for the same trade.
func NewTradeID(symbol string, side Side, at time.Time) string {
	return fmt.Sprintf("%s-%c-%d", symbol, side[0], at.Unix())
}

// SetOriginalEntry records the first entry price. Once set it never changes;
// pyramid adds only move AverageEntryPrice.
func (t *Trade) SetOriginalEntry(price decimal.Decimal) error {
	if !t.OriginalEntryPrice.IsZero() && !t.OriginalEntryPrice.Equal(price) {
		return fmt.Errorf("%w: trade %s has %s", ErrOriginalEntryImmutable, t.ID, t.OriginalEntryPrice)
	}
	t.OriginalEntryPrice = price
	return nil
}

func (t *Trade) IsActive() bool {
	return !t.State.IsTerminal()
}
