package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the exchange order side that opens or adds to a position of this side.
func (s Side) OrderSide() string {
	if s == SideLong {
		return "Buy"
	}
	return "Sell"
}

// ExitSide is the exchange order side that reduces a position of this side.
func (s Side) ExitSide() string {
	if s == SideLong {
		return "Sell"
	}
	return "Buy"
}

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() decimal.Decimal {
	if s == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Position represents an open position on the exchange.
type Position struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      decimal.Decimal
	PositionIM    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PositionIdx   int
	UpdatedAt     time.Time
}

func (p *Position) IsOpen() bool {
	return p != nil && p.Size.IsPositive()
}

// Fill is a recorded execution against one of our orders.
type Fill struct {
	ID         int64           `db:"id"`
	TradeID    string          `db:"trade_id"`
	LinkID     string          `db:"link_id"`
	Price      decimal.Decimal `db:"price"`
	Qty        decimal.Decimal `db:"qty"`
	Fee        decimal.Decimal `db:"fee"`
	ExecutedAt time.Time       `db:"executed_at"`
}
