package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyProgress is the persisted position-management state of a trade,
// reloaded on restart so strategies continue where they stopped.
type StrategyProgress struct {
	TradeID         string
	PyramidStep     int
	BreakevenDone   bool
	TrailingActive  bool
	TrailingExtreme decimal.Decimal
	StopLossPrice   decimal.Decimal
	StopLossLinkID  string
	HedgeActive     bool
	HedgeCount      int
	ReentryAttempts int
	Cycle           int
	UpdatedAt       time.Time
}
