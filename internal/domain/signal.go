package domain

import "github.com/shopspring/decimal"

// Mode is the leverage regime a trade runs under.
type Mode string

const (
	ModeSwing   Mode = "SWING"
	ModeFast    Mode = "FAST"
	ModeDynamic Mode = "DYNAMIC"
)

// ParsedSignal is the structured form of a channel message. It is produced
// once by the parser and consumed once by the trade state machine.
type ParsedSignal struct {
	Symbol      string
	Side        Side
	Entries     []decimal.Decimal
	TakeProfits []decimal.Decimal
	StopLoss    decimal.Decimal

	// AutoStopLoss is set when StopLoss was synthesized because the text had none.
	AutoStopLoss bool
	// SecondEntrySynthesized is set when only one entry was given.
	SecondEntrySynthesized bool

	LeverageHint decimal.NullDecimal
	ModeHint     Mode

	ChannelName string
	RawText     string
}

// ReferenceEntry is the price every TP/SL sanity check and synthesized level is based on.
func (s *ParsedSignal) ReferenceEntry() decimal.Decimal {
	if len(s.Entries) == 0 {
		return decimal.Zero
	}
	return s.Entries[0]
}

func (s *ParsedSignal) HasExplicitStopLoss() bool {
	return !s.AutoStopLoss
}
