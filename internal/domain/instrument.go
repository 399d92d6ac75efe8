package domain

import "github.com/shopspring/decimal"

// InstrumentFilters are the trading rules of a linear perpetual contract.
type InstrumentFilters struct {
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	TickSize    decimal.Decimal `json:"tick_size"`
	QtyStep     decimal.Decimal `json:"qty_step"`
	MinOrderQty decimal.Decimal `json:"min_order_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`
}

func (f *InstrumentFilters) Tradable() bool {
	return f.Status == "Trading"
}

type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
}

// SpreadPct returns (ask - bid) / mid * 100, or zero when the book is empty.
func (t *Ticker) SpreadPct() decimal.Decimal {
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return decimal.Zero
	}
	mid := t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(100))
}
