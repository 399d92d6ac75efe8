// Package numeric holds the fixed-precision rules every price and quantity
// passes through before it reaches the exchange.
//
// Prices are truncated toward zero onto the tick grid. Quantities are floored
// onto the step grid. The two are kept apart on purpose: a quantity must never
// round up past the intended risk, and a price must never be nudged past a
// level the signal did not give.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// QuantizePrice truncates price toward zero to a multiple of tick.
func QuantizePrice(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	q, _ := price.QuoRem(tick, 0)
	return q.Mul(tick)
}

// QuantizeQty floors qty to a multiple of step.
func QuantizeQty(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	q, r := qty.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// ApplyPct returns x * (1 + pct/100).
func ApplyPct(x, pct decimal.Decimal) decimal.Decimal {
	return x.Mul(hundred.Add(pct)).Div(hundred)
}

// PctChange returns (to - from) / from * 100.
func PctChange(from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(hundred)
}

// FavorableMove is the percentage move from entry to price in the trade's
// favour: positive when a LONG is above entry or a SHORT below it.
func FavorableMove(long bool, entry, price decimal.Decimal) decimal.Decimal {
	pct := PctChange(entry, price)
	if long {
		return pct
	}
	return pct.Neg()
}

// ParseDecimal accepts exchange and chat style numbers: "60,000", "0.5$", " 12.3 ".
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	return decimal.NewFromString(s)
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
