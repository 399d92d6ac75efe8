package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/numeric"
)

type LeverageSettings struct {
	Swing      decimal.Decimal
	Fast       decimal.Decimal
	DynamicMin decimal.Decimal
	DynamicMax decimal.Decimal
	// IMTarget is the initial margin (USDT) a fresh trade commits.
	IMTarget decimal.Decimal
}

func DefaultLeverageSettings() LeverageSettings {
	return LeverageSettings{
		Swing:      decimal.NewFromInt(6),
		Fast:       decimal.NewFromInt(10),
		DynamicMin: decimal.RequireFromString("7.5"),
		DynamicMax: decimal.NewFromInt(25),
		IMTarget:   decimal.NewFromInt(20),
	}
}

// LeveragePolicy maps a parsed signal onto one of the three leverage regimes
// and sizes the position from a fixed initial margin budget.
type LeveragePolicy struct {
	cfg LeverageSettings
}

func NewLeveragePolicy(cfg LeverageSettings) *LeveragePolicy {
	return &LeveragePolicy{cfg: cfg}
}

// Classify returns the leverage and mode for a signal. A missing stop-loss
// locks the trade to the FAST leverage before any hint is considered.
func (p *LeveragePolicy) Classify(modeHint domain.Mode, hasSL bool, raw decimal.NullDecimal) (decimal.Decimal, domain.Mode) {
	if !hasSL {
		return p.cfg.Fast.Round(2), domain.ModeFast
	}
	switch modeHint {
	case domain.ModeSwing:
		return p.cfg.Swing.Round(2), domain.ModeSwing
	case domain.ModeFast:
		return p.cfg.Fast.Round(2), domain.ModeFast
	case domain.ModeDynamic:
		return p.dynamic(raw), domain.ModeDynamic
	}
	if raw.Valid && raw.Decimal.Equal(p.cfg.Fast) {
		return p.cfg.Fast.Round(2), domain.ModeFast
	}
	return p.dynamic(raw), domain.ModeDynamic
}

func (p *LeveragePolicy) dynamic(raw decimal.NullDecimal) decimal.Decimal {
	lev := p.cfg.DynamicMin
	if raw.Valid && raw.Decimal.IsPositive() {
		lev = raw.Decimal
	}
	// (Swing, DynamicMin) is reserved: anything there goes up, never down to Swing
	if lev.GreaterThan(p.cfg.Swing) && lev.LessThan(p.cfg.DynamicMin) {
		lev = p.cfg.DynamicMin
	}
	lev = numeric.Max(lev, p.cfg.DynamicMin)
	lev = numeric.Min(lev, p.cfg.DynamicMax)
	return lev.RoundDown(2)
}

// InForbiddenGap reports whether lev lies strictly between the SWING and DYNAMIC floors.
func (p *LeveragePolicy) InForbiddenGap(lev decimal.Decimal) bool {
	return lev.GreaterThan(p.cfg.Swing) && lev.LessThan(p.cfg.DynamicMin)
}

// Size returns the contract quantity for a full position: IM target times
// leverage divided by price, floored to the quantity step and lifted to the
// instrument minimums.
func (p *LeveragePolicy) Size(price, leverage decimal.Decimal, filters *domain.InstrumentFilters) (decimal.Decimal, error) {
	return p.SizeForMargin(p.cfg.IMTarget, price, leverage, filters)
}

func (p *LeveragePolicy) SizeForMargin(margin, price, leverage decimal.Decimal, filters *domain.InstrumentFilters) (decimal.Decimal, error) {
	if !price.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero, fmt.Errorf("cannot size with price %s leverage %s", price, leverage)
	}
	qty := numeric.QuantizeQty(margin.Mul(leverage).Div(price), filters.QtyStep)
	if qty.LessThan(filters.MinOrderQty) {
		qty = filters.MinOrderQty
	}
	if filters.MinNotional.IsPositive() && qty.Mul(price).LessThan(filters.MinNotional) {
		need := filters.MinNotional.Div(price)
		// ceil onto the step grid so the notional floor is actually met
		stepped := numeric.QuantizeQty(need, filters.QtyStep)
		if stepped.LessThan(need) {
			stepped = stepped.Add(filters.QtyStep)
		}
		qty = stepped
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity rounds to zero for margin %s at %s", margin, price)
	}
	return qty, nil
}
