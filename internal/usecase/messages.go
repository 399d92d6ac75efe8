package usecase

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
)

// Messages are Swedish first, English second, one line each.

func msgSignalAccepted(t *domain.Trade) string {
	return fmt.Sprintf("✅ Signal mottagen / Signal received\n%s %s | %s x%s | %s",
		t.Symbol, t.Side, t.Mode, t.Leverage.StringFixed(2), t.ChannelName)
}

func msgLeverageSet(t *domain.Trade) string {
	return fmt.Sprintf("⚙️ Hävstång satt / Leverage set\n%s x%s", t.Symbol, t.Leverage.StringFixed(2))
}

func msgEntriesPlaced(t *domain.Trade, prices, qtys []decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📥 Ingångsordrar lagda / Entry orders placed\n%s %s", t.Symbol, t.Side)
	for i := range prices {
		fmt.Fprintf(&b, "\nE%d: %s x %s", i+1, prices[i], qtys[i])
	}
	return b.String()
}

func msgPositionConfirmed(t *domain.Trade) string {
	return fmt.Sprintf("📊 Position öppnad / Position opened\n%s %s size %s @ %s",
		t.Symbol, t.Side, t.PositionSize, t.AverageEntryPrice)
}

func msgProtectionPlaced(t *domain.Trade, sl decimal.Decimal, tps []decimal.Decimal) string {
	parts := make([]string, len(tps))
	for i, tp := range tps {
		parts[i] = tp.String()
	}
	return fmt.Sprintf("🛡 TP/SL lagda / TP/SL placed\n%s SL %s | TP %s", t.Symbol, sl, strings.Join(parts, ", "))
}

func msgTradeClosed(t *domain.Trade, outcome ExitOutcome, pnl decimal.Decimal) string {
	return fmt.Sprintf("🏁 Position stängd / Position closed\n%s %s %s | PnL %s USDT",
		t.Symbol, t.Side, outcome, pnl.StringFixed(2))
}

func msgTradeError(t *domain.Trade, cause error) string {
	return fmt.Sprintf("❌ Fel / Error\n%s %s: %v", t.Symbol, t.Side, cause)
}

func msgPyramidStep(t *domain.Trade, step int, action string) string {
	return fmt.Sprintf("🔺 Pyramid steg %d / step %d\n%s %s", step, step, t.Symbol, action)
}

func msgStopMoved(t *domain.Trade, reason string, sl decimal.Decimal) string {
	return fmt.Sprintf("🔒 SL flyttad / SL moved (%s)\n%s SL %s", reason, t.Symbol, sl)
}

func msgTrailingActivated(t *domain.Trade, price decimal.Decimal) string {
	return fmt.Sprintf("🎯 Trailing aktiverad / Trailing activated\n%s @ %s", t.Symbol, price)
}

func msgHedgeStarted(t *domain.Trade, qty, price decimal.Decimal) string {
	return fmt.Sprintf("🛡 Hedge öppnad / Hedge opened\n%s %s %s @ %s", t.Symbol, t.Side.Opposite(), qty, price)
}

func msgReentry(t *domain.Trade, attempt, max int) string {
	return fmt.Sprintf("🔁 Återinträde %d/%d / Re-entry %d/%d\n%s %s", attempt, max, attempt, max, t.Symbol, t.Side)
}

func msgExitTimeout(t *domain.Trade) string {
	return fmt.Sprintf("⏱ Övervakning pausad / Monitoring paused\n%s %s: ingen exit observerad / no exit observed", t.Symbol, t.Side)
}
