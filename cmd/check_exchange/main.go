package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/signal_copy_trader/internal/config"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/exchange"
	"go.uber.org/zap"
)

// check_exchange verifies connectivity and credentials against Bybit
// without placing any order.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to query")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)
	if len(cfg.Exchange.APIKey) >= 4 {
		fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:4])
	}

	adapter, err := exchange.NewBybitAdapter(cfg.Bybit(), zap.NewNop())
	if err != nil {
		fmt.Printf("Failed to init adapter: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Check Public Endpoints (Ticker, Filters)
	ticker, err := adapter.GetTicker(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get ticker: %v\n", err)
	} else {
		fmt.Printf("✅ Ticker (%s): mark=%s bid=%s ask=%s spread=%s%%\n",
			*symbol, ticker.MarkPrice, ticker.Bid, ticker.Ask, ticker.SpreadPct().StringFixed(4))
	}

	filters, err := adapter.GetInstrumentFilters(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get instrument filters: %v\n", err)
	} else {
		fmt.Printf("✅ Filters (%s): status=%s tick=%s step=%s minQty=%s minNotional=%s maxLev=%s\n",
			*symbol, filters.Status, filters.TickSize, filters.QtyStep, filters.MinOrderQty, filters.MinNotional, filters.MaxLeverage)
	}

	if cfg.Exchange.APIKey == "" {
		fmt.Println("No API key, skipping private endpoints")
		return
	}

	// 3. Check Private Endpoints (Positions, Orders)
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		pos, err := adapter.GetPosition(ctx, *symbol, side)
		if err != nil {
			fmt.Printf("❌ Failed to get %s position: %v\n", side, err)
			continue
		}
		fmt.Printf("✅ Position (%s %s): size=%s avg=%s lev=%s uPnL=%s\n",
			*symbol, side, pos.Size, pos.AvgPrice, pos.Leverage, pos.UnrealizedPnL)
	}

	orders, err := adapter.GetOpenOrders(ctx, "")
	if err != nil {
		fmt.Printf("❌ Failed to get open orders: %v\n", err)
	} else {
		fmt.Printf("✅ Open orders: %d\n", len(orders))
		for _, o := range orders {
			fmt.Printf("  - %s %s %s qty=%s price=%s trigger=%s link=%s\n",
				o.Symbol, o.Side, o.Type, o.Qty, o.Price, o.TriggerPrice, o.LinkID)
		}
	}
}
