package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/signal_copy_trader/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "data/bot.db", "sqlite database path")
	limit := flag.Int("limit", 20, "number of recent trades to show")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	trades, err := store.ListRecentTrades(ctx, *limit)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d trades:\n", len(trades))
	for _, t := range trades {
		fmt.Printf("- %s [%s] %s lev=%s entry=%s size=%s pnl=%s\n",
			t.ID, t.ChannelName, t.State, t.Leverage, t.OriginalEntryPrice, t.PositionSize, t.RealizedPnL)
		if t.ErrorReason != "" {
			fmt.Printf("  ❌ %s\n", t.ErrorReason)
		}

		orders, err := store.ListOrders(ctx, t.ID)
		if err != nil {
			fmt.Printf("  ❌ Failed to list orders: %v\n", err)
			continue
		}
		for _, o := range orders {
			fmt.Printf("  %-12s %-4s %-6s qty=%s price=%s trigger=%s %s\n",
				o.Role, o.Side, o.Type, o.Qty, o.Price, o.TriggerPrice, o.Status)
		}

		progress, err := store.GetProgress(ctx, t.ID)
		if err == nil {
			fmt.Printf("  ⚙️ pyramid=%d breakeven=%t trailing=%t hedges=%d reentries=%d sl=%s\n",
				progress.PyramidStep, progress.BreakevenDone, progress.TrailingActive,
				progress.HedgeCount, progress.ReentryAttempts, progress.StopLossPrice)
		}
	}
}
