package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/vitos/signal_copy_trader/internal/config"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/exchange"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/journal"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/logger"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/metrics"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/storage"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/telegram"
	"github.com/vitos/signal_copy_trader/internal/usecase"
	"github.com/vitos/signal_copy_trader/internal/web"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	runID := uuid.NewString()
	base, err := logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	log := base.With(zap.String("run_id", runID))
	defer log.Sync()

	if err := run(cfg, runID, log); err != nil {
		log.Error("Bot stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, runID string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Init Storage and Journal
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}
	defer store.Close()

	jrnl, err := journal.Open(cfg.Storage.JournalPath, log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	// Entries written before this run are what reconciliation compares.
	history, err := jrnl.Entries()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if _, err := jrnl.Append(domain.EventBotStarted, map[string]any{"run_id": runID, "version": version}); err != nil {
		return fmt.Errorf("journal start: %w", err)
	}

	// 4. Init Exchange (Bybit)
	bybit, err := exchange.NewBybitAdapter(cfg.Bybit(), log.Named("bybit"))
	if err != nil {
		return fmt.Errorf("init bybit: %w", err)
	}
	prices, err := exchange.NewPriceCache(cfg.PriceCache(), bybit, log.Named("prices"))
	if err != nil {
		return fmt.Errorf("init price stream: %w", err)
	}

	// 5. Notifier and Telegram
	rec := metrics.New()
	var (
		notifier domain.Notifier = telegram.NewLogNotifier(log.Named("notify"))
		bot      *tgbotapi.BotAPI
	)
	if cfg.Telegram.BotToken != "" {
		bot, err = telegram.NewBot(cfg.Telegram.BotToken, cfg.Telegram.Endpoint)
		if err != nil {
			return err
		}
		if cfg.Telegram.NotifyChatID != 0 {
			notifier = telegram.NewNotifier(bot, cfg.Telegram.NotifyChatID, log.Named("notify"))
		}
	} else {
		log.Warn("No Telegram bot token configured, signals are not received")
	}

	// 6. Init Services
	strategySettings, err := cfg.StrategySettings()
	if err != nil {
		return err
	}
	reportSettings, err := cfg.ReportSettings()
	if err != nil {
		return err
	}

	capacity := usecase.NewCapacityGate(cfg.Trading.MaxActiveTrades)
	if err := capacity.Sync(ctx, store); err != nil {
		return fmt.Errorf("capacity sync: %w", err)
	}
	rec.ActiveTrades(capacity.Active())

	breaker := usecase.NewAdmissionBreaker(cfg.BreakerSettings(), log, func(_, to gobreaker.State) {
		rec.SetBreakerOpen(to == gobreaker.StateOpen)
	})
	dedup := usecase.NewDedupEngine(cfg.DedupSettings(), store, log.Named("dedup"))
	policy := usecase.NewLeveragePolicy(cfg.LeverageSettings())

	engine := usecase.NewTradeEngine(usecase.TradeEngineDeps{
		Exchange: bybit,
		Repo:     store,
		Journal:  jrnl,
		Notifier: notifier,
		Prices:   prices,
		Policy:   policy,
		Capacity: capacity,
		Metrics:  rec,
		Logger:   log.Named("trade"),
	}, cfg.TradeSettings(), strategySettings)

	signals := usecase.NewSignalService(usecase.SignalServiceDeps{
		Parser:   usecase.NewSignalParser(cfg.ParserSettings()),
		Dedup:    dedup,
		Policy:   policy,
		Breaker:  breaker,
		Capacity: capacity,
		Engine:   engine,
		Repo:     store,
		Journal:  jrnl,
		Notifier: notifier,
		Metrics:  rec,
		Logger:   log.Named("signals"),
	}, cfg.Channels())

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(prices.Run)
	goRun(dedup.Run)

	// 7. Reconcile and resume
	report, err := usecase.NewReconciler(bybit, log.Named("reconcile")).Run(ctx, history)
	if err != nil {
		log.Error("Reconciliation skipped", zap.Error(err))
	} else {
		rec.Reconciled(len(report.Orphans), len(report.Missing))
	}
	resumed, err := signals.ResumeActive(ctx)
	if err != nil {
		log.Error("Failed to resume active trades", zap.Error(err))
	}

	if cfg.Reports.Enabled {
		reports := usecase.NewReportService(store, notifier, reportSettings, log.Named("reports"))
		goRun(reports.Run)
	}

	if bot != nil {
		listener := telegram.NewListener(bot, func(ctx context.Context, sourceID int64, text string) error {
			_, err := signals.OnNewText(ctx, sourceID, text)
			return err
		}, log.Named("telegram"))
		goRun(listener.Run)
	}

	// 8. Start Web Server
	var srv *web.Server
	if cfg.Server.Port > 0 {
		srv = web.NewServer(cfg.Server.Port, store, jrnl, rec, runID, log.Named("web"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Web server failed", zap.Error(err))
			}
		}()
	}

	log.Info("Bot started",
		zap.String("version", version),
		zap.Int("channels", len(cfg.Channels())),
		zap.Int("active_trades", capacity.Active()),
		zap.Int("resumed", resumed))

	// 9. Wait for Shutdown
	<-ctx.Done()
	log.Info("Shutting down...")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Web server shutdown", zap.Error(err))
		}
		cancel()
	}
	if !signals.Shutdown(cfg.Trading.ShutdownTimeout) {
		log.Warn("Trade runs still busy at exit; they resume on next start")
	}
	wg.Wait()
	log.Info("Bot stopped")
	return nil
}
