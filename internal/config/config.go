package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/exchange"
	"github.com/vitos/signal_copy_trader/internal/usecase"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Trading     TradingConfig     `yaml:"trading"`
	Leverage    LeverageConfig    `yaml:"leverage"`
	Timing      TimingConfig      `yaml:"timing"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Guards      GuardsConfig      `yaml:"guards"`
	Strategies  StrategiesConfig  `yaml:"strategies"`
	Reports     ReportsConfig     `yaml:"reports"`
	Parser      ParserConfig      `yaml:"parser"`

	ladder []usecase.PyramidStep
}

type ExchangeConfig struct {
	APIKey       string        `yaml:"api_key"`
	APISecret    string        `yaml:"api_secret"`
	RESTEndpoint string        `yaml:"rest_endpoint" validate:"required,url"`
	WSEndpoint   string        `yaml:"ws_endpoint" validate:"required,url"`
	Proxy        string        `yaml:"proxy"`
	HedgeMode    bool          `yaml:"hedge_mode"`
	RecvWindow   int           `yaml:"recv_window" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"min=0"`
}

type TelegramConfig struct {
	BotToken     string          `yaml:"bot_token"`
	Endpoint     string          `yaml:"endpoint"`
	NotifyChatID int64           `yaml:"notify_chat_id"`
	Channels     []ChannelConfig `yaml:"channels" validate:"dive"`
}

type ChannelConfig struct {
	ID   int64  `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
}

type StorageConfig struct {
	DBPath      string `yaml:"db_path" validate:"required"`
	JournalPath string `yaml:"journal_path" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	// Port 0 disables the status API.
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

type TradingConfig struct {
	MaxActiveTrades    int           `yaml:"max_active_trades" validate:"gt=0"`
	IMTarget           float64       `yaml:"im_target" validate:"gt=0"`
	MinNotionalRetries int           `yaml:"min_notional_retries" validate:"min=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LeverageConfig struct {
	Swing      float64 `yaml:"swing" validate:"gt=0"`
	Fast       float64 `yaml:"fast" validate:"gt=0"`
	DynamicMin float64 `yaml:"dynamic_min" validate:"gt=0"`
	DynamicMax float64 `yaml:"dynamic_max" validate:"gtfield=DynamicMin"`
}

type TimingConfig struct {
	ConfirmAttempts  int           `yaml:"confirm_attempts" validate:"gt=0"`
	ConfirmInterval  time.Duration `yaml:"confirm_interval" validate:"gt=0"`
	OCOInterval      time.Duration `yaml:"oco_interval" validate:"gt=0"`
	OCOMaxPolls      int           `yaml:"oco_max_polls" validate:"gt=0"`
	StrategyInterval time.Duration `yaml:"strategy_interval" validate:"gt=0"`
	DetachTimeout    time.Duration `yaml:"detach_timeout" validate:"gt=0"`
	PriceStaleAfter  time.Duration `yaml:"price_stale_after" validate:"gt=0"`
}

type IdempotencyConfig struct {
	TTL              time.Duration `yaml:"ttl" validate:"gt=0"`
	NearDuplicatePct float64       `yaml:"near_duplicate_pct" validate:"min=0"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" validate:"gt=0"`
	Window              time.Duration `yaml:"window" validate:"gt=0"`
	Cooldown            time.Duration `yaml:"cooldown" validate:"gt=0"`
}

type GuardsConfig struct {
	MaxSpreadPct float64 `yaml:"max_spread_pct" validate:"min=0"`
}

type StrategiesConfig struct {
	Pyramid   PyramidConfig   `yaml:"pyramid"`
	Breakeven BreakevenConfig `yaml:"breakeven"`
	Trailing  TrailingConfig  `yaml:"trailing"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Reentry   ReentryConfig   `yaml:"reentry"`
}

type PyramidConfig struct {
	Enabled bool        `yaml:"enabled"`
	Ladder  []LadderRow `yaml:"ladder" validate:"dive"`
}

// LadderRow is one pyramid step as written in YAML. TargetIM is used by
// check_margin and raise_margin, Cap by raise_leverage.
type LadderRow struct {
	TriggerPct float64 `yaml:"trigger_pct" validate:"gt=0"`
	Action     string  `yaml:"action" validate:"required"`
	TargetIM   float64 `yaml:"target_im" validate:"min=0"`
	Cap        float64 `yaml:"cap" validate:"min=0"`
}

type BreakevenConfig struct {
	Enabled   bool    `yaml:"enabled"`
	AfterStep int     `yaml:"after_step" validate:"min=0"`
	OffsetPct float64 `yaml:"offset_pct" validate:"min=0"`
}

type TrailingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	TriggerPct  float64 `yaml:"trigger_pct" validate:"gt=0"`
	DistancePct float64 `yaml:"distance_pct" validate:"gt=0"`
}

type HedgeConfig struct {
	Enabled    bool    `yaml:"enabled"`
	TriggerPct float64 `yaml:"trigger_pct" validate:"gt=0"`
	MaxHedges  int     `yaml:"max_hedges" validate:"min=0"`
}

type ReentryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts" validate:"min=0"`
	Cooldown    time.Duration `yaml:"cooldown" validate:"min=0"`
}

type ReportsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Timezone   string `yaml:"timezone" validate:"required"`
	DailyHour  int    `yaml:"daily_hour" validate:"min=0,max=23"`
	WeeklyDay  string `yaml:"weekly_day" validate:"oneof=sunday monday tuesday wednesday thursday friday saturday"`
	WeeklyHour int    `yaml:"weekly_hour" validate:"min=0,max=23"`
}

type ParserConfig struct {
	SecondEntryOffsetPct float64            `yaml:"second_entry_offset_pct" validate:"min=0"`
	AutoStopLossPct      float64            `yaml:"auto_stop_loss_pct" validate:"gt=0"`
	MaxTakeProfits       int                `yaml:"max_take_profits" validate:"gt=0"`
	ReferencePrices      map[string]float64 `yaml:"reference_prices" validate:"dive,gt=0"`
}

// Defaults returns the configuration the bot runs with when the file sets
// nothing.
func Defaults() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			RESTEndpoint: exchange.BybitBaseURL,
			WSEndpoint:   exchange.BybitWSURL,
			RecvWindow:   5000,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
		},
		Storage: StorageConfig{
			DBPath:      "data/bot.db",
			JournalPath: "logs/journal.jsonl",
		},
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: 8080},
		Trading: TradingConfig{
			MaxActiveTrades:    100,
			IMTarget:           20,
			MinNotionalRetries: 3,
			ShutdownTimeout:    30 * time.Second,
		},
		Leverage: LeverageConfig{Swing: 6, Fast: 10, DynamicMin: 7.5, DynamicMax: 25},
		Timing: TimingConfig{
			ConfirmAttempts:  10,
			ConfirmInterval:  3 * time.Second,
			OCOInterval:      2 * time.Second,
			OCOMaxPolls:      43200,
			StrategyInterval: 5 * time.Second,
			DetachTimeout:    10 * time.Second,
			PriceStaleAfter:  15 * time.Second,
		},
		Idempotency: IdempotencyConfig{TTL: 3 * time.Hour, NearDuplicatePct: 5, CleanupInterval: time.Minute},
		Breaker:     BreakerConfig{ConsecutiveFailures: 3, Window: 10 * time.Minute, Cooldown: 120 * time.Second},
		Guards:      GuardsConfig{MaxSpreadPct: 0.5},
		Strategies: StrategiesConfig{
			Pyramid: PyramidConfig{
				Enabled: true,
				Ladder: []LadderRow{
					{TriggerPct: 1.5, Action: "check_margin", TargetIM: 20},
					{TriggerPct: 2.3, Action: "breakeven"},
					{TriggerPct: 2.4, Action: "raise_leverage", Cap: 50},
					{TriggerPct: 2.5, Action: "raise_margin", TargetIM: 40},
					{TriggerPct: 4.0, Action: "raise_margin", TargetIM: 60},
					{TriggerPct: 6.0, Action: "raise_margin", TargetIM: 80},
					{TriggerPct: 8.6, Action: "raise_margin", TargetIM: 100},
				},
			},
			Breakeven: BreakevenConfig{Enabled: true, AfterStep: 2, OffsetPct: 0.0015},
			Trailing:  TrailingConfig{Enabled: true, TriggerPct: 6.1, DistancePct: 2.5},
			Hedge:     HedgeConfig{Enabled: true, TriggerPct: 2, MaxHedges: 1},
			Reentry:   ReentryConfig{Enabled: true, MaxAttempts: 3, Cooldown: 60 * time.Second},
		},
		Reports: ReportsConfig{
			Enabled:    true,
			Timezone:   "Europe/Stockholm",
			DailyHour:  8,
			WeeklyDay:  "saturday",
			WeeklyHour: 22,
		},
		Parser: ParserConfig{SecondEntryOffsetPct: 0.1, AutoStopLossPct: 2, MaxTakeProfits: 4},
	}
}

// Load reads an optional .env, then the YAML file at path over the
// defaults, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"BYBIT_API_KEY", &c.Exchange.APIKey},
		{"BYBIT_API_SECRET", &c.Exchange.APISecret},
		{"TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken},
		{"BOT_LOG_LEVEL", &c.Logging.Level},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.target = v
		}
	}
}

var validate = validator.New()

// Validate checks field constraints and converts the pyramid ladder.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Reports.Timezone); err != nil {
		return fmt.Errorf("invalid config: reports.timezone: %w", err)
	}
	ladder, err := buildLadder(c.Strategies.Pyramid.Ladder)
	if err != nil {
		return fmt.Errorf("invalid config: strategies.pyramid.ladder: %w", err)
	}
	c.ladder = ladder
	return nil
}

func buildLadder(rows []LadderRow) ([]usecase.PyramidStep, error) {
	steps := make([]usecase.PyramidStep, 0, len(rows))
	prev := 0.0
	for i, row := range rows {
		if row.TriggerPct <= prev {
			return nil, fmt.Errorf("step %d: trigger %.4g%% is not above the previous step", i+1, row.TriggerPct)
		}
		prev = row.TriggerPct

		name := strings.ToLower(row.Action)
		var action usecase.PyramidAction
		switch name {
		case "check_margin":
			action = usecase.CheckMargin{TargetIM: decimal.NewFromFloat(row.TargetIM)}
		case "raise_margin":
			action = usecase.RaiseMargin{TargetIM: decimal.NewFromFloat(row.TargetIM)}
		case "breakeven":
			action = usecase.MoveStopToBreakeven{}
		case "raise_leverage":
			action = usecase.RaiseLeverage{Cap: decimal.NewFromFloat(row.Cap)}
		default:
			return nil, fmt.Errorf("step %d: unknown action %q", i+1, row.Action)
		}
		if (name == "check_margin" || name == "raise_margin") && row.TargetIM <= 0 {
			return nil, fmt.Errorf("step %d: %s needs target_im", i+1, name)
		}
		if name == "raise_leverage" && row.Cap <= 0 {
			return nil, fmt.Errorf("step %d: raise_leverage needs cap", i+1)
		}
		steps = append(steps, usecase.PyramidStep{TriggerPct: decimal.NewFromFloat(row.TriggerPct), Action: action})
	}
	return steps, nil
}

// Channels maps Telegram chat ids to the channel names signals are traded under.
func (c *Config) Channels() map[int64]string {
	out := make(map[int64]string, len(c.Telegram.Channels))
	for _, ch := range c.Telegram.Channels {
		out[ch.ID] = ch.Name
	}
	return out
}

func (c *Config) Bybit() exchange.BybitConfig {
	bc := exchange.DefaultBybitConfig()
	bc.APIKey = c.Exchange.APIKey
	bc.APISecret = c.Exchange.APISecret
	bc.BaseURL = c.Exchange.RESTEndpoint
	bc.ProxyURL = c.Exchange.Proxy
	bc.Timeout = c.Exchange.Timeout
	bc.RecvWindow = c.Exchange.RecvWindow
	bc.MaxRetries = c.Exchange.MaxRetries
	bc.HedgeMode = c.Exchange.HedgeMode
	return bc
}

func (c *Config) PriceCache() exchange.PriceCacheConfig {
	pc := exchange.DefaultPriceCacheConfig()
	pc.WSURL = c.Exchange.WSEndpoint
	pc.ProxyURL = c.Exchange.Proxy
	pc.StaleAfter = c.Timing.PriceStaleAfter
	return pc
}

func (c *Config) TradeSettings() usecase.TradeSettings {
	return usecase.TradeSettings{
		ConfirmAttempts:    c.Timing.ConfirmAttempts,
		ConfirmInterval:    c.Timing.ConfirmInterval,
		OCOInterval:        c.Timing.OCOInterval,
		OCOMaxPolls:        c.Timing.OCOMaxPolls,
		MinNotionalRetries: c.Trading.MinNotionalRetries,
		MaxSpreadPct:       decimal.NewFromFloat(c.Guards.MaxSpreadPct),
		HedgeMode:          c.Exchange.HedgeMode,
	}
}

// StrategySettings needs a validated config; the ladder is built by Validate.
func (c *Config) StrategySettings() (usecase.StrategySettings, error) {
	if c.ladder == nil && len(c.Strategies.Pyramid.Ladder) > 0 {
		return usecase.StrategySettings{}, errors.New("config not validated")
	}
	s := c.Strategies
	return usecase.StrategySettings{
		Interval:            c.Timing.StrategyInterval,
		DetachTimeout:       c.Timing.DetachTimeout,
		PyramidEnabled:      s.Pyramid.Enabled,
		Pyramid:             c.ladder,
		BreakevenEnabled:    s.Breakeven.Enabled,
		BreakevenAfterStep:  s.Breakeven.AfterStep,
		BreakevenOffsetPct:  decimal.NewFromFloat(s.Breakeven.OffsetPct),
		TrailingEnabled:     s.Trailing.Enabled,
		TrailingTriggerPct:  decimal.NewFromFloat(s.Trailing.TriggerPct),
		TrailingDistancePct: decimal.NewFromFloat(s.Trailing.DistancePct),
		HedgeEnabled:        s.Hedge.Enabled,
		HedgeTriggerPct:     decimal.NewFromFloat(s.Hedge.TriggerPct),
		MaxHedges:           s.Hedge.MaxHedges,
		ReentryEnabled:      s.Reentry.Enabled,
		ReentryMaxAttempts:  s.Reentry.MaxAttempts,
		ReentryCooldown:     s.Reentry.Cooldown,
	}, nil
}

func (c *Config) DedupSettings() usecase.DedupSettings {
	return usecase.DedupSettings{
		TTL:              c.Idempotency.TTL,
		NearDuplicatePct: decimal.NewFromFloat(c.Idempotency.NearDuplicatePct),
		CleanupInterval:  c.Idempotency.CleanupInterval,
	}
}

func (c *Config) BreakerSettings() usecase.BreakerSettings {
	return usecase.BreakerSettings{
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		Window:              c.Breaker.Window,
		Cooldown:            c.Breaker.Cooldown,
	}
}

func (c *Config) LeverageSettings() usecase.LeverageSettings {
	return usecase.LeverageSettings{
		Swing:      decimal.NewFromFloat(c.Leverage.Swing),
		Fast:       decimal.NewFromFloat(c.Leverage.Fast),
		DynamicMin: decimal.NewFromFloat(c.Leverage.DynamicMin),
		DynamicMax: decimal.NewFromFloat(c.Leverage.DynamicMax),
		IMTarget:   decimal.NewFromFloat(c.Trading.IMTarget),
	}
}

func (c *Config) ParserSettings() usecase.ParserSettings {
	refs := make(map[string]decimal.Decimal, len(c.Parser.ReferencePrices))
	for sym, p := range c.Parser.ReferencePrices {
		refs[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return usecase.ParserSettings{
		ReferencePrices:      refs,
		SecondEntryOffsetPct: decimal.NewFromFloat(c.Parser.SecondEntryOffsetPct),
		AutoStopLossPct:      decimal.NewFromFloat(c.Parser.AutoStopLossPct),
		MaxTakeProfits:       c.Parser.MaxTakeProfits,
	}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func (c *Config) ReportSettings() (usecase.ReportSettings, error) {
	loc, err := time.LoadLocation(c.Reports.Timezone)
	if err != nil {
		return usecase.ReportSettings{}, fmt.Errorf("reports timezone: %w", err)
	}
	return usecase.ReportSettings{
		Location:   loc,
		DailyHour:  c.Reports.DailyHour,
		WeeklyDay:  weekdays[c.Reports.WeeklyDay],
		WeeklyHour: c.Reports.WeeklyHour,
	}, nil
}
