package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

type ReportSettings struct {
	Location   *time.Location
	DailyHour  int
	WeeklyDay  time.Weekday
	WeeklyHour int
}

func DefaultReportSettings() ReportSettings {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		loc = time.UTC
	}
	return ReportSettings{Location: loc, DailyHour: 8, WeeklyDay: time.Saturday, WeeklyHour: 22}
}

type ChannelStats struct {
	Trades int
	PnL    decimal.Decimal
}

// Report summarises the trades closed inside [From, To).
type Report struct {
	Title      string
	From, To   time.Time
	Trades     int
	Wins       int
	Losses     int
	Errors     int
	PnL        decimal.Decimal
	Reentries  int
	Hedges     int
	MaxPyramid int
	ByChannel  map[string]ChannelStats
}

func (r Report) WinRate() decimal.Decimal {
	if r.Trades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(r.Wins)).Div(decimal.NewFromInt(int64(r.Trades))).Mul(decimal.NewFromInt(100))
}

// ReportService sends the daily and weekly summaries on a wall-clock schedule.
type ReportService struct {
	repo     domain.TradeRepository
	notifier domain.Notifier
	cfg      ReportSettings
	logger   *zap.Logger
	now      func() time.Time
}

func NewReportService(repo domain.TradeRepository, notifier domain.Notifier, cfg ReportSettings, logger *zap.Logger) *ReportService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ReportService{repo: repo, notifier: notifier, cfg: cfg, logger: logger, now: time.Now}
}

// Build collects the report for trades closed in [from, to).
func (s *ReportService) Build(ctx context.Context, title string, from, to time.Time) (Report, error) {
	trades, err := s.repo.ListClosedTrades(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("list closed trades: %w", err)
	}
	rep := Report{Title: title, From: from, To: to, ByChannel: make(map[string]ChannelStats)}
	for _, t := range trades {
		if t.ClosedAt == nil || !t.ClosedAt.Before(to) {
			continue
		}
		if t.State == domain.StateError {
			rep.Errors++
			continue
		}
		rep.Trades++
		switch {
		case t.RealizedPnL.IsPositive():
			rep.Wins++
		case t.RealizedPnL.IsNegative():
			rep.Losses++
		}
		rep.PnL = rep.PnL.Add(t.RealizedPnL)
		cs := rep.ByChannel[t.ChannelName]
		cs.Trades++
		cs.PnL = cs.PnL.Add(t.RealizedPnL)
		rep.ByChannel[t.ChannelName] = cs

		p, err := s.repo.GetProgress(ctx, t.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return Report{}, fmt.Errorf("progress %s: %w", t.ID, err)
		}
		rep.Reentries += p.ReentryAttempts
		rep.Hedges += p.HedgeCount
		if p.PyramidStep > rep.MaxPyramid {
			rep.MaxPyramid = p.PyramidStep
		}
	}
	return rep, nil
}

func (s *ReportService) SendDaily(ctx context.Context) error {
	to := s.now().In(s.cfg.Location)
	return s.send(ctx, "Daglig rapport / Daily report", to.Add(-24*time.Hour), to)
}

func (s *ReportService) SendWeekly(ctx context.Context) error {
	to := s.now().In(s.cfg.Location)
	return s.send(ctx, "Veckorapport / Weekly report", to.AddDate(0, 0, -7), to)
}

func (s *ReportService) send(ctx context.Context, title string, from, to time.Time) error {
	rep, err := s.Build(ctx, title, from, to)
	if err != nil {
		return err
	}
	if err := s.notifier.Send(ctx, FormatReport(rep)); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	s.logger.Info("Report sent", zap.String("title", title), zap.Int("trades", rep.Trades), zap.Stringer("pnl", rep.PnL))
	return nil
}

// Run sends reports at their scheduled local times until ctx is cancelled.
func (s *ReportService) Run(ctx context.Context) {
	for {
		now := s.now()
		daily := nextAt(now, s.cfg.Location, -1, s.cfg.DailyHour)
		weekly := nextAt(now, s.cfg.Location, s.cfg.WeeklyDay, s.cfg.WeeklyHour)
		next := daily
		if weekly.Before(next) {
			next = weekly
		}
		if err := sleepCtx(ctx, next.Sub(now)); err != nil {
			return
		}

		var err error
		if next.Equal(weekly) {
			err = s.SendWeekly(ctx)
		} else {
			err = s.SendDaily(ctx)
		}
		if err != nil {
			s.logger.Error("Report failed", zap.Error(err))
		}
	}
}

// nextAt returns the first local time strictly after now at hour:00, on
// weekday day, or on any day when day is negative.
func nextAt(now time.Time, loc *time.Location, day time.Weekday, hour int) time.Time {
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	for !at.After(local) || (day >= 0 && at.Weekday() != day) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func FormatReport(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s (%s – %s)\n", r.Title, r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "📈 Affärer / Trades: %d\n", r.Trades)
	fmt.Fprintf(&b, "✅ Vinnande / Winning: %d (%s%%)\n", r.Wins, r.WinRate().StringFixed(1))
	fmt.Fprintf(&b, "❌ Förlorande / Losing: %d\n", r.Losses)
	fmt.Fprintf(&b, "💰 Realiserad PnL / Realized PnL: %s USDT\n", r.PnL.StringFixed(2))
	fmt.Fprintf(&b, "🔄 Återinträden / Re-entries: %d\n", r.Reentries)
	fmt.Fprintf(&b, "♻️ Hedges: %d\n", r.Hedges)
	fmt.Fprintf(&b, "🔺 Max pyramid: %d", r.MaxPyramid)
	if r.Errors > 0 {
		fmt.Fprintf(&b, "\n⚠️ Fel / Errors: %d", r.Errors)
	}

	channels := make([]string, 0, len(r.ByChannel))
	for name := range r.ByChannel {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	for _, name := range channels {
		cs := r.ByChannel[name]
		fmt.Fprintf(&b, "\n• %s: %d / %s USDT", name, cs.Trades, cs.PnL.StringFixed(2))
	}
	return b.String()
}
