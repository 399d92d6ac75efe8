package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
)

// SQLiteStore implements domain.TradeRepository and domain.FingerprintStore.
// Decimals are stored as TEXT and times as UTC DATETIME.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			mode TEXT NOT NULL,
			leverage TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			entries TEXT NOT NULL,
			take_profits TEXT NOT NULL,
			stop_loss TEXT NOT NULL,
			auto_stop_loss BOOLEAN NOT NULL DEFAULT 0,
			original_entry_price TEXT NOT NULL DEFAULT '0',
			average_entry_price TEXT NOT NULL DEFAULT '0',
			position_size TEXT NOT NULL DEFAULT '0',
			state TEXT NOT NULL,
			realized_pnl TEXT NOT NULL DEFAULT '0',
			error_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(state);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);`,
		`CREATE TABLE IF NOT EXISTS orders (
			link_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL DEFAULT '',
			trade_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			role TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			price TEXT NOT NULL DEFAULT '0',
			trigger_price TEXT NOT NULL DEFAULT '0',
			qty TEXT NOT NULL,
			reduce_only BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id, seq);`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			link_id TEXT NOT NULL,
			price TEXT NOT NULL,
			qty TEXT NOT NULL,
			fee TEXT NOT NULL DEFAULT '0',
			executed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id);`,
		`CREATE TABLE IF NOT EXISTS signal_fingerprints (
			fingerprint TEXT PRIMARY KEY,
			first_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategy_progress (
			trade_id TEXT PRIMARY KEY,
			pyramid_step INTEGER NOT NULL DEFAULT 0,
			breakeven_done BOOLEAN NOT NULL DEFAULT 0,
			trailing_active BOOLEAN NOT NULL DEFAULT 0,
			trailing_extreme TEXT NOT NULL DEFAULT '0',
			stop_loss_price TEXT NOT NULL DEFAULT '0',
			stop_loss_link_id TEXT NOT NULL DEFAULT '',
			hedge_active BOOLEAN NOT NULL DEFAULT 0,
			hedge_count INTEGER NOT NULL DEFAULT 0,
			reentry_attempts INTEGER NOT NULL DEFAULT 0,
			cycle INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// --- Trades ---

type tradeRow struct {
	ID                 string          `db:"id"`
	Symbol             string          `db:"symbol"`
	Side               string          `db:"side"`
	Mode               string          `db:"mode"`
	Leverage           decimal.Decimal `db:"leverage"`
	ChannelName        string          `db:"channel_name"`
	Entries            string          `db:"entries"`
	TakeProfits        string          `db:"take_profits"`
	StopLoss           decimal.Decimal `db:"stop_loss"`
	AutoStopLoss       bool            `db:"auto_stop_loss"`
	OriginalEntryPrice decimal.Decimal `db:"original_entry_price"`
	AverageEntryPrice  decimal.Decimal `db:"average_entry_price"`
	PositionSize       decimal.Decimal `db:"position_size"`
	State              string          `db:"state"`
	RealizedPnL        decimal.Decimal `db:"realized_pnl"`
	ErrorReason        string          `db:"error_reason"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	ClosedAt           sql.NullTime    `db:"closed_at"`
}

func joinDecimals(values []decimal.Decimal) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func splitDecimals(s string) ([]decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("decimal list %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func toTradeRow(t *domain.Trade) tradeRow {
	row := tradeRow{
		ID:                 t.ID,
		Symbol:             t.Symbol,
		Side:               string(t.Side),
		Mode:               string(t.Mode),
		Leverage:           t.Leverage,
		ChannelName:        t.ChannelName,
		Entries:            joinDecimals(t.Entries),
		TakeProfits:        joinDecimals(t.TakeProfits),
		StopLoss:           t.StopLoss,
		AutoStopLoss:       t.AutoStopLoss,
		OriginalEntryPrice: t.OriginalEntryPrice,
		AverageEntryPrice:  t.AverageEntryPrice,
		PositionSize:       t.PositionSize,
		State:              string(t.State),
		RealizedPnL:        t.RealizedPnL,
		ErrorReason:        t.ErrorReason,
		CreatedAt:          t.CreatedAt.UTC(),
		UpdatedAt:          t.UpdatedAt.UTC(),
	}
	if t.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: t.ClosedAt.UTC(), Valid: true}
	}
	return row
}

func (r tradeRow) toDomain() (*domain.Trade, error) {
	entries, err := splitDecimals(r.Entries)
	if err != nil {
		return nil, err
	}
	tps, err := splitDecimals(r.TakeProfits)
	if err != nil {
		return nil, err
	}
	t := &domain.Trade{
		ID:                 r.ID,
		Symbol:             r.Symbol,
		Side:               domain.Side(r.Side),
		Mode:               domain.Mode(r.Mode),
		Leverage:           r.Leverage,
		ChannelName:        r.ChannelName,
		Entries:            entries,
		TakeProfits:        tps,
		StopLoss:           r.StopLoss,
		AutoStopLoss:       r.AutoStopLoss,
		OriginalEntryPrice: r.OriginalEntryPrice,
		AverageEntryPrice:  r.AverageEntryPrice,
		PositionSize:       r.PositionSize,
		State:              domain.TradeState(r.State),
		RealizedPnL:        r.RealizedPnL,
		ErrorReason:        r.ErrorReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ClosedAt.Valid {
		at := r.ClosedAt.Time
		t.ClosedAt = &at
	}
	return t, nil
}

const tradeColumns = `id, symbol, side, mode, leverage, channel_name, entries, take_profits, stop_loss,
	auto_stop_loss, original_entry_price, average_entry_price, position_size, state, realized_pnl,
	error_reason, created_at, updated_at, closed_at`

// SaveTrade inserts the trade or overwrites every column except created_at.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	query := `INSERT INTO trades (` + tradeColumns + `)
		VALUES (:id, :symbol, :side, :mode, :leverage, :channel_name, :entries, :take_profits, :stop_loss,
			:auto_stop_loss, :original_entry_price, :average_entry_price, :position_size, :state, :realized_pnl,
			:error_reason, :created_at, :updated_at, :closed_at)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			side = excluded.side,
			mode = excluded.mode,
			leverage = excluded.leverage,
			channel_name = excluded.channel_name,
			entries = excluded.entries,
			take_profits = excluded.take_profits,
			stop_loss = excluded.stop_loss,
			auto_stop_loss = excluded.auto_stop_loss,
			original_entry_price = excluded.original_entry_price,
			average_entry_price = excluded.average_entry_price,
			position_size = excluded.position_size,
			state = excluded.state,
			realized_pnl = excluded.realized_pnl,
			error_reason = excluded.error_reason,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at`
	_, err := s.db.NamedExecContext(ctx, query, toTradeRow(trade))
	return err
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*domain.Trade, error) {
	var row tradeRow
	err := s.db.GetContext(ctx, &row, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *SQLiteStore) selectTrades(ctx context.Context, query string, args ...any) ([]*domain.Trade, error) {
	var rows []tradeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	trades := make([]*domain.Trade, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *SQLiteStore) ListActiveTrades(ctx context.Context) ([]*domain.Trade, error) {
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE state NOT IN (?, ?) ORDER BY created_at, id`,
		domain.StateDone, domain.StateError)
}

func (s *SQLiteStore) ListClosedTrades(ctx context.Context, since time.Time) ([]*domain.Trade, error) {
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE closed_at IS NOT NULL AND closed_at >= ? ORDER BY closed_at, id`,
		since.UTC())
}

// ListRecentTrades returns the newest trades regardless of state.
func (s *SQLiteStore) ListRecentTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return s.selectTrades(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) CountActiveTrades(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM trades WHERE state NOT IN (?, ?)`, domain.StateDone, domain.StateError)
	return n, err
}

func (s *SQLiteStore) UpdateTradeState(ctx context.Context, id string, state domain.TradeState, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET state = ?, error_reason = ?, updated_at = ? WHERE id = ?`,
		state, reason, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "trade "+id)
}

func (s *SQLiteStore) CloseTrade(ctx context.Context, id string, state domain.TradeState, realizedPnL decimal.Decimal, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET state = ?, realized_pnl = ?, closed_at = ?, updated_at = ? WHERE id = ?`,
		state, realizedPnL, closedAt.UTC(), closedAt.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "trade "+id)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

// --- Orders ---

type orderRow struct {
	LinkID       string          `db:"link_id"`
	OrderID      string          `db:"order_id"`
	TradeID      string          `db:"trade_id"`
	Symbol       string          `db:"symbol"`
	Role         string          `db:"role"`
	Side         string          `db:"side"`
	Type         string          `db:"order_type"`
	Price        decimal.Decimal `db:"price"`
	TriggerPrice decimal.Decimal `db:"trigger_price"`
	Qty          decimal.Decimal `db:"qty"`
	ReduceOnly   bool            `db:"reduce_only"`
	Status       string          `db:"status"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// SaveOrder upserts by link id. A re-saved order keeps its position in
// ListOrders.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.OrderRecord) error {
	row := orderRow{
		LinkID:       o.LinkID,
		OrderID:      o.OrderID,
		TradeID:      o.TradeID,
		Symbol:       o.Symbol,
		Role:         string(o.Role),
		Side:         o.Side,
		Type:         string(o.Type),
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Qty:          o.Qty,
		ReduceOnly:   o.ReduceOnly,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt.UTC(),
		UpdatedAt:    o.UpdatedAt.UTC(),
	}
	query := `INSERT INTO orders (link_id, order_id, trade_id, symbol, role, side, order_type, price, trigger_price,
			qty, reduce_only, status, seq, created_at, updated_at)
		VALUES (:link_id, :order_id, :trade_id, :symbol, :role, :side, :order_type, :price, :trigger_price,
			:qty, :reduce_only, :status, (SELECT COALESCE(MAX(seq), 0) + 1 FROM orders), :created_at, :updated_at)
		ON CONFLICT(link_id) DO UPDATE SET
			order_id = excluded.order_id,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			qty = excluded.qty,
			status = excluded.status,
			updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, query, row)
	return err
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, linkID string, status domain.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE link_id = ?`,
		status, time.Now().UTC(), linkID)
	if err != nil {
		return err
	}
	return requireRow(res, "order "+linkID)
}

func (s *SQLiteStore) ListOrders(ctx context.Context, tradeID string) ([]*domain.OrderRecord, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `SELECT link_id, order_id, trade_id, symbol, role, side, order_type,
			price, trigger_price, qty, reduce_only, status, created_at, updated_at
		FROM orders WHERE trade_id = ? ORDER BY seq`, tradeID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.OrderRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.OrderRecord{
			LinkID:       r.LinkID,
			OrderID:      r.OrderID,
			TradeID:      r.TradeID,
			Symbol:       r.Symbol,
			Role:         domain.OrderRole(r.Role),
			Side:         r.Side,
			Type:         domain.OrderType(r.Type),
			Price:        r.Price,
			TriggerPrice: r.TriggerPrice,
			Qty:          r.Qty,
			ReduceOnly:   r.ReduceOnly,
			Status:       domain.OrderStatus(r.Status),
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) RecordFill(ctx context.Context, fill *domain.Fill) error {
	f := *fill
	f.ExecutedAt = f.ExecutedAt.UTC()
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO fills (trade_id, link_id, price, qty, fee, executed_at)
		VALUES (:trade_id, :link_id, :price, :qty, :fee, :executed_at)`, f)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		fill.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListFills(ctx context.Context, tradeID string) ([]domain.Fill, error) {
	var fills []domain.Fill
	err := s.db.SelectContext(ctx, &fills, `SELECT id, trade_id, link_id, price, qty, fee, executed_at
		FROM fills WHERE trade_id = ? ORDER BY id`, tradeID)
	return fills, err
}

// --- Strategy progress ---

type progressRow struct {
	TradeID         string          `db:"trade_id"`
	PyramidStep     int             `db:"pyramid_step"`
	BreakevenDone   bool            `db:"breakeven_done"`
	TrailingActive  bool            `db:"trailing_active"`
	TrailingExtreme decimal.Decimal `db:"trailing_extreme"`
	StopLossPrice   decimal.Decimal `db:"stop_loss_price"`
	StopLossLinkID  string          `db:"stop_loss_link_id"`
	HedgeActive     bool            `db:"hedge_active"`
	HedgeCount      int             `db:"hedge_count"`
	ReentryAttempts int             `db:"reentry_attempts"`
	Cycle           int             `db:"cycle"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, p *domain.StrategyProgress) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	row := progressRow{
		TradeID:         p.TradeID,
		PyramidStep:     p.PyramidStep,
		BreakevenDone:   p.BreakevenDone,
		TrailingActive:  p.TrailingActive,
		TrailingExtreme: p.TrailingExtreme,
		StopLossPrice:   p.StopLossPrice,
		StopLossLinkID:  p.StopLossLinkID,
		HedgeActive:     p.HedgeActive,
		HedgeCount:      p.HedgeCount,
		ReentryAttempts: p.ReentryAttempts,
		Cycle:           p.Cycle,
		UpdatedAt:       updated.UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO strategy_progress (trade_id, pyramid_step, breakeven_done,
			trailing_active, trailing_extreme, stop_loss_price, stop_loss_link_id, hedge_active, hedge_count,
			reentry_attempts, cycle, updated_at)
		VALUES (:trade_id, :pyramid_step, :breakeven_done, :trailing_active, :trailing_extreme, :stop_loss_price,
			:stop_loss_link_id, :hedge_active, :hedge_count, :reentry_attempts, :cycle, :updated_at)`, row)
	return err
}

func (s *SQLiteStore) GetProgress(ctx context.Context, tradeID string) (*domain.StrategyProgress, error) {
	var r progressRow
	err := s.db.GetContext(ctx, &r, `SELECT trade_id, pyramid_step, breakeven_done, trailing_active, trailing_extreme,
			stop_loss_price, stop_loss_link_id, hedge_active, hedge_count, reentry_attempts, cycle, updated_at
		FROM strategy_progress WHERE trade_id = ?`, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress %s: %w", tradeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &domain.StrategyProgress{
		TradeID:         r.TradeID,
		PyramidStep:     r.PyramidStep,
		BreakevenDone:   r.BreakevenDone,
		TrailingActive:  r.TrailingActive,
		TrailingExtreme: r.TrailingExtreme,
		StopLossPrice:   r.StopLossPrice,
		StopLossLinkID:  r.StopLossLinkID,
		HedgeActive:     r.HedgeActive,
		HedgeCount:      r.HedgeCount,
		ReentryAttempts: r.ReentryAttempts,
		Cycle:           r.Cycle,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// --- Fingerprints ---

// InsertFingerprint records fingerprint as seen at seenAt. It returns false
// when the fingerprint is already present and was seen after expiredBefore.
// An expired row is refreshed and counts as new.
func (s *SQLiteStore) InsertFingerprint(ctx context.Context, fingerprint string, seenAt, expiredBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO signal_fingerprints (fingerprint, first_seen) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET first_seen = excluded.first_seen
		WHERE signal_fingerprints.first_seen <= ?`,
		fingerprint, seenAt.UTC(), expiredBefore.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) PurgeFingerprints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signal_fingerprints WHERE first_seen < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
