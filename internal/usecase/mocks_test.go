package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
)

// memRepo is an in-memory TradeRepository and FingerprintStore.
type memRepo struct {
	mu           sync.Mutex
	trades       map[string]domain.Trade
	orders       map[string]*domain.OrderRecord
	orderSeq     []string
	fills        []domain.Fill
	progress     map[string]domain.StrategyProgress
	fingerprints map[string]time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		trades:       make(map[string]domain.Trade),
		orders:       make(map[string]*domain.OrderRecord),
		progress:     make(map[string]domain.StrategyProgress),
		fingerprints: make(map[string]time.Time),
	}
}

func (r *memRepo) SaveTrade(_ context.Context, t *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[t.ID] = *t
	return nil
}

func (r *memRepo) GetTrade(_ context.Context, id string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *memRepo) ListActiveTrades(_ context.Context) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Trade
	for _, t := range r.trades {
		if t.IsActive() {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListClosedTrades(_ context.Context, since time.Time) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Trade
	for _, t := range r.trades {
		if t.ClosedAt != nil && !t.ClosedAt.Before(since) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CountActiveTrades(ctx context.Context) (int, error) {
	active, err := r.ListActiveTrades(ctx)
	return len(active), err
}

func (r *memRepo) UpdateTradeState(_ context.Context, id string, state domain.TradeState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.State = state
	t.ErrorReason = reason
	r.trades[id] = t
	return nil
}

func (r *memRepo) CloseTrade(_ context.Context, id string, state domain.TradeState, pnl decimal.Decimal, closedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.State = state
	t.RealizedPnL = pnl
	t.ClosedAt = &closedAt
	r.trades[id] = t
	return nil
}

func (r *memRepo) SaveOrder(_ context.Context, o *domain.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.LinkID]; !ok {
		r.orderSeq = append(r.orderSeq, o.LinkID)
	}
	cp := *o
	r.orders[o.LinkID] = &cp
	return nil
}

func (r *memRepo) UpdateOrderStatus(_ context.Context, linkID string, status domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[linkID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	return nil
}

func (r *memRepo) ListOrders(_ context.Context, tradeID string) ([]*domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OrderRecord
	for _, link := range r.orderSeq {
		o := r.orders[link]
		if o.TradeID == tradeID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) order(linkID string) (domain.OrderRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[linkID]
	if !ok {
		return domain.OrderRecord{}, false
	}
	return *o, true
}

func (r *memRepo) RecordFill(_ context.Context, f *domain.Fill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, *f)
	return nil
}

func (r *memRepo) SaveProgress(_ context.Context, p *domain.StrategyProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[p.TradeID] = *p
	return nil
}

func (r *memRepo) GetProgress(_ context.Context, tradeID string) (*domain.StrategyProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[tradeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) InsertFingerprint(_ context.Context, fp string, seenAt, expiredBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at, ok := r.fingerprints[fp]; ok && at.After(expiredBefore) {
		return false, nil
	}
	r.fingerprints[fp] = seenAt
	return true, nil
}

func (r *memRepo) PurgeFingerprints(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for fp, at := range r.fingerprints {
		if at.Before(before) {
			delete(r.fingerprints, fp)
			n++
		}
	}
	return n, nil
}

// mockExchange simulates a linear perpetual account. With autoFill, entry
// limits fill as soon as they are placed; market orders always fill.
type mockExchange struct {
	mu sync.Mutex

	filters   domain.InstrumentFilters
	ticker    domain.Ticker
	autoFill  bool
	positions map[domain.Side]*domain.Position
	open      map[string]domain.OpenOrder
	reqs      map[string]domain.OrderRequest
	placed    []domain.OrderRequest
	amends    []string
	leverage  []decimal.Decimal
	closedPnL decimal.Decimal

	placeErr    func(req domain.OrderRequest) error
	leverageErr error
	pnlErr      error
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		filters: domain.InstrumentFilters{
			Symbol:      "BTCUSDT",
			Status:      "Trading",
			TickSize:    dec("0.1"),
			QtyStep:     dec("0.0001"),
			MinOrderQty: dec("0.0001"),
			MinNotional: dec("5"),
			MaxLeverage: dec("100"),
		},
		ticker:    domain.Ticker{Symbol: "BTCUSDT", LastPrice: dec("60000"), MarkPrice: dec("60000"), Bid: dec("59999.9"), Ask: dec("60000")},
		autoFill:  true,
		positions: make(map[domain.Side]*domain.Position),
		open:      make(map[string]domain.OpenOrder),
		reqs:      make(map[string]domain.OrderRequest),
	}
}

func exErr(code int) error {
	return &domain.ExchangeError{Op: "mock", Code: code, Msg: fmt.Sprintf("code %d", code)}
}

func (m *mockExchange) SetLeverage(_ context.Context, _ string, lev decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leverageErr != nil {
		return m.leverageErr
	}
	m.leverage = append(m.leverage, lev)
	return nil
}

// sideOf maps an order back to the position it affects.
func sideOf(req domain.OrderRequest) domain.Side {
	opens := domain.SideLong
	if req.Side == "Sell" {
		opens = domain.SideShort
	}
	if req.ReduceOnly {
		return opens.Opposite()
	}
	return opens
}

func (m *mockExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		if err := m.placeErr(req); err != nil {
			return nil, err
		}
	}
	if _, ok := m.reqs[req.LinkID]; ok {
		return nil, exErr(domain.RetCodeDuplicateLinkID)
	}
	m.placed = append(m.placed, req)
	m.reqs[req.LinkID] = req
	ack := &domain.OrderAck{OrderID: "OID-" + req.LinkID, LinkID: req.LinkID}

	switch {
	case req.Type == domain.OrderTypeMarket && req.TriggerPrice.IsZero():
		m.applyFillLocked(req, m.ticker.MarkPrice)
	case !req.ReduceOnly && m.autoFill:
		m.applyFillLocked(req, req.Price)
	default:
		m.open[req.LinkID] = domain.OpenOrder{
			OrderID:      ack.OrderID,
			LinkID:       req.LinkID,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Type:         string(req.Type),
			Price:        req.Price,
			Qty:          req.Qty,
			TriggerPrice: req.TriggerPrice,
			ReduceOnly:   req.ReduceOnly,
		}
	}
	return ack, nil
}

func (m *mockExchange) applyFillLocked(req domain.OrderRequest, price decimal.Decimal) {
	side := sideOf(req)
	pos := m.positions[side]
	if pos == nil {
		pos = &domain.Position{Symbol: req.Symbol, Side: side}
		m.positions[side] = pos
	}
	if req.ReduceOnly {
		pos.Size = decimal.Max(decimal.Zero, pos.Size.Sub(req.Qty))
		return
	}
	notional := pos.AvgPrice.Mul(pos.Size).Add(price.Mul(req.Qty))
	pos.Size = pos.Size.Add(req.Qty)
	pos.AvgPrice = notional.Div(pos.Size)
}

// fill executes a resting order.
func (m *mockExchange) fill(linkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[linkID]
	if !ok {
		return
	}
	delete(m.open, linkID)
	req := m.reqs[linkID]
	price := o.Price
	if price.IsZero() {
		price = o.TriggerPrice
	}
	if p := m.positions[sideOf(req)]; req.CloseOnTrigger && p != nil {
		req.Qty = p.Size
	}
	m.applyFillLocked(req, price)
}

func (m *mockExchange) setPosition(side domain.Side, size, avg decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[side] = &domain.Position{Symbol: "BTCUSDT", Side: side, Size: size, AvgPrice: avg}
}

func (m *mockExchange) rest(o domain.OpenOrder, req domain.OrderRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[o.LinkID] = o
	m.reqs[o.LinkID] = req
}

func (m *mockExchange) AmendOrder(_ context.Context, _ string, linkID string, qty, trigger decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[linkID]
	if !ok {
		return exErr(domain.RetCodeOrderNotFound)
	}
	if o.Qty.Equal(qty) && o.TriggerPrice.Equal(trigger) {
		return exErr(domain.RetCodeNotModified)
	}
	o.Qty = qty
	o.TriggerPrice = trigger
	m.open[linkID] = o
	m.amends = append(m.amends, linkID+"@"+trigger.String())
	return nil
}

func (m *mockExchange) CancelOrder(_ context.Context, _ string, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[linkID]; !ok {
		return exErr(domain.RetCodeOrderNotFound)
	}
	delete(m.open, linkID)
	return nil
}

func (m *mockExchange) CancelAllOrders(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for link, o := range m.open {
		if o.Symbol == symbol {
			delete(m.open, link)
		}
	}
	return nil
}

func (m *mockExchange) GetOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range m.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkID < out[j].LinkID })
	return out, nil
}

func (m *mockExchange) GetPosition(_ context.Context, symbol string, side domain.Side) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[side]; ok {
		cp := *p
		return &cp, nil
	}
	return &domain.Position{Symbol: symbol, Side: side}, nil
}

func (m *mockExchange) GetTicker(_ context.Context, _ string) (*domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.ticker
	return &t, nil
}

func (m *mockExchange) GetInstrumentFilters(_ context.Context, _ string) (*domain.InstrumentFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.filters
	return &f, nil
}

func (m *mockExchange) GetClosedPnL(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedPnL, m.pnlErr
}

func (m *mockExchange) placedOrders() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderRequest(nil), m.placed...)
}

func (m *mockExchange) placedByRole(role domain.OrderRole) []domain.OrderRequest {
	var out []domain.OrderRequest
	for _, r := range m.placedOrders() {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockExchange) isOpen(linkID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[linkID]
	return ok
}

func (m *mockExchange) openOrder(linkID string) domain.OpenOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[linkID]
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.msgs = append(n.msgs, text)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *recordingNotifier) count(substr string) int {
	c := 0
	for _, m := range n.messages() {
		if strings.Contains(m, substr) {
			c++
		}
	}
	return c
}

type memJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
}

func (j *memJournal) Append(event domain.EventType, data map[string]any) (*domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := domain.JournalEntry{Sequence: int64(len(j.entries) + 1), EventType: event, Data: data}
	j.entries = append(j.entries, e)
	return &e, nil
}

func (j *memJournal) events(event domain.EventType) []domain.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.JournalEntry
	for _, e := range j.entries {
		if e.EventType == event {
			out = append(out, e)
		}
	}
	return out
}

func (j *memJournal) all() []domain.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.JournalEntry(nil), j.entries...)
}

type staticPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newStaticPrices() *staticPrices {
	return &staticPrices{prices: make(map[string]decimal.Decimal)}
}

func (p *staticPrices) set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

func (p *staticPrices) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}
