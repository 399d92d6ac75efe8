package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	categoryLinear = "linear"
	settleCoin     = "USDT"

	// closed-pnl rejects ranges longer than seven days
	closedPnLWindow = 7 * 24 * time.Hour
)

type BybitConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	// ProxyURL routes REST and websocket traffic through a SOCKS5 proxy.
	ProxyURL   string
	Timeout    time.Duration
	RecvWindow int
	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration
	// HedgeMode selects positions by positionIdx 1/2 instead of side.
	HedgeMode bool
	FilterTTL time.Duration
}

func DefaultBybitConfig() BybitConfig {
	return BybitConfig{
		BaseURL:    BybitBaseURL,
		Timeout:    10 * time.Second,
		RecvWindow: 5000,
		MaxRetries: 3,
		RetryMin:   500 * time.Millisecond,
		RetryMax:   5 * time.Second,
		FilterTTL:  time.Hour,
	}
}

type cachedFilters struct {
	filters domain.InstrumentFilters
	at      time.Time
}

// BybitAdapter is a signed Bybit v5 REST client for USDT linear perpetuals.
type BybitAdapter struct {
	cfg    BybitConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	filters map[string]cachedFilters
}

func NewBybitAdapter(cfg BybitConfig, logger *zap.Logger) (*BybitAdapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitBaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	client, err := newHTTPClient(cfg.ProxyURL, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &BybitAdapter{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		now:     time.Now,
		filters: make(map[string]cachedFilters),
	}, nil
}

// --- REST plumbing ---

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// transportError is a network failure or 5xx answer; both are retried.
type transportError struct {
	status int
	err    error
}

func (e *transportError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("http %d: %v", e.status, e.err)
	}
	return e.err.Error()
}

func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te) || domain.IsTransient(err)
}

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.cfg.APIKey, b.cfg.RecvWindow, params)
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest calls one endpoint, retrying transient failures with
// backoff, and decodes the result object into out.
func (b *BybitAdapter) sendRequest(ctx context.Context, op, method, path string, query url.Values, payload map[string]any, out any) error {
	bo := &backoff.Backoff{Min: b.cfg.RetryMin, Max: b.cfg.RetryMax, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; ; attempt++ {
		var result json.RawMessage
		result, err = b.doOnce(ctx, op, method, path, query, payload)
		if err == nil {
			if out == nil || len(result) == 0 {
				return nil
			}
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", op, err)
			}
			return nil
		}
		if !retryable(err) || attempt >= b.cfg.MaxRetries {
			break
		}
		wait := bo.Duration()
		b.logger.Debug("Retrying exchange call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (b *BybitAdapter) doOnce(ctx context.Context, op, method, path string, query url.Values, payload map[string]any) (json.RawMessage, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	var body []byte
	var paramsStr string
	target := b.cfg.BaseURL + path
	if method == http.MethodGet {
		paramsStr = query.Encode()
		if paramsStr != "" {
			target += "?" + paramsStr
		}
	} else if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encode payload: %w", op, err)
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if b.cfg.APIKey != "" {
		timestamp := b.now().UnixMilli()
		req.Header.Set("X-BAPI-API-KEY", b.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(b.cfg.RecvWindow))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &transportError{err: fmt.Errorf("%s: %w", op, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("%s: read body: %w", op, err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &transportError{status: resp.StatusCode, err: fmt.Errorf("%s: %s", op, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: http %d: %s", op, resp.StatusCode, respBody)
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if envelope.RetCode != domain.RetCodeOK {
		return nil, &domain.ExchangeError{Op: op, Code: envelope.RetCode, Msg: envelope.RetMsg}
	}
	return envelope.Result, nil
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- Trading ---

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	payload := map[string]any{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  leverage.String(),
		"sellLeverage": leverage.String(),
	}
	err := b.sendRequest(ctx, "set leverage", http.MethodPost, "/v5/position/set-leverage", nil, payload, nil)
	var exErr *domain.ExchangeError
	if errors.As(err, &exErr) && exErr.Code == domain.RetCodeLeverageUnchanged {
		return nil
	}
	return err
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"category":    categoryLinear,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   string(req.Type),
		"qty":         req.Qty.String(),
		"orderLinkId": req.LinkID,
		"positionIdx": req.PositionIdx,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.TimeInForce != "" {
		payload["timeInForce"] = string(req.TimeInForce)
	}
	if req.Type == domain.OrderTypeLimit {
		payload["price"] = req.Price.String()
	}
	if req.TriggerPrice.IsPositive() {
		payload["triggerPrice"] = req.TriggerPrice.String()
		payload["triggerBy"] = req.TriggerBy
		payload["triggerDirection"] = req.TriggerDirection
		payload["closeOnTrigger"] = req.CloseOnTrigger
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.sendRequest(ctx, "place order", http.MethodPost, "/v5/order/create", nil, payload, &result); err != nil {
		return nil, err
	}
	return &domain.OrderAck{OrderID: result.OrderID, LinkID: result.OrderLinkID}, nil
}

// AmendOrder changes qty and/or trigger price of a resting order. Zero
// values are left as they are.
func (b *BybitAdapter) AmendOrder(ctx context.Context, symbol, linkID string, qty, triggerPrice decimal.Decimal) error {
	payload := map[string]any{
		"category":    categoryLinear,
		"symbol":      symbol,
		"orderLinkId": linkID,
	}
	if qty.IsPositive() {
		payload["qty"] = qty.String()
	}
	if triggerPrice.IsPositive() {
		payload["triggerPrice"] = triggerPrice.String()
	}
	return b.sendRequest(ctx, "amend order", http.MethodPost, "/v5/order/amend", nil, payload, nil)
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, linkID string) error {
	payload := map[string]any{
		"category":    categoryLinear,
		"symbol":      symbol,
		"orderLinkId": linkID,
	}
	return b.sendRequest(ctx, "cancel order", http.MethodPost, "/v5/order/cancel", nil, payload, nil)
}

func (b *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	payload := map[string]any{
		"category": categoryLinear,
		"symbol":   symbol,
	}
	return b.sendRequest(ctx, "cancel all", http.MethodPost, "/v5/order/cancel-all", nil, payload, nil)
}

type rawOrder struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	TriggerPrice  string `json:"triggerPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	StopOrderType string `json:"stopOrderType"`
	OrderStatus   string `json:"orderStatus"`
}

// GetOpenOrders lists resting orders, conditional ones included. An empty
// symbol lists every USDT-settled order on the account.
func (b *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", settleCoin)
	}
	query.Set("limit", "50")

	var orders []domain.OpenOrder
	for {
		var result struct {
			List           []rawOrder `json:"list"`
			NextPageCursor string     `json:"nextPageCursor"`
		}
		if err := b.sendRequest(ctx, "open orders", http.MethodGet, "/v5/order/realtime", query, nil, &result); err != nil {
			return nil, err
		}
		for _, o := range result.List {
			orders = append(orders, domain.OpenOrder{
				OrderID:       o.OrderID,
				LinkID:        o.OrderLinkID,
				Symbol:        o.Symbol,
				Side:          o.Side,
				Type:          o.OrderType,
				Price:         parseDec(o.Price),
				Qty:           parseDec(o.Qty),
				TriggerPrice:  parseDec(o.TriggerPrice),
				ReduceOnly:    o.ReduceOnly,
				StopOrderType: o.StopOrderType,
				Status:        o.OrderStatus,
			})
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			return orders, nil
		}
		query.Set("cursor", result.NextPageCursor)
	}
}

// GetPosition returns the position of one side. A flat side comes back as
// a zero-size position, never nil.
func (b *BybitAdapter) GetPosition(ctx context.Context, symbol string, side domain.Side) (*domain.Position, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			PositionIM    string `json:"positionIM"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			PositionIdx   int    `json:"positionIdx"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := b.sendRequest(ctx, "position", http.MethodGet, "/v5/position/list", query, nil, &result); err != nil {
		return nil, err
	}

	wantIdx := 0
	if b.cfg.HedgeMode {
		wantIdx = 1
		if side == domain.SideShort {
			wantIdx = 2
		}
	}
	for _, raw := range result.List {
		if raw.PositionIdx != wantIdx {
			continue
		}
		// one-way mode reports a single row whose side says which way it is open
		if !b.cfg.HedgeMode && raw.Side != side.OrderSide() {
			continue
		}
		updatedMs, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)
		return &domain.Position{
			Symbol:        raw.Symbol,
			Side:          side,
			Size:          parseDec(raw.Size),
			AvgPrice:      parseDec(raw.AvgPrice),
			MarkPrice:     parseDec(raw.MarkPrice),
			Leverage:      parseDec(raw.Leverage),
			PositionIM:    parseDec(raw.PositionIM),
			UnrealizedPnL: parseDec(raw.UnrealisedPnl),
			PositionIdx:   raw.PositionIdx,
			UpdatedAt:     time.UnixMilli(updatedMs),
		}, nil
	}
	return &domain.Position{Symbol: symbol, Side: side, PositionIdx: wantIdx}, nil
}

// --- Market data ---

func (b *BybitAdapter) GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := b.sendRequest(ctx, "ticker", http.MethodGet, "/v5/market/tickers", query, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	raw := result.List[0]
	return &domain.Ticker{
		Symbol:    raw.Symbol,
		LastPrice: parseDec(raw.LastPrice),
		MarkPrice: parseDec(raw.MarkPrice),
		Bid:       parseDec(raw.Bid1Price),
		Ask:       parseDec(raw.Ask1Price),
	}, nil
}

// GetInstrumentFilters returns the contract's trading rules, cached per
// symbol for FilterTTL.
func (b *BybitAdapter) GetInstrumentFilters(ctx context.Context, symbol string) (*domain.InstrumentFilters, error) {
	b.mu.Lock()
	cached, ok := b.filters[symbol]
	b.mu.Unlock()
	if ok && (b.cfg.FilterTTL <= 0 || b.now().Sub(cached.at) < b.cfg.FilterTTL) {
		f := cached.filters
		return &f, nil
	}

	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			Symbol         string `json:"symbol"`
			Status         string `json:"status"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := b.sendRequest(ctx, "instrument", http.MethodGet, "/v5/market/instruments-info", query, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
	}
	raw := result.List[0]
	f := domain.InstrumentFilters{
		Symbol:      raw.Symbol,
		Status:      raw.Status,
		TickSize:    parseDec(raw.PriceFilter.TickSize),
		QtyStep:     parseDec(raw.LotSizeFilter.QtyStep),
		MinOrderQty: parseDec(raw.LotSizeFilter.MinOrderQty),
		MinNotional: parseDec(raw.LotSizeFilter.MinNotionalValue),
		MaxLeverage: parseDec(raw.LeverageFilter.MaxLeverage),
	}

	b.mu.Lock()
	b.filters[symbol] = cachedFilters{filters: f, at: b.now()}
	b.mu.Unlock()
	return &f, nil
}

// GetClosedPnL sums realized PnL of positions on symbol closed since the
// given time. The lookback is capped at seven days.
func (b *BybitAdapter) GetClosedPnL(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	now := b.now()
	if now.Sub(since) > closedPnLWindow {
		since = now.Add(-closedPnLWindow)
	}
	query := url.Values{}
	query.Set("category", categoryLinear)
	query.Set("symbol", symbol)
	query.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	query.Set("limit", "100")

	total := decimal.Zero
	for {
		var result struct {
			List []struct {
				ClosedPnl string `json:"closedPnl"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := b.sendRequest(ctx, "closed pnl", http.MethodGet, "/v5/position/closed-pnl", query, nil, &result); err != nil {
			return decimal.Zero, err
		}
		for _, row := range result.List {
			total = total.Add(parseDec(row.ClosedPnl))
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			return total, nil
		}
		query.Set("cursor", result.NextPageCursor)
	}
}
