package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

const tickerTopic = "tickers."

// TickerSource is the REST fallback of the price cache.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (*domain.Ticker, error)
}

type PriceCacheConfig struct {
	WSURL    string
	ProxyURL string
	// StaleAfter sends MarkPrice to REST when the stream has been quiet this long.
	StaleAfter   time.Duration
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func DefaultPriceCacheConfig() PriceCacheConfig {
	return PriceCacheConfig{
		WSURL:        BybitWSURL,
		StaleAfter:   15 * time.Second,
		PingInterval: 20 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// PriceCache keeps the latest mark price of watched symbols from the public
// tickers stream. It reconnects on its own and falls back to REST when a
// symbol's price is stale.
type PriceCache struct {
	cfg    PriceCacheConfig
	rest   TickerSource
	dialer *websocket.Dialer
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	prices  map[string]quote
	watched map[string]struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

func NewPriceCache(cfg PriceCacheConfig, rest TickerSource, logger *zap.Logger) (*PriceCache, error) {
	if cfg.WSURL == "" {
		cfg.WSURL = BybitWSURL
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	dial, err := proxyDialer(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	if dial != nil {
		dialer.NetDialContext = dial
	}
	return &PriceCache{
		cfg:     cfg,
		rest:    rest,
		dialer:  dialer,
		logger:  logger,
		now:     time.Now,
		prices:  make(map[string]quote),
		watched: make(map[string]struct{}),
	}, nil
}

// Watch adds symbol to the stream subscription. Safe to call repeatedly.
func (c *PriceCache) Watch(symbol string) {
	c.mu.Lock()
	_, ok := c.watched[symbol]
	c.watched[symbol] = struct{}{}
	c.mu.Unlock()
	if ok {
		return
	}
	if err := c.subscribe([]string{symbol}); err != nil {
		c.logger.Warn("Ticker subscribe failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// MarkPrice returns the streamed mark price, or a fresh REST quote when the
// stream has nothing recent for the symbol.
func (c *PriceCache) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	q, ok := c.prices[symbol]
	c.mu.RUnlock()
	if ok && c.now().Sub(q.at) < c.cfg.StaleAfter {
		return q.price, nil
	}
	if c.rest == nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, domain.ErrNotFound)
	}
	t, err := c.rest.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	if !t.MarkPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("mark price %s: empty ticker", symbol)
	}
	c.store(symbol, t.MarkPrice)
	return t.MarkPrice, nil
}

func (c *PriceCache) store(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[symbol] = quote{price: price, at: c.now()}
	c.mu.Unlock()
}

// Run keeps the stream connected until ctx is cancelled.
func (c *PriceCache) Run(ctx context.Context) {
	bo := &backoff.Backoff{Min: c.cfg.ReconnectMin, Max: c.cfg.ReconnectMax, Factor: 2, Jitter: true}
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.Duration()
		c.logger.Warn("Ticker stream disconnected", zap.Error(err), zap.Duration("reconnect_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session dials, subscribes every watched symbol and reads until the
// connection fails.
func (c *PriceCache) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	if err := c.subscribe(c.watchedSymbols()); err != nil {
		return err
	}
	c.logger.Info("Ticker stream connected", zap.String("url", c.cfg.WSURL))

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

func (c *PriceCache) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// unblocks ReadMessage in session
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(map[string]any{"op": "ping"}); err != nil {
				c.logger.Debug("Ticker ping failed", zap.Error(err))
			}
		}
	}
}

func (c *PriceCache) watchedSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.watched))
	for s := range c.watched {
		out = append(out, s)
	}
	return out
}

func (c *PriceCache) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = tickerTopic + s
	}
	return c.write(map[string]any{"op": "subscribe", "args": args})
}

// write sends on the live connection; without one it is a no-op and the
// next session subscribes everything watched.
func (c *PriceCache) write(msg any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

type tickerEvent struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	} `json:"data"`
}

func (c *PriceCache) handleMessage(message []byte) {
	var event tickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.logger.Debug("Ticker message unmarshal failed", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, tickerTopic) {
		return
	}
	// deltas only carry changed fields
	if event.Data.MarkPrice == "" {
		return
	}
	price, err := decimal.NewFromString(event.Data.MarkPrice)
	if err != nil || !price.IsPositive() {
		return
	}
	symbol := event.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(event.Topic, tickerTopic)
	}
	c.store(symbol, price)
}
