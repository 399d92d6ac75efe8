package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/journal"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type stubTrades struct {
	active  []*domain.Trade
	recent  []*domain.Trade
	orders  map[string][]*domain.OrderRecord
	limit   int
	pingErr error
	listErr error
}

func (s *stubTrades) ListActiveTrades(context.Context) ([]*domain.Trade, error) {
	return s.active, s.listErr
}

func (s *stubTrades) ListRecentTrades(_ context.Context, limit int) ([]*domain.Trade, error) {
	s.limit = limit
	return s.recent, s.listErr
}

func (s *stubTrades) GetTrade(_ context.Context, id string) (*domain.Trade, error) {
	for _, t := range append(s.active, s.recent...) {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *stubTrades) ListOrders(_ context.Context, tradeID string) ([]*domain.OrderRecord, error) {
	return s.orders[tradeID], nil
}

func (s *stubTrades) Ping(context.Context) error { return s.pingErr }

type stubJournal struct {
	report *journal.Report
	err    error
}

func (s *stubJournal) Verify() (*journal.Report, error) { return s.report, s.err }

func sampleTrade(id string, state domain.TradeState) *domain.Trade {
	return &domain.Trade{
		ID:                 id,
		Symbol:             "BTCUSDT",
		Side:               domain.SideLong,
		Mode:               domain.ModeSwing,
		ChannelName:        "alpha",
		State:              state,
		Leverage:           decimal.NewFromInt(6),
		Entries:            []decimal.Decimal{decimal.NewFromInt(60000), decimal.NewFromInt(59940)},
		StopLoss:           decimal.NewFromInt(58800),
		OriginalEntryPrice: decimal.NewFromInt(60000),
		CreatedAt:          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestServer(trades *stubTrades, j *stubJournal) (*Server, *metrics.Recorder) {
	rec := metrics.New()
	return NewServer(0, trades, j, rec, "run-1", zap.NewNop()), rec
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&stubTrades{}, &stubJournal{})
	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
}

func TestHealthDegradedWhenStorageDown(t *testing.T) {
	s, _ := newTestServer(&stubTrades{pingErr: errors.New("database is locked")}, &stubJournal{})
	w := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestListTrades(t *testing.T) {
	trades := &stubTrades{
		active: []*domain.Trade{sampleTrade("BTCUSDT-L-1", domain.StateTPSLPlaced)},
		recent: []*domain.Trade{sampleTrade("BTCUSDT-L-0", domain.StateDone)},
	}
	s, _ := newTestServer(trades, &stubJournal{})

	tests := []struct {
		path     string
		wantCode int
		wantID   string
	}{
		{"/api/trades", http.StatusOK, "BTCUSDT-L-1"},
		{"/api/trades?scope=active", http.StatusOK, "BTCUSDT-L-1"},
		{"/api/trades?scope=recent&limit=10", http.StatusOK, "BTCUSDT-L-0"},
		{"/api/trades?scope=everything", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, s, tt.path)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantID == "" {
				return
			}
			var views []map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
			require.Len(t, views, 1)
			assert.Equal(t, tt.wantID, views[0]["id"])
			assert.Equal(t, "alpha", views[0]["channel"])
			assert.Equal(t, "60000", views[0]["original_entry"])
		})
	}
	assert.Equal(t, 10, trades.limit)
}

func TestListTradesStorageError(t *testing.T) {
	s, _ := newTestServer(&stubTrades{listErr: errors.New("disk I/O error")}, &stubJournal{})
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/trades").Code)
}

func TestGetTradeWithOrders(t *testing.T) {
	trades := &stubTrades{
		active: []*domain.Trade{sampleTrade("BTCUSDT-L-1", domain.StateTPSLPlaced)},
		orders: map[string][]*domain.OrderRecord{
			"BTCUSDT-L-1": {
				{LinkID: "BTCUSDT-L-1-E1", Role: domain.RoleEntry, Qty: decimal.RequireFromString("0.002"), Status: domain.OrderStatusFilled},
				{LinkID: "BTCUSDT-L-1-SL", Role: domain.RoleStopLoss, ReduceOnly: true, Status: domain.OrderStatusNew},
			},
		},
	}
	s, _ := newTestServer(trades, &stubJournal{})

	w := get(t, s, "/api/trades/BTCUSDT-L-1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		ID     string `json:"id"`
		Orders []struct {
			LinkID     string `json:"link_id"`
			ReduceOnly bool   `json:"reduce_only"`
		} `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "BTCUSDT-L-1", body.ID)
	require.Len(t, body.Orders, 2)
	assert.True(t, body.Orders[1].ReduceOnly)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/trades/NOPE").Code)
}

func TestVerifyJournal(t *testing.T) {
	tests := []struct {
		name     string
		journal  *stubJournal
		wantCode int
	}{
		{"valid chain", &stubJournal{report: &journal.Report{Entries: 4, Valid: true}}, http.StatusOK},
		{"broken chain", &stubJournal{report: &journal.Report{Entries: 4, Issues: []journal.Issue{{Sequence: 3, Kind: journal.IssueHashMismatch}}}}, http.StatusConflict},
		{"unreadable", &stubJournal{err: errors.New("permission denied")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(&stubTrades{}, tt.journal)
			w := get(t, s, "/api/journal/verify")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	trades := &stubTrades{active: []*domain.Trade{sampleTrade("BTCUSDT-L-1", domain.StateTPSLPlaced)}}
	s, _ := newTestServer(trades, &stubJournal{})
	get(t, s, "/api/trades/BTCUSDT-L-1")
	get(t, s, "/api/trades/OTHER")

	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, `copy_trader_http_requests_total{method="GET",path="/api/trades/{id}",status="200"} 1`)
	assert.Contains(t, out, `copy_trader_http_requests_total{method="GET",path="/api/trades/{id}",status="404"} 1`)
	assert.False(t, strings.Contains(out, `path="/api/trades/OTHER"`))
}
