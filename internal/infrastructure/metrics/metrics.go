package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copy_trader"

// Recorder holds the bot's business and HTTP metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	SignalsTotal        *prometheus.CounterVec
	TradesTotal         *prometheus.CounterVec
	OrdersTotal         *prometheus.CounterVec
	StrategyActions     *prometheus.CounterVec
	ActiveTradesGauge   prometheus.Gauge
	BreakerOpen         prometheus.Gauge
	ReconcileIssues     *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Inbound messages by admission result",
			},
			[]string{"result"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_total",
				Help:      "Finished trade runs by outcome",
			},
			[]string{"outcome"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Orders sent to the exchange by role and status",
			},
			[]string{"role", "status"},
		),
		StrategyActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_actions_total",
				Help:      "Position strategy actions taken",
			},
			[]string{"strategy"},
		),
		ActiveTradesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_trades",
				Help:      "Trades currently holding a capacity slot",
			},
		),
		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "admission_breaker_open",
				Help:      "1 while new-trade admission is paused",
			},
		),
		ReconcileIssues: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_issues",
				Help:      "Journal and exchange differences found at startup",
			},
			[]string{"kind"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
			},
			[]string{"method", "path"},
		),
	}

	r.registry.MustRegister(
		r.SignalsTotal,
		r.TradesTotal,
		r.OrdersTotal,
		r.StrategyActions,
		r.ActiveTradesGauge,
		r.BreakerOpen,
		r.ReconcileIssues,
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) SignalOutcome(result string) {
	r.SignalsTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) TradeOutcome(outcome string) {
	r.TradesTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) OrderPlaced(role string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	r.OrdersTotal.WithLabelValues(role, status).Inc()
}

func (r *Recorder) StrategyAction(strategy string) {
	r.StrategyActions.WithLabelValues(strategy).Inc()
}

func (r *Recorder) ActiveTrades(n int) {
	r.ActiveTradesGauge.Set(float64(n))
}

func (r *Recorder) SetBreakerOpen(open bool) {
	if open {
		r.BreakerOpen.Set(1)
		return
	}
	r.BreakerOpen.Set(0)
}

func (r *Recorder) Reconciled(orphans, missing int) {
	r.ReconcileIssues.WithLabelValues("orphan").Set(float64(orphans))
	r.ReconcileIssues.WithLabelValues("missing").Set(float64(missing))
}

// ObserveHTTP records one served request. path should be the route
// pattern, not the raw URL.
func (r *Recorder) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
