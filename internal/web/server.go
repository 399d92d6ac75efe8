package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vitos/signal_copy_trader/internal/domain"
	"github.com/vitos/signal_copy_trader/internal/infrastructure/journal"
	"go.uber.org/zap"
)

// TradeReader is the read side of trade storage the API needs.
type TradeReader interface {
	ListActiveTrades(ctx context.Context) ([]*domain.Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
	GetTrade(ctx context.Context, id string) (*domain.Trade, error)
	ListOrders(ctx context.Context, tradeID string) ([]*domain.OrderRecord, error)
	Ping(ctx context.Context) error
}

type JournalVerifier interface {
	Verify() (*journal.Report, error)
}

type Metrics interface {
	Handler() http.Handler
	ObserveHTTP(method, path string, status int, elapsed time.Duration)
}

type Server struct {
	router  chi.Router
	server  *http.Server
	trades  TradeReader
	journal JournalVerifier
	metrics Metrics
	runID   string
	started time.Time
	logger  *zap.Logger
}

func NewServer(
	port int,
	trades TradeReader,
	journal JournalVerifier,
	metrics Metrics,
	runID string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		trades:  trades,
		journal: journal,
		metrics: metrics,
		runID:   runID,
		started: time.Now(),
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.observe)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/trades", s.handleListTrades)
		r.Get("/trades/{id}", s.handleGetTrade)
		r.Get("/journal/verify", s.handleVerifyJournal)
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// observe records request counts and latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.metrics.ObserveHTTP(r.Method, path, status, time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
