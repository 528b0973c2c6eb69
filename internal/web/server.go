package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

type Control interface {
	Force(ctx context.Context, stage po3.Stage, instruments ...string) []pipeline.Report
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused(ctx context.Context) bool
}

type Contexts interface {
	Get(ctx context.Context, instrument string) (*po3.Context, error)
	List(ctx context.Context, instruments []string) ([]*po3.Context, error)
	Reset(ctx context.Context, instrument string, force bool) (*po3.Context, error)
}

type Records interface {
	GetRecentOrders(ctx context.Context, limit int) ([]storage.OrderRecord, error)
	ListOpenOrders(ctx context.Context) ([]storage.OrderRecord, error)
	GetTodayPnL(ctx context.Context, since time.Time) (float64, error)
	GetAnalysisLogs(ctx context.Context, instrument string, limit int) ([]storage.AnalysisLog, error)
}

type Server struct {
	httpServer *http.Server
	control    Control
	contexts   Contexts
	records    Records
	spawn      func(func())
	base       context.Context
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(control Control, contexts Contexts, records Records, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		control:  control,
		contexts: contexts,
		records:  records,
		spawn:    func(f func()) { go f() },
		base:     context.Background(),
		config:   cfg,
		logger:   log,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Minute,
	}
	return s
}

// Handler exposes the routes; tests mount it on httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/contexts/{instrument}", s.handleContext)
	mux.HandleFunc("GET /api/contexts/{instrument}/logs", s.handleLogs)
	mux.HandleFunc("POST /api/force", s.handleForce)
	mux.HandleFunc("POST /api/reset/{instrument}", s.handleReset)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	return s.recoverer(mux)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic in http handler", "path", r.URL.Path, "panic", fmt.Sprint(p))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. Background forced runs started over HTTP use ctx.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
