// Package dashboard serves the operator HTTP API: engine status, campaign
// history, Prometheus metrics, and the circuit-clear endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/engine"
	"github.com/eddiefleurent/schrute_spreads/internal/models"
	"github.com/eddiefleurent/schrute_spreads/internal/safety"
	"github.com/eddiefleurent/schrute_spreads/internal/storage"
)

// Server is the ops HTTP server.
type Server struct {
	engine   *engine.Engine
	monitor  *safety.Monitor
	store    storage.Interface
	logger   *logrus.Logger
	addr     string
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

// NewServer builds the server. gatherer may be nil to disable /metrics.
func NewServer(addr string, eng *engine.Engine, monitor *safety.Monitor,
	store storage.Interface, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		engine:   eng,
		monitor:  monitor,
		store:    store,
		logger:   logger,
		addr:     addr,
		gatherer: gatherer,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/campaign", s.handleCampaign)
		r.Get("/history", s.handleHistory)
		r.Post("/circuit/clear", s.handleCircuitClear)
	})
	if gatherer != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("dashboard listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type statusResponse struct {
	State       models.EngineState `json:"state"`
	Description string             `json:"description"`
	CircuitOpen bool               `json:"circuit_open"`
	HaltReason  string             `json:"halt_reason,omitempty"`
	Failures    int                `json:"consecutive_failures"`
	Campaign    *models.Campaign   `json:"campaign,omitempty"`
	Metrics     models.Metrics     `json:"metrics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.State()
	resp := statusResponse{
		State:       state.Name(),
		Description: state.Name().Description(),
		CircuitOpen: s.monitor.IsOpen(),
		HaltReason:  s.monitor.Reason(),
		Failures:    s.monitor.Failures(),
		Campaign:    s.engine.Campaign(),
		Metrics:     s.store.GetMetrics(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCampaign(w http.ResponseWriter, _ *http.Request) {
	c := s.engine.Campaign()
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open campaign"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetHistory())
}

// handleCircuitClear is the operator reset for a halted engine.
func (s *Server) handleCircuitClear(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.IsOpen() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "circuit is not open"})
		return
	}
	if err := s.monitor.Clear(); err != nil {
		s.logger.WithError(err).Error("circuit clear failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.WithField("remote", r.RemoteAddr).Warn("circuit cleared via dashboard")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
