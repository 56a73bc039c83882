// Package api exposes the orchestrator's control surface: starting, querying,
// and stopping scans over HTTP, and the live event stream over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	appscanning "github.com/sentinelsec/sentinel/internal/app/scanning"
	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/pkg/common/otel"
)

// Server serves the scan control API.
type Server struct {
	addr     string
	logger   *zap.Logger
	router   *chi.Mux
	svc      *appscanning.Service
	tracer   trace.Tracer
	validate *validator.Validate
}

// NewServer assembles the router and handlers. gatherer backs the /metrics
// endpoint; pass the registry the scan metrics were registered with.
func NewServer(
	addr string,
	log *zap.Logger,
	tracer trace.Tracer,
	svc *appscanning.Service,
	gatherer prometheus.Gatherer,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		logger:   log.Named("api"),
		router:   r,
		svc:      svc,
		tracer:   tracer,
		validate: validator.New(),
	}

	s.routes(gatherer)
	return s
}

func loggerMiddleware(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.Info("request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("trace_id", otel.GetTraceID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans", s.handleStartScan)
		r.Get("/scans", s.handleListScans)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Post("/scans/{id}/stop", s.handleStopScan)
		r.Delete("/scans/{id}", s.handleEvictScan)
		r.Get("/scans/{id}/events", s.handleScanEvents)
	})
}

// Router returns the assembled handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type startScanRequest struct {
	Target string   `json:"target" validate:"required,max=2048"`
	Agents []string `json:"agents" validate:"omitempty,dive,required"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	roles := make([]domain.WorkerRole, 0, len(req.Agents))
	for _, agent := range req.Agents {
		role, err := domain.ParseWorkerRole(agent)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		roles = append(roles, role)
	}

	snap, err := s.svc.StartScan(r.Context(), req.Target, roles)
	if err != nil {
		s.logger.Error("starting scan", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.ListScans())
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.GetScan(id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	snap, err := s.svc.StopScan(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvictScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	if err := s.svc.EvictScan(id); err != nil {
		if errors.Is(err, appscanning.ErrScanNotFound) {
			http.Error(w, "scan not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid scan id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, appscanning.ErrScanNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	s.logger.Error("handling request", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutting down server", zap.Error(err))
		}
	}()

	s.logger.Info("starting server", zap.String("addr", server.Addr))
	return server.ListenAndServe()
}
