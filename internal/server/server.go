// Package server exposes bills and their transfers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"billbridge/internal/config"
	"billbridge/internal/hmacauth"
	"billbridge/internal/payments"
)

type healthCheck struct {
	name string
	ping func(context.Context) error
}

type Server struct {
	cfg        config.ServiceConfig
	payments   *payments.Service
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	validate   *validator.Validate
	logger     zerolog.Logger
	checks     []healthCheck

	// background transfer runs; cancelled on shutdown, which pauses burned ones
	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
}

func NewServer(cfg config.ServiceConfig, svc *payments.Service, logger zerolog.Logger) *Server {
	metrics := newMetricsRegistry()
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:        cfg,
		payments:   svc,
		metrics:    metrics,
		validate:   validator.New(),
		logger:     logger.With().Str("component", "http").Logger(),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.HMACSecret,
		MaxSkew: cfg.HMACClockSkew,
		OnReject: func(r *http.Request, err error) {
			metrics.incAuthRejection()
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("request rejected")
		},
	}
	svc.Observe(metrics.observeTransfer)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// AddHealthCheck registers a dependency probed by /api/v1/health.
func (s *Server) AddHealthCheck(name string, ping func(context.Context) error) {
	s.checks = append(s.checks, healthCheck{name: name, ping: ping})
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", hmacauth.DefaultSignatureHeader, hmacauth.DefaultTimestampHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
		r.Get("/bills/{billId}", s.handleGetBill)

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/bills", s.handleCreateBill)
			r.Post("/bills/{billId}/execute", s.handleExecute)
			r.Post("/bills/{billId}/resume", s.handleResume)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then cancels background runs and waits
// for them to record their results.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.cancelRuns()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// startRun executes fn in the background under the server's run context.
func (s *Server) startRun(billID string, fn func(ctx context.Context)) {
	s.runs.Add(1)
	s.metrics.inflight.Inc()
	go func() {
		defer s.runs.Done()
		defer s.metrics.inflight.Dec()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("bill_id", billID).Msg("transfer run panicked")
			}
		}()
		fn(s.runCtx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type checkInfo struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}

	healthy := true
	results := make(map[string]checkInfo, len(s.checks))
	for _, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := c.ping(ctx)
		cancel()

		info := checkInfo{Connected: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			info.Error = err.Error()
			healthy = false
		}
		results[c.name] = info
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status string               `json:"status"`
		Checks map[string]checkInfo `json:"checks"`
	}{Status: status, Checks: results})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
