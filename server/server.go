// Package server exposes scrape job control, the live event stream and
// metrics over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"

	"github.com/aluiziolira/go-scrape-products/events"
	"github.com/aluiziolira/go-scrape-products/scraper"
)

// Server routes control requests to the job manager and streams events to
// websocket subscribers.
type Server struct {
	router           *chi.Mux
	manager          *scraper.Manager
	events           *events.Broadcaster
	subscriberBuffer int
	http             *http.Server
}

// New builds the router. registry may be nil to disable /metrics.
func New(manager *scraper.Manager, broadcaster *events.Broadcaster, registry *prometheus.Registry, subscriberBuffer int) *Server {
	s := &Server{
		router:           chi.NewRouter(),
		manager:          manager,
		events:           broadcaster,
		subscriberBuffer: subscriberBuffer,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/healthz", s.handleHealth)
	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api/scraper", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStopAll)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/stop", s.handleStopJob)
		r.Handle("/ws", websocket.Server{Handler: s.streamEvents})
	})
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("control server listening", slog.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
