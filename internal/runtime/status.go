package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
)

const statusShutdownTimeout = 10 * time.Second

// StatusServer exposes runner health, the handler listing and metrics
// over HTTP.
type StatusServer struct {
	runner *PluginRunner
	logger loggingpkg.ServiceLogger
	router chi.Router
	server *http.Server
}

// NewStatusServer routes:
//
//	GET /healthz        200 while every started tee is alive, 503 otherwise
//	GET /api/handlers   registered handlers with their stats
//	GET /api/resources  process resource usage
//	GET /metrics        prometheus exposition
func NewStatusServer(runner *PluginRunner) *StatusServer {
	s := &StatusServer{
		runner: runner,
		logger: runner.Logger,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/handlers", s.handleGetHandlers)
	s.router.Get("/api/resources", s.handleGetResources)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(runner.gatherer, promhttp.HandlerOpts{}))
	return s
}

// Handler returns the router.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *StatusServer) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	s.logger.Info("Starting status server", loggingpkg.LogFields{"address": listener.Addr().String()})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if !s.runner.Alive() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *StatusServer) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Handlers())
}

func (s *StatusServer) handleGetResources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Resources())
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
