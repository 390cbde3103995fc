package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewAdminRouter creates the router of the admin http endpoint.
//
// Routes:
//   - GET /healthz - Liveness probe
//   - GET /metrics - Metrics in the prometheus text format
//   - GET /databases - Manifest entries merged with their mount state
//   - GET /databases/{name} - A single database
func (s *Server) NewAdminRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		s.metrics.WritePrometheus(w)
	})

	r.Route("/databases", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, listDatabases(s.registry))
		})
		r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			for _, info := range listDatabases(s.registry) {
				if info.Name == name {
					writeJSON(w, http.StatusOK, info)
					return
				}
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("database %q does not exist", name)})
		})
	})

	return r
}

// serveAdminHTTP starts the admin endpoint in the background
func (s *Server) serveAdminHTTP() error {
	listener, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics endpoint %s: %w", s.config.MetricsEndpoint, err)
	}

	s.adminHTTP = &http.Server{
		Handler:           s.NewAdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.adminAddr = listener.Addr()

	go func() {
		if err := s.adminHTTP.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("admin http endpoint failed: %v", err)
		}
	}()

	Logger.Infof("Serving metrics and database state on http://%s", listener.Addr())
	return nil
}

// AdminAddr returns the address of the admin endpoint, nil if it is disabled
func (s *Server) AdminAddr() net.Addr {
	return s.adminAddr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Warningf("failed to write admin response: %v", err)
	}
}
