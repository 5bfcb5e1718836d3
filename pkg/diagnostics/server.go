// Package diagnostics serves health, metrics and live-session views over
// HTTP for operators. It never touches the command protocol.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/harvest/pkg/logging"
	"github.com/entrhq/harvest/pkg/session"
)

// SessionLister reports live sessions.
type SessionLister interface {
	Sessions() []session.Info
}

// Server is the diagnostics HTTP server.
type Server struct {
	http   *http.Server
	logger *logging.Logger
}

// NewRouter builds the diagnostics routes.
func NewRouter(sessions SessionLister, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, sessions.Sessions())
	})

	return r
}

// New creates a server listening on addr.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logging.NewLogger("diagnostics"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Diagnostics server stopped: %v", err)
		}
	}()

	s.logger.Infof("Diagnostics listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
