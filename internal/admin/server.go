// Package admin serves the node's control port: health, metrics, status,
// push notifications from queue servers, and operator shutdown requests.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
	"grid-worker-node/internal/scheduler"
	"grid-worker-node/internal/telemetry"
)

// Scheduler is the part of the job scheduler the control port drives.
type Scheduler interface {
	Status() scheduler.Status
	Notify(server string)
}

// Pool reports on the worker pool.
type Pool interface {
	Capacity() int
	Running() int
	PendingCommits() int
	ActiveJobs() []models.Job
}

// Server wires HTTP handlers for the control port.
type Server struct {
	state      *nodestate.NodeState
	sched      Scheduler
	pool       Pool
	adminHosts map[string]bool
	logger     logrus.FieldLogger
}

// New constructs the admin server. Only clients whose address is in
// adminHosts may request a shutdown.
func New(logger logrus.FieldLogger, state *nodestate.NodeState, sched Scheduler, pool Pool, adminHosts []string) *Server {
	hosts := make(map[string]bool, len(adminHosts))
	for _, h := range adminHosts {
		hosts[h] = true
	}
	return &Server{state: state, sched: sched, pool: pool, adminHosts: hosts, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Post("/notify", s.handleNotify)
	r.With(s.adminOnly).Post("/shutdown", s.handleShutdown)
	return r
}

type statusResponse struct {
	ShutdownLevel  string       `json:"shutdown_level"`
	Exclusive      bool         `json:"exclusive"`
	Capacity       int          `json:"capacity"`
	Running        int          `json:"running"`
	PendingCommits int          `json:"pending_commits"`
	ActiveJobs     []models.Job `json:"active_jobs"`
	scheduler.Status
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ShutdownLevel:  s.state.ShutdownLevel().String(),
		Exclusive:      s.state.Gate.IsProcessingExclusive(),
		Capacity:       s.pool.Capacity(),
		Running:        s.pool.Running(),
		PendingCommits: s.pool.PendingCommits(),
		ActiveJobs:     s.pool.ActiveJobs(),
		Status:         s.sched.Status(),
	})
}

// handleNotify accepts "new work" pushes. Without a server parameter every
// known server is polled.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	s.sched.Notify(server)
	writeJSON(w, http.StatusAccepted, map[string]string{"server": server})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("level")
	if raw == "" {
		raw = nodestate.Normal.String()
	}
	lvl, err := nodestate.ParseShutdownLevel(raw)
	if err != nil || lvl == nodestate.None {
		http.Error(w, "invalid shutdown level", http.StatusBadRequest)
		return
	}
	changed := s.state.RequestShutdown(lvl)
	s.logger.WithFields(logrus.Fields{"Level": lvl, "Remote": r.RemoteAddr, "Changed": changed}).Warn("shutdown requested over the control port")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requested": lvl.String(),
		"level":     s.state.ShutdownLevel().String(),
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.adminHosts[host] {
			s.logger.WithField("Remote", r.RemoteAddr).Warn("admin request from a host outside the allow-list")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Listen binds addr. A port held by another process is reported as
// models.ErrPortBusy.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("listen %s: %w", addr, models.ErrPortBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the router on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
