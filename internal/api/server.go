package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/sift/internal/api/handlers"
	"github.com/eargollo/sift/internal/scan"
	"github.com/eargollo/sift/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

// New wires all routes and returns a Server ready to Run. metrics may be nil
// to leave /metrics unmounted.
func New(
	addr string,
	db *sql.DB,
	mgr *scan.Manager,
	sched *scheduler.Scheduler,
	metrics http.Handler,
	version string,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	statusH := &handlers.StatusHandler{DB: db, Manager: mgr, Sched: sched, Version: version}
	scansH := &handlers.ScansHandler{DB: db, Manager: mgr}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Delete("/scans/current", scansH.Cancel)
		r.Get("/scans/{id}", scansH.Get)
		r.Get("/scans/{id}/report", scansH.Report)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return &Server{
		addr:    addr,
		handler: r,
		srv:     &http.Server{Addr: addr, Handler: r},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
