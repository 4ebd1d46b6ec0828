package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/handshake"
	"github.com/michaelbrown/crucible/internal/idpool"
	"github.com/michaelbrown/crucible/internal/storage"
)

// Server is the coordinator's HTTP API: spawn and retire runtimes, submit
// evaluations, stream runtime events.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	pool     *idpool.Pool
	hs       *handshake.Listener
	runtimes *RuntimeManager
	router   chi.Router
	http     *http.Server
}

// New creates a coordinator server: identity pool, handshake listener and
// routes.
func New(cfg *config.Config, store storage.Store) (*Server, error) {
	hs, err := handshake.NewListener()
	if err != nil {
		return nil, fmt.Errorf("starting handshake listener: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		pool:     idpool.New(cfg.Pool.BufferDelay),
		hs:       hs,
		runtimes: NewRuntimeManager(),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/runtimes", s.handleListRuntimes)
		r.Post("/runtimes", s.handleCreateRuntime)
		r.Get("/runtimes/{id}", s.handleGetRuntime)
		r.Delete("/runtimes/{id}", s.handleDeleteRuntime)

		r.Post("/runtimes/{id}/evaluations", s.handleCreateEvaluation)
		r.Get("/runtimes/{id}/evaluations", s.handleListEvaluations)
		r.Get("/evaluations/{id}", s.handleGetEvaluation)

		// WebSocket event stream per runtime
		r.Get("/runtimes/{id}/events", s.handleEvents)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("Crucible coordinator starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown tears down every runtime and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down coordinator...")
	s.runtimes.CloseAll()
	s.hs.Close()
	s.pool.Close()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
