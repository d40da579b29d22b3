// Package api serves a read-only view of a job: its state file, the change
// history and a live stream of snapshots. It never writes state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/statestore"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
)

// History is the query side of the transition log
type History interface {
	List(opts taskstore.ListOptions) ([]taskstore.Entry, error)
	ListRuns(jobID string) ([]*taskstore.Run, error)
}

// Server is the HTTP status server
type Server struct {
	stateFile string
	history   History
	addr      string
	logger    *logging.Logger
	hub       *Hub
	router    chi.Router

	// load reads the current state; replaced in tests
	load func() (*domain.JobState, error)
}

// NewServer creates a server for the job whose state lives in stateFile.
// history may be nil, which disables /api/history and /api/runs.
func NewServer(stateFile string, history History, addr string, logger *logging.Logger) *Server {
	s := &Server{
		stateFile: stateFile,
		history:   history,
		addr:      addr,
		logger:    logger.With("api"),
		hub:       NewHub(),
	}
	s.load = func() (*domain.JobState, error) { return statestore.ReadFile(s.stateFile) }
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Get("/job", s.jobHandler)
		r.Get("/units", s.listUnitsHandler)
		r.Get("/units/{id}", s.getUnitHandler)
		r.Get("/history", s.historyHandler)
		r.Get("/runs", s.runsHandler)
		r.Get("/events", s.sseHandler)
		r.Get("/ws", s.wsHandler)
	})
	s.router = r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Infof("listening addr=%s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Publish pushes a snapshot to every connected SSE and websocket client
func (s *Server) Publish(job *domain.JobState) {
	s.hub.Broadcast(Event{Type: "state", Data: statusFor(job)})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
