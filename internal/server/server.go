// Package server exposes the research pipeline over HTTP: one endpoint
// to run research, the intervention queue for a human solver UI, and
// vendor catalog exploration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shopnerd/internal/browser"
	"shopnerd/internal/config"
	"shopnerd/internal/intervention"
	"shopnerd/internal/logging"
	"shopnerd/internal/research"
)

// ResearchRunner runs one research job.
type ResearchRunner interface {
	Run(ctx context.Context, req research.Request, emitter *research.Emitter) (*research.Result, error)
}

// CatalogRunner enumerates one vendor's catalog.
type CatalogRunner interface {
	Explore(ctx context.Context, req research.CatalogRequest) (*research.CatalogResult, error)
}

// InterventionQueue is the slice of the broker the HTTP surface needs.
type InterventionQueue interface {
	ListPending() ([]*intervention.Intervention, error)
	Resolve(id string, success bool, skipReason string) error
}

// Server is the HTTP surface over the research pipeline.
type Server struct {
	cfg      *config.Config
	runner   ResearchRunner
	catalog  CatalogRunner
	queue    InterventionQueue
	sessions *browser.SessionManager
	recovery *browser.RecoveryManager
	router   chi.Router
}

func New(cfg *config.Config, runner ResearchRunner, catalog CatalogRunner, queue InterventionQueue) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		catalog: catalog,
		queue:   queue,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/research", s.handleResearch)
	r.Get("/api/captchas/pending", s.handlePendingInterventions)
	r.Post("/interventions/{id}/resolve", s.handleResolveIntervention)
	r.Post("/vendor.explore_catalog", s.handleExploreCatalog)
	r.Get("/api/recovery/history", s.handleRecoveryHistory)

	s.router = r
	return s
}

// AttachBrowser registers the live browser stack so health and recovery
// endpoints can report on it. Optional; fetch-only deployments skip it.
func (s *Server) AttachBrowser(sessions *browser.SessionManager, recovery *browser.RecoveryManager) {
	s.sessions = sessions
	s.recovery = recovery
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Server.Addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logging.Research("http server listening on %s", s.cfg.Server.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
	}
	if s.sessions != nil {
		out["browser"] = map[string]any{
			"alive":    s.sessions.IsBrowserAlive(),
			"restarts": s.sessions.Restarts(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecoveryHistory(w http.ResponseWriter, r *http.Request) {
	events := []browser.RecoveryEvent{}
	if s.recovery != nil {
		events = s.recovery.History()
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req research.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}

	res, err := s.runner.Run(r.Context(), req, research.NewEmitter(nil))
	if err != nil {
		logging.ResearchWarn("research %q: %v", req.Query, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePendingInterventions(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.ListPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []*intervention.Intervention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": pending})
}

type resolveRequest struct {
	Resolved   bool   `json:"resolved"`
	SkipReason string `json:"skip_reason,omitempty"`
}

func (s *Server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.queue.Resolve(id, req.Resolved, req.SkipReason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, intervention.ErrNotFound):
		writeError(w, http.StatusNotFound, "intervention not found")
	case errors.Is(err, intervention.ErrLockContended):
		writeError(w, http.StatusServiceUnavailable, "queue busy, retry")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleExploreCatalog(w http.ResponseWriter, r *http.Request) {
	var req research.CatalogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.VendorURL == "" {
		writeError(w, http.StatusBadRequest, "vendor_url required")
		return
	}

	res, err := s.catalog.Explore(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ResearchWarn("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
