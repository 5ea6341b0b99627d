package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"catalogscan/internal/orchestrator"
	"catalogscan/internal/platform"
)

// Server exposes the HTTP API for managing scan sessions.
type Server struct {
	manager *SessionManager
	router  chi.Router
	logger  *slog.Logger
}

// NewServer wires handlers onto a chi router.
func NewServer(manager *SessionManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		router:  chi.NewRouter(),
		logger:  logger,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/scans", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Route("/{domain}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/events", s.streamSessionEvents)
			r.Post("/cancel", s.cancelSession)
			r.Get("/products", s.listProducts)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json payload: %w", err))
		return
	}
	session, err := s.manager.StartSession(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionRunning):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, ErrMaxConcurrency):
			writeError(w, http.StatusTooManyRequests, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListSessions(r.Context()))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.manager.GetSessionDetail(r.Context(), chi.URLParam(r, "domain"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelSession(chi.URLParam(r, "domain")); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.Products(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.logger.Error("load products failed", "domain", chi.URLParam(r, "domain"), "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.manager.GetSession(chi.URLParam(r, "domain"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	eventCh, cancel := session.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-eventCh:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if isTerminal(evt) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// isTerminal reports whether the stream can end after evt.
func isTerminal(evt SSEEvent) bool {
	switch evt.Type {
	case "session_completed", "session_cancelled", "session_failed":
		return true
	case "snapshot":
		switch evt.Session.Status {
		case SessionStatusCompleted, SessionStatusCancelled, SessionStatusFailed:
			return true
		}
	}
	return false
}

// errorKind names the failure class reported to clients.
func errorKind(err error) string {
	switch {
	case errors.Is(err, platform.ErrUnsupportedPattern):
		return "unsupported_pattern"
	case errors.Is(err, platform.ErrIdentifierNotFound):
		return "identifier_not_found"
	case errors.Is(err, ErrSessionRunning):
		return "session_running"
	case errors.Is(err, ErrMaxConcurrency):
		return "max_concurrency"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionNotRunning):
		return "not_running"
	case errors.Is(err, orchestrator.ErrPersist):
		return "persist"
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: errorKind(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
