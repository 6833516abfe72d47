// Package api exposes the engine's command surface over HTTP: enqueue,
// pause/resume/cancel, bulk pause/resume, settings, and a snapshot feed
// (plain GET plus an SSE stream).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-lite/internal/apperr"
	"tachyon-lite/internal/config"
	"tachyon-lite/internal/publisher"
	"tachyon-lite/internal/scheduler"
)

// Server is the engine's HTTP command surface.
type Server struct {
	sched     *scheduler.Scheduler
	cfg       *config.Manager
	publisher *publisher.Publisher
	logger    *slog.Logger
	router    *chi.Mux
}

func New(sched *scheduler.Scheduler, cfg *config.Manager, pub *publisher.Publisher, logger *slog.Logger) *Server {
	s := &Server{sched: sched, cfg: cfg, publisher: pub, logger: logger, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/downloads", s.handleEnqueue)
	s.router.Get("/downloads", s.handleList)
	s.router.Get("/downloads/stream", s.handleStream)
	s.router.Post("/downloads/{id}/pause", s.handlePause)
	s.router.Post("/downloads/{id}/resume", s.handleResume)
	s.router.Delete("/downloads/{id}", s.handleCancel)
	s.router.Post("/downloads/pause-all", s.handlePauseAll)
	s.router.Post("/downloads/resume-all", s.handleResumeAll)
	s.router.Get("/settings/{key}", s.handleGetSetting)
	s.router.Put("/settings/{key}", s.handleSetSetting)
}

type enqueueRequest struct {
	URL      string `json:"url"`
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d, err := s.sched.Add(req.URL, req.Folder, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{ID: d.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	payload, err := s.publisher.Snapshot()
	if err != nil {
		http.Error(w, "failed to build snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.publisher.Subscribe(4)
	defer unsubscribe()

	if payload, err := s.publisher.Snapshot(); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Pause(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Resume(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var deleteFile *bool
	switch r.URL.Query().Get("delete_file") {
	case "true":
		v := true
		deleteFile = &v
	case "false":
		v := false
		deleteFile = &v
	}

	if err := s.sched.Cancel(id, deleteFile); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	s.sched.PauseAll()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	s.sched.ResumeAll()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.cfg.Get(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.cfg.Set(key, req.Value); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch key {
	case config.KeyGlobalRateLimitBps:
		if n, err := parseInt64(req.Value); err == nil {
			s.sched.SetRateLimit(n)
		}
	case config.KeyMaxConcurrent:
		if n, err := parseInt64(req.Value); err == nil {
			s.sched.SetMaxConcurrent(int(n))
		}
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrInvalidPath), errors.Is(err, apperr.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
