package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/metrics"
	"github.com/mailharbor/mailharbor/pkg/runtime"
)

// Server is the admin surface: health, metrics, and the task-status contract
// the UI polls. The full request-routing API lives outside this service.
type Server struct {
	addr    string
	runtime *runtime.Runtime
	logger  zerolog.Logger
	httpSrv *http.Server
}

// NewServer builds the admin server.
func NewServer(addr string, rt *runtime.Runtime) *Server {
	s := &Server{
		addr:    addr,
		runtime: rt,
		logger:  log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/auth/{type}/status/list", s.handleStatusList)
	r.Post("/auth/{type}/cancel", s.handleCancel)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Admin server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatusList decodes the broker status records for one user and task
// type. Translates to a broker scan over the status key pattern.
func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "type")
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
		return
	}

	statuses, err := s.runtime.StatusList(r.Context(), userID, taskType)
	if err != nil {
		s.logger.Error().Err(err).Msg("Status list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": statuses})
}

type cancelRequest struct {
	UserID  int64  `json:"user_id"`
	GroupID string `json:"group_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "type")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	cancelled := s.runtime.Cancel(r.Context(), req.UserID, taskType, req.GroupID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
