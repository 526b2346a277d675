package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minion-dev/minion/internal/govern"
	"github.com/minion-dev/minion/internal/models"
	"github.com/minion-dev/minion/internal/queue"
)

// Server provides the HTTP API for Minion.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/updates", s.handleUpdates)
	mux.HandleFunc("/updates/", s.handleUpdateByID)
	mux.HandleFunc("/activity", s.handleActivity)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting Minion daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id} and /tasks/{id}/cancel
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/tasks/")
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type submitTaskRequest struct {
	Type     string         `json:"type"`
	Priority string         `json:"priority"`
	Payload  models.Payload `json:"payload"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.SubmitTask(req.Type, req.Priority, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.service.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, id string) {
	status, err := s.service.CancelTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// handleUpdates handles GET /updates
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	updates, err := s.service.ListUpdates(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if updates == nil {
		updates = []models.PendingUpdate{}
	}
	writeJSON(w, http.StatusOK, updates)
}

// handleUpdateByID handles /updates/{id} and the decision actions.
func (s *Server) handleUpdateByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/updates/")
	if id == "" {
		http.Error(w, "update id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getUpdate(w, r, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.decideUpdate(w, r, id, true)
	case action == "reject" && r.Method == http.MethodPost:
		s.decideUpdate(w, r, id, false)
	case action == "rollback" && r.Method == http.MethodPost:
		s.rollbackUpdate(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getUpdate(w http.ResponseWriter, r *http.Request, id string) {
	update, err := s.service.GetUpdate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

type decisionRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) decideUpdate(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor required", http.StatusBadRequest)
		return
	}

	update, err := s.service.DecideUpdate(id, approve, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) rollbackUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor required", http.StatusBadRequest)
		return
	}

	update, restored, err := s.service.RollbackUpdate(id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"update": update, "restored": restored})
}

// handleActivity handles GET /activity
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.service.Activity(r.URL.Query().Get("ref"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func splitPath(path, prefix string) (id, action string) {
	parts := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)
	id = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, govern.ErrUpdateNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTaskType),
		errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrNotClaimed):
		status = http.StatusForbidden
	case errors.Is(err, govern.ErrInvalidTransition),
		errors.Is(err, govern.ErrTargetChanged):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
