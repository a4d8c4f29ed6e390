// Package api serves the HTTP surface: the synchronous chat endpoint,
// provider and incident reports, and the /ws relay mount.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"zbot/internal/channel"
	"zbot/internal/chat"
	"zbot/internal/incident"
	"zbot/internal/llm"
)

const maxBodyBytes = 1 << 20

// RelayHandler is the /ws handler plus the counters the status route reports.
type RelayHandler interface {
	http.Handler
	Sessions() int
	ActiveTasks() int
	TaskStates() map[string]int
}

// Deps are the components the routes call into. Incidents, Channels, Relay
// and StaticDir are optional.
type Deps struct {
	Chat      *chat.Service
	Selector  *llm.Selector
	Relay     RelayHandler
	Incidents incident.Store
	Channels  *channel.Manager
	Origins   []string
	StaticDir string
}

// Server routes HTTP requests to the chat service and relay.
type Server struct {
	deps    Deps
	started time.Time
	mux     *http.ServeMux
}

func New(deps Deps) *Server {
	s := &Server{deps: deps, started: time.Now(), mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/provider", s.handleProvider)
	s.mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if deps.Relay != nil {
		s.mux.Handle("/ws", deps.Relay)
	}
	if deps.StaticDir != "" {
		s.mux.Handle("GET /app/", http.StripPrefix("/app/", http.FileServer(http.Dir(deps.StaticDir))))
	}
	return s
}

// Handler returns the routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.deps.Origins, s.mux)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "ZBot API is running"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body: " + err.Error()})
		return
	}

	reply, err := s.deps.Chat.Reply(r.Context(), req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, chatResponse{Response: reply})
	case errors.Is(err, chat.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
	}
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Selector.Info(r.Context()))
}

type incidentsResponse struct {
	Incidents []incident.Incident `json:"incidents"`
	LastHour  map[string]int      `json:"last_hour"`
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Incidents == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "incident log is disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	recent, err := s.deps.Incidents.Recent(ctx, limit)
	if err != nil {
		log.Printf("[api] incidents: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to read incidents"})
		return
	}
	counts, err := s.deps.Incidents.Counts(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		log.Printf("[api] incident counts: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "failed to read incidents"})
		return
	}
	if recent == nil {
		recent = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, incidentsResponse{Incidents: recent, LastHour: counts})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]any{
		"uptime_secs":   int64(time.Since(s.started).Seconds()),
		"identity":      s.deps.Selector.Identity(),
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
	}
	if s.deps.Relay != nil {
		status["sessions"] = s.deps.Relay.Sessions()
		status["active_tasks"] = s.deps.Relay.ActiveTasks()
		status["task_states"] = s.deps.Relay.TaskStates()
	}
	if s.deps.Channels != nil {
		status["channels"] = s.deps.Channels.List()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

// corsMiddleware answers preflight requests and sets the allow-origin header
// for origins in the configured list ("*" allows any).
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
