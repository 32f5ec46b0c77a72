package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/maildispatch/internal/dispatch"
	"github.com/busybox42/maildispatch/internal/logging"
	"github.com/busybox42/maildispatch/internal/queue"
)

// HealthStats is served on /health
type HealthStats struct {
	Status        string          `json:"status"`
	Uptime        int64           `json:"uptime"` // seconds
	StartedAt     time.Time       `json:"started_at"`
	GoVersion     string          `json:"go_version"`
	NumGoroutines int             `json:"num_goroutines"`
	Scheduler     *dispatch.Stats `json:"scheduler,omitempty"`
	Queue         queue.TierStats `json:"queue"`
}

// QueueStats is served on /api/queue/stats
type QueueStats struct {
	Tiers    queue.TierStats `json:"tiers"`
	Entries  int             `json:"entries"`
	Messages int             `json:"messages"`
	Groups   int             `json:"groups"`
}

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

// StatusRequest changes the status of a group
type StatusRequest struct {
	Status string `json:"status"`
}

// Server serves Prometheus metrics and a small JSON API
type Server struct {
	listenAddr string
	metrics    *Metrics
	store      *queue.Store
	sched      StatsSource
	valkey     *ValkeyStore
	logger     *slog.Logger
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates the HTTP server. sched and valkey may be nil.
func NewServer(listenAddr string, m *Metrics, store *queue.Store, sched StatsSource, valkey *ValkeyStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listenAddr: listenAddr,
		metrics:    m,
		store:      store,
		sched:      sched,
		valkey:     valkey,
		logger:     logger.With("component", "metrics-server"),
		startedAt:  time.Now(),
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/groups", s.handleListGroups).Methods("GET")
	api.HandleFunc("/groups/{id:[0-9]+}", s.handleGetGroup).Methods("GET")
	api.HandleFunc("/groups/{id:[0-9]+}/status", s.handleSetGroupStatus).Methods("PUT", "POST")
	api.HandleFunc("/logging/level", s.handleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.handleSetLogLevel).Methods("PUT", "POST")
	if s.valkey != nil {
		api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods("GET")
		api.HandleFunc("/stats/errors", s.handleRecentErrors).Methods("GET")
	}
	return r
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to create metrics listener: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		s.logger.Info("Starting metrics server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStats{
		Status:        "ok",
		Uptime:        int64(time.Since(s.startedAt).Seconds()),
		StartedAt:     s.startedAt,
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		Queue:         s.store.Entries.Stats(),
	}
	if s.sched != nil {
		st := s.sched.Stats()
		health.Scheduler = &st
		if st.State != dispatch.StateStarted.String() {
			health.Status = "degraded"
		}
	}
	writeJSON(w, health)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, QueueStats{
		Tiers:    s.store.Entries.Stats(),
		Entries:  s.store.Entries.Len(),
		Messages: s.store.Messages.Len(),
		Groups:   len(s.store.Groups.All()),
	})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.Groups.All())
}

func groupID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		http.Error(w, "Invalid group id", http.StatusBadRequest)
		return
	}
	g, ok := s.store.Groups.Get(id)
	if !ok {
		http.Error(w, "Group not found", http.StatusNotFound)
		return
	}
	writeJSON(w, g)
}

func (s *Server) handleSetGroupStatus(w http.ResponseWriter, r *http.Request) {
	id, err := groupID(r)
	if err != nil {
		http.Error(w, "Invalid group id", http.StatusBadRequest)
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status, err := queue.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Groups.SetStatus(id, status); err != nil {
		if errors.Is(err, queue.ErrGroupNotFound) {
			http.Error(w, "Group not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	s.logger.Info("Group status changed", "group", id, "status", status)

	g, _ := s.store.Groups.Get(id)
	writeJSON(w, g)
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLevelManager().GetLevel()
	writeJSON(w, LogLevelResponse{CurrentLevel: logging.LevelToString(level)})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil {
		http.Error(w, "Invalid log level. Valid levels: DEBUG, INFO, WARN, ERROR", http.StatusBadRequest)
		return
	}
	logging.GetLevelManager().SetLevel(level)

	writeJSON(w, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "Log level updated successfully",
	})
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.valkey.GetMetrics(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadGateway)
		return
	}
	hourly, err := s.valkey.GetHourlyStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]any{"totals": totals, "hourly": hourly})
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	errs, err := s.valkey.GetRecentErrors(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, errs)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}
