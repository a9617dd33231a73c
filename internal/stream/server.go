package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tailorcv/backend/internal/bus"
	"github.com/tailorcv/backend/internal/metrics"
	"github.com/tailorcv/backend/internal/status"
	"github.com/tailorcv/backend/internal/store"
)

// resourcePaths maps the dependent-resource URL segment to its stage.
var resourcePaths = map[string]status.Stage{
	"parsed":           status.StageJobParsed,
	"educations":       status.StageEducations,
	"work-experiences": status.StageWorkExperiences,
	"projects":         status.StageProjects,
	"skills":           status.StageSkills,
}

// Server exposes the status stream and its supporting HTTP surface.
type Server struct {
	hub            *Hub
	store          store.StatusStore
	bus            bus.Bus
	metrics        *metrics.Metrics
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	started        time.Time
}

// NewServer wires the hub, store and bus behind the HTTP routes.
func NewServer(hub *Hub, st store.StatusStore, b bus.Bus, m *metrics.Metrics, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		hub:            hub,
		store:          st,
		bus:            b,
		metrics:        m,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		started:        time.Now(),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/jobs/", s.handleStream)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
}

// handleStream upgrades GET /ws/jobs/{id} and subscribes the connection.
// Capacity exhaustion is rejected before the upgrade with a retryable 503.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := s.hub.CheckCapacity(jobID); err != nil {
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	sub, err := s.hub.Subscribe(r.Context(), jobID, conn)
	if err != nil {
		// Lost the capacity race after the upgrade; abnormal close tells
		// the client to treat it as transient and retry.
		log.Printf("subscribe job %s: %v", jobID, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// Read loop: the client never sends data frames, but reading is how we
	// notice its disconnect. Every exit unsubscribes.
	go func() {
		defer s.hub.Unsubscribe(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/jobs/{id}/{stages|status|<resource>}
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	jobID, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	switch {
	case parts[1] == "stages":
		s.handleIngest(w, r, jobID)
	case parts[1] == "status":
		s.handleStatus(w, r, jobID)
	default:
		stage, ok := resourcePaths[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.handleResource(w, r, jobID, stage)
	}
}

// stageReport is the ingest body posted by pipeline workers when a stage
// finishes.
type stageReport struct {
	Stage       string          `json:"stage"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

// handleIngest records a stage completion and publishes the delta. The store
// write happens before the publish so catch-up snapshots never lag fan-out.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var report stageReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	stage, ok := status.ParseStage(report.Stage)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown stage %q", report.Stage), http.StatusBadRequest)
		return
	}

	completedAt := time.Now().UTC()
	if report.CompletedAt != nil {
		completedAt = report.CompletedAt.UTC()
	}

	if err := s.store.Apply(r.Context(), jobID, stage, completedAt, report.Resource); err != nil {
		log.Printf("ingest %s/%s: %v", jobID, stage, err)
		http.Error(w, "failed to record stage", http.StatusInternalServerError)
		return
	}

	delta := status.Snapshot{stage: &completedAt}
	if err := s.bus.Publish(r.Context(), jobID, delta); err != nil {
		// Stored but not fanned out: viewers recover on their next
		// catch-up; report the failure so the worker can republish.
		log.Printf("publish %s/%s: %v", jobID, stage, err)
		http.Error(w, "failed to publish delta", http.StatusInternalServerError)
		return
	}

	s.metrics.StageIngest.WithLabelValues(string(stage)).Inc()
	w.WriteHeader(http.StatusAccepted)
}

// handleStatus serves the current full snapshot as a REST fallback for
// clients that cannot hold a stream open.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := s.store.Snapshot(r.Context(), jobID)
	if err != nil {
		http.Error(w, "failed to load status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(snap)
}

// handleResource serves one stage's derived resource.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request, jobID string, stage status.Stage) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resource, err := s.store.Resource(r.Context(), jobID, stage)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "resource not ready", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load resource", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(resource)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe starts the HTTP server on host:port.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
