package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/costs"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/evidence"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/pipeline"
)

// Server is the HTTP status and control surface for the pipeline
type Server struct {
	coord   *pipeline.Coordinator
	repo    evidence.Repository
	tracker *costs.Tracker
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	wsHub   *WSHub
	logger  *log.Logger
}

// NewServer creates the API server. The event hubs are fed from the
// coordinator's bus once Start is called.
func NewServer(coord *pipeline.Coordinator, repo evidence.Repository, tracker *costs.Tracker, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		coord:   coord,
		repo:    repo,
		tracker: tracker,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		wsHub:   NewWSHub(logger),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving and bridges pipeline events into both hubs.
// It blocks until the listener fails.
func (s *Server) Start() error {
	go s.sseHub.Run()

	events, cancel := s.coord.Events().Subscribe()
	defer cancel()
	go func() {
		for e := range events {
			s.sseHub.Broadcast(e)
			s.wsHub.Broadcast(e)
		}
	}()

	s.logger.Printf("[api] listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
