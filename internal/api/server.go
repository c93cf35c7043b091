package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"podium/internal/auth"
	"podium/internal/metrics"
	"podium/pkg/interfaces"
)

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStats reports live push-channel counts
type ConnectionStats interface {
	GetStats() map[string]int
}

// Dependencies wires the server to the rest of the application
type Dependencies struct {
	Coordinator   interfaces.Coordinator
	Credentials   interfaces.CredentialResolver
	Health        HealthChecker
	Connections   ConnectionStats
	Metrics       *metrics.Metrics
	WebSocket     http.Handler
	MaxImageBytes int64
}

// Server is the HTTP surface of the coordinator. It holds no classroom
// state; every handler resolves the actor and makes one coordinator call.
type Server struct {
	coordinator   interfaces.Coordinator
	credentials   interfaces.CredentialResolver
	health        HealthChecker
	connections   ConnectionStats
	metrics       *metrics.Metrics
	websocket     http.Handler
	maxImageBytes int64
	router        *mux.Router
	handler       http.Handler
	started       time.Time
}

// NewServer creates the server and registers its routes
func NewServer(deps Dependencies) *Server {
	s := &Server{
		coordinator:   deps.Coordinator,
		credentials:   deps.Credentials,
		health:        deps.Health,
		connections:   deps.Connections,
		metrics:       deps.Metrics,
		websocket:     deps.WebSocket,
		maxImageBytes: deps.MaxImageBytes,
		router:        mux.NewRouter(),
		started:       time.Now(),
	}
	if s.maxImageBytes <= 0 {
		s.maxImageBytes = 5 << 20
	}
	s.setupRoutes()
	// CORS wraps the whole router so preflights never reach route matching
	s.handler = s.corsMiddleware(s.router)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonMiddleware)
	api.Use(auth.Middleware(s.credentials, func(w http.ResponseWriter, err error) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Invalid or missing credentials", http.StatusUnauthorized)
	}))

	// Session lifecycle
	api.HandleFunc("/sessions", s.openSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}", s.closeSession).Methods(http.MethodDelete)
	api.HandleFunc("/classrooms/{cid}/session", s.sessionForClassroom).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/code", s.publishCode).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/join", s.join).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/leave", s.leave).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/participants", s.participants).Methods(http.MethodGet)

	// Attendance
	api.HandleFunc("/sessions/{sid}/attendance/selfie", s.beginSelfie).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/attendance/code", s.submitCode).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/attendance/status", s.attendanceStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/attendance", s.attendanceSheet).Methods(http.MethodGet)

	// Speak queue
	api.HandleFunc("/sessions/{sid}/speak-requests", s.requestToSpeak).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/speak-requests/status", s.speakStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/speak-requests", s.queue).Methods(http.MethodGet)
	api.HandleFunc("/speak-requests/{rid}/decision", s.decideSpeak).Methods(http.MethodPost)
	api.HandleFunc("/speak-requests/{rid}/cancel", s.cancelSpeak).Methods(http.MethodPost)
	api.HandleFunc("/speak-requests/{rid}/release", s.releaseFloor).Methods(http.MethodPost)

	// Slides
	api.HandleFunc("/sessions/{sid}/slides/advance", s.advanceSlide).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/slides/deck", s.selectDeck).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/slides/current", s.currentPointer).Methods(http.MethodGet)

	s.router.NotFoundHandler = s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Route not found", http.StatusNotFound)
	}))
	s.router.MethodNotAllowedHandler = s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			response.Status = "unhealthy"
			response.Database = fmt.Sprintf("error: %v", err)
		}
	}
	if s.connections != nil {
		response.Connections = s.connections.GetStats()
	}

	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// corsMiddleware allows browser clients served from another origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
