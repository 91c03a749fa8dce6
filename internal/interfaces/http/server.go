package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/budget"
	"github.com/opspulse/opspulse/internal/cascade"
	"github.com/opspulse/opspulse/internal/ingest"
	"github.com/opspulse/opspulse/internal/ranking"
	"github.com/opspulse/opspulse/internal/snapshot"
	"github.com/opspulse/opspulse/internal/tenant"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Deps are the wired components the API serves from.
type Deps struct {
	Pipeline  *ingest.Pipeline
	Snapshots *snapshot.Store
	Scheduler *snapshot.Scheduler
	Ranker    *ranking.Engine
	Resolver  tenant.Resolver
	Detector  *cascade.Detector
	Budgets   map[budget.WindowKind]*budget.Tracker

	// RankSource is the snapshot definition ID rankings are derived from.
	RankSource string

	// Metrics serves the Prometheus exposition endpoint.
	Metrics http.Handler
}

// Server is the JSON ingest/read API plus the snapshot websocket feed.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	config ServerConfig
	feed   *Feed
	start  time.Time
}

// NewServer creates the HTTP server and verifies the port is free.
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
		feed:   NewFeed(),
		start:  time.Now(),
	}
	if deps.Snapshots != nil {
		deps.Snapshots.OnInstall(s.feed.Publish)
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	// The websocket and metrics endpoints bypass the JSON middleware and
	// the per-request timeout.
	s.router.HandleFunc("/ws/snapshots", s.feed.Serve)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/events", s.handleSubmitEvent).Methods("POST")
	api.HandleFunc("/snapshots/{id}/{tenant}", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/rankings/{tenant}", s.handleGetRankings).Methods("GET")
	api.HandleFunc("/refresh/{id}/{tenant}", s.handleTriggerRefresh).Methods("POST")
	api.HandleFunc("/refresh/{id}/{tenant}/status", s.handleRefreshStatus).Methods("GET")
	api.HandleFunc("/cascades/matrix", s.handleCascadeMatrix).Methods("GET")
	api.HandleFunc("/cascades/{tenant}/{root}", s.handleGetCascade).Methods("GET")
	api.HandleFunc("/budgets/{scope}", s.handleGetBudget).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("took", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the websocket feed.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	s.feed.Close()
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
