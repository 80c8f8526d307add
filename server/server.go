package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/go-extract-queue/gateway"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/metrics"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/store"
)

// JobRunner starts and retries jobs.
type JobRunner interface {
	Start(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) (*models.ExtractionJob, error)
	Running() int
}

// Publisher mirrors committed transitions to the progress bus.
type Publisher interface {
	Publish(ctx context.Context, u models.ProgressUpdate)
}

// StatusReader answers status queries.
type StatusReader interface {
	Status(ctx context.Context, jobID string) (models.ProgressUpdate, error)
}

// Dependencies are the collaborators the HTTP surface drives.
type Dependencies struct {
	Store     store.Store
	Runner    JobRunner
	Publisher Publisher
	Status    StatusReader
	Gateway   *gateway.Gateway
	Metrics   *metrics.Metrics
	Auth      *Authenticator
	Logger    logger.Logger
}

// Options configures the HTTP surface.
type Options struct {
	Addr            string
	MaxClipDuration time.Duration
}

// Server handles HTTP requests for job management
type Server struct {
	deps     Dependencies
	opts     Options
	log      logger.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	now      func() time.Time
}

// NewServer creates a new server instance
func NewServer(deps Dependencies, opts Options) *Server {
	s := &Server{
		deps: deps,
		opts: opts,
		log:  deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := s.deps.Auth.Middleware

	mux.Handle("POST /jobs", authed(http.HandlerFunc(s.handleCreateJob)))
	mux.Handle("GET /jobs", authed(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("GET /jobs/{id}", authed(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("DELETE /jobs/{id}", authed(http.HandlerFunc(s.handleDeleteJob)))
	mux.Handle("GET /jobs/{id}/status", authed(http.HandlerFunc(s.handleJobStatus)))
	mux.Handle("POST /jobs/{id}/start", authed(http.HandlerFunc(s.handleStartJob)))
	mux.Handle("POST /jobs/{id}/retry", authed(http.HandlerFunc(s.handleRetryJob)))
	mux.Handle("GET /ws", authed(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start begins serving in the background. Listener failures other than a
// graceful shutdown are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", logger.String("addr", s.opts.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade to WebSocket", logger.Error(err))
		return
	}

	s.deps.Gateway.Serve(conn, id)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"running":     s.deps.Runner.Running(),
		"connections": s.deps.Gateway.Connected(),
	})
}
