package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
	"github.com/raaihank/pii-tokenizer/internal/metrics"
	"github.com/raaihank/pii-tokenizer/internal/privacy"
	"github.com/raaihank/pii-tokenizer/internal/run"
)

// RunService starts runs and answers status queries
type RunService interface {
	Start(ctx context.Context, req run.Request) (run.Run, error)
	Get(ctx context.Context, id string) (run.Run, error)
	List(ctx context.Context, dataset string, limit int) ([]run.Run, error)
}

// Classifier runs one classification pass over a dataset
type Classifier interface {
	Classify(ctx context.Context, dataset string) ([]privacy.ColumnProfile, error)
}

// TagEmitter writes classifier decisions back as field tags
type TagEmitter interface {
	Emit(ctx context.Context, datasetURN string, profiles []privacy.ColumnProfile) []privacy.Emission
}

// EventHub serves the run event stream
type EventHub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	PublishClassification(dataset string, profiles []privacy.ColumnProfile, emissions []privacy.Emission)
}

// Deps are the collaborators behind the API. Classifier, Emitter and Hub are
// optional.
type Deps struct {
	Runs       RunService
	Classifier Classifier
	Emitter    TagEmitter
	Hub        EventHub
	Platforms  []string
	Version    string
}

// Server is the HTTP trigger and status API
type Server struct {
	cfg       config.ServerConfig
	wsPath    string
	deps      Deps
	jwtSecret string
	limiter   *RateLimiter
	validate  *validator.Validate
	logger    *logger.Logger
	router    *mux.Router
	server    *http.Server
}

// New creates a server and its routes
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg.Server,
		deps:      deps,
		jwtSecret: cfg.Server.JWTSecret,
		limiter:   NewRateLimiter(cfg.Server.RequestsPerMin),
		validate:  newValidator(),
		logger:    log.WithComponent("server"),
		router:    mux.NewRouter(),
	}
	if cfg.WebSocket.Enabled && deps.Hub != nil {
		s.wsPath = cfg.WebSocket.Path
		if s.wsPath == "" {
			s.wsPath = "/ws"
		}
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled {
		s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	if s.wsPath != "" {
		s.router.HandleFunc(s.wsPath, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.authMiddleware)

	api.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down within the write timeout
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is done
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("Starting API server",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("auth", s.jwtSecret != ""),
		zap.Bool("metrics", s.cfg.MetricsEnabled),
		zap.String("websocket_path", s.wsPath),
	)

	go s.limiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Stopping API server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":               "pii-tokenizer",
		"version":            s.deps.Version,
		"platforms":          s.deps.Platforms,
		"auth_enabled":       s.jwtSecret != "",
		"classifier_enabled": s.deps.Classifier != nil,
		"websocket_path":     s.wsPath,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
