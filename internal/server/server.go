// Package server exposes the chat core over HTTP: the websocket gateway, the
// conversation REST surface, provider status and operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-chat/internal/audit"
	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
)

// Deps are the components a Server is assembled from.
type Deps struct {
	Store       db.Store
	Bridge      *bridge.Bridge
	Coordinator *generation.Coordinator
	Auth        auth.Authenticator
	Logger      *zap.Logger
	Audit       audit.Logger
}

// Server represents the chat server
type Server struct {
	config *config.Config

	// Core components
	store   db.Store
	bridge  *bridge.Bridge
	coord   *generation.Coordinator
	gateway *Gateway
	auth    auth.Authenticator
	logger  *zap.Logger
	audit   audit.Logger

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new chat server and registers its gateway as the
// coordinator's event publisher.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Store == nil || deps.Bridge == nil || deps.Coordinator == nil || deps.Auth == nil {
		return nil, fmt.Errorf("store, bridge, coordinator and authenticator are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		store:  deps.Store,
		bridge: deps.Bridge,
		coord:  deps.Coordinator,
		auth:   deps.Auth,
		logger: deps.Logger.Named("server"),
		audit:  deps.Audit,
		ctx:    ctx,
		cancel: cancel,
	}

	s.gateway = NewGateway(deps.Coordinator, deps.Store, deps.Auth, GatewayOptions{
		GatewayConfig:    cfg.Gateway,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		PromptsPerMinute: cfg.RateLimit.PromptsPerMinute,
	}, deps.Logger, deps.Audit)
	deps.Coordinator.SetPublisher(s.gateway)

	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Gateway returns the websocket gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(s.logger))
	router.Use(loggingMiddleware(s.logger))
	router.Use(rateLimitMiddleware(newIPRateLimiter(s.config.RateLimit.RequestsPerMinute, s.config.RateLimit.Burst)))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws/chat", s.gateway.ServeWS).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware(s.auth, s.audit))
	api.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", s.handleClearConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/stats", s.handleConversationStats).Methods(http.MethodGet)
	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	api.HandleFunc("/ai/status", s.handleProviderStatus).Methods(http.MethodGet)
	api.HandleFunc("/ai/models/{provider}", s.handleProviderModels).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ServeTLS(ln, s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	_ = s.audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription("listening on "+ln.Addr().String()).
		WithResult(audit.ResultSuccess))
	s.logger.Info("chat server started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.config.Server.TLSEnabled),
		zap.Strings("providers", s.bridge.Providers()),
	)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server. Running generations get until ctx
// expires to finish; the rest are cancelled with their partial output saved.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping chat server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.coord.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("generation shutdown: %w", err))
	}
	s.gateway.Close()

	_ = s.audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	s.cancel()
	s.wg.Wait()

	s.logger.Info("chat server stopped")
	return errors.Join(errs...)
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "kubilitics-chat",
		"sessions":  s.gateway.Sessions(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady reports ready once the store answers and at least one
// provider can serve prompts.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "database unavailable"})
		return
	}
	ready := 0
	for _, st := range s.bridge.Statuses() {
		if st.Status == bridge.StatusReady {
			ready++
		}
	}
	if ready == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "no provider is ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"providers": ready,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
