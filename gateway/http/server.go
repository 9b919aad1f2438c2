package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/gateway"
	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/registry"
)

// Executor is the request pipeline the server fronts.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Health() health.Status
	Metrics() map[string]metric.Snapshot
}

// Directory is the service registry behind the admin endpoints.
type Directory interface {
	ListAll() *registry.Snapshot
	Register(ctx context.Context, d registry.ServiceDescriptor) error
	Unregister(ctx context.Context, name string) error
	Watch(ctx context.Context) (<-chan *registry.Snapshot, func())
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPrometheus mounts h on /metrics/prometheus.
func WithPrometheus(h http.Handler) Option {
	return func(s *Server) { s.prometheus = h }
}

// Server exposes the gateway over HTTP.
type Server struct {
	config     Config
	gateway    Executor
	directory  Directory
	prometheus http.Handler
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	adminLimit *rate.Limiter

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	running  bool
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	watchers sync.WaitGroup
}

// NewServer validates config and builds the route table.
func NewServer(config Config, gw Executor, directory Directory, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "NewServer", "config validation")
	}
	if gw == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "gateway is required")
	}
	if directory == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "directory is required")
	}

	s := &Server{
		config:     config,
		gateway:    gw,
		directory:  directory,
		logger:     slog.Default(),
		stopChan:   make(chan struct{}),
		adminLimit: rate.NewLimiter(rate.Limit(config.AdminWriteRate), config.AdminWriteBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.upgrader.CheckOrigin = s.originAllowed

	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = s.requestIDMiddleware(handler)
	return s, nil
}

// RegisterHTTPHandlers registers every route on mux.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /graphql", s.handleGraphQL)
	mux.HandleFunc("POST /graphql/{service}", s.handleGraphQL)
	if s.config.EnablePlayground {
		mux.Handle("GET /graphql", playground.Handler("fedgate", "/graphql"))
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.prometheus != nil {
		mux.Handle("GET /metrics/prometheus", s.prometheus)
	}

	mux.HandleFunc("GET /services", s.handleListServices)
	mux.HandleFunc("PUT /services/{name}", s.limitAdminWrites(s.handleRegisterService))
	mux.HandleFunc("DELETE /services/{name}", s.limitAdminWrites(s.handleUnregisterService))
	mux.HandleFunc("GET /watch", s.handleWatch)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is done or
// Stop is called. ready is closed once the listener is bound.
func (s *Server) Start(ctx context.Context, ready chan<- struct{}) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.running = true
	server := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		s.logger.Info("Server starting", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()
	if ready != nil {
		close(ready)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Server context cancelled, shutting down")
		return s.Stop(s.config.ShutdownTimeout)
	case <-s.stopChan:
		return nil
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", "HTTP server failed")
	}
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, closes topology streams and waits for
// in-flight requests up to timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	server := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Server stopping")
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server gracefully", "error", err)
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Stop", "close watch streams")
	}

	s.logger.Info("Server stopped")
	return nil
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// limitAdminWrites rejects registry writes beyond the configured rate. The
// budget is shared by all clients.
func (s *Server) limitAdminWrites(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.adminLimit.Allow() {
			s.logger.Warn("Registry write rejected", "method", r.Method, "service", r.PathValue("name"))
			writeGraphQLError(w, http.StatusTooManyRequests, errors.KindRateLimitExceeded,
				r.PathValue("name"), "too many registry writes, retry later")
			return
		}
		next(w, r)
	}
}

// requestIDMiddleware propagates X-Request-ID or assigns a new one, so the
// backend call carries the same ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.config.EnableCORS {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(r) {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Subgraph, X-Client-ID, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
