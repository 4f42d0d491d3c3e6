package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

// Server represents the HTTP server
type Server struct {
	addr    string
	logger  logger.Logger
	handler http.Handler
	server  *http.Server
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// Dependencies are the services exposed over HTTP. Notifications, Metrics
// and RateLimiter are optional.
type Dependencies struct {
	Events        EventLogReader
	Publisher     ports.EventPublisher
	Sagas         SagaReader
	Recovery      SagaRecoverer
	Pollers       PollerAdmin
	Webhooks      WebhookAdmin
	Approvals     ApprovalDecider
	Notifications http.Handler
	Metrics       http.Handler
	Auth          *AuthMiddleware
	RateLimiter   RateLimiter
	Health        func(ctx context.Context) error
	Logger        logger.Logger
}

// NewServer creates a new HTTP server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}

	router := mux.NewRouter()
	router.Use(correlationMiddleware)
	router.Use(loggingMiddleware(log))
	router.Use(recoveryMiddleware(log))

	router.HandleFunc("/health", healthHandler(deps.Health)).Methods("GET")
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(deps.Auth.RequireAdmin)
	NewAdminHandler(deps.Events, deps.Sagas, deps.Recovery, deps.Pollers, deps.Webhooks).RegisterRoutes(admin)

	authed := api.NewRoute().Subrouter()
	authed.Use(deps.Auth.RequireAuth)
	NewApprovalHandler(deps.Approvals).RegisterRoutes(authed)
	publish := authed.NewRoute().Subrouter()
	if deps.RateLimiter != nil {
		publish.Use(rateLimitMiddleware(deps.RateLimiter, log))
	}
	NewEventHandler(deps.Publisher).RegisterRoutes(publish)
	if deps.Notifications != nil {
		authed.Handle("/notifications/stream", streamHandler(deps.Notifications)).Methods("GET")
	}

	// CORS wraps the router so preflight requests are answered before route matching
	handler := corsMiddleware(config.CORSOrigins)(router)

	addr := config.Host + ":" + config.Port
	return &Server{
		addr:    addr,
		logger:  log,
		handler: handler,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "Starting HTTP server", map[string]interface{}{"addr": s.addr})
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// streamHandler lifts the server write timeout for long-lived streams.
func streamHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		next.ServeHTTP(w, r)
	})
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				fail(w, http.StatusServiceUnavailable, "unhealthy: "+err.Error())
				return
			}
		}
		success(w, http.StatusOK, "ok", map[string]string{"status": "ok"})
	}
}
