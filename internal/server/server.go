package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/denwa/internal/auth"
	"github.com/ashita-ai/denwa/internal/model"
	"github.com/ashita-ai/denwa/internal/orchestrator"
	"github.com/ashita-ai/denwa/internal/ratelimit"
	"github.com/ashita-ai/denwa/internal/session"
	"github.com/ashita-ai/denwa/internal/storage"
)

// Calls is the orchestration surface the handlers drive.
// *orchestrator.Orchestrator implements it.
type Calls interface {
	HandleEvent(ctx context.Context, ev model.Event) (orchestrator.EventResult, error)
	InitiateOutboundCall(ctx context.Context, req orchestrator.OutboundRequest) (model.CallSession, error)
	ReassignCallID(sessionID, callID string) error
	EndCall(ctx context.Context, sessionID string) error
	GetActiveSessions() []model.CallSession
	GetSession(sessionID string) (model.CallSession, bool)
	GetAgentLoads() model.AgentLoadsResponse
	LiveStats() session.Stats
	AddAgent(cfg model.AgentConfig) error
	RemoveAgent(agentID string) error
	ActiveStreams() int
	Control(sessionID, action string, data map[string]any) error
}

// CallHistory reads the durable mirror. *storage.DB implements it.
type CallHistory interface {
	Ping(ctx context.Context) error
	GetCallSession(ctx context.Context, sessionID string) (storage.CallRecord, error)
	ListTransitions(ctx context.Context, sessionID string) ([]storage.StatusTransition, error)
	CountByStatus(ctx context.Context) (map[model.CallStatus]int, error)
}

// Server is the Denwa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds dependencies and settings for New.
// History, Broker and Limiter are optional.
type ServerConfig struct {
	Calls           Calls
	JWTMgr          *auth.JWTManager
	OperatorKeyHash string
	Logger          *slog.Logger

	History CallHistory
	Broker  *Broker
	Limiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates the server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		calls:               cfg.Calls,
		history:             cfg.History,
		broker:              cfg.Broker,
		jwtMgr:              cfg.JWTMgr,
		operatorKeyHash:     cfg.OperatorKeyHash,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if h.maxRequestBodyBytes <= 0 {
		h.maxRequestBodyBytes = 1 << 20
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reqIDFunc := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	eventsRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// No auth.
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Provider events, rate limited by client address.
	mux.Handle("POST /v1/events", eventsRL(http.HandlerFunc(h.HandleEvent)))

	// Calls.
	mux.HandleFunc("POST /v1/calls", h.HandleCreateCall)
	mux.HandleFunc("GET /v1/calls", h.HandleListCalls)
	mux.HandleFunc("GET /v1/calls/stats", h.HandleCallStats)
	mux.HandleFunc("GET /v1/calls/{session_id}", h.HandleGetCall)
	mux.HandleFunc("DELETE /v1/calls/{session_id}", h.HandleEndCall)
	mux.HandleFunc("PUT /v1/calls/{session_id}/call_id", h.HandleReassignCallID)
	mux.HandleFunc("POST /v1/calls/{session_id}/control", h.HandleControl)
	mux.HandleFunc("GET /v1/calls/{session_id}/history", h.HandleCallHistory)

	mux.HandleFunc("GET /v1/agents/loads", h.HandleAgentLoads)
	mux.HandleFunc("PUT /v1/agents/{agent_id}", h.HandlePutAgent)
	mux.HandleFunc("DELETE /v1/agents/{agent_id}", h.HandleDeleteAgent)

	// Long-lived, no rate limit.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
