// Package api exposes the engine over HTTP and a websocket event stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"futures-risk-engine/internal/auth"
	"futures-risk-engine/internal/engine"
	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/logging"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/scanner"
	"futures-risk-engine/internal/trading"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Engine is the part of the engine the API drives.
type Engine interface {
	ComputeSizing(req risk.SizingRequest) (risk.SizingResult, error)
	AttachProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error)
	ReplaceProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error)
	RemoveProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) error
	ApplyProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error)
	ClosePosition(ctx context.Context, intent orders.CloseIntent) (orders.CloseResult, error)
	StartStrategyScan(s scanner.Strategy) (string, error)
	StopStrategyScan(handle string) error
	ListStrategyScans() []scanner.SubscriptionInfo
	LatestEvaluation(handle string) (scanner.SignalEvaluation, bool, error)
	ExecuteSignal(ctx context.Context, handle string, direction trading.Side, style trading.OrderStyle) (engine.ExecutionResult, error)
	ProtectiveSlots() []orders.SlotSnapshot
}

// HistorySource serves the protective order audit trail.
type HistorySource interface {
	GetModificationHistory(ctx context.Context, key orders.SlotKey) ([]*orders.OrderModificationEvent, error)
}

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MetricsPath    string // empty disables /metrics
	WriteRateLimit int    // mutating requests per minute per route
}

// Deps are the collaborators of a Server. Only Engine is required.
type Deps struct {
	Engine   Engine
	History  HistorySource
	EventBus *events.EventBus
	JWT      *auth.JWTManager // nil disables authentication
	Health   map[string]HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      Engine
	history     HistorySource
	jwt         *auth.JWTManager
	health      map[string]HealthCheck
	hub         *WSHub
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.WriteRateLimit <= 0 {
		config.WriteRateLimit = 120
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		engine:      deps.Engine,
		history:     deps.History,
		jwt:         deps.JWT,
		health:      deps.Health,
		config:      config,
		rateLimiter: NewRateLimiter(config.WriteRateLimit, time.Minute),
		logger:      logger.With().Str("component", "API").Logger(),
	}
	if deps.EventBus != nil {
		s.hub = InitWebSocket(deps.EventBus, s.logger)
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         s.addr(),
		Handler:      s.router,
		ReadTimeout:  durationOr(config.ReadTimeout, 15*time.Second),
		WriteTimeout: durationOr(config.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// rateLimitMiddleware limits mutating requests per route; each one reaches
// the exchange.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"code":    "rate_limited",
				"message": "Too many requests to this endpoint. Please slow down to avoid exchange bans.",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.config.MetricsPath != "" {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.jwt != nil})
	})

	read := s.router.Group("/api/v1")
	write := s.router.Group("/api/v1")
	if s.jwt != nil {
		read.Use(auth.Middleware(s.jwt))
		write.Use(auth.Middleware(s.jwt), auth.RequireOperator())
	}
	write.Use(s.rateLimitMiddleware())

	if s.hub != nil {
		read.GET("/ws", s.handleWebSocket)
	}

	read.POST("/sizing", s.handleComputeSizing)

	read.GET("/protective", s.handleListProtective)
	read.GET("/protective/history", s.handleProtectiveHistory)
	write.POST("/protective/attach", s.handleAttachProtective)
	write.POST("/protective/replace", s.handleReplaceProtective)
	write.POST("/protective/apply", s.handleApplyProtective)
	write.POST("/protective/remove", s.handleRemoveProtective)

	write.POST("/positions/close", s.handleClosePosition)

	read.GET("/scans", s.handleListScans)
	read.GET("/scans/:handle/evaluation", s.handleLatestEvaluation)
	write.POST("/scans", s.handleStartScan)
	write.DELETE("/scans/:handle", s.handleStopScan)
	write.POST("/scans/:handle/execute", s.handleExecuteSignal)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) addr() string {
	port := s.config.Port
	if port == 0 {
		port = 8090
	}
	return net.JoinHostPort(s.config.Host, strconv.Itoa(port))
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "unhealthy"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"code":    code,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// respondError maps an engine error onto an HTTP status and error code.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var partial *trading.PartialReplaceError
	if errors.As(err, &partial) {
		c.JSON(http.StatusMultiStatus, gin.H{
			"error":          true,
			"code":           "partial_replace",
			"message":        err.Error(),
			"new_order":      partial.NewOrder,
			"stale_order_id": partial.StaleOrderID,
		})
		return
	}

	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, trading.ErrBelowMinimumSize):
		status, code = http.StatusBadRequest, "below_minimum_size"
	case errors.Is(err, trading.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, trading.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, trading.ErrBusy):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, trading.ErrSignalNotExecutable):
		status, code = http.StatusPreconditionFailed, "signal_not_executable"
	case errors.Is(err, trading.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case trading.IsGatewayError(err):
		status, code = http.StatusBadGateway, "gateway"
	}
	errorResponse(c, status, code, err.Error())
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
