// Package api is the operator HTTP surface of the optimizer: the pre-trade
// gate the execution layer calls, live trade reports, status overrides,
// configuration and the audit log.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"symbol-optimizer/internal/auth"
	"symbol-optimizer/internal/circuit"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/events"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/risk"
)

// Store is the slice of the repository the handlers read and write directly
type Store interface {
	HealthCheck(ctx context.Context) error
	GetOptimizationConfig(ctx context.Context, accountID string) (*database.OptimizationConfig, error)
	SaveOptimizationConfig(ctx context.Context, c *database.OptimizationConfig) error
	AddSubscription(ctx context.Context, accountID, symbol string) error
	RemoveSubscription(ctx context.Context, accountID, symbol string) error
	ListSymbolStates(ctx context.Context, accountID string) ([]database.SymbolState, error)
	GetSymbolState(ctx context.Context, accountID, symbol string) (*database.SymbolState, error)
	ListSnapshots(ctx context.Context, accountID, symbol string, limit int) ([]database.PerformanceSnapshot, error)
	InsertTradeOutcome(ctx context.Context, o *database.TradeOutcome) error
	ListRuns(ctx context.Context, accountID string, limit int) ([]database.ScheduleRun, error)
}

// Gate is the safety interlock
type Gate interface {
	CheckTrade(ctx context.Context, req circuit.Request) (circuit.Verdict, error)
	RecordTradeResult(ctx context.Context, accountID string, pnl decimal.Decimal, equity float64) (*database.DrawdownState, error)
	Reset(ctx context.Context, accountID, operator, reason string) (*database.DrawdownState, error)
	Status(ctx context.Context, accountID string) (*database.DrawdownState, error)
}

// StatusOverrider applies operator status changes
type StatusOverrider interface {
	ForceStatus(ctx context.Context, accountID, symbol string, status database.SymbolStatus, operator, reason string) (*optimizer.Result, error)
}

// TradeAdjuster is the risk parameter adjuster
type TradeAdjuster interface {
	RecordOutcome(ctx context.Context, o database.TradeOutcome) (*database.SymbolTradingConfig, error)
	Params(ctx context.Context, key database.TradingKey) (*risk.Params, error)
}

// RunTrigger starts an evaluation run outside the cron schedule
type RunTrigger interface {
	RunAccount(ctx context.Context, accountID string, date time.Time, force bool) (*database.ScheduleRun, error)
	RunDate(t time.Time) time.Time
}

// EventLister reads the audit trail
type EventLister interface {
	List(ctx context.Context, f database.EventFilter) ([]database.OptimizationEvent, error)
}

// ShadowControl exposes the simulator's manual exit
type ShadowControl interface {
	CloseManual(ctx context.Context, accountID, symbol string, price float64) (*database.ShadowTrade, error)
	Open(accountID, symbol string) (*database.ShadowTrade, bool)
	OpenCount() int
}

// CacheHealth reports whether the shared Redis cache is reachable
type CacheHealth interface {
	IsHealthy() bool
}

// Deps are the components the server routes to. Shadow, Runs, Bus and Cache may be nil.
type Deps struct {
	Store    Store
	Gate     Gate
	Engine   StatusOverrider
	Adjuster TradeAdjuster
	Runs     RunTrigger
	Events   EventLister
	Shadow   ShadowControl
	Bus      *events.EventBus
	Cache    CacheHealth
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ProductionMode  bool
	AuthEnabled     bool
	DefaultOperator string // recorded on overrides when auth is disabled
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	config     ServerConfig
	jwt        *auth.JWTManager
	operators  *auth.OperatorStore
	hub        *WSHub
	logger     *logging.Logger

	// runs started from the API inherit this context, so shutdown cancels them
	baseCtx    context.Context
	cancelRuns context.CancelFunc
}

// NewServer creates a new API server. jwtManager and operators are required
// only when auth is enabled.
func NewServer(config ServerConfig, deps Deps, jwtManager *auth.JWTManager, operators *auth.OperatorStore, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.DefaultOperator == "" {
		config.DefaultOperator = "local"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.WithComponent("http")))

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	baseCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		router:     router,
		deps:       deps,
		config:     config,
		jwt:        jwtManager,
		operators:  operators,
		logger:     logger.WithComponent("api"),
		baseCtx:    baseCtx,
		cancelRuns: cancel,
	}

	if deps.Bus != nil {
		server.hub = NewWSHub(logger)
		go server.hub.Run(baseCtx)
		deps.Bus.SubscribeAll(server.hub.BroadcastEvent)
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")

	// Auth routes (public, no authentication required)
	if s.config.AuthEnabled {
		auth.NewHandlers(s.operators, s.jwt, s.logger).RegisterRoutes(v1.Group("/auth"))
	}

	protected := v1.Group("")
	if s.config.AuthEnabled {
		protected.Use(auth.Middleware(s.jwt), auth.RequireRole(auth.RoleOperator))
	} else {
		protected.Use(auth.StaticOperator(s.config.DefaultOperator))
	}

	protected.POST("/gate/check", s.handleGateCheck)
	protected.POST("/trades/closed", s.handleTradeClosed)

	accounts := protected.Group("/accounts/:account")
	{
		accounts.GET("/symbols", s.handleListSymbols)
		accounts.POST("/symbols", s.handleSubscribe)
		accounts.GET("/symbols/:symbol", s.handleGetSymbol)
		accounts.DELETE("/symbols/:symbol", s.handleUnsubscribe)
		accounts.PUT("/symbols/:symbol/status", s.handleOverrideStatus)
		accounts.GET("/symbols/:symbol/params", s.handleGetParams)
		accounts.POST("/symbols/:symbol/shadow/close", s.handleCloseShadow)

		accounts.GET("/config", s.handleGetConfig)
		accounts.PUT("/config", s.handlePutConfig)

		accounts.GET("/runs", s.handleListRuns)
		accounts.POST("/runs", s.handleTriggerRun)

		accounts.GET("/events", s.handleListEvents)

		accounts.GET("/drawdown", s.handleGetDrawdown)
		accounts.POST("/breaker/reset", s.handleResetBreaker)
	}

	if s.hub != nil {
		protected.GET("/ws/events", s.handleWebSocket)
	}

	s.router.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, "endpoint not found: "+c.Request.Method+" "+c.Request.URL.Path)
	})
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr, "auth_enabled", s.config.AuthEnabled)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server and cancels API-started runs
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.cancelRuns()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	body := gin.H{
		"status":   "healthy",
		"database": "healthy",
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Shadow != nil {
		body["open_shadow_trades"] = s.deps.Shadow.OpenCount()
	}
	// Redis is optional; shadow slots fall back to the process when it is down
	if s.deps.Cache != nil {
		if s.deps.Cache.IsHealthy() {
			body["redis"] = "healthy"
		} else {
			body["redis"] = "degraded"
		}
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.GetClientCount()
	}
	c.JSON(http.StatusOK, body)
}

// requestLogger tags each request with a trace ID, stores the tagged logger
// in the request context and logs one line when the request completes
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, logger := logging.WithTraceContext(logging.NewContext(c.Request.Context(), logger))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", logging.TraceIDFromContext(ctx))
		c.Next()

		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			logger.Error("Request failed", kv...)
		case status >= 400:
			logger.Warn("Request rejected", kv...)
		default:
			logger.Debug("Request served", kv...)
		}
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
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

func (s *Server) operator(c *gin.Context) string {
	if op := auth.GetOperator(c); op != "" {
		return op
	}
	return s.config.DefaultOperator
}

// pathSymbol normalizes the :symbol parameter
func pathSymbol(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}
