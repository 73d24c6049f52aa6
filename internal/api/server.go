package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"trend-portfolio-bot/internal/database"
	"trend-portfolio-bot/internal/engine"
	"trend-portfolio-bot/internal/events"
	"trend-portfolio-bot/internal/instrument"
	"trend-portfolio-bot/internal/logging"
	"trend-portfolio-bot/internal/market"
	"trend-portfolio-bot/internal/scheduler"
	"trend-portfolio-bot/internal/signal"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
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

// TradingAPI is the engine surface the HTTP layer drives
type TradingAPI interface {
	ProcessSignal(ctx context.Context, s *signal.Signal) *engine.Outcome
	Paused() bool
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	CloseAll(ctx context.Context, dryRun bool) (int, float64, error)
}

// RolloverAPI is the scanner surface exposed over HTTP
type RolloverAPI interface {
	ScanOnce(ctx context.Context) ([]scheduler.RollReport, error)
	RollNow(ctx context.Context, positionID string) error
	Status() (time.Time, []scheduler.RollReport)
}

// EODStatusAPI reports the EOD monitor state
type EODStatusAPI interface {
	Status(now time.Time) map[string]interface{}
}

// StopWatchAPI reports the intra-session stop watcher state
type StopWatchAPI interface {
	Status(now time.Time) map[string]interface{}
}

// Store is the read surface the handlers query, satisfied by *database.Repository
type Store interface {
	HealthCheck(ctx context.Context) error
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetClosedPositions(ctx context.Context, limit int) ([]*database.Position, error)
	GetPortfolioState(ctx context.Context) (*database.PortfolioState, error)
	ListSignalAudits(ctx context.Context, instrument, outcome string, limit int) ([]*database.SignalAudit, error)
	AuditOutcomeCounts(ctx context.Context, since time.Time) (map[string]int, error)
	ListOrderExecutions(ctx context.Context, positionID string) ([]*database.OrderExecutionRecord, error)
	ListInstances(ctx context.Context) ([]*database.InstanceMetadata, error)
	ListStrategyTrades(ctx context.Context, instrument string, limit int) ([]*database.StrategyTrade, error)
	RecordCapitalFlow(ctx context.Context, txType string, amount float64, note string) (*database.PortfolioState, error)
	LedgerSum(ctx context.Context) (float64, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ProductionMode  bool
	SignalDeadline  time.Duration
	APIKey          string
	APIKeyHash      string
}

// Server is the HTTP API in front of the trading engine
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	trading  TradingAPI
	store    Store
	rollover RolloverAPI
	eod      EODStatusAPI
	stops    StopWatchAPI
	catalog  *instrument.Catalog
	calendar *market.Calendar
	bus      *events.EventBus
	logger   *logging.Logger

	instanceID string
	isLeader   func() bool
	noteSignal func()
	startedAt  time.Time

	configView map[string]interface{}

	webhookLimiter *RateLimiter
}

// SetConfigView installs the redacted configuration snapshot served on
// /api/config. Call before Start; the view is read-only afterwards.
func (s *Server) SetConfigView(view map[string]interface{}) {
	s.configView = view
}

// NewServer creates the API server
func NewServer(
	config ServerConfig,
	trading TradingAPI,
	store Store,
	rollover RolloverAPI,
	eod EODStatusAPI,
	stops StopWatchAPI,
	catalog *instrument.Catalog,
	calendar *market.Calendar,
	bus *events.EventBus,
	instanceID string,
	isLeader func() bool,
	noteSignal func(),
	logger *logging.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.SignalDeadline <= 0 {
		config.SignalDeadline = 25 * time.Second
	}
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if noteSignal == nil {
		noteSignal = func() {}
	}
	if logger == nil {
		logger = logging.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-API-Key"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:         router,
		config:         config,
		trading:        trading,
		store:          store,
		rollover:       rollover,
		eod:            eod,
		stops:          stops,
		catalog:        catalog,
		calendar:       calendar,
		bus:            bus,
		logger:         logger.WithComponent("api"),
		instanceID:     instanceID,
		isLeader:       isLeader,
		noteSignal:     noteSignal,
		startedAt:      time.Now(),
		webhookLimiter: NewRateLimiter(120, time.Minute),
	}

	server.setupRoutes()

	if bus != nil {
		InitWebSocket(bus, server.logger)
	}

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/webhook", s.handleWebhook)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handleGetPositions)
		api.GET("/positions/history", s.handleGetPositionHistory)
		api.GET("/positions/:id/orders", s.handleGetPositionOrders)
		api.GET("/signals", s.handleGetSignals)
		api.GET("/trades", s.handleGetTrades)
		api.GET("/config", s.handleGetConfig)
		api.GET("/webhook/stats", s.handleWebhookStats)
		api.GET("/instruments", s.handleGetInstruments)
		api.GET("/holidays/:exchange", s.handleGetHolidays)
		api.GET("/instances", s.handleGetInstances)

		api.GET("/rollover/status", s.handleRolloverStatus)
		api.POST("/rollover/scan", s.handleRolloverScan)
		api.POST("/rollover/execute", s.handleRolloverExecute)

		api.GET("/eod/status", s.handleEODStatus)
		api.GET("/stops/status", s.handleStopsStatus)

		// Emergency controls, shared-key protected
		emergency := api.Group("/emergency")
		emergency.Use(s.apiKeyMiddleware())
		{
			emergency.POST("/stop", s.handleEmergencyStop)
			emergency.POST("/resume", s.handleEmergencyResume)
			emergency.POST("/close-all", s.handleEmergencyCloseAll)
			emergency.POST("/capital", s.handleCapitalFlow)
		}
	}

	s.router.GET("/ws", s.handleWebSocketUpgrade)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "endpoint not found",
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
	})
}

// Start starts the HTTP server, blocking until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("http server listening", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports process and database health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"database":    "healthy",
		"instance_id": s.instanceID,
		"is_leader":   s.isLeader(),
		"uptime_sec":  int(time.Since(s.startedAt).Seconds()),
	})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// normalizeExchange maps operator-friendly names onto catalog exchange
// identifiers; NSE index options trade on the NFO segment.
func normalizeExchange(raw string) string {
	ex := strings.ToUpper(strings.TrimSpace(raw))
	if ex == "NSE" {
		return market.ExchangeNFO
	}
	return ex
}
