// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/finsentry/finsentry/internal/alerts"
	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/internal/device"
	"github.com/finsentry/finsentry/internal/fraud"
	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/health"
	"github.com/finsentry/finsentry/internal/logging"
	"github.com/finsentry/finsentry/internal/metrics"
	"github.com/finsentry/finsentry/internal/ratelimit"
	"github.com/finsentry/finsentry/internal/security"
	"github.com/finsentry/finsentry/internal/state"
	"github.com/finsentry/finsentry/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	engine      *fraud.Engine
	devices     *device.Service
	store       state.Store
	resolver    geo.Resolver
	emitter     *alerts.Emitter
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory audit trail
	geoCloser   interface{ Close() error }
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStateStore sets a custom ephemeral state store (for testing)
func WithStateStore(store state.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithResolver sets a custom geolocation resolver (for testing)
func WithResolver(r geo.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/resolver/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Ephemeral risk state (Redis if REDIS_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.RedisURL != "" {
			client, err := state.Connect(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			redisStore := state.NewRedisStore(client)
			s.store = redisStore
			s.checks.Register("redis", func(ctx context.Context) health.Status {
				if err := redisStore.Ping(ctx); err != nil {
					return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "redis", Healthy: true}
			})
			s.logger.Info("using Redis risk state", "url", maskDSN(cfg.RedisURL))
		} else {
			s.store = state.NewMemoryStore()
			s.logger.Info("using in-memory risk state (data will not persist)")
		}
	}

	// Geolocation (MaxMind if a database path is configured)
	if s.resolver == nil && cfg.GeoIPDBPath != "" {
		resolver, err := geo.NewMaxMindResolver(cfg.GeoIPDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
		}
		s.resolver = resolver
		s.geoCloser = resolver
		s.logger.Info("geolocation enabled", "db", cfg.GeoIPDBPath)
	}

	// Audit trail (Postgres if DATABASE_URL set, otherwise in-memory)
	var audit fraud.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		audit = fraud.NewPostgresStore(db)
		s.checks.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
		s.logger.Info("using PostgreSQL audit trail", "url", maskDSN(cfg.DatabaseURL))
	} else {
		audit = fraud.NewMemoryStore()
		s.logger.Info("using in-memory audit trail (data will not persist)")
	}

	// Alert emitter (log sink always; signed webhook when configured)
	sinks := []alerts.Sink{alerts.NewLogSink(s.logger)}
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid alert webhook URL: %w", err)
		}
		sinks = append(sinks, alerts.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		s.logger.Info("alert webhook enabled", "url", cfg.WebhookURL)
	}
	s.emitter = alerts.NewEmitter(s.logger, sinks...)

	// Device trust service
	s.devices = device.NewService(s.store, s.resolver, s.logger,
		device.WithTrustThreshold(cfg.TrustThreshold),
		device.WithRecordTTL(cfg.DeviceTTL),
	)

	// Fraud engine
	fraudCfg := fraud.Default()
	fraudCfg.MaxSingleAmount = cfg.MaxSingleAmount
	fraudCfg.MaxDailyAmount = cfg.MaxDailyAmount
	fraudCfg.MaxDailyCount = cfg.MaxDailyCount
	fraudCfg.VelocityWindow = cfg.VelocityWindow
	fraudCfg.VelocityMaxTx = cfg.VelocityMaxTx
	fraudCfg.SmallTxAmount = cfg.SmallTxAmount
	fraudCfg.SmallTxMaxCount = cfg.SmallTxMaxCount
	fraudCfg.DistanceThresholdKm = cfg.DistanceThresholdKm
	fraudCfg.DeviceChangeWindow = cfg.DeviceChangeWindow
	fraudCfg.SuspiciousCountries = cfg.SuspiciousCountries
	s.engine = fraud.NewEngine(s.store, s.resolver, s.logger,
		fraud.WithConfig(fraudCfg),
		fraud.WithDeviceService(s.devices),
		fraud.WithAuditStore(audit),
		fraud.WithEmitter(s.emitter),
	)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (evaluation callers are server-side; keep origins tight by default)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware gates mutation endpoints behind the admin secret.
// In development mode without a configured secret, requests pass through.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "ADMIN_SECRET is not configured",
				})
				return
			}
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserParamMiddleware())

	// Risk evaluation
	v1.POST("/evaluate", s.evaluateHandler)
	v1.POST("/transactions", s.recordTransactionHandler)
	v1.GET("/users/:userId/evaluations", s.historyHandler)

	// Device fingerprinting & trust
	v1.POST("/devices", s.generateDeviceHandler)
	v1.GET("/devices/:deviceId", s.getDeviceHandler)
	v1.GET("/devices/:deviceId/trusted", s.isTrustedHandler)
	v1.GET("/users/:userId/devices", s.listDevicesHandler)

	// Explicit trust grants are an admin operation
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	{
		admin.POST("/devices/:deviceId/trust", s.trustDeviceHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Export database pool stats while we have a pool
	if s.db != nil {
		metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close the GeoIP database
	if s.geoCloser != nil {
		if err := s.geoCloser.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
