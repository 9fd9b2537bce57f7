// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jmehta/fraudwatch/internal/config"
	"github.com/jmehta/fraudwatch/internal/health"
	"github.com/jmehta/fraudwatch/internal/logging"
	"github.com/jmehta/fraudwatch/internal/metrics"
	"github.com/jmehta/fraudwatch/internal/ratelimit"
	"github.com/jmehta/fraudwatch/internal/relay"
	"github.com/jmehta/fraudwatch/internal/security"
	"github.com/jmehta/fraudwatch/internal/snapshot"
	"github.com/jmehta/fraudwatch/internal/stats"
	"github.com/jmehta/fraudwatch/internal/txn"
	"github.com/jmehta/fraudwatch/internal/validation"
	"github.com/jmehta/fraudwatch/internal/watch"
)

// Watcher restart backoff bounds.
const (
	watcherBackoffMin = time.Second
	watcherBackoffMax = 30 * time.Second
	// A watcher that survived this long gets its backoff reset.
	watcherHealthyRun = time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        txn.Store
	memStore     *txn.MemoryStore // non-nil only in DB-less mode
	db           *sql.DB          // nil if using in-memory
	hub          *relay.Hub
	agg          *stats.Aggregator
	snapshots    *snapshot.Service
	resyncTimer  *stats.ResyncTimer
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		pgStore := txn.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transaction store", "error", err)
		}
		s.store = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.memStore = txn.NewMemoryStore()
		s.store = s.memStore
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Stats aggregator and snapshot service
	s.agg = stats.New()
	s.snapshots = snapshot.NewService(s.store, s.agg, cfg.SnapshotLimit, s.logger)

	// Fan-out hub for WebSocket streaming
	s.hub = relay.NewHub(logging.Component(s.logger, "hub"), cfg.AllowedOrigins)
	s.logger.Info("relay streaming enabled", "origins", cfg.AllowedOrigins)

	// Periodic authoritative stats re-sync
	s.resyncTimer = stats.NewResyncTimer(s.agg, s.store, s.hub,
		cfg.StatsResyncInterval, logging.Component(s.logger, "resync"))

	// Subsystem health checks
	s.checks = health.NewRegistry()
	s.checks.Register("database", s.databaseChecker())
	s.checks.Register("hub", s.hubChecker())
	s.checks.Register("stats", s.statsChecker())

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

	// CORS for the configured dashboard origins
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request and query size limits
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(validation.QueryLengthMiddleware())

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = generateRequestID()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Read API
	api := s.router.Group("/api")
	snapshot.NewHandler(s.snapshots).RegisterRoutes(api)

	// Hub statistics (operational visibility)
	s.router.GET("/api/hub", s.hubStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// healthHandler answers the dashboard's plain liveness probe.
func (s *Server) healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports aggregate subsystem health.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)
	status := "ready"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) hubStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Health checkers
// -----------------------------------------------------------------------------

func (s *Server) databaseChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	}
}

func (s *Server) hubChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		return health.Status{
			Name:    "hub",
			Healthy: true,
			Detail:  fmt.Sprintf("%d clients", s.hub.ClientCount()),
		}
	}
}

func (s *Server) statsChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		if !s.agg.Initialized() {
			return health.Status{Name: "stats", Healthy: false, Detail: "aggregator not seeded"}
		}
		return health.Status{Name: "stats", Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Watcher supervision
// -----------------------------------------------------------------------------

// newWatcher builds a watcher for one source matching the storage mode.
func (s *Server) newWatcher(src txn.Source) watch.Watcher {
	logger := logging.Component(s.logger, "watcher")
	if s.db != nil {
		return watch.NewPGWatcher(s.cfg.DatabaseURL, src, logger)
	}
	return watch.NewMemoryWatcher(s.memStore, src, logger)
}

// superviseWatcher keeps one source watched for the life of ctx. Watchers
// are non-restartable: when one dies, a new one is created after backoff.
// The backoff resets once a watcher survives a healthy run, so a flapping
// connection does not hammer the database while a single glitch recovers
// quickly. Failure of one source never affects the other.
func (s *Server) superviseWatcher(ctx context.Context, src txn.Source) {
	logger := s.logger.With("source", string(src))
	backoff := watcherBackoffMin

	for ctx.Err() == nil {
		w := s.newWatcher(src)
		started := time.Now()

		if err := w.Start(ctx); err != nil {
			logger.Error("watcher start failed", "error", err)
		} else {
			for ev := range w.Events() {
				s.agg.Apply(ev.Tx)
				s.hub.BroadcastTransaction(ev)
			}
			if ctx.Err() != nil {
				return
			}
			if err := w.Err(); err != nil {
				logger.Warn("watcher terminated", "error", err)
			} else {
				logger.Warn("watcher stream ended unexpectedly")
			}
		}

		if time.Since(started) >= watcherHealthyRun {
			backoff = watcherBackoffMin
		}

		metrics.WatcherRestartsTotal.WithLabelValues(string(src)).Inc()
		logger.Info("restarting watcher", "backoff", backoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > watcherBackoffMax {
			backoff = watcherBackoffMax
		}
	}
}

// seedStats performs the startup authoritative recount. Failure is logged
// and left to the snapshot service's lazy fallback.
func (s *Server) seedStats(ctx context.Context) {
	recountCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	totals, err := s.store.Recount(recountCtx)
	if err != nil {
		s.logger.Warn("startup stats recount failed, will seed lazily", "error", err)
		return
	}
	s.agg.Initialize(totals)
	s.logger.Info("stats aggregator seeded",
		"fraud", totals.Fraud,
		"legit", totals.Legit,
		"amount_total", totals.AmountTotal.StringFixed(2),
	)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the fan-out hub
	go s.hub.Run(runCtx)

	// Seed the aggregator before events start flowing
	s.seedStats(runCtx)

	// Watch both source tables independently
	for _, src := range txn.Sources {
		go s.superviseWatcher(runCtx, src)
	}

	// Periodic authoritative re-sync heals anything the watchers missed
	go s.resyncTimer.Start(runCtx)

	// DB pool gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, watchers, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the re-sync timer
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
		s.logger.Info("stats re-sync timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// Hub returns the fan-out hub (used by tests and the readiness report).
func (s *Server) Hub() *relay.Hub {
	return s.hub
}

// Store returns the transaction store.
func (s *Server) Store() txn.Store {
	return s.store
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
