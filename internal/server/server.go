// Package server wires the coin escrow service together and serves its HTTP API.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/charitycoin/coinescrow/internal/auth"
	"github.com/charitycoin/coinescrow/internal/config"
	"github.com/charitycoin/coinescrow/internal/dbtx"
	"github.com/charitycoin/coinescrow/internal/escrow"
	"github.com/charitycoin/coinescrow/internal/health"
	"github.com/charitycoin/coinescrow/internal/idgen"
	"github.com/charitycoin/coinescrow/internal/ledger"
	"github.com/charitycoin/coinescrow/internal/logging"
	"github.com/charitycoin/coinescrow/internal/metrics"
	"github.com/charitycoin/coinescrow/internal/ratelimit"
	"github.com/charitycoin/coinescrow/internal/realtime"
	"github.com/charitycoin/coinescrow/internal/reconciliation"
	"github.com/charitycoin/coinescrow/internal/security"
	"github.com/charitycoin/coinescrow/internal/traces"
	"github.com/charitycoin/coinescrow/internal/validation"
	"github.com/charitycoin/coinescrow/internal/webhooks"
	"github.com/charitycoin/coinescrow/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	authMgr     *auth.Manager
	ledger      *ledger.Ledger
	escrowStore escrow.Store
	escrowMgr   *escrow.Manager
	scheduler   *escrow.Scheduler
	webhooks    *webhooks.Dispatcher
	webhookSubs webhooks.Store
	realtimeHub *realtime.Hub
	reconciler  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error
	drainDelay     time.Duration

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

// WithDB injects an open database instead of opening DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracerShutdown = shutdown

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	var (
		runner      dbtx.Runner
		ledgerStore ledger.Store
		authStore   auth.Store
	)
	if s.db != nil {
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		if cfg.MigrateOnStart {
			if err := migrations.Up(ctx, s.db); err != nil {
				return nil, err
			}
			s.logger.Info("migrations applied")
		}
		runner = dbtx.NewSQLRunner(s.db)
		ledgerStore = ledger.NewPostgresStore(s.db)
		s.escrowStore = escrow.NewPostgresStore(s.db)
		s.webhookSubs = webhooks.NewPostgresStore(s.db)
		authStore = auth.NewPostgresStore(s.db)
		s.health.Register("database", health.DatabaseChecker("database", s.db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		runner = dbtx.NewMemoryRunner()
		ledgerStore = ledger.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.webhookSubs = webhooks.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)
	s.ledger = ledger.New(ledgerStore)

	// Notification gateway: signed webhooks plus live WebSocket push.
	whCfg := webhooks.DefaultConfig()
	whCfg.Timeout = cfg.WebhookTimeout
	s.webhooks = webhooks.NewDispatcher(s.webhookSubs, whCfg, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowMgr = escrow.NewManager(s.escrowStore, ledger.NewEscrowAdapter(ledgerStore), runner, policyFromConfig(cfg)).
		WithLogger(s.logger).
		WithEmitter(escrow.MultiEmitter{
			webhooks.NewEmitter(s.webhooks, s.logger),
			s.realtimeHub,
		})
	s.scheduler = escrow.NewScheduler(s.escrowMgr, s.escrowStore, cfg.SweepInterval, cfg.SweepBatch, s.logger)
	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewRunner(s.ledger, s.escrowStore), cfg.ReconcileInterval, s.logger)

	s.health.Register("expiration_scheduler", health.LoopChecker("expiration_scheduler", s.scheduler.Running))
	s.health.Register("reconciliation", health.LoopChecker("reconciliation", s.reconciler.Running))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func policyFromConfig(cfg *config.Config) escrow.Policy {
	p := escrow.DefaultPolicy()
	p.MinQuantity = cfg.MinQuantity
	p.MaxQuantity = cfg.MaxQuantity
	p.BonusThreshold = cfg.BonusThreshold
	p.BonusPercent = cfg.BonusPercent
	p.Window = cfg.EscrowWindow
	p.MaxOpenPerBuyer = cfg.MaxOpenPerBuyer
	return p
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set by a load balancer if it looks sane.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authMgr)
	ledgerHandler := ledger.NewHandler(s.ledger)
	escrowHandler := escrow.NewHandler(s.escrowMgr)
	webhookHandler := webhooks.NewHandler(s.webhookSubs)
	reconcileHandler := reconciliation.NewHandler(s.reconciler)

	// Every /v1 route resolves the caller first so the limiter can key on it.
	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr), s.rateLimiter.Middleware())

	// Public marketplace reads.
	ledgerHandler.RegisterRoutes(v1)

	// Any authenticated identity; participation is checked per purchase.
	protected := v1.Group("", auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)
	protected.GET("/stream", s.realtimeHub.HandleStream)

	// Routes under /buyers/:id, /agents/:id and /identities/:id act on the
	// caller's own account.
	owner := v1.Group("", auth.RequireOwnership("id"))
	ledgerHandler.RegisterOwnerRoutes(owner)
	escrowHandler.RegisterOwnerRoutes(owner)
	webhookHandler.RegisterOwnerRoutes(owner)
	authHandler.RegisterOwnerRoutes(owner)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	reconcileHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: expiration scheduler, reconciliation
// timer, realtime hub and DB stats collector. Run calls it; tests may call
// it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.scheduler.Start(runCtx)
	go s.reconciler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests finish, then the
// background loops stop, then pending webhook deliveries drain.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.scheduler.Stop()
	s.reconciler.Stop()
	s.rateLimiter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background loops stopped")

	if err := s.webhooks.Wait(ctx); err != nil {
		s.logger.Warn("webhook deliveries still pending at shutdown", "error", err)
	}

	if err := s.tracerShutdown(ctx); err != nil {
		s.logger.Warn("tracer shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
