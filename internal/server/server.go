// Package server wires the marketplace services into an HTTP API.
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
	"github.com/mbd888/marketplace/internal/circuitbreaker"
	"github.com/mbd888/marketplace/internal/commission"
	"github.com/mbd888/marketplace/internal/config"
	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/health"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/mbd888/marketplace/internal/payments"
	"github.com/mbd888/marketplace/internal/ratelimit"
	"github.com/mbd888/marketplace/internal/reconciliation"
	"github.com/mbd888/marketplace/internal/refund"
	"github.com/mbd888/marketplace/internal/security"
	"github.com/mbd888/marketplace/internal/validation"
	"github.com/mbd888/marketplace/internal/webhooks"
)

// Version is reported by /health and the tracing resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	orders        *order.Service
	calc          *commission.Calculator
	rules         commission.RuleStore
	escrowService *escrow.Service
	refundService *refund.Service
	provider      refund.Provider
	breaker       *circuitbreaker.Breaker
	webhookStore  webhooks.Store
	dispatcher    *webhooks.Dispatcher
	reconciler    *reconciliation.Runner
	reconTimer    *reconciliation.Timer
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider replaces the configured payment provider (for testing).
// It is still wrapped with retries and the circuit breaker.
func WithProvider(p payments.NamedProvider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		orderStore   order.Store
		ruleStore    commission.RuleStore
		escrowStore  escrow.Store
		refundStore  refund.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		orderStore = order.NewPostgresStore(db)
		ruleStore = commission.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		refundStore = refund.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		if err := metrics.RegisterDB(db, "primary"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
		orderStore = order.NewMemoryStore()
		ruleStore = commission.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		refundStore = refund.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}
	s.webhookStore = webhookStore
	s.rules = ruleStore

	calc, err := commission.NewCalculator(ruleStore, cfg.DefaultCommissionRate)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("commission calculator: %w", err)
	}
	s.calc = calc
	s.orders = order.NewService(orderStore)

	s.dispatcher = webhooks.NewDispatcher(webhookStore, webhooks.DispatcherConfig{
		Timeout:      cfg.WebhookTimeout,
		DisableAfter: cfg.WebhookDisableAfter,
	}, s.logger)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	s.escrowService = escrow.NewService(escrowStore, calc, s.logger).WithNotifier(emitter)

	inner, ok := s.provider.(payments.NamedProvider)
	if !ok {
		inner = s.configuredProvider()
	}
	resilientCfg := payments.DefaultResilientConfig()
	s.breaker = circuitbreaker.New(resilientCfg.FailureThreshold, resilientCfg.OpenDuration)
	s.provider = payments.NewResilient(inner, s.breaker, resilientCfg, s.logger)
	s.health.Register("payment_provider", providerCheck(s.breaker, inner.Name()))

	s.refundService = refund.NewService(refundStore, s.orders, s.escrowService, s.provider, refund.Config{
		MaxRetries:         cfg.MaxRefundRetries,
		ProviderTimeout:    cfg.ProviderTimeout,
		SellerRefundWindow: cfg.RefundWindow,
	}, s.logger).WithNotifier(emitter)

	reconCfg := reconciliation.DefaultConfig()
	reconCfg.StaleAfter = cfg.StaleRefundAfter
	reconCfg.OperatorID = cfg.OperatorID
	s.reconciler = reconciliation.NewRunner(s.refundService, s.escrowService, reconCfg, s.logger).WithAlerter(emitter)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconTimer))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("server initialized",
		"provider", inner.Name(),
		"default_commission_rate", cfg.DefaultCommissionRate.String(),
	)
	return s, nil
}

func (s *Server) configuredProvider() payments.NamedProvider {
	if s.cfg.PaymentProvider == config.ProviderStripe {
		return payments.NewStripeProvider(s.cfg.StripeSecretKey, nil, s.logger)
	}
	return payments.NewSimulatedProvider(payments.SimulatedMode(s.cfg.SimulatedMode))
}

func providerCheck(b *circuitbreaker.Breaker, name string) health.Checker {
	return func(context.Context) health.Status {
		state := b.State(name)
		return health.Status{
			Name:    "payment_provider",
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  name + " circuit " + state.String(),
		}
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	order.NewHandler(s.orders).RegisterRoutes(v1)
	commission.NewHandler(s.calc, s.rules).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService, s.orders).RegisterRoutes(v1)
	refund.NewHandler(s.refundService).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(v1)
	v1.POST("/reconciliation/run", s.reconcileHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
}

// reconcileHandler runs one reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconTimer.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconTimer.Stop()
	s.rateLimiter.Stop()
	s.dispatcher.Wait()
	s.logger.Info("background workers stopped")

	s.closeDB()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
