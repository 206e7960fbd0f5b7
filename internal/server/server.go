// Package server wires the gift transfer engine into an HTTP API.
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
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/giftescrow/internal/auth"
	"github.com/mbd888/giftescrow/internal/balancecache"
	"github.com/mbd888/giftescrow/internal/circuitbreaker"
	"github.com/mbd888/giftescrow/internal/config"
	"github.com/mbd888/giftescrow/internal/escrow"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/health"
	"github.com/mbd888/giftescrow/internal/idempotency"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/metrics"
	"github.com/mbd888/giftescrow/internal/ratelimit"
	"github.com/mbd888/giftescrow/internal/realtime"
	"github.com/mbd888/giftescrow/internal/security"
	"github.com/mbd888/giftescrow/internal/transfer"
	"github.com/mbd888/giftescrow/internal/validation"
	"github.com/mbd888/giftescrow/internal/wallet"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server is the gift transfer API server
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil without DATABASE_URL
	redis  *redis.Client // nil without REDIS_URL
	ledger ledgerrpc.Client

	cacheStore  *balancecache.MemoryStore // nil when the cache lives in Redis
	invalidator *balancecache.Invalidator
	purgers     []*idempotency.Purger
	escrowTimer *escrow.Timer
	memLedger   *ledgerrpc.MemoryLedger // set when running without a real ledger

	transferService *transfer.Service
	escrowService   *escrow.Service
	walletService   *wallet.Service

	verifier    *auth.Verifier
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithLedger replaces the ledger built from config. Used by tests.
func WithLedger(l ledgerrpc.Client) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		checks:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.openBackends(); err != nil {
		s.closeBackends()
		return nil, err
	}
	if err := s.buildLedger(); err != nil {
		s.closeBackends()
		return nil, err
	}
	if err := s.buildCache(); err != nil {
		s.closeBackends()
		return nil, err
	}
	s.buildServices()

	secret := cfg.JWTSecret
	if secret == "" {
		// Only reachable outside production; Validate rejects it there.
		secret = randomSecret()
		s.logger.Warn("JWT_SECRET not set, using a random per-process secret")
	}
	s.verifier = auth.NewVerifier(secret, cfg.JWTIssuer, cfg.JWTAudience)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.invalidator.OnInvalidation(func(inv balancecache.Invalidation) {
		s.realtimeHub.BalanceInvalidated(inv.UserID, inv.Prefixes, inv.At)
	})
	notify := func(escrowID string, status escrow.Status, parties []string) {
		s.realtimeHub.EscrowUpdated(escrowID, string(status), parties)
	}
	s.escrowService.OnResolved(notify)
	if s.escrowTimer != nil {
		s.escrowTimer.OnExpired(notify)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openBackends connects to Postgres and Redis when configured.
func (s *Server) openBackends() error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.PingChecker("database", db))
		s.logger.Info("using PostgreSQL", "url", maskDSN(s.cfg.DatabaseURL))
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		s.redis = client
		s.checks.Register("redis", health.RedisChecker("redis", client))
		s.logger.Info("using Redis", "url", maskDSN(s.cfg.RedisURL))
	}
	return nil
}

// buildLedger picks the ledger backend and wraps it with metrics, spans
// and a per-RPC circuit breaker.
func (s *Server) buildLedger() error {
	inner := s.ledger
	if inner == nil {
		switch s.cfg.LedgerMode {
		case config.LedgerHTTP:
			inner = ledgerrpc.NewHTTPClient(s.cfg.LedgerURL, s.cfg.LedgerAPIKey)
			s.logger.Info("using hosted ledger", "url", s.cfg.LedgerURL)
		case config.LedgerPostgres:
			if s.db == nil {
				return errors.New("LEDGER_MODE=postgres requires DATABASE_URL")
			}
			inner = ledgerrpc.NewPostgresClient(s.db)
			s.logger.Info("using PostgreSQL ledger procedures")
		default:
			inner = ledgerrpc.NewMemoryLedger(s.cfg.DefaultCurrency)
			s.logger.Info("using in-memory ledger (data will not persist)")
		}
	}

	if mem, ok := inner.(*ledgerrpc.MemoryLedger); ok {
		s.memLedger = mem
	}

	// Rejections such as a missing wallet still prove the ledger answers.
	s.checks.Register("ledger", health.FuncChecker("ledger", func(ctx context.Context) error {
		if _, err := inner.GetBalance(ctx, "healthcheck"); failure.IsRetryable(err) {
			return err
		}
		return nil
	}))

	breaker := circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerOpenFor)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("ledger circuit changed state", "rpc", key, "from", from.String(), "to", to.String())
	})
	s.checks.Register("ledger_circuits", func(context.Context) health.Status {
		open := breaker.Snapshot()
		if len(open) == 0 {
			return health.Status{Name: "ledger_circuits", Healthy: true}
		}
		names := make([]string, 0, len(open))
		for rpc, state := range open {
			names = append(names, rpc+"="+state.String())
		}
		slices.Sort(names)
		return health.Status{Name: "ledger_circuits", Healthy: false, Detail: strings.Join(names, ", ")}
	})
	s.ledger = ledgerrpc.NewInstrumented(inner, breaker)
	return nil
}

// buildCache sets up the balance cache, its invalidation bus and the
// wallet service that reads through it.
func (s *Server) buildCache() error {
	var store balancecache.Store
	if s.redis != nil {
		store = balancecache.NewRedisStore(s.redis)
	} else {
		s.cacheStore = balancecache.NewMemoryStore()
		store = s.cacheStore
	}
	cache := balancecache.New(store, s.cfg.BalanceCacheTTL, s.logger)

	var bus balancecache.Bus
	switch s.cfg.InvalidationBus {
	case config.BusRedis:
		if s.redis == nil {
			return errors.New("INVALIDATION_BUS=redis requires REDIS_URL")
		}
		bus = balancecache.NewRedisBus(s.redis, balancecache.DefaultChannel, s.logger)
	case config.BusPostgres:
		if s.db == nil {
			return errors.New("INVALIDATION_BUS=postgres requires DATABASE_URL")
		}
		pgBus := balancecache.NewPostgresBus(s.db, s.cfg.DatabaseURL, s.logger)
		s.purgers = append(s.purgers, idempotency.NewPurger(pgBus, time.Hour, s.logger))
		bus = pgBus
	case config.BusAMQP:
		amqpBus, err := balancecache.NewAMQPBus(s.cfg.AMQPURL, s.logger)
		if err != nil {
			return err
		}
		bus = amqpBus
	default:
		bus = balancecache.NewLocalBus()
	}
	s.logger.Info("balance cache ready", "bus", s.cfg.InvalidationBus, "ttl", s.cfg.BalanceCacheTTL)

	s.invalidator = balancecache.NewInvalidator(cache, bus, s.cfg.InstanceID, s.logger)
	s.walletService = wallet.NewService(s.ledger, cache, s.cfg.Retry)
	return nil
}

func (s *Server) buildServices() {
	var idemStore idempotency.Store
	switch {
	case s.db != nil:
		pg := idempotency.NewPostgresStore(s.db)
		s.purgers = append(s.purgers, idempotency.NewPurger(pg, 10*time.Minute, s.logger))
		idemStore = pg
	case s.redis != nil:
		idemStore = idempotency.NewRedisStore(s.redis)
	default:
		idemStore = idempotency.NewMemoryStore()
	}
	guard := idempotency.NewGuard(idemStore, s.cfg.IdempotencyTTL, s.logger)

	s.transferService = transfer.NewService(s.ledger, guard, transfer.Config{
		Thresholds: s.cfg.Thresholds,
		Policy:     s.cfg.Retry,
		Currency:   s.cfg.DefaultCurrency,
		Timeout:    s.cfg.TransferTimeout,
	}).WithInvalidator(s.invalidator)

	s.escrowService = escrow.NewService(s.ledger, s.cfg.Retry).WithInvalidator(s.invalidator)

	if s.memLedger != nil {
		s.escrowTimer = escrow.NewTimer(s.memLedger, s.invalidator, escrow.DefaultExpiryInterval, s.logger)
	}
}

// maskDSN hides the password in a connection string for logging.
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

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Server) setupMiddleware() {
	// Recovery middleware (must be first)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Sessions are read before rate limiting so limits key by user.
	s.router.Use(auth.Middleware(s.verifier))
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: s.cfg.RateLimitRPS})
	s.router.Use(s.rateLimiter.Middleware())
}

// requestIDMiddleware adds a unique request ID and a request-scoped logger
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware logs requests with structured logging
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Browsers pass the session as ?access_token on the upgrade.
	s.router.GET("/ws", auth.RequireAuth(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.UserID(c))
	})

	v1 := s.router.Group("/v1")

	transferHandler := transfer.NewHandler(s.transferService)
	transferHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	transferHandler.RegisterProtectedRoutes(protected)
	escrow.NewHandler(s.escrowService).RegisterProtectedRoutes(protected)
	wallet.NewHandler(s.walletService).RegisterProtectedRoutes(protected)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Realtime:  s.realtimeHub.Stats(),
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

// startBackground launches the loops that live for the lifetime of runCtx.
func (s *Server) startBackground(runCtx context.Context) {
	go s.realtimeHub.Run(runCtx)

	go func() {
		if err := s.invalidator.Listen(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("invalidation listener stopped", "error", err)
		}
	}()

	if s.cacheStore != nil {
		go s.cacheStore.StartJanitor(runCtx, s.logger)
	}
	for _, p := range s.purgers {
		go p.Start(runCtx)
	}
	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.TransferTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"ledger", s.cfg.LedgerMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after a short delay
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
		cancel()
		s.closeBackends()
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

	// Give load balancers time to stop routing here.
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

	// Background loops stop after in-flight requests finish so their
	// invalidations are still delivered.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
	}
	for _, p := range s.purgers {
		p.Stop()
	}
	if s.cacheStore != nil {
		s.cacheStore.StopJanitor()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeBackends()
	s.logger.Info("server stopped")
	return shutdownErr
}

// closeBackends flushes pending invalidations and closes connections.
func (s *Server) closeBackends() {
	if s.invalidator != nil {
		if err := s.invalidator.Close(); err != nil {
			s.logger.Error("invalidation bus close error", "error", err)
		}
		s.invalidator = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
