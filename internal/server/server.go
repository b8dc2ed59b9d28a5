// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/chatshield/internal/auth"
	"github.com/mbd888/chatshield/internal/circuitbreaker"
	"github.com/mbd888/chatshield/internal/config"
	"github.com/mbd888/chatshield/internal/health"
	"github.com/mbd888/chatshield/internal/idgen"
	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/ratelimit"
	"github.com/mbd888/chatshield/internal/realtime"
	"github.com/mbd888/chatshield/internal/risk"
	"github.com/mbd888/chatshield/internal/rollup"
	"github.com/mbd888/chatshield/internal/screening"
	"github.com/mbd888/chatshield/internal/security"
	"github.com/mbd888/chatshield/internal/traces"
	"github.com/mbd888/chatshield/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	patterns       *patterns.Registry
	patternWatcher *patterns.Watcher
	screening      *screening.Service
	eventLog       rollup.EventLog
	eventWriter    *rollup.EventWriter
	summaries      rollup.SummaryStore
	rollupRunner   *rollup.Runner
	rollupTimer    *rollup.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	breaker        *circuitbreaker.Breaker
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil if REDIS_URL is unset
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownDelay  time.Duration
	version        string
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	traceShutdown  func(context.Context) error

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

// WithShutdownDelay sets how long Shutdown waits for load balancers to
// stop routing before closing listeners.
func WithShutdownDelay(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDelay = d
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// stores groups the backends chosen at startup.
type stores struct {
	scores     risk.ScoreStore
	scoresName string
	signals    risk.SignalStore
	events     rollup.EventLog
	summaries  rollup.SummaryStore
	claims     rollup.ClaimStore
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownDelay: 5 * time.Second,
		version:       "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Pattern set (embedded default when PATTERNS_FILE is unset)
	s.patterns, err = patterns.NewRegistry(cfg.PatternsFile, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern set: %w", err)
	}
	s.logger.Info("pattern set loaded",
		"version", s.patterns.Current().Version(),
		"patterns", s.patterns.Current().Len(),
		"file", cfg.PatternsFile,
	)
	if cfg.PatternsWatch {
		s.patternWatcher, err = patterns.NewWatcher(s.patterns, 0, s.logger)
		if err != nil {
			return nil, err
		}
	}
	s.health.Register("patterns", func(ctx context.Context) health.Status {
		m := s.patterns.Current()
		if m == nil {
			return health.Status{Healthy: false, Detail: "no pattern set loaded"}
		}
		return health.Status{Healthy: true, Detail: m.Version()}
	})

	// Risk accumulator
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("store circuit changed state", "store", key, "from", from.String(), "to", to.String())
	})
	storeName := st.scoresName
	// An open circuit degrades the gate to fail-closed verdicts; it still answers.
	s.health.Register("risk_store", func(ctx context.Context) health.Status {
		state := s.breaker.State(storeName)
		return health.Status{Healthy: state != circuitbreaker.StateOpen, Detail: storeName + " circuit " + state.String()}
	}, health.NonCritical())
	policy := risk.Policy{
		WarnAt:      cfg.RiskWarnAt,
		RestrictAt:  cfg.RiskRestrictAt,
		BlockAt:     cfg.RiskBlockAt,
		DecayPerDay: cfg.RiskDecayPerDay,
	}
	acc, err := risk.NewAccumulator(st.scores, policy,
		risk.WithRetry(cfg.StoreRetryAttempts, cfg.StoreRetryBaseDelay),
		risk.WithBreaker(s.breaker),
		risk.WithStoreName(st.scoresName),
		risk.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid risk policy: %w", err)
	}
	failClosed, err := risk.ParseStatus(cfg.RiskFailClosedStatus)
	if err != nil {
		return nil, err
	}

	// Realtime moderation feed
	s.realtimeHub = realtime.NewHub(s.logger)
	s.patterns.OnSwap(s.realtimeHub.PublishPatternSet)

	// Event log and rollups
	s.eventLog = st.events
	s.summaries = st.summaries
	s.eventWriter = rollup.NewEventWriter(st.events, s.logger)
	s.rollupRunner = rollup.NewRunner(st.events, st.summaries, st.claims,
		rollup.WithParallelism(cfg.RollupParallelism),
		rollup.WithRunnerLogger(s.logger),
		rollup.OnComplete(s.realtimeHub.PublishRollup),
	)
	s.rollupTimer = rollup.NewTimer(s.rollupRunner, cfg.RollupInterval, cfg.RollupLookback, s.logger)

	s.screening = screening.NewService(s.patterns, acc, st.signals,
		screening.WithEventSink(s.eventWriter),
		screening.WithPublisher(s.realtimeHub),
		screening.WithFailClosedStatus(failClosed),
		screening.WithMaxChars(cfg.MaxMessageChars),
		screening.WithLogger(s.logger),
	)
	s.logger.Info("risk accumulator configured",
		"store", st.scoresName,
		"warn_at", policy.WarnAt,
		"restrict_at", policy.RestrictAt,
		"block_at", policy.BlockAt,
		"decay_per_day", policy.DecayPerDay,
		"fail_closed", failClosed,
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

// openStores picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise. REDIS_URL moves scores and rollup claims to Redis.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	st := &stores{}

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		if err := metrics.RegisterDB(prometheus.DefaultRegisterer, db); err != nil {
			s.logger.Warn("failed to export database pool metrics", "error", err)
		}
		st.scores, st.scoresName = risk.NewPostgresScoreStore(db), "postgres"
		st.signals = risk.NewPostgresSignalStore(db)
		st.events = rollup.NewPostgresEventLog(db)
		st.summaries = rollup.NewPostgresSummaryStore(db)
		st.claims = rollup.NewPostgresClaimStore(db)
		s.health.Register("database", health.Ping(db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		st.scores, st.scoresName = risk.NewMemoryScoreStore(), "memory"
		st.signals = risk.NewMemorySignalStore()
		st.events = rollup.NewMemoryEventLog()
		st.summaries = rollup.NewMemorySummaryStore()
		st.claims = rollup.NewMemoryClaimStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		s.redis = client
		if err := metrics.RegisterRedis(prometheus.DefaultRegisterer, client); err != nil {
			s.logger.Warn("failed to export redis pool metrics", "error", err)
		}
		st.scores, st.scoresName = risk.NewRedisScoreStore(client, ""), "redis"
		st.claims = rollup.NewRedisClaimStore(client, "")
		s.health.Register("redis", health.Ping(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("using Redis for risk scores and rollup claims", "addr", opts.Addr)
	}

	return st, nil
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

	// CORS (dashboards may be served from another origin)
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rlCfg.BurstSize = 2 * s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	var limits ratelimit.Backend = s.rateLimiter
	if s.redis != nil {
		// Replicas share one budget per client.
		limits = ratelimit.NewRedisLimiter(s.redis, "", rlCfg)
	}
	s.router.Use(ratelimit.Middleware(limits))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Server spans, continuing any upstream traceparent
	s.router.Use(traces.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// loggingMiddleware logs each request once it completes: 5xx at error,
// 4xx at warn and the rest at debug.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if status >= 500 {
			attrs = append(attrs, slog.String("client_ip", c.ClientIP()))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		ctx := c.Request.Context()
		logging.L(ctx).LogAttrs(ctx, level, "request completed", attrs...)
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

	requireAdmin := auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment())

	// WebSocket moderation feed (admin only)
	s.router.GET("/ws", requireAdmin, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	screeningHandler := screening.NewHandler(s.screening)
	screeningHandler.RegisterRoutes(v1)

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(requireAdmin)
	{
		screeningHandler.RegisterAdminRoutes(admin)
		rollup.NewHandler(s.eventLog, s.summaries, s.rollupRunner).RegisterAdminRoutes(admin)
		admin.GET("/stats", s.statsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    health.Overall  `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler answers 503 only when a critical check fails; a degraded
// service stays in rotation.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	httpStatus := http.StatusOK
	if report.Status == health.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    report.Status,
		Version:   s.version,
		Checks:    report.Checks,
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

// statsHandler handles GET /v1/admin/stats
func (s *Server) statsHandler(c *gin.Context) {
	m := s.patterns.Current()
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"patterns": gin.H{
			"version": m.Version(),
			"count":   m.Len(),
		},
		"realtime": s.realtimeHub.Stats(),
		"events": gin.H{
			"writerRunning": s.eventWriter.Running(),
			"written":       s.eventWriter.Written(),
			"dropped":       s.eventWriter.Dropped(),
		},
		"rollups": gin.H{
			"timerRunning": s.rollupTimer.Running(),
			"lastPass":     s.rollupTimer.LastTick(),
		},
		"rateLimitedClients": s.rateLimiter.Clients(),
		"circuits":           s.breaker.Snapshot(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	traceShutdown, err := traces.Init(runCtx, traces.Options{
		Endpoint:       s.cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		SampleRatio:    s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = traceShutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The event writer outlives runCtx so in-flight requests still land in
	// the log; Shutdown stops it after the HTTP server drains.
	go s.eventWriter.Start(context.WithoutCancel(ctx))

	go s.realtimeHub.Run(runCtx)
	go s.rollupTimer.Start(runCtx)

	if s.patternWatcher != nil {
		if err := s.patternWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start pattern watcher", "error", err)
		}
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	// Bound and serving: load balancers may send traffic.
	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String())

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
		if ctx.Err() != nil {
			s.logger.Info("context cancelled")
		} else {
			s.logger.Info("shutdown signal received")
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, rollup timer, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.rollupTimer.Stop()
	s.logger.Info("rollup timer stopped")

	if s.patternWatcher != nil {
		s.patternWatcher.Stop()
		s.logger.Info("pattern watcher stopped")
	}

	// Flush buffered events
	if s.httpSrv != nil {
		s.eventWriter.Stop()
		s.logger.Info("event writer flushed", "written", s.eventWriter.Written(), "dropped", s.eventWriter.Dropped())
	}

	// Stop rate limiter cleanup goroutine
	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
