// Package server sets up the HTTP server with all routes and runs the
// background ingestion that keeps the withdrawal mirror current.
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

	"github.com/payrollx/escrowrecon/internal/auth"
	"github.com/payrollx/escrowrecon/internal/chain"
	"github.com/payrollx/escrowrecon/internal/circuitbreaker"
	"github.com/payrollx/escrowrecon/internal/claims"
	"github.com/payrollx/escrowrecon/internal/config"
	"github.com/payrollx/escrowrecon/internal/entitlement"
	"github.com/payrollx/escrowrecon/internal/gate"
	"github.com/payrollx/escrowrecon/internal/health"
	"github.com/payrollx/escrowrecon/internal/ingest"
	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/metrics"
	"github.com/payrollx/escrowrecon/internal/mirror"
	"github.com/payrollx/escrowrecon/internal/payrail"
	"github.com/payrollx/escrowrecon/internal/ratelimit"
	"github.com/payrollx/escrowrecon/internal/realtime"
	"github.com/payrollx/escrowrecon/internal/redemption"
	"github.com/payrollx/escrowrecon/internal/retry"
	"github.com/payrollx/escrowrecon/internal/subgraph"
	"github.com/payrollx/escrowrecon/internal/token"
	"github.com/payrollx/escrowrecon/internal/traces"
	"github.com/payrollx/escrowrecon/internal/upstream"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	db      *sql.DB // nil if using in-memory

	// Ledger sources. ledger is nil when only mirrored events are available.
	ledger upstream.Ledger
	events entitlement.EventSource
	feed   ingest.Source

	calc        *entitlement.Calculator
	claims      *claims.Service
	gate        *gate.Gate
	mirror      *mirror.Service
	redemptions *redemption.Service

	realtimeHub  *realtime.Hub
	poller       *ingest.Poller
	natsConsumer *ingest.NATSConsumer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithVersion sets the build version reported by /v1/info and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLedger injects ledger sources instead of dialing the configured
// chain and indexer (for testing). ledger may be nil.
func WithLedger(ledger upstream.Ledger, events entitlement.EventSource) Option {
	return func(s *Server) {
		s.ledger = ledger
		s.events = events
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	tokens, err := token.NewRegistry(map[token.Type]string{
		token.USDC: cfg.TokenUSDC,
		token.USDT: cfg.TokenUSDT,
		token.IDRX: cfg.TokenIDRX,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build token registry: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		mirrorStore     mirror.Store
		redemptionStore redemption.Store
		cursors         ingest.CursorStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		mirrorStore = mirror.NewPostgresStore(db)
		redemptionStore = redemption.NewPostgresStore(db)
		cursors = ingest.NewPostgresCursorStore(db)
		s.health.Register("database", health.FromPing(db.PingContext))
		s.logger.Info("connected to PostgreSQL", "url", redactURL(cfg.DatabaseURL))
	} else {
		mirrorStore = mirror.NewMemoryStore()
		redemptionStore = redemption.NewMemoryStore()
		cursors = ingest.NewMemoryCursorStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data lost on restart)")
	}

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)

	if s.events == nil && cfg.LedgerConfigured() {
		if err := s.dialLedger(tokens, breaker); err != nil {
			return nil, err
		}
	}
	if s.events == nil {
		// Without an indexer, balances are replayed from what has been
		// mirrored through the internal endpoints or NATS.
		s.events = mirror.NewEventSource(mirrorStore)
		s.logger.Warn("no ledger configured, replaying balances from mirrored events")
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.mirror = mirror.NewService(mirrorStore, s.logger).
		WithTimeout(cfg.StorageTimeout).
		WithNotifier(s.realtimeHub)

	var ledgerReader entitlement.LedgerReader
	var vesting gate.VestingReader
	var funding gate.FundingReader
	if s.ledger != nil {
		ledgerReader, vesting, funding = s.ledger, s.ledger, s.ledger
	}
	s.calc = entitlement.NewCalculator(ledgerReader, s.events, s.logger)
	s.claims = claims.NewService(s.calc, s.events, s.logger).WithHistory(s.mirror)

	var rail redemption.Rail
	if cfg.PayrailConfigured() {
		rail = payrail.NewClient(payrail.Config{
			BaseURL: cfg.PayrailBaseURL,
			APIKey:  cfg.PayrailAPIKey,
			Secret:  cfg.PayrailSecret,
			Timeout: cfg.UpstreamTimeout,
		})
	} else {
		s.logger.Info("payment rail not configured, fiat redemptions disabled")
	}
	s.redemptions = redemption.NewService(redemptionStore, s.mirror, rail, cfg.ChainID, s.logger).
		WithBreaker(breaker).
		WithNotifier(s.realtimeHub)

	s.gate = gate.New(s.calc, vesting, funding, s.logger).WithRedemptions(s.redemptions)

	if s.feed != nil {
		s.poller = ingest.NewPoller(s.feed, s.mirror, cursors, ingest.Config{
			PollInterval: cfg.IngestPollInterval,
			BatchSize:    cfg.IngestBatchSize,
			Retry:        retry.DefaultPolicy(),
		}, s.logger)
		s.health.Register("ingest", s.poller.HealthCheck)
	}

	if cfg.NATSURL != "" {
		consumer, err := ingest.NewNATSConsumer(ingest.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
		}, s.mirror, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		s.natsConsumer = consumer
		s.health.RegisterOptional("nats", health.FromPing(consumer.Ping))
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// dialLedger connects the contract reader and the indexer, each behind the
// upstream guard.
func (s *Server) dialLedger(tokens *token.Registry, breaker *circuitbreaker.Breaker) error {
	guard := upstream.NewGuard(breaker, s.cfg.UpstreamTimeout)

	reader, err := chain.NewReader(chain.Config{
		RPCURL:         s.cfg.RPCURL,
		EscrowContract: s.cfg.EscrowContract,
	}, tokens)
	if err != nil {
		return fmt.Errorf("failed to create chain reader: %w", err)
	}
	indexer := subgraph.NewClient(subgraph.Config{
		URL:     s.cfg.SubgraphURL,
		APIKey:  s.cfg.SubgraphAPIKey,
		Timeout: s.cfg.UpstreamTimeout,
	}, tokens, s.logger)

	s.ledger = upstream.NewLedger(reader, guard, "chain")
	s.events = upstream.NewEvents(indexer, guard, "subgraph")
	s.feed = indexer

	// The API degrades per escrow when a source is down, so neither takes
	// the service out of rotation.
	s.health.RegisterOptional("chain", health.FromPing(reader.Ping))
	s.health.RegisterOptional("subgraph", health.FromPing(indexer.Ping))

	s.logger.Info("ledger sources configured",
		"chain_id", s.cfg.ChainID,
		"escrow_contract", s.cfg.EscrowContract,
		"subgraph", redactURL(s.cfg.SubgraphURL),
	)
	return nil
}

// redactURL masks the password in a connection URL for safe logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
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

	// WebSocket for mirrored withdrawals and redemption updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	claims.NewHandler(s.claims, s.calc).RegisterRoutes(v1)
	gate.NewHandler(s.gate).RegisterRoutes(v1)
	redemption.NewHandler(s.redemptions).RegisterRoutes(v1)

	mirrorHandler := mirror.NewHandler(s.mirror)
	mirrorHandler.RegisterRoutes(v1)

	// Mirror writes come from the trusted ingestion side only.
	internal := v1.Group("", auth.RequireInternal(s.cfg.InternalAPISecret))
	mirrorHandler.RegisterInternalRoutes(internal)
}

func (s *Server) infoHandler(c *gin.Context) {
	source := "chain"
	if s.ledger == nil {
		source = "mirror"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":                 "escrowrecon",
		"version":              s.version,
		"chainId":              s.cfg.ChainID,
		"escrowContract":       s.cfg.EscrowContract,
		"ledgerSource":         source,
		"redemptionsEnabled":   s.cfg.PayrailConfigured(),
		"realtime":             s.realtimeHub.Stats(),
		"supportedTokenTypes":  []token.Type{token.USDC, token.USDT, token.IDRX},
		"internalWritesActive": s.cfg.InternalAPISecret != "",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, a signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.poller != nil {
		s.poller.Start(runCtx)
	}

	if s.natsConsumer != nil {
		if err := s.natsConsumer.Start(runCtx); err != nil {
			s.logger.Error("failed to start NATS consumer", "error", err)
		}
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop ingestion before the stores it writes to go away.
	if s.natsConsumer != nil {
		s.natsConsumer.Stop()
		s.logger.Info("NATS consumer stopped")
	}
	if s.poller != nil {
		s.poller.Stop()
		s.logger.Info("ingest poller stopped")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
