package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/simlab/backend/internal/api/http"
	"github.com/GriffinCanCode/simlab/backend/internal/api/middleware"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/generation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/quota"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/simulation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/workspace"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/credentials"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/storage"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/paths"
	"github.com/GriffinCanCode/simlab/backend/internal/ws"
)

// Version is reported by the banner and health endpoints.
var Version = "0.1.0"

// authTimeout bounds each credential store call.
const authTimeout = 15 * time.Second

// Server wraps the HTTP server and dependencies
type Server struct {
	router     *gin.Engine
	handler    http.Handler
	httpServer *http.Server
	workspaces *workspace.Manager
	quotaStore *storage.QuotaStore
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger *logging.Logger
	// Generator replaces the remote generation client.
	Generator simulation.Generator
	// Backends replaces the GoTrue credential store factory.
	Backends func() workspace.Backend
}

// NewServer creates a new server instance
func NewServer(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	logger.Info("Initializing SimLab server",
		zap.String("port", cfg.Server.Port),
		zap.String("generation_endpoint", cfg.Generation.Endpoint),
		zap.String("auth_url", cfg.Auth.URL),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("simlab", logger.Component("tracing"))

	var (
		store      quota.Store
		quotaStore *storage.QuotaStore
	)
	if dbPath := paths.Resolve(cfg.Quota.DBPath); dbPath != "" {
		qs, err := storage.OpenQuotaStore(ctx, dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open quota store: %w", err)
		}
		quotaStore, store = qs, qs
		logger.Info("Quota store opened", zap.String("path", qs.Path()))
	} else {
		logger.Warn("No quota database configured; usage is kept in memory")
	}

	ledger := quota.NewLedger(quota.Options{
		Limit:    cfg.Quota.Limit,
		Store:    store,
		Logger:   logger.Component("quota"),
		Recorder: metrics,
	})

	gen := opts.Generator
	if gen == nil {
		gen = generation.NewClient(generation.Options{
			Endpoint:          cfg.Generation.Endpoint,
			Timeout:           cfg.Generation.Timeout,
			RequestsPerSecond: cfg.Generation.RequestsPerSecond,
			Logger:            logger.Component("generation"),
		})
	}

	backends := opts.Backends
	if backends == nil {
		authClient := credentials.NewClient(cfg.Auth.URL, authTimeout, logger.Component("credentials"))
		credLog := logger.Component("credentials")
		backends = func() workspace.Backend {
			return credentials.New(authClient, credentials.Options{APIKey: cfg.Auth.APIKey, Logger: credLog})
		}
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.ScriptBudget = cfg.Sandbox.ScriptBudget
	sandboxCfg.FrameInterval = cfg.Sandbox.FrameInterval
	if cfg.Sandbox.MaxConsoleEntries > 0 {
		sandboxCfg.MaxConsoleEntries = cfg.Sandbox.MaxConsoleEntries
	}

	workspaces := workspace.NewManager(workspace.Options{
		Backends:         backends,
		Ledger:           ledger,
		Generator:        gen,
		Sandbox:          sandboxCfg,
		RefreshThreshold: cfg.Auth.RefreshThreshold,
		MonitorInterval:  cfg.Auth.MonitorInterval,
		IdleTTL:          cfg.Workspace.IdleTTL,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger.Logger,
	})

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))

	corsCfg := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowOrigins
	}
	router.Use(middleware.CORS(corsCfg))

	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(workspaces, apihttp.Options{
		Version: Version,
		Metrics: metrics,
		Logger:  logger.Logger,
	})
	handlers.Register(router)

	wsHandler := ws.NewHandler(workspaces, ws.Options{
		AllowOrigins: cfg.Server.AllowOrigins,
		Metrics:      metrics,
		Logger:       logger.Logger,
	})
	router.GET("/workspaces/:id/stream", wsHandler.HandleConnection)

	logger.Info("Server initialized successfully")

	s := &Server{
		router:     router,
		workspaces: workspaces,
		quotaStore: quotaStore,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
	}
	s.handler = s.compress(router)
	return s, nil
}

// compress gzips responses except WebSocket upgrades, which need the raw
// connection.
func (s *Server) compress(next http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Workspaces returns the workspace manager.
func (s *Server) Workspaces() *workspace.Manager {
	return s.workspaces
}

// Run serves HTTP until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.workspaces.RunSweeper(sweepCtx, s.config.Workspace.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server", zap.Duration("timeout", s.config.Server.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close tears down workspaces and releases storage
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.workspaces.Close()

	var err error
	if s.quotaStore != nil {
		if cerr := s.quotaStore.Close(); cerr != nil {
			s.logger.Error("Failed to close quota store", zap.Error(cerr))
			err = fmt.Errorf("failed to close quota store: %w", cerr)
		}
	}

	// Sync logger before exit
	_ = s.logger.Sync()
	return err
}
