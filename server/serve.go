package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/cache"
	"github.com/san-kum/eyeq/server/config"
	"github.com/san-kum/eyeq/server/handlers"
	"github.com/san-kum/eyeq/server/middleware"
	"github.com/san-kum/eyeq/server/ml"
	"github.com/san-kum/eyeq/server/processor"
	"github.com/san-kum/eyeq/server/session"
)

type Server struct {
	router         *gin.Engine
	logger         *zap.Logger
	manager        *session.Manager
	frameProcessor *processor.FrameProcessor
	rateLimiter    *middleware.RateLimiter
	cancel         context.CancelFunc
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServer(cfg, logger)
		},
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.Bool("ml_enabled", cfg.ML.Enabled))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			server.Shutdown()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	server.Shutdown()

	logger.Info("Server exited")
	return nil
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	weights, ok := attention.LookupWeights(cfg.Attention.ReadingProfile)
	if !ok {
		return nil, fmt.Errorf("unknown reading profile %q", cfg.Attention.ReadingProfile)
	}
	smoothing, err := attention.ParseSmoothingPolicy(cfg.Attention.Smoothing)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := session.NewManager(cfg.Attention.Session(), attention.NewScorer(weights), cfg.Attention.MaxSessions, logger)

	var (
		frameProcessor *processor.FrameProcessor
		model          handlers.ModelStatus
	)
	if cfg.ML.Enabled {
		mlClient := ml.NewClient(cfg.ML.BaseURL, ml.ClientConfig{
			Timeout:             cfg.ML.Timeout,
			MaxRetries:          cfg.ML.MaxRetries,
			RetryDelay:          cfg.ML.RetryDelay,
			HealthCheckInterval: cfg.ML.HealthCheckInterval,
		}, logger)
		mlClient.Start(ctx)
		model = mlClient

		frameProcessor = processor.NewFrameProcessor(
			mlClient,
			cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL, logger),
			processor.ProcessorConfig{
				MaxQueueSize:      cfg.Attention.FrameQueueSize,
				MaxWorkers:        cfg.Attention.FrameWorkers,
				ProcessingTimeout: cfg.ML.Timeout * time.Duration(cfg.ML.MaxRetries+1),
			},
			logger,
		)
	} else {
		logger.Info("ML service disabled, clients must send landmarks or analyses")
	}

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	manager.OnStop(rateLimiter.Forget)
	if frameProcessor != nil {
		manager.OnStop(frameProcessor.Release)
	}

	sessionHandler := handlers.NewSessionHandler(manager, frameProcessor, model, logger)
	if cfg.Security.SessionTokens {
		sessionHandler.WithSessionTokens(authMiddleware, cfg.Security.SessionTokenTTL)
	}
	adminHandler := handlers.NewAdminHandler(sessionHandler, rateLimiter, logger)
	wsHandler := handlers.NewWebSocketHandler(manager, frameProcessor, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		DisplayRefresh: cfg.Attention.DisplayRefresh,
		Smoothing:      smoothing,
	}, logger)

	setupRoutes(router, cfg, wsHandler, sessionHandler, adminHandler, authMiddleware, rateLimiter)

	return &Server{
		router:         router,
		logger:         logger,
		manager:        manager,
		frameProcessor: frameProcessor,
		rateLimiter:    rateLimiter,
		cancel:         cancel,
	}, nil
}

func setupRoutes(router *gin.Engine, cfg *config.Config, wsHandler *handlers.WebSocketHandler, sessionHandler *handlers.SessionHandler, adminHandler *handlers.AdminHandler, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter) {
	router.GET("/health", sessionHandler.Health)

	// Websocket connections live long; only the upgrade is rate limited.
	router.GET("/ws", rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(rateLimiter.RateLimit())
	api.Use(middleware.JSONContentType())
	api.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	// Routes that drive one session draw from that session's own bucket and,
	// when session tokens are on, need a token granting that session.
	scoped := []gin.HandlerFunc{
		rateLimiter.LimitBy(middleware.BySession("id"), middleware.Limit{
			RPS:   cfg.Security.SessionInputRPS,
			Burst: cfg.Security.SessionInputBurst,
		}),
	}
	if cfg.Security.SessionTokens {
		scoped = append([]gin.HandlerFunc{auth.RequireAuth(), auth.RequireSessionAccess("id")}, scoped...)
	}
	sessionHandler.Register(api, scoped...)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAuth())
	admin.Use(auth.RequireRole(middleware.RoleAdmin))
	adminHandler.Register(admin)
}

// Shutdown stops sessions before the inference pipeline that feeds them.
func (s *Server) Shutdown() {
	s.manager.StopAll()

	if s.frameProcessor != nil {
		if err := s.frameProcessor.Shutdown(); err != nil {
			s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
		}
	}

	s.rateLimiter.Shutdown()
	s.cancel()
}
