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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"livecomments/internal/cache"
	"livecomments/internal/config"
	"livecomments/internal/database"
	"livecomments/internal/handlers/web"
	"livecomments/internal/middleware"
	"livecomments/internal/response"
	"livecomments/internal/router"
	"livecomments/internal/services"
	"livecomments/internal/utils/appinfo"
)

// devJWTSecret signs tokens outside production when JWT_SECRET is unset
const devJWTSecret = "livecomments-development-secret"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	build := appinfo.Get()
	logger.Info("Starting live comments service",
		zap.String("version", build.Version),
		zap.String("revision", build.Revision),
		zap.String("environment", cfg.Server.Environment),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service stopped with error", zap.Error(err))
	}
	logger.Info("Application shutdown completed")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	infra, closeInfra, err := connectInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeInfra()
	infra.Registerer = registry

	serviceCollection, err := services.NewServiceCollection(cfg, infra, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	responseConfig := response.DefaultConfig()
	responseConfig.MaskInternalErrors = cfg.IsProduction()
	responseConfig.PrettyJSON = cfg.IsDevelopment()
	responseBuilder := response.NewBuilder(responseConfig, logger)

	auth, err := newAuthenticator(cfg, responseBuilder, logger)
	if err != nil {
		return err
	}

	sessions := web.NewSessionHandler(serviceCollection.Bus, serviceCollection.CommentService,
		sessionConfig(cfg), logger, registry)

	handler := router.SetupRouter(serviceCollection, &router.Options{
		Auth:                 auth,
		ResponseBuilder:      responseBuilder,
		Sessions:             sessions,
		Registerer:           registry,
		Gatherer:             registry,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		SlowRequestThreshold: time.Second,
	}, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting HTTP server",
			zap.String("address", server.Addr),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if serviceCollection.Broker != nil {
		g.Go(func() error {
			logger.Info("Starting Redis fan-out",
				zap.String("instance_id", serviceCollection.Broker.InstanceID()),
			)
			if err := serviceCollection.Broker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis broker: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down application...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by the server
		sessions.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		} else {
			logger.Info("Server shutdown completed")
		}
		if err := serviceCollection.Shutdown(shutdownCtx); err != nil {
			logger.Error("Service shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// connectInfrastructure opens Postgres and Redis when they are configured.
// The returned func releases whatever was opened.
func connectInfrastructure(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.Infrastructure, func(), error) {
	var infra services.Infrastructure
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.URL != "" {
		manager, err := database.NewManager(ctx, &cfg.Database, logger)
		if err != nil {
			return infra, closeAll, fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, func() {
			if err := manager.Close(); err != nil {
				logger.Error("Failed to close database connections", zap.Error(err))
			} else {
				logger.Info("Database connections closed successfully")
			}
		})
		if cfg.Database.AutoMigrate {
			if err := manager.Migrate(cfg.Database.MigrationsPath); err != nil {
				closeAll()
				return infra, func() {}, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		infra.DB = manager
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			closeAll()
			return infra, func() {}, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { closeRedis(client, logger) })
		infra.Redis = client
	} else {
		logger.Warn("REDIS_URL not set, live updates stay on this instance")
	}

	return infra, closeAll, nil
}

func closeRedis(client *redis.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Error("Failed to close redis client", zap.Error(err))
	}
}

func newAuthenticator(cfg *config.Config, errWriter middleware.ErrorWriter, logger *zap.Logger) (*middleware.Authenticator, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using the development signing secret")
		secret = devJWTSecret
	}
	auth, err := middleware.NewAuthenticator(&middleware.AuthConfig{
		Secret:         []byte(secret),
		Issuer:         cfg.Auth.JWTIssuer,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	}, errWriter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	return auth, nil
}

func sessionConfig(cfg *config.Config) *web.SessionConfig {
	sc := web.DefaultSessionConfig()
	ws := cfg.WebSocket
	sc.ReadBufferSize = ws.ReadBufferSize
	sc.WriteBufferSize = ws.WriteBufferSize
	sc.SendQueueSize = ws.SendQueueSize
	sc.MaxMessageSize = ws.MaxMessageSize
	sc.PongWait = ws.PongWait
	sc.WriteWait = ws.WriteWait
	sc.FrameRate = ws.FrameRate
	sc.FrameBurst = ws.FrameBurst
	sc.SnapshotSize = cfg.Moderation.DefaultPageSize
	sc.AllowedOrigins = cfg.Server.AllowedOrigins
	return sc
}

func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
