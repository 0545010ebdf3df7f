// file: internal/services/service_collection.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"livecomments/internal/cache"
	"livecomments/internal/config"
	"livecomments/internal/database"
	"livecomments/internal/events"
	"livecomments/internal/mentions"
	"livecomments/internal/repositories"
)

// ServiceCollection holds the wired pipeline and its infrastructure
type ServiceCollection struct {
	CommentService CommentService

	Repositories *repositories.Collection
	Cache        cache.Cache
	Bus          *events.Bus
	// Broker is nil when no Redis client is configured
	Broker    *events.RedisBroker
	Publisher events.Publisher
	Suggester *mentions.Suggester

	Logger    *zap.Logger
	Config    *config.Config
	DBManager *database.Manager

	startTime    time.Time
	shutdownOnce sync.Once
}

// Infrastructure carries the optional external connections. A nil DB
// selects in-memory repositories; a nil Redis client keeps the bus and cache
// process-local.
type Infrastructure struct {
	DB         *database.Manager
	Redis      redis.UniversalClient
	Registerer prometheus.Registerer
}

// ServiceHealth represents the health status of the service collection
type ServiceHealth struct {
	Status       string                   `json:"status"`
	Timestamp    time.Time                `json:"timestamp"`
	Uptime       string                   `json:"uptime"`
	Dependencies map[string]ServiceStatus `json:"dependencies"`
}

// ServiceStatus represents the status of an individual dependency
type ServiceStatus struct {
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// NewServiceCollection wires repositories, cache, bus and services
func NewServiceCollection(cfg *config.Config, infra Infrastructure, logger *zap.Logger) (*ServiceCollection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sc := &ServiceCollection{
		Config:    cfg,
		Logger:    logger,
		DBManager: infra.DB,
		startTime: time.Now(),
	}

	// Initialize in dependency order
	if err := sc.initializeInfrastructure(infra); err != nil {
		return nil, fmt.Errorf("failed to initialize infrastructure: %w", err)
	}
	if err := sc.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	sc.initializeServices()

	logger.Info("Service collection initialized",
		zap.Bool("postgres", infra.DB != nil),
		zap.Bool("redis", infra.Redis != nil),
	)
	return sc, nil
}

// ===============================
// INITIALIZATION METHODS
// ===============================

func (sc *ServiceCollection) initializeInfrastructure(infra Infrastructure) error {
	cacheConfig := cache.DefaultConfig()
	cacheConfig.TTL = sc.Config.Cache.DefaultTTL
	cacheConfig.CleanupInterval = sc.Config.Cache.CleanupInterval
	if infra.Redis != nil {
		cacheConfig.Provider = "redis"
	}

	c, err := cache.NewCache(cacheConfig, infra.Redis, sc.Logger)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	sc.Cache = c

	var metrics *events.Metrics
	if infra.Registerer != nil {
		metrics = events.NewMetrics(infra.Registerer)
	}
	sc.Bus = events.NewBus(&events.BusConfig{
		MailboxSize:    sc.Config.Bus.MailboxSize,
		HandlerTimeout: sc.Config.Bus.HandlerTimeout,
		CloseTimeout:   sc.Config.Bus.CloseTimeout,
	}, sc.Logger, metrics)
	sc.Publisher = sc.Bus

	if infra.Redis != nil {
		brokerConfig := events.DefaultRedisBrokerConfig()
		if sc.Config.Redis.ChannelPrefix != "" {
			brokerConfig.ChannelPrefix = sc.Config.Redis.ChannelPrefix
		}
		brokerConfig.InstanceID = sc.Config.Redis.InstanceID
		sc.Broker = events.NewRedisBroker(infra.Redis, sc.Bus, brokerConfig, sc.Logger)
		sc.Publisher = sc.Broker
	}
	return nil
}

func (sc *ServiceCollection) initializeRepositories() error {
	repoConfig := &repositories.RepositoryConfig{PreModeration: sc.Config.Moderation.PreModeration}

	if sc.DBManager == nil {
		sc.Logger.Warn("No database configured, using in-memory repositories")
		sc.Repositories = repositories.NewMemoryCollection(repoConfig)
		return nil
	}

	repos, err := repositories.NewCollection(sc.DBManager, sc.Logger, repoConfig)
	if err != nil {
		return err
	}
	sc.Repositories = repos
	return nil
}

func (sc *ServiceCollection) initializeServices() {
	search := repositories.NewCachedUserSearch(sc.Repositories.Users, sc.Cache, sc.Config.Cache.MentionTTL, sc.Logger)
	sc.Suggester = mentions.NewSuggester(search, &mentions.Config{
		PageSize:      sc.Config.Mentions.PageSize,
		Debounce:      sc.Config.Mentions.Debounce,
		LookupTimeout: sc.Config.Mentions.LookupTimeout,
	}, sc.Logger)

	sc.CommentService = NewCommentService(sc.Repositories, sc.Publisher, sc.Cache, sc.Suggester, sc.Logger, &CommentServiceConfig{
		SubmitRateLimit:  sc.Config.Moderation.SubmitRateLimit,
		SubmitRateWindow: sc.Config.Moderation.SubmitRateWindow,
		DefaultPageSize:  sc.Config.Moderation.DefaultPageSize,
		MaxPageSize:      sc.Config.Moderation.MaxPageSize,
		ActivityLogLimit: DefaultCommentConfig().ActivityLogLimit,
	})
}

// ===============================
// HEALTH AND LIFECYCLE
// ===============================

// HealthCheck probes every dependency
func (sc *ServiceCollection) HealthCheck(ctx context.Context) *ServiceHealth {
	health := &ServiceHealth{
		Status:       "healthy",
		Timestamp:    time.Now(),
		Uptime:       time.Since(sc.startTime).Round(time.Second).String(),
		Dependencies: make(map[string]ServiceStatus),
	}

	probe := func(name string, check func(context.Context) error) {
		start := time.Now()
		status := ServiceStatus{Name: name, Status: "healthy"}
		if err := check(ctx); err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			health.Status = "unhealthy"
		}
		status.ResponseTime = time.Since(start)
		health.Dependencies[name] = status
	}

	probe("bus", func(context.Context) error { return sc.Bus.Health() })
	probe("cache", sc.Cache.Health)
	if sc.DBManager != nil {
		probe("database", func(ctx context.Context) error {
			if h := sc.DBManager.Health(ctx); h.Status != "healthy" {
				return fmt.Errorf("%s", h.Error)
			}
			return nil
		})
	}
	return health
}

// Shutdown closes the bus, draining subscribers, and the cache
func (sc *ServiceCollection) Shutdown(ctx context.Context) error {
	var err error
	sc.shutdownOnce.Do(func() {
		sc.Logger.Info("Shutting down services")
		if busErr := sc.Bus.Close(ctx); busErr != nil {
			err = fmt.Errorf("failed to close bus: %w", busErr)
		}
		if cacheErr := sc.Cache.Close(); cacheErr != nil && err == nil {
			err = fmt.Errorf("failed to close cache: %w", cacheErr)
		}
	})
	return err
}
